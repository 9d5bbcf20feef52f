package sanitize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// str coerces a decoded JSON value into a trimmed string.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// text is str without trimming, for user-authored content.
func text(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return str(v)
}

// num coerces a decoded JSON value into a non-negative integer.
// RFC 3339 strings are read as Unix milliseconds.
func num(v any) int64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			if i < 0 {
				return 0
			}
			return i
		}
		// Out-of-range literals such as 1e400 parse to ±Inf with an error.
		parsed, err := t.Float64()
		if err != nil && !math.IsInf(parsed, 0) {
			return 0
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if parsed, err := strconv.ParseFloat(s, 64); err == nil {
			f = parsed
		} else if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			f = float64(ts.UnixMilli())
		} else {
			return 0
		}
	case bool:
		return 0
	default:
		return 0
	}
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}

func boolean(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return f != 0 || (err != nil && math.IsInf(f, 0))
	default:
		return false
	}
}

// strList returns the non-empty, de-duplicated strings of a JSON array.
// The result is nil when empty.
func strList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		s := str(item)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func array(v any) []any {
	a, _ := v.([]any)
	return a
}

// pick returns the first present key, letting historical documents that used
// older collection names load.
func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// dedupe keeps the last value for each id at the position the id first appeared.
func dedupe[T any](items []T, id func(T) string) []T {
	index := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		key := id(item)
		if i, ok := index[key]; ok {
			out[i] = item
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out
}
