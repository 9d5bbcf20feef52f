// Package sanitize turns an untrusted persisted snapshot into a well-formed
// aggregate. Every loader passes through it; it never fails and never does I/O.
package sanitize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/vedran77/pulse/internal/domain"
)

// Sanitize normalises raw into an aggregate. raw may be nil, raw JSON bytes,
// a decoded JSON object, or an aggregate value. Malformed entities are dropped;
// the result always satisfies the aggregate invariants and
// Sanitize(Sanitize(x)) equals Sanitize(x).
func Sanitize(raw any) *domain.Aggregate {
	switch v := raw.(type) {
	case nil:
		return domain.NewAggregate()
	case []byte:
		return SanitizeJSON(v)
	case json.RawMessage:
		return SanitizeJSON(v)
	case string:
		return SanitizeJSON([]byte(v))
	case map[string]any:
		return fromMap(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return domain.NewAggregate()
		}
		return SanitizeJSON(data)
	}
}

// SanitizeJSON decodes data and sanitises it. Undecodable input yields an
// empty aggregate.
func SanitizeJSON(data []byte) *domain.Aggregate {
	agg, _ := Parse(data)
	return agg
}

// Parse is SanitizeJSON that also reports whether data was readable. Empty
// input and a JSON null are readable; anything that is not a JSON object is
// not. Each collection element is decoded on its own, so a bad entity drops
// only itself.
func Parse(data []byte) (*domain.Aggregate, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return domain.NewAggregate(), true
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil || top == nil {
		return domain.NewAggregate(), false
	}
	m := make(map[string]any, len(top))
	for key, raw := range top {
		if v, ok := decodeLoose(raw); ok {
			m[key] = v
		}
	}
	return fromMap(m), true
}

// decodeLoose decodes raw keeping numbers as json.Number. Arrays are decoded
// element by element and undecodable elements are dropped.
func decodeLoose(raw json.RawMessage) (any, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			if v, ok := decodeValue(item); ok {
				out = append(out, v)
			}
		}
		return out, true
	}
	return decodeValue(raw)
}

func decodeValue(raw json.RawMessage) (any, bool) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func fromMap(m map[string]any) *domain.Aggregate {
	agg := domain.NewAggregate()

	agg.Users = users(array(pick(m, "users")))
	agg.Threads = threads(array(pick(m, "threads", "chats")))

	known := make(map[string]struct{}, len(agg.Threads))
	for _, t := range agg.Threads {
		known[t.ID] = struct{}{}
	}
	agg.Messages = messages(array(pick(m, "messages")), known)
	agg.CallSignals = signals(array(pick(m, "callSignals", "signals")))
	agg.Sanctions = sanctions(array(pick(m, "sanctions")))
	agg.Reports = reports(array(pick(m, "reports", "moderationReports")))
	agg.AuditLog = audit(array(pick(m, "auditLog", "audit")))
	agg.Counters = counters(object(pick(m, "counters")))

	return agg
}

func users(items []any) []domain.User {
	parsed := make([]domain.User, 0, len(items))
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		u := domain.User{
			ID:           str(o["id"]),
			Name:         str(o["name"]),
			Username:     strings.ToLower(str(o["username"])),
			Email:        strings.ToLower(str(o["email"])),
			PasswordHash: str(pick(o, "passwordHash", "password")),
			IsBot:        boolean(o["isBot"]),
			IsAdmin:      boolean(o["isAdmin"]),
			Bio:          text(o["bio"]),
			AvatarURL:    str(pick(o, "avatarUrl", "avatar")),
			Birthday:     str(o["birthday"]),
			LastSeenAt:   num(o["lastSeenAt"]),
			CreatedAt:    num(o["createdAt"]),
			UpdatedAt:    num(o["updatedAt"]),
		}
		if u.ID == "" {
			continue
		}
		if u.Username == "" {
			u.Username = strings.ToLower(u.ID)
		}
		if u.Name == "" {
			u.Name = u.Username
		}
		for _, id := range strList(o["blockedUserIds"]) {
			if id != u.ID {
				u.BlockedUserIDs = append(u.BlockedUserIDs, id)
			}
		}
		p := object(o["privacy"])
		u.Privacy = domain.Privacy{
			LastSeen: visibility(p["lastSeen"]),
			Avatar:   visibility(p["avatar"]),
			Bio:      visibility(p["bio"]),
			Birthday: visibility(p["birthday"]),
		}
		parsed = append(parsed, u)
	}
	parsed = dedupe(parsed, func(u domain.User) string { return u.ID })

	// Username and email are unique: the first holder keeps them.
	usernames := make(map[string]struct{}, len(parsed))
	emails := make(map[string]struct{}, len(parsed))
	out := make([]domain.User, 0, len(parsed))
	for _, u := range parsed {
		if _, taken := usernames[u.Username]; taken {
			continue
		}
		if u.Email != "" {
			if _, taken := emails[u.Email]; taken {
				continue
			}
			emails[u.Email] = struct{}{}
		}
		usernames[u.Username] = struct{}{}
		out = append(out, u)
	}
	return out
}

func visibility(v any) domain.Visibility {
	o := object(v)
	if o == nil {
		// Older documents stored the bare mode string.
		if s := str(v); s != "" {
			o = map[string]any{"mode": s}
		} else {
			return domain.Visibility{Mode: domain.VisibilityEveryone}
		}
	}
	mode := str(o["mode"])
	switch mode {
	case domain.VisibilityEveryone, domain.VisibilitySelected, domain.VisibilityNobody:
	default:
		mode = domain.VisibilityEveryone
	}
	return domain.Visibility{Mode: mode, Allow: strList(o["allow"])}
}

func threads(items []any) []domain.Thread {
	parsed := make([]domain.Thread, 0, len(items))
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		t := domain.Thread{
			ID:            str(o["id"]),
			Kind:          str(pick(o, "kind", "type")),
			Title:         str(pick(o, "title", "name")),
			MemberIDs:     strList(pick(o, "memberIds", "members")),
			CreatedBy:     str(o["createdBy"]),
			CreatedAt:     num(o["createdAt"]),
			UpdatedAt:     num(o["updatedAt"]),
			LastMessageAt: num(o["lastMessageAt"]),
		}
		if t.ID == "" {
			continue
		}
		if t.Kind != domain.ThreadDirect && t.Kind != domain.ThreadGroup {
			if len(t.MemberIDs) > 2 {
				t.Kind = domain.ThreadGroup
			} else {
				t.Kind = domain.ThreadDirect
			}
		}
		if !t.Viable() {
			continue
		}
		if t.Kind == domain.ThreadGroup {
			t.Roles = roles(object(o["roles"]), t.MemberIDs, t.CreatedBy)
		} else {
			t.Title = ""
		}
		members := make(map[string]struct{}, len(t.MemberIDs))
		for _, id := range t.MemberIDs {
			members[id] = struct{}{}
		}
		t.LastReadAt = timestamps(object(o["lastReadAt"]), members)
		t.TypingAt = timestamps(object(o["typingAt"]), members)
		t.Pinned = flags(object(o["pinned"]), members)
		t.Muted = flags(object(o["muted"]), members)
		parsed = append(parsed, t)
	}
	return dedupe(parsed, func(t domain.Thread) string { return t.ID })
}

// roles rebuilds a group's role map so that it covers exactly the members and
// names exactly one owner.
func roles(raw map[string]any, members []string, createdBy string) map[string]string {
	out := make(map[string]string, len(members))
	owner := ""
	for _, id := range members {
		role := str(raw[id])
		switch role {
		case domain.RoleOwner:
			if owner == "" {
				owner = id
			} else {
				role = domain.RoleAdmin
			}
		case domain.RoleAdmin, domain.RoleMember:
		default:
			role = domain.RoleMember
		}
		out[id] = role
	}
	if owner == "" {
		owner = members[0]
		for _, id := range members {
			if id == createdBy {
				owner = id
				break
			}
		}
		out[owner] = domain.RoleOwner
	}
	return out
}

func timestamps(raw map[string]any, members map[string]struct{}) map[string]int64 {
	var out map[string]int64
	for id, v := range raw {
		if _, ok := members[id]; !ok {
			continue
		}
		ts := num(v)
		if ts == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]int64)
		}
		out[id] = ts
	}
	return out
}

func flags(raw map[string]any, members map[string]struct{}) map[string]bool {
	var out map[string]bool
	for id, v := range raw {
		if _, ok := members[id]; !ok || !boolean(v) {
			continue
		}
		if out == nil {
			out = make(map[string]bool)
		}
		out[id] = true
	}
	return out
}

func messages(items []any, threads map[string]struct{}) []domain.Message {
	parsed := make([]domain.Message, 0, len(items))
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		m := domain.Message{
			ID:        str(o["id"]),
			ThreadID:  str(pick(o, "threadId", "chatId")),
			AuthorID:  str(pick(o, "authorId", "senderId")),
			Text:      text(o["text"]),
			ReplyToID: str(o["replyToId"]),
			CreatedAt: num(o["createdAt"]),
			EditedAt:  num(o["editedAt"]),
		}
		if m.ID == "" || m.ThreadID == "" || m.AuthorID == "" {
			continue
		}
		if _, ok := threads[m.ThreadID]; !ok && !m.IsFavorites() {
			continue
		}
		m.Attachments = attachments(array(o["attachments"]), m.ID)
		if !m.HasContent() {
			continue
		}
		for id, v := range object(o["savedBy"]) {
			if id == "" {
				continue
			}
			if ts := num(v); ts > 0 {
				if m.SavedBy == nil {
					m.SavedBy = make(map[string]int64)
				}
				m.SavedBy[id] = ts
			}
		}
		parsed = append(parsed, m)
	}
	return dedupe(parsed, func(m domain.Message) string { return m.ID })
}

func attachments(items []any, messageID string) []domain.Attachment {
	var out []domain.Attachment
	seen := make(map[string]struct{})
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		a := domain.Attachment{
			ID:       str(o["id"]),
			Kind:     str(o["kind"]),
			URL:      str(o["url"]),
			Name:     str(o["name"]),
			Size:     num(o["size"]),
			MimeType: str(o["mimeType"]),
		}
		if a.URL == "" {
			continue
		}
		if a.ID == "" {
			a.ID = messageID + ":" + strconv.Itoa(len(out))
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		if a.Kind == "" {
			a.Kind = "file"
		}
		out = append(out, a)
	}
	return out
}

func signals(items []any) []domain.CallSignal {
	parsed := make([]domain.CallSignal, 0, len(items))
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		s := domain.CallSignal{
			ID:         str(o["id"]),
			ChatID:     str(o["chatId"]),
			FromUserID: str(o["fromUserId"]),
			ToUserID:   str(o["toUserId"]),
			Type:       str(o["type"]),
			CreatedAt:  num(o["createdAt"]),
		}
		if s.ID == "" || s.ChatID == "" || s.FromUserID == "" || s.ToUserID == "" {
			continue
		}
		if s.FromUserID == s.ToUserID || !domain.ValidSignalType(s.Type) {
			continue
		}
		s.Payload = payload(o["payload"])
		parsed = append(parsed, s)
	}
	return dedupe(parsed, func(s domain.CallSignal) string { return s.ID })
}

// payload re-encodes an opaque JSON value in canonical form.
func payload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func sanctions(items []any) []domain.Sanction {
	parsed := make([]domain.Sanction, 0, len(items))
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		s := domain.Sanction{
			ID:        str(o["id"]),
			UserID:    str(o["userId"]),
			Kind:      str(o["kind"]),
			Reason:    text(o["reason"]),
			IssuedBy:  str(o["issuedBy"]),
			CreatedAt: num(o["createdAt"]),
			ExpiresAt: num(o["expiresAt"]),
		}
		if s.ID == "" || s.UserID == "" {
			continue
		}
		if s.Kind != domain.SanctionMute && s.Kind != domain.SanctionBan {
			continue
		}
		parsed = append(parsed, s)
	}
	return dedupe(parsed, func(s domain.Sanction) string { return s.ID })
}

func reports(items []any) []domain.Report {
	parsed := make([]domain.Report, 0, len(items))
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		r := domain.Report{
			ID:           str(o["id"]),
			ReporterID:   str(o["reporterId"]),
			MessageID:    str(o["messageId"]),
			TargetUserID: str(o["targetUserId"]),
			Reason:       text(o["reason"]),
			Status:       str(o["status"]),
			CreatedAt:    num(o["createdAt"]),
			ResolvedAt:   num(o["resolvedAt"]),
			ResolvedBy:   str(o["resolvedBy"]),
		}
		if r.ID == "" || r.ReporterID == "" {
			continue
		}
		switch r.Status {
		case domain.ReportOpen, domain.ReportResolved, domain.ReportDismissed:
		default:
			r.Status = domain.ReportOpen
		}
		if r.Status == domain.ReportOpen {
			r.ResolvedAt = 0
			r.ResolvedBy = ""
		}
		parsed = append(parsed, r)
	}
	return dedupe(parsed, func(r domain.Report) string { return r.ID })
}

func audit(items []any) []domain.AuditEntry {
	parsed := make([]domain.AuditEntry, 0, len(items))
	for _, item := range items {
		o := object(item)
		if o == nil {
			continue
		}
		e := domain.AuditEntry{
			ID:        str(o["id"]),
			ActorID:   str(o["actorId"]),
			Action:    str(o["action"]),
			TargetID:  str(o["targetId"]),
			Detail:    text(o["detail"]),
			CreatedAt: num(o["createdAt"]),
		}
		if e.ID == "" || e.ActorID == "" || e.Action == "" {
			continue
		}
		parsed = append(parsed, e)
	}
	return dedupe(parsed, func(e domain.AuditEntry) string { return e.ID })
}

func counters(raw map[string]any) map[string]int64 {
	var out map[string]int64
	for k, v := range raw {
		if k == "" {
			continue
		}
		if out == nil {
			out = make(map[string]int64)
		}
		out[k] = num(v)
	}
	return out
}
