// Package service holds the business mutations. Each operation is a pure
// function over the aggregate, run exclusively through store.Mutate; reads go
// through store.Read.
package service

import (
	"strings"
	"time"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/store"
)

type base struct {
	store *store.Store
	now   func() time.Time
}

func newBase(st *store.Store) base {
	return base{store: st, now: time.Now}
}

func (b base) nowMs() int64 {
	return b.now().UnixMilli()
}

func normaliseHandle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// actor loads a user that is allowed to act. Bots act only through the
// system itself.
func actor(agg *domain.Aggregate, userID string) (*domain.User, error) {
	u := agg.User(userID)
	if u == nil {
		return nil, domain.ErrUserNotFound
	}
	if u.IsBot {
		return nil, domain.ErrReservedUser
	}
	return u, nil
}

// memberThread returns a thread userID belongs to.
func memberThread(agg *domain.Aggregate, userID, threadID string) (*domain.Thread, error) {
	t := agg.Thread(threadID)
	if t == nil {
		return nil, domain.ErrThreadNotFound
	}
	if !t.IsMember(userID) {
		return nil, domain.ErrNotMember
	}
	return t, nil
}

func removeString(list []string, v string) []string {
	if len(list) == 0 {
		return list
	}
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
