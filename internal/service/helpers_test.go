package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/repository/jsonfile"
	"github.com/vedran77/pulse/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *store.Store
	clock  *testClock
	users  *UserService
	chat   *ChatService
	groups *GroupService
	mod    *ModerationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := jsonfile.New(jsonfile.Config{Path: filepath.Join(t.TempDir(), "pulse.json")})
	require.NoError(t, err)
	st := store.New(b, store.Options{BotUser: &domain.User{ID: "pulse-bot", Username: "pulsebot"}})
	t.Cleanup(func() {
		st.Close()
		b.Close()
	})

	clk := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	f := &fixture{
		store:  st,
		clock:  clk,
		users:  NewUserService(st, "test-secret"),
		chat:   NewChatService(st),
		groups: NewGroupService(st),
		mod:    NewModerationService(st),
	}
	f.users.now = clk.Now
	f.chat.now = clk.Now
	f.groups.now = clk.Now
	f.mod.now = clk.Now
	return f
}

// seed inserts users directly, skipping password hashing.
func (f *fixture) seed(t *testing.T, ids ...string) {
	t.Helper()
	require.NoError(t, f.store.Do(context.Background(), func(agg *domain.Aggregate) error {
		for _, id := range ids {
			agg.Users = append(agg.Users, domain.User{ID: id, Username: id, Email: id + "@example.com"})
		}
		return nil
	}))
}

func (f *fixture) read(t *testing.T) *domain.Aggregate {
	t.Helper()
	agg, err := f.store.Read(context.Background())
	require.NoError(t, err)
	return agg
}
