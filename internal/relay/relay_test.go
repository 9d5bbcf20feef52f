package relay

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/repository/jsonfile"
	"github.com/vedran77/pulse/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pending struct {
	mu    sync.Mutex
	users []string
}

func (p *pending) NotifySignalPending(userID string) {
	p.mu.Lock()
	p.users = append(p.users, userID)
	p.mu.Unlock()
}

func setup(t *testing.T, opts Options) (*Relay, *store.Store, *clock) {
	t.Helper()
	b, err := jsonfile.New(jsonfile.Config{Path: filepath.Join(t.TempDir(), "pulse.json")})
	require.NoError(t, err)
	s := store.New(b, store.Options{})
	t.Cleanup(func() {
		s.Close()
		b.Close()
	})

	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	opts.Now = clk.Now
	r := New(s, opts)

	require.NoError(t, s.Do(context.Background(), func(agg *domain.Aggregate) error {
		for _, id := range []string{"a", "b", "d"} {
			agg.Users = append(agg.Users, domain.User{ID: id, Username: id})
		}
		agg.Threads = append(agg.Threads,
			domain.Thread{ID: "c", Kind: domain.ThreadDirect, MemberIDs: []string{"a", "b"}},
			domain.Thread{ID: "e", Kind: domain.ThreadDirect, MemberIDs: []string{"d", "b"}},
		)
		return nil
	}))
	return r, s, clk
}

func send(t *testing.T, r *Relay, chat, from, to, typ string, payload string) *domain.CallSignal {
	t.Helper()
	sig, err := r.Send(context.Background(), SendInput{
		ChatID: chat, FromUserID: from, ToUserID: to, Type: typ, Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	return sig
}

func TestPull_AtMostOnce(t *testing.T) {
	r, _, _ := setup(t, Options{})
	ctx := context.Background()

	sent := send(t, r, "c", "a", "b", domain.SignalOffer, `{"sdp":"v=0"}`)

	got, err := r.Pull(ctx, "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(got[0].Payload))

	again, err := r.Pull(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPull_ConcurrentPullersNeverShareASignal(t *testing.T) {
	r, _, _ := setup(t, Options{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		send(t, r, "c", "a", "b", domain.SignalICE, `{"candidate":"x"}`)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Pull(ctx, "b")
			assert.NoError(t, err)
			mu.Lock()
			for _, s := range got {
				seen[s.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "signal %s delivered more than once", id)
	}
}

func TestPull_LeavesOtherRecipientsAlone(t *testing.T) {
	r, _, _ := setup(t, Options{})
	ctx := context.Background()

	send(t, r, "c", "a", "b", domain.SignalOffer, `{}`)
	send(t, r, "c", "b", "a", domain.SignalAnswer, `{}`)

	got, err := r.Pull(ctx, "b")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = r.Pull(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SignalAnswer, got[0].Type)
}

func TestPull_OrderedByCreation(t *testing.T) {
	r, _, _ := setup(t, Options{})

	// Same clock reading for every send: creation order must still hold.
	var ids []string
	for _, typ := range []string{domain.SignalOffer, domain.SignalICE, domain.SignalICE, domain.SignalHangup} {
		ids = append(ids, send(t, r, "c", "a", "b", typ, `null`).ID)
	}

	got, err := r.Pull(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := range got {
		assert.Equal(t, ids[i], got[i].ID)
		if i > 0 {
			assert.Greater(t, got[i].CreatedAt, got[i-1].CreatedAt)
		}
	}
}

func TestPull_ExpiredSignalsAreNeverDelivered(t *testing.T) {
	r, s, clk := setup(t, Options{TTL: time.Minute})
	ctx := context.Background()

	send(t, r, "c", "a", "b", domain.SignalOffer, `{}`)
	clk.Advance(time.Minute + time.Millisecond)

	got, err := r.Pull(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, got)

	agg, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, agg.CallSignals)
}

func TestSweep_PrunesUnpulledSignals(t *testing.T) {
	r, s, clk := setup(t, Options{TTL: time.Minute})
	ctx := context.Background()

	send(t, r, "c", "a", "b", domain.SignalOffer, `{}`)
	clk.Advance(30 * time.Second)
	send(t, r, "c", "b", "a", domain.SignalAnswer, `{}`)
	clk.Advance(31 * time.Second)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	agg, err := s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, agg.CallSignals, 1)
	assert.Equal(t, "a", agg.CallSignals[0].ToUserID)
}

func TestSend_Validation(t *testing.T) {
	r, s, _ := setup(t, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"unknown type", SendInput{ChatID: "c", FromUserID: "a", ToUserID: "b", Type: "ring"}, domain.ErrInvalidSignal},
		{"bad payload", SendInput{ChatID: "c", FromUserID: "a", ToUserID: "b", Type: domain.SignalOffer, Payload: json.RawMessage(`{`)}, domain.ErrInvalidSignal},
		{"self", SendInput{ChatID: "c", FromUserID: "a", ToUserID: "a", Type: domain.SignalOffer}, domain.ErrCannotSelf},
		{"unknown chat", SendInput{ChatID: "zz", FromUserID: "a", ToUserID: "b", Type: domain.SignalOffer}, domain.ErrThreadNotFound},
		{"not a member", SendInput{ChatID: "c", FromUserID: "d", ToUserID: "b", Type: domain.SignalOffer}, domain.ErrNotMember},
		{"unknown user", SendInput{ChatID: "c", FromUserID: "a", ToUserID: "ghost", Type: domain.SignalOffer}, domain.ErrUserNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Send(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	require.NoError(t, s.Do(ctx, func(agg *domain.Aggregate) error {
		agg.User("b").BlockedUserIDs = []string{"a"}
		return nil
	}))
	_, err := r.Send(ctx, SendInput{ChatID: "c", FromUserID: "a", ToUserID: "b", Type: domain.SignalOffer})
	assert.ErrorIs(t, err, domain.ErrBlocked)
}

func TestSend_RateLimited(t *testing.T) {
	r, _, _ := setup(t, Options{RatePerSec: 1, Burst: 2})
	ctx := context.Background()

	send(t, r, "c", "a", "b", domain.SignalICE, `{}`)
	send(t, r, "c", "a", "b", domain.SignalICE, `{}`)
	_, err := r.Send(ctx, SendInput{ChatID: "c", FromUserID: "a", ToUserID: "b", Type: domain.SignalICE})
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	// Other senders have their own bucket.
	send(t, r, "c", "b", "a", domain.SignalICE, `{}`)
}

func TestSend_NotifiesRecipient(t *testing.T) {
	r, _, _ := setup(t, Options{})
	p := &pending{}
	r.SetNotifier(p)

	send(t, r, "c", "a", "b", domain.SignalOffer, `{}`)
	assert.Equal(t, []string{"b"}, p.users)
}
