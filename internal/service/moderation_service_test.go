package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/pulse/internal/domain"
)

func withAdmin(t *testing.T, f *fixture, id string) {
	t.Helper()
	f.seed(t, id)
	require.NoError(t, f.store.Do(context.Background(), func(agg *domain.Aggregate) error {
		agg.User(id).IsAdmin = true
		return nil
	}))
}

func TestSanctions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withAdmin(t, f, "root")
	f.seed(t, "a", "b")
	thread, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)

	_, err = f.mod.IssueSanction(ctx, "a", IssueSanctionInput{UserID: "b", Kind: domain.SanctionMute, Duration: time.Hour})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.mod.IssueSanction(ctx, "root", IssueSanctionInput{UserID: "pulse-bot", Kind: domain.SanctionMute, Duration: time.Hour})
	assert.ErrorIs(t, err, domain.ErrReservedUser)

	sc, err := f.mod.IssueSanction(ctx, "root", IssueSanctionInput{UserID: "a", Kind: domain.SanctionMute, Duration: time.Hour})
	require.NoError(t, err)

	_, err = f.chat.SendMessage(ctx, "a", thread.ID, SendMessageInput{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrSanctioned)

	active, err := f.mod.ActiveSanction(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sc.ID, active.ID)

	require.NoError(t, f.mod.LiftSanction(ctx, "root", sc.ID))
	active, err = f.mod.ActiveSanction(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, active)
	_, err = f.chat.SendMessage(ctx, "a", thread.ID, SendMessageInput{Text: "hi"})
	assert.NoError(t, err)

	assert.ErrorIs(t, f.mod.LiftSanction(ctx, "root", "missing"), domain.ErrSanctionNotFound)

	agg := f.read(t)
	require.Len(t, agg.AuditLog, 2)
	assert.Equal(t, AuditSanctionIssued, agg.AuditLog[0].Action)
	assert.Equal(t, AuditSanctionLifted, agg.AuditLog[1].Action)
	assert.Equal(t, "root", agg.AuditLog[1].ActorID)
}

func TestActiveSanction_PrefersBan(t *testing.T) {
	agg := domain.NewAggregate()
	agg.Sanctions = []domain.Sanction{
		{ID: "old", UserID: "a", Kind: domain.SanctionBan, ExpiresAt: 50},
		{ID: "mute", UserID: "a", Kind: domain.SanctionMute, ExpiresAt: 200},
		{ID: "ban", UserID: "a", Kind: domain.SanctionBan, ExpiresAt: 300},
		{ID: "other", UserID: "b", Kind: domain.SanctionBan, ExpiresAt: 300},
	}
	assert.Equal(t, "ban", ActiveSanction(agg, "a", 100).ID)
	assert.Equal(t, "ban", ActiveSanction(agg, "a", 250).ID)
	assert.Nil(t, ActiveSanction(agg, "a", 300))
	assert.Nil(t, ActiveSanction(agg, "c", 0))
}

func TestReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withAdmin(t, f, "root")
	f.seed(t, "a", "b", "c")
	thread, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)
	m, err := f.chat.SendMessage(ctx, "b", thread.ID, SendMessageInput{Text: "spam"})
	require.NoError(t, err)

	_, err = f.mod.FileReport(ctx, "c", FileReportInput{MessageID: m.ID})
	assert.ErrorIs(t, err, domain.ErrMessageNotFound, "outsiders cannot see the message")
	_, err = f.mod.FileReport(ctx, "b", FileReportInput{MessageID: m.ID})
	assert.ErrorIs(t, err, domain.ErrCannotSelf)

	r, err := f.mod.FileReport(ctx, "a", FileReportInput{MessageID: m.ID, Reason: "spam"})
	require.NoError(t, err)
	assert.Equal(t, "b", r.TargetUserID)
	again, err := f.mod.FileReport(ctx, "a", FileReportInput{MessageID: m.ID})
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)

	_, err = f.mod.ListReports(ctx, "a", "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	open, err := f.mod.ListReports(ctx, "root", domain.ReportOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, f.mod.ModerateDeleteMessage(ctx, "root", m.ID, "spam"))
	agg := f.read(t)
	assert.Nil(t, agg.Message(m.ID))
	require.Len(t, agg.Reports, 1)
	assert.Equal(t, domain.ReportResolved, agg.Reports[0].Status)
	assert.Equal(t, "root", agg.Reports[0].ResolvedBy)

	assert.ErrorIs(t, f.mod.ResolveReport(ctx, "root", r.ID, "bogus"), &domain.ValidationError{Code: "INVALID_STATUS"})
	require.NoError(t, f.mod.ResolveReport(ctx, "root", r.ID, domain.ReportDismissed))
	assert.ErrorIs(t, f.mod.ResolveReport(ctx, "root", "missing", domain.ReportDismissed), domain.ErrReportNotFound)

	actions := []string{}
	for _, e := range f.read(t).AuditLog {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{AuditMessageRemoved, AuditReportResolved}, actions)
}

func TestIncrementCounter_NoLostUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := IncrementCounter(ctx, f.store, "visits")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(n), f.read(t).Counters["visits"])

	_, err := IncrementCounter(ctx, f.store, "")
	assert.Error(t, err)
}
