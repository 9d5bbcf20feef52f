package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedran77/pulse/internal/domain"
)

func TestOpenDirect_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")

	first, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)
	second, err := f.chat.OpenDirect(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.read(t).Threads, 1)

	_, err = f.chat.OpenDirect(ctx, "a", "a")
	assert.ErrorIs(t, err, domain.ErrCannotSelf)
	_, err = f.chat.OpenDirect(ctx, "a", "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestSendMessage_ConcurrentSendersBothPersist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "u1", "u2")
	thread, err := f.chat.OpenDirect(ctx, "u1", "u2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	sent := make([]*domain.Message, 2)
	for i, in := range []struct{ from, text string }{{"u1", "hi"}, {"u2", "hey"}} {
		wg.Add(1)
		go func(i int, from, text string) {
			defer wg.Done()
			m, err := f.chat.SendMessage(ctx, from, thread.ID, SendMessageInput{Text: text})
			assert.NoError(t, err)
			sent[i] = m
		}(i, in.from, in.text)
	}
	wg.Wait()

	agg := f.read(t)
	require.Len(t, agg.Messages, 2)
	later := sent[0].CreatedAt
	if sent[1].CreatedAt > later {
		later = sent[1].CreatedAt
	}
	assert.Equal(t, later, agg.Thread(thread.ID).LastMessageAt)
}

func TestSendMessage_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b", "c")
	thread, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)

	_, err = f.chat.SendMessage(ctx, "a", thread.ID, SendMessageInput{Text: "   "})
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = f.chat.SendMessage(ctx, "c", thread.ID, SendMessageInput{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotMember)

	_, err = f.chat.SendMessage(ctx, "a", "nope", SendMessageInput{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)

	_, err = f.chat.SendMessage(ctx, "a", thread.ID, SendMessageInput{Text: "hi", ReplyToID: "missing"})
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	withFile, err := f.chat.SendMessage(ctx, "a", thread.ID, SendMessageInput{
		Attachments: []domain.Attachment{{URL: " https://cdn.example.com/a.png ", Kind: "image"}, {URL: ""}},
	})
	require.NoError(t, err)
	require.Len(t, withFile.Attachments, 1)
	assert.Equal(t, withFile.ID+":0", withFile.Attachments[0].ID)

	reply, err := f.chat.SendMessage(ctx, "b", thread.ID, SendMessageInput{Text: "nice", ReplyToID: withFile.ID})
	require.NoError(t, err)
	assert.Equal(t, withFile.ID, reply.ReplyToID)

	_, err = f.chat.SendMessage(ctx, "pulse-bot", thread.ID, SendMessageInput{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrReservedUser)

	require.NoError(t, f.users.Block(ctx, "b", "a"))
	_, err = f.chat.SendMessage(ctx, "a", thread.ID, SendMessageInput{Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrBlocked)
}

func TestFavorites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")
	fav := domain.FavoritesThreadID("a")

	m, err := f.chat.SendMessage(ctx, "a", fav, SendMessageInput{Text: "note to self"})
	require.NoError(t, err)

	_, err = f.chat.SendMessage(ctx, "b", fav, SendMessageInput{Text: "sneaky"})
	assert.ErrorIs(t, err, domain.ErrThreadNotFound)

	list, err := f.chat.ListMessages(ctx, "a", fav, ListMessagesInput{})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, m.ID, list.Messages[0].ID)

	_, err = f.chat.ToggleSaved(ctx, "b", m.ID)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestEditAndDeleteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b", "c")
	g, err := f.groups.CreateGroup(ctx, "a", CreateGroupInput{Title: "g", MemberIDs: []string{"b", "c"}})
	require.NoError(t, err)

	m, err := f.chat.SendMessage(ctx, "b", g.ID, SendMessageInput{Text: "typo"})
	require.NoError(t, err)

	_, err = f.chat.EditMessage(ctx, "c", m.ID, "hijack")
	assert.ErrorIs(t, err, domain.ErrNotAuthor)
	_, err = f.chat.EditMessage(ctx, "b", m.ID, " ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	edited, err := f.chat.EditMessage(ctx, "b", m.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Text)
	assert.Positive(t, edited.EditedAt)

	assert.ErrorIs(t, f.chat.DeleteMessage(ctx, "c", m.ID), domain.ErrNotAuthor)
	require.NoError(t, f.chat.DeleteMessage(ctx, "a", m.ID), "group owner may delete")
	assert.Nil(t, f.read(t).Message(m.ID))
}

func TestMarkRead_NeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")
	thread, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)

	require.NoError(t, f.chat.MarkRead(ctx, "b", thread.ID, 0))
	first := f.read(t).Thread(thread.ID).LastReadAt["b"]
	require.Positive(t, first)

	require.NoError(t, f.chat.MarkRead(ctx, "b", thread.ID, first-100))
	assert.Equal(t, first, f.read(t).Thread(thread.ID).LastReadAt["b"])

	require.NoError(t, f.chat.MarkRead(ctx, "b", thread.ID, first*2))
	assert.Less(t, f.read(t).Thread(thread.ID).LastReadAt["b"], first*2, "clamped to now")
}

func TestThreadFlagsAndTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b", "c")
	one, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)
	two, err := f.chat.OpenDirect(ctx, "a", "c")
	require.NoError(t, err)

	require.NoError(t, f.chat.SetPinned(ctx, "a", one.ID, true))
	require.NoError(t, f.chat.SetMuted(ctx, "a", two.ID, true))
	_, err = f.chat.SendMessage(ctx, "c", two.ID, SendMessageInput{Text: "newer"})
	require.NoError(t, err)

	threads, err := f.chat.ListThreads(ctx, "a")
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, one.ID, threads[0].ID, "pinned first")
	assert.True(t, threads[1].Muted["a"])

	require.NoError(t, f.chat.SetPinned(ctx, "a", one.ID, false))
	assert.Empty(t, f.read(t).Thread(one.ID).Pinned)

	require.NoError(t, f.chat.SetTyping(ctx, "b", one.ID, true))
	typing, err := f.chat.Typing(ctx, "a", one.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, typing)

	_, err = f.chat.SendMessage(ctx, "b", one.ID, SendMessageInput{Text: "done"})
	require.NoError(t, err)
	typing, err = f.chat.Typing(ctx, "a", one.ID)
	require.NoError(t, err)
	assert.Empty(t, typing)
}

func TestToggleSaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")
	thread, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)
	m, err := f.chat.SendMessage(ctx, "b", thread.ID, SendMessageInput{Text: "keep"})
	require.NoError(t, err)

	saved, err := f.chat.ToggleSaved(ctx, "a", m.ID)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Contains(t, f.read(t).Message(m.ID).SavedBy, "a")

	saved, err = f.chat.ToggleSaved(ctx, "a", m.ID)
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Empty(t, f.read(t).Message(m.ID).SavedBy)
}

func TestListMessages_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")
	thread, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.chat.SendMessage(ctx, "a", thread.ID, SendMessageInput{Text: "m"})
		require.NoError(t, err)
	}

	page, err := f.chat.ListMessages(ctx, "b", thread.ID, ListMessagesInput{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.True(t, page.HasMore)
	assert.Less(t, page.Messages[0].CreatedAt, page.Messages[2].CreatedAt)

	older, err := f.chat.ListMessages(ctx, "b", thread.ID, ListMessagesInput{Before: page.Messages[0].CreatedAt, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, older.Messages, 2)
	assert.False(t, older.HasMore)

	_, err = f.chat.ListMessages(ctx, "pulse-bot", thread.ID, ListMessagesInput{})
	assert.ErrorIs(t, err, domain.ErrNotMember)
}

func TestListMessages_SameMillisecondAcrossPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")
	thread, err := f.chat.OpenDirect(ctx, "a", "b")
	require.NoError(t, err)

	require.NoError(t, f.store.Do(ctx, func(agg *domain.Aggregate) error {
		for _, id := range []string{"m4", "m2", "m3", "m1"} {
			agg.Messages = append(agg.Messages, domain.Message{
				ID: id, ThreadID: thread.ID, AuthorID: "a", Text: id, CreatedAt: 500,
			})
		}
		return nil
	}))

	var seen []string
	input := ListMessagesInput{Limit: 3}
	for {
		page, err := f.chat.ListMessages(ctx, "b", thread.ID, input)
		require.NoError(t, err)
		for i := len(page.Messages) - 1; i >= 0; i-- {
			seen = append(seen, page.Messages[i].ID)
		}
		if !page.HasMore {
			break
		}
		oldest := page.Messages[0]
		input = ListMessagesInput{Before: oldest.CreatedAt, BeforeID: oldest.ID, Limit: 3}
	}
	assert.Equal(t, []string{"m4", "m3", "m2", "m1"}, seen)
}
