package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	typingWindowMs  = 6_000
)

type ChatService struct {
	base
}

func NewChatService(st *store.Store) *ChatService {
	return &ChatService{base: newBase(st)}
}

type SendMessageInput struct {
	Text        string              `json:"text" validate:"max=4000"`
	Attachments []domain.Attachment `json:"attachments" validate:"max=10,dive"`
	ReplyToID   string              `json:"replyToId"`
}

type MessageListResponse struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// OpenDirect finds or creates the direct thread between userID and peerID.
func (s *ChatService) OpenDirect(ctx context.Context, userID, peerID string) (*domain.Thread, error) {
	t, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.Thread, error) {
		return openDirect(agg, userID, peerID, s.nowMs())
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func openDirect(agg *domain.Aggregate, userID, peerID string, now int64) (domain.Thread, error) {
	if userID == peerID {
		return domain.Thread{}, domain.ErrCannotSelf
	}
	if _, err := actor(agg, userID); err != nil {
		return domain.Thread{}, err
	}
	peer := agg.User(peerID)
	if peer == nil {
		return domain.Thread{}, domain.ErrUserNotFound
	}

	for _, t := range agg.Threads {
		if t.Kind == domain.ThreadDirect && t.IsMember(userID) && t.IsMember(peerID) {
			return t, nil
		}
	}
	if peer.HasBlocked(userID) {
		return domain.Thread{}, domain.ErrBlocked
	}

	t := domain.Thread{
		ID:        uuid.NewString(),
		Kind:      domain.ThreadDirect,
		MemberIDs: []string{userID, peerID},
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	agg.Threads = append(agg.Threads, t)
	return t, nil
}

// ListThreads returns userID's threads: pinned first, then most recent.
func (s *ChatService) ListThreads(ctx context.Context, userID string) ([]domain.Thread, error) {
	agg, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	threads := []domain.Thread{}
	for _, t := range agg.Threads {
		if t.IsMember(userID) {
			threads = append(threads, t)
		}
	}
	sort.SliceStable(threads, func(i, j int) bool {
		pi, pj := threads[i].Pinned[userID], threads[j].Pinned[userID]
		if pi != pj {
			return pi
		}
		return activity(threads[i]) > activity(threads[j])
	})
	return threads, nil
}

func activity(t domain.Thread) int64 {
	if t.LastMessageAt > t.CreatedAt {
		return t.LastMessageAt
	}
	return t.CreatedAt
}

func (s *ChatService) SendMessage(ctx context.Context, userID, threadID string, input SendMessageInput) (*domain.Message, error) {
	msg, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.Message, error) {
		return sendMessage(agg, userID, threadID, input, s.nowMs())
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func sendMessage(agg *domain.Aggregate, userID, threadID string, input SendMessageInput, now int64) (domain.Message, error) {
	if _, err := actor(agg, userID); err != nil {
		return domain.Message{}, err
	}
	if ActiveSanction(agg, userID, now) != nil {
		return domain.Message{}, domain.ErrSanctioned
	}

	var t *domain.Thread
	if threadID != domain.FavoritesThreadID(userID) {
		var err error
		if t, err = memberThread(agg, userID, threadID); err != nil {
			return domain.Message{}, err
		}
		if t.Kind == domain.ThreadDirect {
			if peer := agg.User(t.Peer(userID)); peer != nil && peer.HasBlocked(userID) {
				return domain.Message{}, domain.ErrBlocked
			}
		}
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		AuthorID:  userID,
		Text:      input.Text,
		CreatedAt: now,
	}
	for i, a := range input.Attachments {
		a.URL = strings.TrimSpace(a.URL)
		if a.URL == "" {
			continue
		}
		a.ID = fmt.Sprintf("%s:%d", msg.ID, i)
		if a.Kind == "" {
			a.Kind = "file"
		}
		msg.Attachments = append(msg.Attachments, a)
	}
	if !msg.HasContent() {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	if input.ReplyToID != "" {
		target := agg.Message(input.ReplyToID)
		if target == nil || target.ThreadID != threadID {
			return domain.Message{}, domain.ErrMessageNotFound
		}
		msg.ReplyToID = target.ID
	}
	agg.Messages = append(agg.Messages, msg)

	if t != nil {
		if now > t.LastMessageAt {
			t.LastMessageAt = now
		}
		t.UpdatedAt = now
		if t.LastReadAt == nil {
			t.LastReadAt = map[string]int64{}
		}
		t.LastReadAt[userID] = now
		delete(t.TypingAt, userID)
	}
	return msg, nil
}

func (s *ChatService) EditMessage(ctx context.Context, userID, messageID, text string) (*domain.Message, error) {
	msg, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.Message, error) {
		m := agg.Message(messageID)
		if m == nil {
			return domain.Message{}, domain.ErrMessageNotFound
		}
		if m.AuthorID != userID {
			return domain.Message{}, domain.ErrNotAuthor
		}
		if strings.TrimSpace(text) == "" && len(m.Attachments) == 0 {
			return domain.Message{}, domain.ErrEmptyMessage
		}
		m.Text = text
		m.EditedAt = s.nowMs()
		return *m, nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message. Authors may delete their own messages;
// group owners and admins may delete any message in their group.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		m := agg.Message(messageID)
		if m == nil {
			return domain.ErrMessageNotFound
		}
		if m.AuthorID != userID {
			t := agg.Thread(m.ThreadID)
			if t == nil || t.Kind != domain.ThreadGroup || !canManage(t, userID) {
				return domain.ErrNotAuthor
			}
		}
		removeMessage(agg, messageID)
		return nil
	})
}

func removeMessage(agg *domain.Aggregate, messageID string) {
	msgs := agg.Messages[:0]
	for _, m := range agg.Messages {
		if m.ID != messageID {
			msgs = append(msgs, m)
		}
	}
	agg.Messages = msgs
	agg.DropDanglingReplies()
}

// MarkRead advances userID's read position in a thread. It never moves
// backwards and never past now.
func (s *ChatService) MarkRead(ctx context.Context, userID, threadID string, at int64) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		t, err := memberThread(agg, userID, threadID)
		if err != nil {
			return err
		}
		now := s.nowMs()
		if at <= 0 || at > now {
			at = now
		}
		if at <= t.LastReadAt[userID] {
			return nil
		}
		if t.LastReadAt == nil {
			t.LastReadAt = map[string]int64{}
		}
		t.LastReadAt[userID] = at
		return nil
	})
}

func (s *ChatService) SetTyping(ctx context.Context, userID, threadID string, typing bool) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		t, err := memberThread(agg, userID, threadID)
		if err != nil {
			return err
		}
		if !typing {
			delete(t.TypingAt, userID)
			return nil
		}
		if t.TypingAt == nil {
			t.TypingAt = map[string]int64{}
		}
		t.TypingAt[userID] = s.nowMs()
		return nil
	})
}

// Typing lists members other than userID that typed recently.
func (s *ChatService) Typing(ctx context.Context, userID, threadID string) ([]string, error) {
	agg, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	t, err := memberThread(agg, userID, threadID)
	if err != nil {
		return nil, err
	}
	now := s.nowMs()
	out := []string{}
	for _, id := range t.MemberIDs {
		if id != userID && now-t.TypingAt[id] <= typingWindowMs {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *ChatService) SetPinned(ctx context.Context, userID, threadID string, pinned bool) error {
	return s.setFlag(ctx, userID, threadID, pinned, func(t *domain.Thread) *map[string]bool { return &t.Pinned })
}

func (s *ChatService) SetMuted(ctx context.Context, userID, threadID string, muted bool) error {
	return s.setFlag(ctx, userID, threadID, muted, func(t *domain.Thread) *map[string]bool { return &t.Muted })
}

func (s *ChatService) setFlag(ctx context.Context, userID, threadID string, on bool, field func(*domain.Thread) *map[string]bool) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		t, err := memberThread(agg, userID, threadID)
		if err != nil {
			return err
		}
		m := field(t)
		if !on {
			delete(*m, userID)
			return nil
		}
		if *m == nil {
			*m = map[string]bool{}
		}
		(*m)[userID] = true
		return nil
	})
}

// ToggleSaved flips whether userID has saved the message and reports the new
// state.
func (s *ChatService) ToggleSaved(ctx context.Context, userID, messageID string) (bool, error) {
	return store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (bool, error) {
		m := agg.Message(messageID)
		if m == nil || !canSee(agg, userID, m) {
			return false, domain.ErrMessageNotFound
		}
		if _, ok := m.SavedBy[userID]; ok {
			delete(m.SavedBy, userID)
			if len(m.SavedBy) == 0 {
				m.SavedBy = nil
			}
			return false, nil
		}
		if m.SavedBy == nil {
			m.SavedBy = map[string]int64{}
		}
		m.SavedBy[userID] = s.nowMs()
		return true, nil
	})
}

func canSee(agg *domain.Aggregate, userID string, m *domain.Message) bool {
	if m.IsFavorites() {
		return m.ThreadID == domain.FavoritesThreadID(userID)
	}
	t := agg.Thread(m.ThreadID)
	return t != nil && t.IsMember(userID)
}

// ListMessagesInput pages with the (CreatedAt, ID) of the oldest message
// already seen. Without BeforeID every message at Before is skipped.
type ListMessagesInput struct {
	Before   int64  `json:"before"`
	BeforeID string `json:"beforeId"`
	Limit    int    `json:"limit"`
}

// ListMessages pages backwards through a thread, oldest first within a page.
func (s *ChatService) ListMessages(ctx context.Context, userID, threadID string, input ListMessagesInput) (*MessageListResponse, error) {
	agg, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if threadID != domain.FavoritesThreadID(userID) {
		if _, err := memberThread(agg, userID, threadID); err != nil {
			return nil, err
		}
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var msgs []domain.Message
	for _, m := range agg.Messages {
		if m.ThreadID != threadID {
			continue
		}
		if input.Before > 0 && !olderThan(m, input.Before, input.BeforeID) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})

	resp := &MessageListResponse{Messages: []domain.Message{}}
	if len(msgs) > limit {
		resp.HasMore = true
		msgs = msgs[len(msgs)-limit:]
	}
	resp.Messages = append(resp.Messages, msgs...)
	return resp, nil
}

func olderThan(m domain.Message, before int64, beforeID string) bool {
	if m.CreatedAt != before {
		return m.CreatedAt < before
	}
	return beforeID != "" && m.ID < beforeID
}
