package domain

import "strings"

type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type Message struct {
	ID          string           `json:"id"`
	ThreadID    string           `json:"threadId"`
	AuthorID    string           `json:"authorId"`
	Text        string           `json:"text"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	ReplyToID   string           `json:"replyToId,omitempty"`
	CreatedAt   int64            `json:"createdAt"`
	EditedAt    int64            `json:"editedAt,omitempty"`
	SavedBy     map[string]int64 `json:"savedBy,omitempty"`
}

// HasContent reports whether the message carries text or an attachment.
func (m *Message) HasContent() bool {
	return strings.TrimSpace(m.Text) != "" || len(m.Attachments) > 0
}

// IsFavorites reports whether the message lives in a favorites pseudo-thread.
func (m *Message) IsFavorites() bool {
	return strings.HasPrefix(m.ThreadID, FavoritesPrefix)
}
