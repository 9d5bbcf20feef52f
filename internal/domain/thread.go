package domain

const (
	ThreadDirect = "direct"
	ThreadGroup  = "group"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// FavoritesPrefix marks the per-user pseudo-thread for saved notes.
const FavoritesPrefix = "favorites:"

// FavoritesThreadID returns the pseudo-thread id of userID's favorites.
func FavoritesThreadID(userID string) string {
	return FavoritesPrefix + userID
}

type Thread struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Title         string            `json:"title,omitempty"`
	MemberIDs     []string          `json:"memberIds"`
	Roles         map[string]string `json:"roles,omitempty"`
	LastReadAt    map[string]int64  `json:"lastReadAt,omitempty"`
	Pinned        map[string]bool   `json:"pinned,omitempty"`
	Muted         map[string]bool   `json:"muted,omitempty"`
	TypingAt      map[string]int64  `json:"typingAt,omitempty"`
	CreatedBy     string            `json:"createdBy,omitempty"`
	CreatedAt     int64             `json:"createdAt"`
	UpdatedAt     int64             `json:"updatedAt"`
	LastMessageAt int64             `json:"lastMessageAt,omitempty"`
}

func (t *Thread) IsMember(userID string) bool {
	for _, id := range t.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OwnerID returns the group's owner, or "" for direct threads.
func (t *Thread) OwnerID() string {
	for _, id := range t.MemberIDs {
		if t.Roles[id] == RoleOwner {
			return id
		}
	}
	return ""
}

// Peer returns the other member of a direct thread.
func (t *Thread) Peer(userID string) string {
	for _, id := range t.MemberIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// RemoveMember drops userID and every per-member entry keyed by it. If the
// removed member owned a group, a successor is promoted: the first admin in
// member order, otherwise the first remaining member.
func (t *Thread) RemoveMember(userID string) {
	kept := t.MemberIDs[:0]
	for _, id := range t.MemberIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	t.MemberIDs = kept

	wasOwner := t.Roles[userID] == RoleOwner
	delete(t.Roles, userID)
	delete(t.LastReadAt, userID)
	delete(t.Pinned, userID)
	delete(t.Muted, userID)
	delete(t.TypingAt, userID)

	if t.Kind == ThreadGroup && wasOwner {
		if next := t.Successor(); next != "" {
			t.Roles[next] = RoleOwner
		}
	}
}

// Successor picks the member that inherits ownership.
func (t *Thread) Successor() string {
	for _, id := range t.MemberIDs {
		if t.Roles[id] == RoleAdmin {
			return id
		}
	}
	if len(t.MemberIDs) > 0 {
		return t.MemberIDs[0]
	}
	return ""
}

// Viable reports whether the thread still has enough members to exist.
func (t *Thread) Viable() bool {
	if t.Kind == ThreadDirect {
		return len(t.MemberIDs) == 2
	}
	return len(t.MemberIDs) >= 2
}
