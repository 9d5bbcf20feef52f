package domain

// Visibility modes for a privacy-controlled profile field.
const (
	VisibilityEveryone = "everyone"
	VisibilitySelected = "selected"
	VisibilityNobody   = "nobody"
)

type Visibility struct {
	Mode  string   `json:"mode"`
	Allow []string `json:"allow,omitempty"`
}

// Allows reports whether viewer may see a field owned by ownerID.
// Owners always see their own fields.
func (v Visibility) Allows(viewerID, ownerID string) bool {
	if viewerID == ownerID {
		return true
	}
	switch v.Mode {
	case VisibilityNobody:
		return false
	case VisibilitySelected:
		for _, id := range v.Allow {
			if id == viewerID {
				return true
			}
		}
		return false
	default:
		return true
	}
}

type Privacy struct {
	LastSeen Visibility `json:"lastSeen"`
	Avatar   Visibility `json:"avatar"`
	Bio      Visibility `json:"bio"`
	Birthday Visibility `json:"birthday"`
}

type User struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Username       string   `json:"username"`
	Email          string   `json:"email"`
	PasswordHash   string   `json:"passwordHash,omitempty"`
	IsBot          bool     `json:"isBot,omitempty"`
	IsAdmin        bool     `json:"isAdmin,omitempty"`
	Bio            string   `json:"bio,omitempty"`
	AvatarURL      string   `json:"avatarUrl,omitempty"`
	Birthday       string   `json:"birthday,omitempty"`
	BlockedUserIDs []string `json:"blockedUserIds,omitempty"`
	Privacy        Privacy  `json:"privacy"`
	LastSeenAt     int64    `json:"lastSeenAt,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
	UpdatedAt      int64    `json:"updatedAt"`
}

// HasBlocked reports whether u has blocked otherID.
func (u *User) HasBlocked(otherID string) bool {
	for _, id := range u.BlockedUserIDs {
		if id == otherID {
			return true
		}
	}
	return false
}

// PublicProfile is a user as seen by another user, with privacy applied.
type PublicProfile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	IsBot      bool   `json:"isBot,omitempty"`
	Bio        string `json:"bio,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Birthday   string `json:"birthday,omitempty"`
	LastSeenAt int64  `json:"lastSeenAt,omitempty"`
}

// ProfileFor returns u as viewerID is allowed to see it.
func (u *User) ProfileFor(viewerID string) PublicProfile {
	p := PublicProfile{
		ID:       u.ID,
		Name:     u.Name,
		Username: u.Username,
		IsBot:    u.IsBot,
	}
	if u.Privacy.Bio.Allows(viewerID, u.ID) {
		p.Bio = u.Bio
	}
	if u.Privacy.Avatar.Allows(viewerID, u.ID) {
		p.AvatarURL = u.AvatarURL
	}
	if u.Privacy.Birthday.Allows(viewerID, u.ID) {
		p.Birthday = u.Birthday
	}
	if u.Privacy.LastSeen.Allows(viewerID, u.ID) {
		p.LastSeenAt = u.LastSeenAt
	}
	return p
}
