package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/store"
)

const tokenTTL = 24 * time.Hour

type UserService struct {
	base
	jwtSecret []byte
}

func NewUserService(st *store.Store, jwtSecret string) *UserService {
	return &UserService{
		base:      newBase(st),
		jwtSecret: []byte(jwtSecret),
	}
}

type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Name     string `json:"name" validate:"max=64"`
	Password string `json:"password" validate:"required,max=128,password"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type AuthResponse struct {
	User        *domain.User `json:"user"`
	AccessToken string       `json:"access_token"`
}

func (s *UserService) Register(ctx context.Context, input RegisterInput) (*AuthResponse, error) {
	hash, err := hashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.User, error) {
		return register(agg, input, hash, s.nowMs())
	})
	if err != nil {
		return nil, err
	}

	token, err := s.generateToken(user.ID)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	return &AuthResponse{User: withoutSecrets(user), AccessToken: token}, nil
}

func register(agg *domain.Aggregate, input RegisterInput, hash string, now int64) (domain.User, error) {
	email := normaliseHandle(input.Email)
	username := normaliseHandle(input.Username)
	if agg.UserByEmail(email) != nil {
		return domain.User{}, domain.ErrEmailTaken
	}
	if agg.UserByUsername(username) != nil {
		return domain.User{}, domain.ErrUsernameTaken
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = username
	}
	everyone := domain.Visibility{Mode: domain.VisibilityEveryone}
	user := domain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Privacy:      domain.Privacy{LastSeen: everyone, Avatar: everyone, Bio: everyone, Birthday: everyone},
		LastSeenAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	agg.Users = append(agg.Users, user)
	return user, nil
}

func (s *UserService) Login(ctx context.Context, input LoginInput) (*AuthResponse, error) {
	agg, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	user := agg.UserByEmail(normaliseHandle(input.Email))
	if user == nil || user.IsBot {
		return nil, domain.ErrInvalidCreds
	}
	if !verifyPassword(input.Password, user.PasswordHash) {
		return nil, domain.ErrInvalidCreds
	}
	if sc := ActiveSanction(agg, user.ID, s.nowMs()); sc != nil && sc.Kind == domain.SanctionBan {
		return nil, domain.ErrSanctioned
	}

	token, err := s.generateToken(user.ID)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	return &AuthResponse{User: withoutSecrets(*user), AccessToken: token}, nil
}

// withoutSecrets returns a copy of u safe to hand to clients.
func withoutSecrets(u domain.User) *domain.User {
	u.PasswordHash = ""
	return &u
}

// Touch records that userID was seen now.
func (s *UserService) Touch(ctx context.Context, userID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		u := agg.User(userID)
		if u == nil {
			return domain.ErrUserNotFound
		}
		u.LastSeenAt = s.nowMs()
		return nil
	})
}

type UpdateProfileInput struct {
	Name      *string `json:"name" validate:"omitempty,min=1,max=64"`
	Username  *string `json:"username" validate:"omitempty,min=3,max=32,alphanum"`
	Bio       *string `json:"bio" validate:"omitempty,max=500"`
	AvatarURL *string `json:"avatarUrl" validate:"omitempty,url"`
	Birthday  *string `json:"birthday" validate:"omitempty,datetime=2006-01-02"`
}

func (s *UserService) UpdateProfile(ctx context.Context, userID string, input UpdateProfileInput) (*domain.User, error) {
	user, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.User, error) {
		u, err := actor(agg, userID)
		if err != nil {
			return domain.User{}, err
		}
		if input.Username != nil {
			username := normaliseHandle(*input.Username)
			if other := agg.UserByUsername(username); other != nil && other.ID != u.ID {
				return domain.User{}, domain.ErrUsernameTaken
			}
			u.Username = username
		}
		if input.Name != nil {
			if name := strings.TrimSpace(*input.Name); name != "" {
				u.Name = name
			}
		}
		if input.Bio != nil {
			u.Bio = strings.TrimSpace(*input.Bio)
		}
		if input.AvatarURL != nil {
			u.AvatarURL = strings.TrimSpace(*input.AvatarURL)
		}
		if input.Birthday != nil {
			u.Birthday = strings.TrimSpace(*input.Birthday)
		}
		u.UpdatedAt = s.nowMs()
		return *u, nil
	})
	if err != nil {
		return nil, err
	}
	return withoutSecrets(user), nil
}

// UpdatePrivacy replaces the user's privacy settings. Allow lists are kept
// only for the "selected" mode and only name existing users.
func (s *UserService) UpdatePrivacy(ctx context.Context, userID string, p domain.Privacy) (*domain.User, error) {
	user, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.User, error) {
		u, err := actor(agg, userID)
		if err != nil {
			return domain.User{}, err
		}
		users := agg.UsersByID()
		clean := func(v domain.Visibility) domain.Visibility {
			switch v.Mode {
			case domain.VisibilityNobody:
				return domain.Visibility{Mode: v.Mode}
			case domain.VisibilitySelected:
				var allow []string
				for _, id := range v.Allow {
					if _, ok := users[id]; ok && id != u.ID && !containsString(allow, id) {
						allow = append(allow, id)
					}
				}
				return domain.Visibility{Mode: v.Mode, Allow: allow}
			default:
				return domain.Visibility{Mode: domain.VisibilityEveryone}
			}
		}
		u.Privacy = domain.Privacy{
			LastSeen: clean(p.LastSeen),
			Avatar:   clean(p.Avatar),
			Bio:      clean(p.Bio),
			Birthday: clean(p.Birthday),
		}
		u.UpdatedAt = s.nowMs()
		return *u, nil
	})
	if err != nil {
		return nil, err
	}
	return withoutSecrets(user), nil
}

func (s *UserService) Block(ctx context.Context, userID, targetID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		u, err := actor(agg, userID)
		if err != nil {
			return err
		}
		if targetID == userID {
			return domain.ErrCannotSelf
		}
		if agg.User(targetID) == nil {
			return domain.ErrUserNotFound
		}
		if !u.HasBlocked(targetID) {
			u.BlockedUserIDs = append(u.BlockedUserIDs, targetID)
			u.UpdatedAt = s.nowMs()
		}
		return nil
	})
}

func (s *UserService) Unblock(ctx context.Context, userID, targetID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		u, err := actor(agg, userID)
		if err != nil {
			return err
		}
		if u.HasBlocked(targetID) {
			u.BlockedUserIDs = removeString(u.BlockedUserIDs, targetID)
			u.UpdatedAt = s.nowMs()
		}
		return nil
	})
}

// DeleteUser removes a user and every trace of them. Users may delete
// themselves; admins may delete anyone except the reserved accounts.
func (s *UserService) DeleteUser(ctx context.Context, actorID, userID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		a, err := actor(agg, actorID)
		if err != nil {
			return err
		}
		target := agg.User(userID)
		if target == nil {
			return domain.ErrUserNotFound
		}
		if target.IsBot {
			return domain.ErrReservedUser
		}
		if a.ID != target.ID && !a.IsAdmin {
			return domain.ErrForbidden
		}
		deleteUser(agg, userID)
		return nil
	})
}

func deleteUser(agg *domain.Aggregate, userID string) {
	users := agg.Users[:0]
	for _, u := range agg.Users {
		if u.ID == userID {
			continue
		}
		u.BlockedUserIDs = removeString(u.BlockedUserIDs, userID)
		u.Privacy.LastSeen.Allow = removeString(u.Privacy.LastSeen.Allow, userID)
		u.Privacy.Avatar.Allow = removeString(u.Privacy.Avatar.Allow, userID)
		u.Privacy.Bio.Allow = removeString(u.Privacy.Bio.Allow, userID)
		u.Privacy.Birthday.Allow = removeString(u.Privacy.Birthday.Allow, userID)
		users = append(users, u)
	}
	agg.Users = users

	var gone []string
	for i := range agg.Threads {
		t := &agg.Threads[i]
		if !t.IsMember(userID) {
			continue
		}
		if t.Kind == domain.ThreadDirect {
			gone = append(gone, t.ID)
			continue
		}
		t.RemoveMember(userID)
		if !t.Viable() {
			gone = append(gone, t.ID)
		}
	}
	for _, id := range gone {
		agg.DeleteThread(id)
	}

	msgs := agg.Messages[:0]
	for _, m := range agg.Messages {
		if m.AuthorID == userID {
			continue
		}
		delete(m.SavedBy, userID)
		if len(m.SavedBy) == 0 {
			m.SavedBy = nil
		}
		msgs = append(msgs, m)
	}
	agg.Messages = msgs
	agg.DropDanglingReplies()

	signals := agg.CallSignals[:0]
	for _, sig := range agg.CallSignals {
		if sig.FromUserID != userID && sig.ToUserID != userID {
			signals = append(signals, sig)
		}
	}
	agg.CallSignals = signals

	sanctions := agg.Sanctions[:0]
	for _, sc := range agg.Sanctions {
		if sc.UserID != userID {
			sanctions = append(sanctions, sc)
		}
	}
	agg.Sanctions = sanctions

	reports := agg.Reports[:0]
	for _, r := range agg.Reports {
		if r.ReporterID != userID && r.TargetUserID != userID {
			reports = append(reports, r)
		}
	}
	agg.Reports = reports
}

// VisibleProfile returns targetID's profile with viewerID's view applied.
func (s *UserService) VisibleProfile(ctx context.Context, viewerID, targetID string) (*domain.PublicProfile, error) {
	agg, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	target := agg.User(targetID)
	if target == nil {
		return nil, domain.ErrUserNotFound
	}
	p := target.ProfileFor(viewerID)
	if target.HasBlocked(viewerID) {
		p.AvatarURL, p.LastSeenAt = "", 0
	}
	return &p, nil
}

// ParseToken returns the user id carried by a valid access token.
func (s *UserService) ParseToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return "", domain.ErrInvalidCreds
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", domain.ErrInvalidCreds
	}
	return sub, nil
}

func (s *UserService) generateToken(userID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": now.Add(tokenTTL).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)

	return fmt.Sprintf("%s:%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func verifyPassword(password, encoded string) bool {
	saltB64, hashB64, ok := strings.Cut(encoded, ":")
	if !ok {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false
	}

	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(hash, expectedHash) == 1
}
