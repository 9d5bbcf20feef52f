package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/store"
)

type GroupService struct {
	base
}

func NewGroupService(st *store.Store) *GroupService {
	return &GroupService{base: newBase(st)}
}

type CreateGroupInput struct {
	Title     string   `json:"title" validate:"required,min=1,max=100"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1,max=200"`
}

func canManage(t *domain.Thread, userID string) bool {
	role := t.Roles[userID]
	return role == domain.RoleOwner || role == domain.RoleAdmin
}

func groupThread(agg *domain.Aggregate, userID, threadID string) (*domain.Thread, error) {
	t, err := memberThread(agg, userID, threadID)
	if err != nil {
		return nil, err
	}
	if t.Kind != domain.ThreadGroup {
		return nil, domain.ErrForbidden
	}
	return t, nil
}

func (s *GroupService) CreateGroup(ctx context.Context, userID string, input CreateGroupInput) (*domain.Thread, error) {
	t, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.Thread, error) {
		if _, err := actor(agg, userID); err != nil {
			return domain.Thread{}, err
		}
		members := []string{userID}
		for _, id := range input.MemberIDs {
			u := agg.User(id)
			if u == nil {
				return domain.Thread{}, domain.ErrUserNotFound
			}
			if u.HasBlocked(userID) {
				return domain.Thread{}, domain.ErrBlocked
			}
			if !containsString(members, id) {
				members = append(members, id)
			}
		}
		if len(members) < 2 {
			return domain.Thread{}, domain.ErrTooFewMembers
		}

		now := s.nowMs()
		roles := make(map[string]string, len(members))
		for _, id := range members {
			roles[id] = domain.RoleMember
		}
		roles[userID] = domain.RoleOwner
		t := domain.Thread{
			ID:        uuid.NewString(),
			Kind:      domain.ThreadGroup,
			Title:     strings.TrimSpace(input.Title),
			MemberIDs: members,
			Roles:     roles,
			CreatedBy: userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		agg.Threads = append(agg.Threads, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GroupService) AddMember(ctx context.Context, actorID, threadID, userID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		return addMember(agg, actorID, threadID, userID, s.nowMs())
	})
}

func addMember(agg *domain.Aggregate, actorID, threadID, userID string, now int64) error {
	t, err := groupThread(agg, actorID, threadID)
	if err != nil {
		return err
	}
	if !canManage(t, actorID) {
		return domain.ErrForbidden
	}
	u := agg.User(userID)
	if u == nil {
		return domain.ErrUserNotFound
	}
	if t.IsMember(userID) {
		return domain.ErrAlreadyMember
	}
	if u.HasBlocked(actorID) {
		return domain.ErrBlocked
	}
	t.MemberIDs = append(t.MemberIDs, userID)
	t.Roles[userID] = domain.RoleMember
	t.UpdatedAt = now
	return nil
}

// RemoveMember removes userID from the group. Owners may remove anyone,
// admins only plain members. A group left with fewer than two members is
// deleted.
func (s *GroupService) RemoveMember(ctx context.Context, actorID, threadID, userID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		return removeMember(agg, actorID, threadID, userID, s.nowMs())
	})
}

func removeMember(agg *domain.Aggregate, actorID, threadID, userID string, now int64) error {
	if actorID == userID {
		return leave(agg, actorID, threadID, now)
	}
	t, err := groupThread(agg, actorID, threadID)
	if err != nil {
		return err
	}
	if !t.IsMember(userID) {
		return domain.ErrNotMember
	}
	switch t.Roles[actorID] {
	case domain.RoleOwner:
	case domain.RoleAdmin:
		if t.Roles[userID] != domain.RoleMember {
			return domain.ErrForbidden
		}
	default:
		return domain.ErrForbidden
	}
	dropMember(agg, t, userID, now)
	return nil
}

func dropMember(agg *domain.Aggregate, t *domain.Thread, userID string, now int64) {
	t.RemoveMember(userID)
	t.UpdatedAt = now
	if !t.Viable() {
		agg.DeleteThread(t.ID)
	}
}

// SetRole changes a member between admin and member. Only the owner may do
// it; ownership moves through TransferOwnership.
func (s *GroupService) SetRole(ctx context.Context, actorID, threadID, userID, role string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		return setRole(agg, actorID, threadID, userID, role, s.nowMs())
	})
}

func setRole(agg *domain.Aggregate, actorID, threadID, userID, role string, now int64) error {
	if role != domain.RoleAdmin && role != domain.RoleMember {
		return domain.ErrInvalidRole
	}
	t, err := groupThread(agg, actorID, threadID)
	if err != nil {
		return err
	}
	if t.Roles[actorID] != domain.RoleOwner {
		return domain.ErrForbidden
	}
	if userID == actorID {
		return domain.ErrCannotSelf
	}
	if !t.IsMember(userID) {
		return domain.ErrNotMember
	}
	t.Roles[userID] = role
	t.UpdatedAt = now
	return nil
}

func (s *GroupService) TransferOwnership(ctx context.Context, actorID, threadID, newOwnerID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		return transferOwnership(agg, actorID, threadID, newOwnerID, s.nowMs())
	})
}

func transferOwnership(agg *domain.Aggregate, actorID, threadID, newOwnerID string, now int64) error {
	t, err := groupThread(agg, actorID, threadID)
	if err != nil {
		return err
	}
	if t.Roles[actorID] != domain.RoleOwner {
		return domain.ErrForbidden
	}
	if newOwnerID == actorID {
		return domain.ErrCannotSelf
	}
	if !t.IsMember(newOwnerID) {
		return domain.ErrNotMember
	}
	t.Roles[actorID] = domain.RoleAdmin
	t.Roles[newOwnerID] = domain.RoleOwner
	t.UpdatedAt = now
	return nil
}

// Leave removes userID from a thread. Leaving a direct thread deletes it.
func (s *GroupService) Leave(ctx context.Context, userID, threadID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		return leave(agg, userID, threadID, s.nowMs())
	})
}

func leave(agg *domain.Aggregate, userID, threadID string, now int64) error {
	t, err := memberThread(agg, userID, threadID)
	if err != nil {
		return err
	}
	if t.Kind == domain.ThreadDirect {
		agg.DeleteThread(t.ID)
		return nil
	}
	dropMember(agg, t, userID, now)
	return nil
}
