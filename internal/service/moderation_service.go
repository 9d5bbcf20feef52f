package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/store"
)

const (
	AuditSanctionIssued = "sanction.issued"
	AuditSanctionLifted = "sanction.lifted"
	AuditReportResolved = "report.resolved"
	AuditMessageRemoved = "message.removed"
)

type ModerationService struct {
	base
}

func NewModerationService(st *store.Store) *ModerationService {
	return &ModerationService{base: newBase(st)}
}

// ActiveSanction returns the sanction in force for userID at nowMs, bans
// before mutes.
func ActiveSanction(agg *domain.Aggregate, userID string, nowMs int64) *domain.Sanction {
	var found *domain.Sanction
	for i := range agg.Sanctions {
		sc := &agg.Sanctions[i]
		if sc.UserID != userID || !sc.Active(nowMs) {
			continue
		}
		if sc.Kind == domain.SanctionBan {
			return sc
		}
		if found == nil {
			found = sc
		}
	}
	return found
}

func (s *ModerationService) ActiveSanction(ctx context.Context, userID string) (*domain.Sanction, error) {
	agg, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	return ActiveSanction(agg, userID, s.nowMs()), nil
}

func admin(agg *domain.Aggregate, actorID string) (*domain.User, error) {
	u, err := actor(agg, actorID)
	if err != nil {
		return nil, err
	}
	if !u.IsAdmin {
		return nil, domain.ErrForbidden
	}
	return u, nil
}

func audit(agg *domain.Aggregate, actorID, action, targetID, detail string, now int64) {
	agg.AuditLog = append(agg.AuditLog, domain.AuditEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Action:    action,
		TargetID:  targetID,
		Detail:    detail,
		CreatedAt: now,
	})
}

type IssueSanctionInput struct {
	UserID   string        `json:"userId" validate:"required"`
	Kind     string        `json:"kind" validate:"required,oneof=mute ban"`
	Reason   string        `json:"reason" validate:"max=500"`
	Duration time.Duration `json:"duration" validate:"gt=0"`
}

func (s *ModerationService) IssueSanction(ctx context.Context, actorID string, input IssueSanctionInput) (*domain.Sanction, error) {
	sc, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.Sanction, error) {
		if _, err := admin(agg, actorID); err != nil {
			return domain.Sanction{}, err
		}
		if input.Kind != domain.SanctionMute && input.Kind != domain.SanctionBan {
			return domain.Sanction{}, domain.NewValidationError("INVALID_SANCTION", "sanction kind must be mute or ban")
		}
		if input.Duration <= 0 {
			return domain.Sanction{}, domain.NewValidationError("INVALID_SANCTION", "sanction needs a positive duration")
		}
		if input.UserID == actorID {
			return domain.Sanction{}, domain.ErrCannotSelf
		}
		target := agg.User(input.UserID)
		if target == nil {
			return domain.Sanction{}, domain.ErrUserNotFound
		}
		if target.IsBot {
			return domain.Sanction{}, domain.ErrReservedUser
		}

		now := s.nowMs()
		sc := domain.Sanction{
			ID:        uuid.NewString(),
			UserID:    target.ID,
			Kind:      input.Kind,
			Reason:    strings.TrimSpace(input.Reason),
			IssuedBy:  actorID,
			CreatedAt: now,
			ExpiresAt: now + input.Duration.Milliseconds(),
		}
		agg.Sanctions = append(agg.Sanctions, sc)
		audit(agg, actorID, AuditSanctionIssued, target.ID, fmt.Sprintf("%s until %d", sc.Kind, sc.ExpiresAt), now)
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// LiftSanction ends a sanction now. The record is kept for history.
func (s *ModerationService) LiftSanction(ctx context.Context, actorID, sanctionID string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		if _, err := admin(agg, actorID); err != nil {
			return err
		}
		now := s.nowMs()
		for i := range agg.Sanctions {
			sc := &agg.Sanctions[i]
			if sc.ID != sanctionID {
				continue
			}
			if sc.Active(now) {
				sc.ExpiresAt = now
			}
			audit(agg, actorID, AuditSanctionLifted, sc.UserID, sc.ID, now)
			return nil
		}
		return domain.ErrSanctionNotFound
	})
}

type FileReportInput struct {
	MessageID string `json:"messageId" validate:"required"`
	Reason    string `json:"reason" validate:"max=1000"`
}

func (s *ModerationService) FileReport(ctx context.Context, reporterID string, input FileReportInput) (*domain.Report, error) {
	r, err := store.Mutate(ctx, s.store, func(agg *domain.Aggregate) (domain.Report, error) {
		if _, err := actor(agg, reporterID); err != nil {
			return domain.Report{}, err
		}
		m := agg.Message(input.MessageID)
		if m == nil || !canSee(agg, reporterID, m) {
			return domain.Report{}, domain.ErrMessageNotFound
		}
		if m.AuthorID == reporterID {
			return domain.Report{}, domain.ErrCannotSelf
		}
		for _, existing := range agg.Reports {
			if existing.ReporterID == reporterID && existing.MessageID == m.ID && existing.Status == domain.ReportOpen {
				return existing, nil
			}
		}
		r := domain.Report{
			ID:           uuid.NewString(),
			ReporterID:   reporterID,
			MessageID:    m.ID,
			TargetUserID: m.AuthorID,
			Reason:       strings.TrimSpace(input.Reason),
			Status:       domain.ReportOpen,
			CreatedAt:    s.nowMs(),
		}
		agg.Reports = append(agg.Reports, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *ModerationService) ResolveReport(ctx context.Context, actorID, reportID, status string) error {
	if status != domain.ReportResolved && status != domain.ReportDismissed {
		return domain.NewValidationError("INVALID_STATUS", "status must be resolved or dismissed")
	}
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		if _, err := admin(agg, actorID); err != nil {
			return err
		}
		for i := range agg.Reports {
			r := &agg.Reports[i]
			if r.ID != reportID {
				continue
			}
			now := s.nowMs()
			r.Status = status
			r.ResolvedAt = now
			r.ResolvedBy = actorID
			audit(agg, actorID, AuditReportResolved, r.ID, status, now)
			return nil
		}
		return domain.ErrReportNotFound
	})
}

func (s *ModerationService) ListReports(ctx context.Context, actorID, status string) ([]domain.Report, error) {
	agg, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := admin(agg, actorID); err != nil {
		return nil, err
	}
	out := []domain.Report{}
	for _, r := range agg.Reports {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// ModerateDeleteMessage removes any message on an admin's authority and
// resolves the open reports that point at it.
func (s *ModerationService) ModerateDeleteMessage(ctx context.Context, actorID, messageID, reason string) error {
	return s.store.Do(ctx, func(agg *domain.Aggregate) error {
		if _, err := admin(agg, actorID); err != nil {
			return err
		}
		m := agg.Message(messageID)
		if m == nil {
			return domain.ErrMessageNotFound
		}
		author := m.AuthorID
		removeMessage(agg, messageID)

		now := s.nowMs()
		for i := range agg.Reports {
			r := &agg.Reports[i]
			if r.MessageID == messageID && r.Status == domain.ReportOpen {
				r.Status = domain.ReportResolved
				r.ResolvedAt = now
				r.ResolvedBy = actorID
			}
		}
		audit(agg, actorID, AuditMessageRemoved, author, strings.TrimSpace(messageID+" "+reason), now)
		return nil
	})
}
