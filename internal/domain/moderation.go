package domain

const (
	SanctionMute = "mute"
	SanctionBan  = "ban"
)

const (
	ReportOpen      = "open"
	ReportResolved  = "resolved"
	ReportDismissed = "dismissed"
)

type Sanction struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	IssuedBy  string `json:"issuedBy,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Active reports whether the sanction is in force at nowMs.
func (s *Sanction) Active(nowMs int64) bool {
	return s.ExpiresAt > nowMs
}

type Report struct {
	ID           string `json:"id"`
	ReporterID   string `json:"reporterId"`
	MessageID    string `json:"messageId,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
	ResolvedAt   int64  `json:"resolvedAt,omitempty"`
	ResolvedBy   string `json:"resolvedBy,omitempty"`
}

type AuditEntry struct {
	ID        string `json:"id"`
	ActorID   string `json:"actorId"`
	Action    string `json:"action"`
	TargetID  string `json:"targetId,omitempty"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}
