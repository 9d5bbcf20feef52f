package domain

import (
	"encoding/json"
	"time"
)

const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
	SignalHangup = "hangup"
	SignalReject = "reject"
)

// DefaultSignalTTL bounds how long an undelivered call signal is kept.
const DefaultSignalTTL = 10 * time.Minute

type CallSignal struct {
	ID         string          `json:"id"`
	ChatID     string          `json:"chatId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"createdAt"`
}

// ValidSignalType reports whether t is a known signal type.
func ValidSignalType(t string) bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICE, SignalHangup, SignalReject:
		return true
	}
	return false
}

// Expired reports whether the signal is older than ttl at nowMs.
func (s *CallSignal) Expired(nowMs int64, ttl time.Duration) bool {
	return nowMs-s.CreatedAt > ttl.Milliseconds()
}
