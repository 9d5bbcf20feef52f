package call

import (
	"context"
	"encoding/json"

	"github.com/vedran77/pulse/internal/relay"
)

// RelayTransport sends signals for one user through an in-process relay.
type RelayTransport struct {
	Relay  *relay.Relay
	UserID string
}

func (t RelayTransport) Send(ctx context.Context, chatID, toUserID, signalType string, payload json.RawMessage) error {
	_, err := t.Relay.Send(ctx, relay.SendInput{
		ChatID:     chatID,
		FromUserID: t.UserID,
		ToUserID:   toUserID,
		Type:       signalType,
		Payload:    payload,
	})
	return err
}
