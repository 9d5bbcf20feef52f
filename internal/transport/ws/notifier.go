package ws

// HubNotifier implements relay.Notifier using the WebSocket Hub.
type HubNotifier struct {
	hub *Hub
}

func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) NotifySignalPending(userID string) {
	n.hub.SendToUser(userID, EventTypeSignalPending, nil)
}
