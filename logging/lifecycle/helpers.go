package lifecycle

import (
	"context"

	"entitysync/logging"
)

const (
	// EventConnectionOpened is emitted when a client connection is accepted.
	EventConnectionOpened logging.EventType = "lifecycle.connection_opened"
	// EventConnectionClosed is emitted when a client connection goes away.
	EventConnectionClosed logging.EventType = "lifecycle.connection_closed"
)

// ConnectionOpenedPayload captures accept metadata for a new connection.
type ConnectionOpenedPayload struct {
	RemoteAddr   string `json:"remoteAddr,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// ConnectionClosedPayload captures why a connection was torn down.
type ConnectionClosedPayload struct {
	Reason        string `json:"reason"`
	Subscriptions int    `json:"subscriptions,omitempty"`
	ControlsFreed int    `json:"controlsFreed,omitempty"`
}

// ConnectionOpened publishes a connection accept event.
func ConnectionOpened(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, payload ConnectionOpenedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionOpened,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ConnectionClosed publishes a connection teardown event.
func ConnectionClosed(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, payload ConnectionClosedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionClosed,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
