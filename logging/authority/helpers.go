package authority

import (
	"context"

	"entitysync/logging"
)

const (
	// EventControlTaken is emitted when a connection takes exclusive control.
	EventControlTaken logging.EventType = "authority.control_taken"
	// EventControlReleased is emitted on a voluntary or disconnect release.
	EventControlReleased logging.EventType = "authority.control_released"
	// EventControlExpired is emitted when the sweep reclaims an idle row.
	EventControlExpired logging.EventType = "authority.control_expired"
	// EventMutationRejected is emitted when a proposed write is refused.
	EventMutationRejected logging.EventType = "authority.mutation_rejected"
)

// ControlPayload identifies the entity a control transition concerns.
type ControlPayload struct {
	Entity uint64 `json:"entity"`
	Owner  uint64 `json:"owner,omitempty"`
}

// MutationRejectedPayload captures why a proposed write was refused.
type MutationRejectedPayload struct {
	Entity    uint64 `json:"entity"`
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// ControlTaken publishes a control acquisition event.
func ControlTaken(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, payload ControlPayload) {
	publish(ctx, pub, EventControlTaken, logging.SeverityInfo, actor, payload)
}

// ControlReleased publishes a control release event.
func ControlReleased(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, payload ControlPayload) {
	publish(ctx, pub, EventControlReleased, logging.SeverityInfo, actor, payload)
}

// ControlExpired publishes an idle-timeout release event.
func ControlExpired(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, payload ControlPayload) {
	publish(ctx, pub, EventControlExpired, logging.SeverityInfo, actor, payload)
}

// MutationRejected publishes a refused mutation event.
func MutationRejected(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, payload MutationRejectedPayload) {
	publish(ctx, pub, EventMutationRejected, logging.SeverityWarn, actor, payload)
}

func publish(ctx context.Context, pub logging.Publisher, kind logging.EventType, sev logging.Severity, actor logging.ActorRef, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     kind,
		Actor:    actor,
		Severity: sev,
		Category: logging.CategoryAuthority,
		Payload:  payload,
	})
}
