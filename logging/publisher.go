package logging

import (
	"context"
	"time"
)

type EventType string

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// ActorKind identifies who or what an event is about.
type ActorKind string

const (
	ActorKindUnknown    ActorKind = "unknown"
	ActorKindConnection ActorKind = "connection"
	ActorKindEntity     ActorKind = "entity"
	ActorKindServer     ActorKind = "server"
)

// Event is the structured record routed to every enabled sink.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Actor    ActorRef       `json:"actor"`
	Targets  []ActorRef     `json:"targets,omitempty"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
	TraceID  string         `json:"traceId,omitempty"`
}

type ActorRef struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
}

const (
	CategoryLifecycle   = "lifecycle"
	CategoryAuthority   = "authority"
	CategoryReplication = "replication"
	CategorySystem      = "system"
)

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// NopPublisher returns a publisher that discards every event.
func NopPublisher() Publisher {
	return nopPublisher{}
}

// ConnectionRef builds an actor reference for a connection id.
func ConnectionRef(id string) ActorRef {
	return ActorRef{ID: id, Kind: ActorKindConnection}
}

// EntityActorRef builds an actor reference for an entity handle.
func EntityActorRef(id string) ActorRef {
	return ActorRef{ID: id, Kind: ActorKindEntity}
}

// ServerRef is the actor reference used for server-originated events.
func ServerRef() ActorRef {
	return ActorRef{ID: "0", Kind: ActorKindServer}
}
