package replication

import (
	"context"

	"entitysync/logging"
)

const (
	// EventFlush is emitted after a broadcast flush with fan-out stats.
	EventFlush logging.EventType = "replication.flush"
	// EventQueryInvalidated is emitted when a cached query is flagged stale.
	EventQueryInvalidated logging.EventType = "replication.query_invalidated"
	// EventSlowConsumer is emitted when an outbound queue overflows.
	EventSlowConsumer logging.EventType = "replication.slow_consumer"
)

// FlushPayload summarizes one broadcast flush.
type FlushPayload struct {
	Removals int `json:"removals"`
	Updates  int `json:"updates"`
	Frames   int `json:"frames"`
	Bytes    int `json:"bytes"`
}

// QueryInvalidatedPayload names the query type pushed to clients.
type QueryInvalidatedPayload struct {
	Query string   `json:"query"`
	Keys  []string `json:"keys,omitempty"`
}

// Flush publishes broadcast flush statistics at debug severity.
func Flush(ctx context.Context, pub logging.Publisher, payload FlushPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFlush,
		Actor:    logging.ServerRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// QueryInvalidated publishes a query invalidation broadcast event.
func QueryInvalidated(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, payload QueryInvalidatedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventQueryInvalidated,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// SlowConsumer publishes an outbound overflow event for a connection.
func SlowConsumer(ctx context.Context, pub logging.Publisher, actor logging.ActorRef, queued int) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSlowConsumer,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  map[string]any{"queued": queued},
	})
}
