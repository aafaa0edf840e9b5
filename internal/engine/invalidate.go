package engine

import (
	"context"

	"entitysync/internal/net/proto"
	"entitysync/internal/session"
	"entitysync/logging"
	replog "entitysync/logging/replication"
)

const invalidationsMetricKey = "engine_query_invalidations_total"

// InvalidateQuery tells every live connection that cached results of the
// named query type may be stale. Nil keys means all of them. Fire and
// forget: no acknowledgment, no retry. Safe to call from any goroutine.
func (e *Engine) InvalidateQuery(query string, keys []string) {
	e.invalidateQuery(query, keys, logging.ServerRef())
}

func (e *Engine) invalidateQuery(query string, keys []string, actor logging.ActorRef) {
	data, err := proto.EncodeQueryInvalidation(proto.QueryInvalidation{Query: query, Keys: keys})
	if err != nil {
		e.logf("failed to encode invalidation for %q: %v", query, err)
		return
	}
	e.sessions.Each(func(conn *session.Conn) {
		conn.Send(data)
	})
	e.addMetric(invalidationsMetricKey, 1)
	replog.QueryInvalidated(context.Background(), e.publisher, actor,
		replog.QueryInvalidatedPayload{Query: query, Keys: keys})
}
