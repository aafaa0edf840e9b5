package replication

import (
	"context"

	"entitysync/internal/net/proto"
	"entitysync/internal/session"
	"entitysync/internal/telemetry"
	"entitysync/logging"
	replog "entitysync/logging/replication"
)

const (
	broadcastFramesMetricKey = "replication_broadcast_frames_total"
	broadcastBytesMetricKey  = "replication_broadcast_bytes_total"
)

// BroadcasterDeps wires the fan-out path.
type BroadcasterDeps struct {
	Index     *SubscriptionIndex
	Queue     *Queue
	Sessions  *session.Registry
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	// OnSlowConsumer is invoked once per flush for each connection whose
	// outbound queue overflowed; the engine disconnects it afterwards.
	OnSlowConsumer func(session.ConnID)
}

// Broadcaster drains the conflation queue and fans frames out through the
// subscription index. Component updates and removals go to subscribers of
// the type; entity removals go to every live connection.
type Broadcaster struct {
	deps BroadcasterDeps

	frames int
	bytes  int
	slow   map[session.ConnID]struct{}
}

func NewBroadcaster(deps BroadcasterDeps) *Broadcaster {
	return &Broadcaster{deps: deps}
}

// Flush delivers all pending removals in enqueue order, then all pending
// updates, then reports stats. Called on the writer loop only.
func (b *Broadcaster) Flush() {
	removals, updates := b.deps.Queue.Drain()
	if len(removals) == 0 && len(updates) == 0 {
		return
	}
	b.frames = 0
	b.bytes = 0
	b.slow = nil

	for _, removal := range removals {
		if removal.Component == "" {
			data, err := proto.EncodeEntityRemove(proto.EntityRemove{Entity: removal.Entity})
			if err != nil {
				b.logf("failed to encode entity removal for %d: %v", removal.Entity, err)
				continue
			}
			b.sendToAll(data)
			continue
		}
		data, err := proto.EncodeComponentRemove(proto.ComponentRemove{Entity: removal.Entity, Component: removal.Component})
		if err != nil {
			b.logf("failed to encode component removal for %d/%s: %v", removal.Entity, removal.Component, err)
			continue
		}
		b.sendToSubscribers(removal.Component, data)
	}

	for _, update := range updates {
		data, err := proto.EncodeUpdate(proto.Update{
			Entity:    update.Entity,
			Component: update.Type,
			Version:   update.Version,
			Payload:   update.Payload,
		})
		if err != nil {
			b.logf("failed to encode update for %d/%s: %v", update.Entity, update.Type, err)
			continue
		}
		b.sendToSubscribers(update.Type, data)
	}

	if b.deps.Metrics != nil {
		b.deps.Metrics.Add(broadcastFramesMetricKey, uint64(b.frames))
		b.deps.Metrics.Add(broadcastBytesMetricKey, uint64(b.bytes))
	}
	replog.Flush(context.Background(), b.deps.Publisher, replog.FlushPayload{
		Removals: len(removals),
		Updates:  len(updates),
		Frames:   b.frames,
		Bytes:    b.bytes,
	})

	for conn := range b.slow {
		if b.deps.OnSlowConsumer != nil {
			b.deps.OnSlowConsumer(conn)
		}
	}
}

func (b *Broadcaster) sendToSubscribers(typeName string, data []byte) {
	b.deps.Index.EachSubscriber(typeName, func(id session.ConnID) {
		b.sendTo(id, data)
	})
}

func (b *Broadcaster) sendToAll(data []byte) {
	b.deps.Sessions.Each(func(conn *session.Conn) {
		b.deliver(conn, data)
	})
}

func (b *Broadcaster) sendTo(id session.ConnID, data []byte) {
	conn, ok := b.deps.Sessions.Get(id)
	if !ok {
		return
	}
	b.deliver(conn, data)
}

func (b *Broadcaster) deliver(conn *session.Conn, data []byte) {
	if conn.Send(data) {
		b.frames++
		b.bytes += len(data)
		return
	}
	if b.slow == nil {
		b.slow = make(map[session.ConnID]struct{})
	}
	if _, seen := b.slow[conn.ID()]; !seen {
		b.slow[conn.ID()] = struct{}{}
		replog.SlowConsumer(context.Background(), b.deps.Publisher, logging.ConnectionRef(connID(conn)), conn.QueueLen())
	}
}

func (b *Broadcaster) logf(format string, args ...any) {
	if b.deps.Logger != nil {
		b.deps.Logger.Printf(format, args...)
	}
}

func connID(conn *session.Conn) string {
	return session.FormatConnID(conn.ID())
}
