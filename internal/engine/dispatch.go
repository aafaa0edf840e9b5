package engine

import (
	"context"
	"encoding/json"
	"time"

	"entitysync/internal/control"
	"entitysync/internal/net/proto"
	"entitysync/internal/session"
	"entitysync/internal/world"
	"entitysync/logging"
	"entitysync/logging/authority"
	"entitysync/logging/lifecycle"
)

const (
	commandsAppliedMetricKey   = "engine_commands_applied_total"
	commandPanicsMetricKey     = "engine_command_panics_total"
	mutationsAppliedMetricKey  = "engine_mutations_applied_total"
	mutationsRejectedMetricKey = "engine_mutations_rejected_total"
	controlExpiredMetricKey    = "engine_control_expired_total"
)

// Apply executes one staged command on the caller's goroutine. Run and the
// tests are the only callers; both honor the single-writer discipline.
func (e *Engine) Apply(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			e.addMetric(commandPanicsMetricKey, 1)
			e.logf("panic applying %s command from conn=%s: %v", cmd.Type, session.FormatConnID(cmd.Conn), r)
			e.respondPanic(cmd)
		}
	}()
	e.addMetric(commandsAppliedMetricKey, 1)
	switch cmd.Type {
	case CommandSubscribe:
		e.applySubscribe(cmd)
		e.updateSubscriptionGauge()
	case CommandUnsubscribe:
		e.index.Unsubscribe(cmd.Conn, cmd.Component)
		e.updateSubscriptionGauge()
	case CommandMutate:
		e.applyMutate(cmd)
	case CommandControlTake:
		e.applyControlTake(cmd)
	case CommandControlRelease:
		e.applyControlRelease(cmd)
	case CommandRequest:
		e.applyRequest(cmd)
	case CommandRemoveComponent:
		e.applyRemoveComponent(cmd)
	case CommandDestroyEntity:
		e.applyDestroyEntity(cmd)
	case CommandDisconnect:
		e.applyDisconnect(cmd.Conn, cmd.Reason)
	default:
		e.logf("dropping unknown command type %q from conn=%s", cmd.Type, session.FormatConnID(cmd.Conn))
	}
}

// FlushNow drains the conflation queue and fans pending frames out. Writer
// loop only.
func (e *Engine) FlushNow() {
	e.broadcast.Flush()
}

func (e *Engine) applySubscribe(cmd Command) {
	if cmd.Component == ControlComponent {
		e.index.Subscribe(cmd.Conn, ControlComponent)
		e.sendFrame(cmd.Conn, e.encodeControlSnapshot())
		return
	}
	if !e.components.Known(cmd.Component) {
		e.logf("ignoring subscribe to unknown component %q from conn=%s", cmd.Component, session.FormatConnID(cmd.Conn))
		return
	}
	// Re-subscribes are idempotent in the index but still earn a fresh
	// snapshot, so a client that lost track of state can resynchronize.
	e.index.Subscribe(cmd.Conn, cmd.Component)

	hash, _ := e.components.SchemaHash(cmd.Component)
	live := e.world.RecordsOfType(cmd.Component)
	records := make([]proto.SnapshotRecord, 0, len(live))
	for _, record := range live {
		records = append(records, proto.SnapshotRecord{
			Entity:  record.Entity,
			Version: record.Version,
			Payload: record.Payload,
		})
	}
	data, err := proto.EncodeSnapshot(proto.Snapshot{
		Component:  cmd.Component,
		SchemaHash: hash,
		Records:    records,
	})
	if err != nil {
		e.logf("failed to encode snapshot for %q: %v", cmd.Component, err)
		return
	}
	e.sendFrame(cmd.Conn, data)
}

func (e *Engine) encodeControlSnapshot() []byte {
	rows := e.control.Rows()
	records := make([]proto.SnapshotRecord, 0, len(rows))
	for _, r := range rows {
		payload, err := json.Marshal(struct {
			Owner session.ConnID `json:"owner"`
		}{Owner: r.Owner})
		if err != nil {
			continue
		}
		records = append(records, proto.SnapshotRecord{Entity: r.Entity, Payload: payload})
	}
	data, err := proto.EncodeSnapshot(proto.Snapshot{
		Component: ControlComponent,
		Records:   records,
	})
	if err != nil {
		e.logf("failed to encode control snapshot: %v", err)
		return nil
	}
	return data
}

func (e *Engine) applyControlTake(cmd Command) {
	result := e.control.Take(cmd.Conn, cmd.Entity)
	switch result.Status {
	case control.TakeTaken:
		e.respondControl(cmd.Conn, proto.ControlResult{Seq: cmd.Seq, Status: proto.StatusTaken})
		e.broadcastControlChanged(cmd.Entity, cmd.Conn, proto.ControlChangeTaken)
		authority.ControlTaken(context.Background(), e.publisher,
			logging.ConnectionRef(session.FormatConnID(cmd.Conn)),
			authority.ControlPayload{Entity: uint64(cmd.Entity), Owner: uint64(cmd.Conn)})
	case control.TakeAlreadyControlled:
		e.respondControl(cmd.Conn, proto.ControlResult{
			Seq:          cmd.Seq,
			Status:       proto.StatusAlreadyControlled,
			ControlledBy: result.By,
		})
	case control.TakeNotFound:
		e.respondControl(cmd.Conn, proto.ControlResult{Seq: cmd.Seq, Status: proto.StatusNotFound})
	}
	e.storeGauge(controlRowsGaugeKey, uint64(e.control.Len()))
}

func (e *Engine) applyControlRelease(cmd Command) {
	status := e.control.Release(cmd.Conn, cmd.Entity)
	if status == control.ReleaseReleased {
		e.respondControl(cmd.Conn, proto.ControlResult{Seq: cmd.Seq, Status: proto.StatusReleased})
		e.broadcastControlChanged(cmd.Entity, session.ServerConn, proto.ControlChangeReleased)
		authority.ControlReleased(context.Background(), e.publisher,
			logging.ConnectionRef(session.FormatConnID(cmd.Conn)),
			authority.ControlPayload{Entity: uint64(cmd.Entity)})
	} else {
		e.respondControl(cmd.Conn, proto.ControlResult{Seq: cmd.Seq, Status: proto.StatusNotControlled})
	}
	e.storeGauge(controlRowsGaugeKey, uint64(e.control.Len()))
}

func (e *Engine) applyRemoveComponent(cmd Command) {
	if cmd.Conn != session.ServerConn {
		// The wire protocol carries no client-side removal message; a
		// command forged through another path is refused outright.
		e.respondMutation(cmd.Conn, proto.MutationResult{Seq: cmd.Seq, Status: proto.StatusForbidden})
		return
	}
	if e.world.RemoveComponent(cmd.Entity, cmd.Component) {
		e.queue.EnqueueRemoval(cmd.Entity, cmd.Component)
	}
}

func (e *Engine) applyDestroyEntity(cmd Command) {
	if cmd.Conn != session.ServerConn {
		e.respondMutation(cmd.Conn, proto.MutationResult{Seq: cmd.Seq, Status: proto.StatusForbidden})
		return
	}
	order := e.world.Destroy(cmd.Entity)
	for _, entity := range order {
		e.control.Drop(entity)
		e.queue.EnqueueRemoval(entity, "")
	}
	e.storeGauge(entitiesGaugeKey, uint64(e.world.EntityCount()))
	e.storeGauge(controlRowsGaugeKey, uint64(e.control.Len()))
}

func (e *Engine) applyDisconnect(conn session.ConnID, reason string) {
	subs := e.index.SubscriptionCount(conn)
	e.index.DropConnection(conn)
	freed := e.control.ReleaseAll(conn)
	for _, entity := range freed {
		e.broadcastControlChanged(entity, session.ServerConn, proto.ControlChangeReleased)
		authority.ControlReleased(context.Background(), e.publisher,
			logging.ConnectionRef(session.FormatConnID(conn)),
			authority.ControlPayload{Entity: uint64(entity)})
	}
	e.correlator.DropConnection(conn)
	e.sessions.Remove(conn)
	e.updateSubscriptionGauge()
	e.storeGauge(connectionsGaugeKey, uint64(e.sessions.Len()))
	e.storeGauge(controlRowsGaugeKey, uint64(e.control.Len()))
	lifecycle.ConnectionClosed(context.Background(), e.publisher,
		logging.ConnectionRef(session.FormatConnID(conn)),
		lifecycle.ConnectionClosedPayload{
			Reason:        reason,
			Subscriptions: subs,
			ControlsFreed: len(freed),
		})
}

// Sweep runs the periodic timeout work: idle control rows, expired request
// exchanges, and silent connections. Writer loop only.
func (e *Engine) Sweep(now time.Time) {
	for _, released := range e.control.Sweep(now, e.cfg.ControlTimeout) {
		e.addMetric(controlExpiredMetricKey, 1)
		e.broadcastControlChanged(released.Entity, session.ServerConn, proto.ControlChangeExpired)
		authority.ControlExpired(context.Background(), e.publisher,
			logging.ConnectionRef(session.FormatConnID(released.Owner)),
			authority.ControlPayload{Entity: uint64(released.Entity), Owner: uint64(released.Owner)})
	}
	e.storeGauge(controlRowsGaugeKey, uint64(e.control.Len()))

	for _, expired := range e.correlator.Expire(now) {
		e.sendResponse(expired.Conn, proto.Response{Seq: expired.Seq, Status: proto.StatusTimedOut})
	}

	for _, conn := range e.sessions.Stale(now, e.cfg.HeartbeatDeadline) {
		e.logf("disconnecting conn=%s due to heartbeat timeout", session.FormatConnID(conn))
		e.applyDisconnect(conn, "heartbeat_timeout")
	}
}

func (e *Engine) broadcastControlChanged(entity world.Entity, owner session.ConnID, reason string) {
	data, err := proto.EncodeControlChanged(proto.ControlChanged{
		Entity: entity,
		Owner:  owner,
		Reason: reason,
	})
	if err != nil {
		e.logf("failed to encode control change for %d: %v", entity, err)
		return
	}
	e.index.EachSubscriber(ControlComponent, func(conn session.ConnID) {
		e.sendFrame(conn, data)
	})
}

func (e *Engine) disconnectSlowConsumer(conn session.ConnID) {
	e.applyDisconnect(conn, "slow_consumer")
}

// sendFrame delivers a frame to one connection, disconnecting it if its
// outbound queue is saturated.
func (e *Engine) sendFrame(conn session.ConnID, data []byte) {
	if conn == session.ServerConn || data == nil {
		return
	}
	c, ok := e.sessions.Get(conn)
	if !ok {
		return
	}
	if !c.Send(data) {
		e.applyDisconnect(conn, "slow_consumer")
	}
}

func (e *Engine) respondMutation(conn session.ConnID, msg proto.MutationResult) {
	if conn == session.ServerConn {
		return
	}
	data, err := proto.EncodeMutationResult(msg)
	if err != nil {
		e.logf("failed to encode mutation result: %v", err)
		return
	}
	e.sendFrame(conn, data)
}

func (e *Engine) respondControl(conn session.ConnID, msg proto.ControlResult) {
	if conn == session.ServerConn {
		return
	}
	data, err := proto.EncodeControlResult(msg)
	if err != nil {
		e.logf("failed to encode control result: %v", err)
		return
	}
	e.sendFrame(conn, data)
}

// sendResponse delivers a correlated response. Unlike sendFrame it may run
// off the writer loop (handler completions), so queue overflow only drops
// the frame and leaves disconnection to the broadcaster path.
func (e *Engine) sendResponse(conn session.ConnID, msg proto.Response) {
	if conn == session.ServerConn {
		return
	}
	data, err := proto.EncodeResponse(msg)
	if err != nil {
		e.logf("failed to encode response: %v", err)
		return
	}
	c, ok := e.sessions.Get(conn)
	if !ok {
		return
	}
	c.Send(data)
}

func (e *Engine) respondPanic(cmd Command) {
	switch cmd.Type {
	case CommandMutate:
		e.respondMutation(cmd.Conn, proto.MutationResult{
			Seq:    cmd.Seq,
			Status: proto.StatusInternalError,
			Detail: "internal error",
		})
	case CommandRequest:
		e.correlator.Complete(cmd.Conn, cmd.Seq)
		e.sendResponse(cmd.Conn, proto.Response{Seq: cmd.Seq, Status: proto.StatusInternalError})
	}
}
