package engine

import (
	"context"

	"entitysync/internal/control"
	"entitysync/internal/net/proto"
	"entitysync/internal/session"
	"entitysync/logging"
	"entitysync/logging/authority"
)

// applyMutate runs one proposed write through the full pipeline: resolve the
// component type, authorize, validate, apply, stage the broadcast, respond
// to the originator only, then fan out any tagged query invalidations.
// Commands for the same (entity, type) are serialized by the writer loop, so
// a later mutation always observes the version an earlier one wrote.
func (e *Engine) applyMutate(cmd Command) {
	if !e.components.Known(cmd.Component) {
		e.rejectMutation(cmd, proto.StatusValidationError, "unknown component type")
		return
	}
	if !e.world.Exists(cmd.Entity) {
		e.rejectMutation(cmd, proto.StatusNotFound, "")
		return
	}

	decision := e.control.Authorize(cmd.Conn, cmd.Entity, e.policy)
	if !decision.Allowed {
		status := proto.StatusForbidden
		if decision.Reason == control.ReasonNotFound {
			status = proto.StatusNotFound
		}
		e.rejectMutation(cmd, status, "")
		return
	}

	// Clients echo the schema hash from the catalog; a mismatch means the
	// client compiled against a different payload shape.
	if cmd.Conn != session.ServerConn {
		hash, _ := e.components.SchemaHash(cmd.Component)
		if cmd.SchemaHash != hash {
			e.rejectMutation(cmd, proto.StatusValidationError, "schema hash mismatch")
			return
		}
	}
	if err := e.components.Decode(cmd.Component, cmd.Payload); err != nil {
		e.rejectMutation(cmd, proto.StatusValidationError, err.Error())
		return
	}

	record, err := e.world.SetComponent(cmd.Entity, cmd.Component, cmd.Payload)
	if err != nil {
		e.rejectMutation(cmd, proto.StatusInternalError, "internal error")
		return
	}
	e.queue.EnqueueUpdate(record.Entity, record.Type, record.Version, record.Payload)
	e.addMetric(mutationsAppliedMetricKey, 1)
	e.storeGauge(entitiesGaugeKey, uint64(e.world.EntityCount()))

	e.respondMutation(cmd.Conn, proto.MutationResult{Seq: cmd.Seq, Status: proto.StatusOK})

	for _, query := range e.components.Invalidates(cmd.Component) {
		e.invalidateQuery(query, nil, logging.ConnectionRef(session.FormatConnID(cmd.Conn)))
	}
}

func (e *Engine) rejectMutation(cmd Command, status, detail string) {
	e.addMetric(mutationsRejectedMetricKey, 1)
	e.respondMutation(cmd.Conn, proto.MutationResult{Seq: cmd.Seq, Status: status, Detail: detail})
	authority.MutationRejected(context.Background(), e.publisher,
		logging.ConnectionRef(session.FormatConnID(cmd.Conn)),
		authority.MutationRejectedPayload{
			Entity:    uint64(cmd.Entity),
			Component: cmd.Component,
			Status:    status,
			Detail:    detail,
		})
}
