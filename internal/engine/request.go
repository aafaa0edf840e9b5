package engine

import (
	"encoding/json"
	"errors"

	"entitysync/internal/control"
	"entitysync/internal/net/proto"
	"entitysync/internal/session"
	"entitysync/internal/world"
)

// Handler error sentinels. Wrapping one of these maps the failure onto the
// matching wire status instead of an opaque internal error.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
)

// Request is one correlated client request as seen by a handler. For
// targeted requests the authorization check has already passed by the time
// the handler runs.
type Request struct {
	Conn    session.ConnID
	Entity  world.Entity
	Name    string
	Payload json.RawMessage
	Seq     uint64
}

// Respond completes a request exactly once. Calls after a timeout or
// disconnect are silently discarded.
type Respond func(payload json.RawMessage, err error)

// RequestHandler services one named request type. Handlers may complete
// synchronously or hold on to respond and complete from another goroutine.
type RequestHandler interface {
	Handle(req Request, respond Respond)
}

// RequestHandlerFunc adapts plain functions into RequestHandlers.
type RequestHandlerFunc func(req Request, respond Respond)

func (f RequestHandlerFunc) Handle(req Request, respond Respond) {
	if f == nil {
		respond(nil, errors.New("nil handler"))
		return
	}
	f(req, respond)
}

// applyRequest correlates an inbound request and runs the targeted
// authorization middleware before the handler ever observes it.
func (e *Engine) applyRequest(cmd Command) {
	handler, ok := e.handlers[cmd.Request]
	if !ok {
		e.sendResponse(cmd.Conn, proto.Response{Seq: cmd.Seq, Status: proto.StatusNotFound})
		return
	}

	if cmd.Entity != world.NoEntity {
		if !e.world.Exists(cmd.Entity) {
			e.sendResponse(cmd.Conn, proto.Response{Seq: cmd.Seq, Status: proto.StatusNotFound})
			return
		}
		decision := e.control.Authorize(cmd.Conn, cmd.Entity, e.policy)
		if !decision.Allowed {
			if decision.Reason == control.ReasonNotFound {
				e.sendResponse(cmd.Conn, proto.Response{Seq: cmd.Seq, Status: proto.StatusNotFound})
				return
			}
			e.sendResponse(cmd.Conn, proto.Response{
				Seq:          cmd.Seq,
				Status:       proto.StatusNotAuthorized,
				ControlledBy: decision.ControlledBy,
			})
			return
		}
	}

	if !e.correlator.Register(cmd.Conn, cmd.Seq, cmd.Request, e.clock.Now()) {
		e.logf("rejecting duplicate request seq=%d from conn=%s", cmd.Seq, session.FormatConnID(cmd.Conn))
		e.sendResponse(cmd.Conn, proto.Response{Seq: cmd.Seq, Status: proto.StatusValidationError, Detail: "duplicate request id"})
		return
	}
	conn, seq := cmd.Conn, cmd.Seq
	respond := func(payload json.RawMessage, err error) {
		if !e.correlator.Complete(conn, seq) {
			return
		}
		if err != nil {
			payload = nil
		}
		e.sendResponse(conn, proto.Response{
			Seq:     seq,
			Status:  statusForHandlerError(err),
			Payload: payload,
		})
	}
	handler.Handle(Request{
		Conn:    cmd.Conn,
		Entity:  cmd.Entity,
		Name:    cmd.Request,
		Payload: cmd.Payload,
		Seq:     cmd.Seq,
	}, respond)
}

func statusForHandlerError(err error) string {
	switch {
	case err == nil:
		return proto.StatusOK
	case errors.Is(err, ErrValidation):
		return proto.StatusValidationError
	case errors.Is(err, ErrNotFound):
		return proto.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return proto.StatusForbidden
	default:
		return proto.StatusInternalError
	}
}
