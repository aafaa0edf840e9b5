package ws

import (
	"log"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"entitysync/internal/engine"
	"entitysync/internal/net/proto"
	"entitysync/internal/session"
)

// Authenticator vets an upgrade request before a session is minted. It
// returns the authenticated subject, empty when authentication is disabled.
type Authenticator interface {
	Authenticate(r *nethttp.Request) (string, error)
}

// TokenMinter issues opaque session tokens for accepted connections.
type TokenMinter interface {
	NewSessionToken() string
}

type HandlerConfig struct {
	Logger *log.Logger
	Auth   Authenticator
	Tokens TokenMinter
}

// Handler upgrades websocket requests and bridges them onto the engine: the
// read loop only enqueues commands, the write pump only drains the session's
// outbound queue. Neither touches authoritative state.
type Handler struct {
	engine   *engine.Engine
	logger   *log.Logger
	auth     Authenticator
	tokens   TokenMinter
	upgrader websocket.Upgrader
}

func NewHandler(eng *engine.Engine, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		engine:   eng,
		logger:   logger,
		auth:     cfg.Auth,
		tokens:   cfg.Tokens,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	subject := ""
	if h.auth != nil {
		s, err := h.auth.Authenticate(r)
		if err != nil {
			nethttp.Error(w, "unauthorized", nethttp.StatusUnauthorized)
			return
		}
		subject = s
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	token := ""
	if h.tokens != nil {
		token = h.tokens.NewSessionToken()
	}
	conn, err := h.engine.Connect(token, subject, r.RemoteAddr)
	if err != nil {
		h.logger.Printf("failed to greet %s: %v", r.RemoteAddr, err)
		message := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "accept failed")
		socket.WriteMessage(websocket.CloseMessage, message)
		socket.Close()
		return
	}

	go writePump(socket, conn, h.logger)
	h.readLoop(socket, conn)
}

func (h *Handler) readLoop(socket *websocket.Conn, conn *session.Conn) {
	id := session.FormatConnID(conn.ID())
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			h.engine.Disconnect(conn.ID(), "read_error")
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from conn=%s: %v", id, err)
			continue
		}

		switch msg.Type {
		case proto.TypeHeartbeat:
			now := time.Now()
			rtt := conn.Heartbeat(now, msg.SentAt)
			data, err := proto.EncodeHeartbeat(proto.Heartbeat{
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
				RTTMillis:  rtt.Milliseconds(),
			})
			if err != nil {
				h.logger.Printf("failed to encode heartbeat ack for conn=%s: %v", id, err)
				continue
			}
			conn.Send(data)
		case proto.TypeSubscribe:
			h.enqueue(conn, engine.Command{Type: engine.CommandSubscribe, Conn: conn.ID(), Component: msg.Component})
		case proto.TypeUnsubscribe:
			h.enqueue(conn, engine.Command{Type: engine.CommandUnsubscribe, Conn: conn.ID(), Component: msg.Component})
		case proto.TypeMutate:
			h.enqueue(conn, engine.Command{
				Type:       engine.CommandMutate,
				Conn:       conn.ID(),
				Entity:     msg.Entity,
				Component:  msg.Component,
				Payload:    msg.Payload,
				SchemaHash: msg.SchemaHash,
				Seq:        msg.Seq,
			})
		case proto.TypeControl:
			cmdType := engine.CommandControlTake
			switch msg.Action {
			case proto.ControlActionTake:
			case proto.ControlActionRelease:
				cmdType = engine.CommandControlRelease
			default:
				h.logger.Printf("unknown control action %q from conn=%s", msg.Action, id)
				continue
			}
			h.enqueue(conn, engine.Command{Type: cmdType, Conn: conn.ID(), Entity: msg.Entity, Seq: msg.Seq})
		case proto.TypeRequest:
			h.enqueue(conn, engine.Command{
				Type:    engine.CommandRequest,
				Conn:    conn.ID(),
				Entity:  msg.Entity,
				Request: msg.Request,
				Payload: msg.Payload,
				Seq:     msg.Seq,
			})
		default:
			h.logger.Printf("unknown message type %q from conn=%s", msg.Type, id)
		}
	}
}

// enqueue stages a command and reports backpressure rejections back to the
// client on the frame matching the command kind.
func (h *Handler) enqueue(conn *session.Conn, cmd engine.Command) {
	ok, reason := h.engine.Enqueue(cmd)
	if ok || cmd.Seq == 0 {
		return
	}
	var data []byte
	var err error
	switch cmd.Type {
	case engine.CommandMutate:
		data, err = proto.EncodeMutationResult(proto.MutationResult{
			Seq:    cmd.Seq,
			Status: proto.StatusInternalError,
			Detail: reason,
		})
	case engine.CommandControlTake, engine.CommandControlRelease:
		data, err = proto.EncodeControlResult(proto.ControlResult{
			Seq:    cmd.Seq,
			Status: proto.StatusInternalError,
		})
	case engine.CommandRequest:
		data, err = proto.EncodeResponse(proto.Response{
			Seq:    cmd.Seq,
			Status: proto.StatusInternalError,
			Detail: reason,
		})
	default:
		return
	}
	if err != nil {
		h.logger.Printf("failed to encode backpressure reject: %v", err)
		return
	}
	conn.Send(data)
}
