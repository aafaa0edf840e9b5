package proto

import (
	"encoding/json"
	"fmt"

	"entitysync/internal/session"
	"entitysync/internal/world"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	// Type identifiers for outbound payloads.
	typeJoined            = "joined"
	typeSnapshot          = "snapshot"
	typeUpdate            = "update"
	typeComponentRemove   = "componentRemove"
	typeEntityRemove      = "entityRemove"
	typeMutationResult    = "mutationResult"
	typeControlResult     = "controlResult"
	typeControlChanged    = "controlChanged"
	typeResponse          = "response"
	typeQueryInvalidation = "queryInvalidation"
	typeHeartbeat         = "heartbeat"
)

// Client message type identifiers.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMutate      = "mutate"
	TypeControl     = "control"
	TypeRequest     = "request"
	TypeHeartbeat   = "heartbeat"
)

// Control actions carried by TypeControl messages.
const (
	ControlActionTake    = "take"
	ControlActionRelease = "release"
)

// Status identifiers shared by responses.
const (
	StatusOK                = "ok"
	StatusForbidden         = "forbidden"
	StatusNotFound          = "notFound"
	StatusValidationError   = "validationError"
	StatusInternalError     = "internalError"
	StatusTaken             = "taken"
	StatusReleased          = "released"
	StatusAlreadyControlled = "alreadyControlled"
	StatusNotControlled     = "notControlled"
	StatusTimedOut          = "timedOut"
	StatusNotAuthorized     = "notAuthorized"
)

// Reasons carried by controlChanged broadcasts.
const (
	ControlChangeTaken    = "taken"
	ControlChangeReleased = "released"
	ControlChangeExpired  = "expired"
)

// ClientMessage captures an inbound websocket message from the client.
type ClientMessage struct {
	Ver        int             `json:"ver,omitempty"`
	Type       string          `json:"type"`
	Component  string          `json:"component,omitempty"`
	Entity     world.Entity    `json:"entity,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SchemaHash string          `json:"schemaHash,omitempty"`
	Action     string          `json:"action,omitempty"`
	Request    string          `json:"request,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	SentAt     int64           `json:"sentAt,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// ComponentInfo advertises a registered component type and its schema hash.
type ComponentInfo struct {
	Type       string `json:"type"`
	SchemaHash string `json:"schemaHash"`
}

// Joined greets an accepted connection with its identity and the component
// catalog, so clients can detect schema drift before subscribing.
type Joined struct {
	Conn         session.ConnID
	SessionToken string
	Components   []ComponentInfo
}

// EncodeJoined renders the accept greeting.
func EncodeJoined(msg Joined) ([]byte, error) {
	frame := struct {
		Ver          int             `json:"ver"`
		Type         string          `json:"type"`
		Conn         session.ConnID  `json:"conn"`
		SessionToken string          `json:"sessionToken"`
		Components   []ComponentInfo `json:"components"`
	}{
		Ver:          Version,
		Type:         typeJoined,
		Conn:         msg.Conn,
		SessionToken: msg.SessionToken,
		Components:   msg.Components,
	}
	return json.Marshal(frame)
}

// SnapshotRecord is one entity's component value inside a snapshot.
type SnapshotRecord struct {
	Entity  world.Entity    `json:"entity"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Snapshot carries the full current state of one component type, sent once
// per subscribe.
type Snapshot struct {
	Component  string
	SchemaHash string
	Records    []SnapshotRecord
}

// EncodeSnapshot renders a subscribe snapshot payload.
func EncodeSnapshot(msg Snapshot) ([]byte, error) {
	frame := struct {
		Ver        int              `json:"ver"`
		Type       string           `json:"type"`
		Component  string           `json:"component"`
		SchemaHash string           `json:"schemaHash"`
		Records    []SnapshotRecord `json:"records"`
	}{
		Ver:        Version,
		Type:       typeSnapshot,
		Component:  msg.Component,
		SchemaHash: msg.SchemaHash,
		Records:    msg.Records,
	}
	if frame.Records == nil {
		frame.Records = []SnapshotRecord{}
	}
	return json.Marshal(frame)
}

// Update carries one conflated component write.
type Update struct {
	Entity    world.Entity
	Component string
	Version   uint64
	Payload   json.RawMessage
}

// EncodeUpdate renders a component update broadcast.
func EncodeUpdate(msg Update) ([]byte, error) {
	frame := struct {
		Ver       int             `json:"ver"`
		Type      string          `json:"type"`
		Entity    world.Entity    `json:"entity"`
		Component string          `json:"component"`
		Version   uint64          `json:"version"`
		Payload   json.RawMessage `json:"payload"`
	}{
		Ver:       Version,
		Type:      typeUpdate,
		Entity:    msg.Entity,
		Component: msg.Component,
		Version:   msg.Version,
		Payload:   msg.Payload,
	}
	return json.Marshal(frame)
}

// ComponentRemove announces a component detach.
type ComponentRemove struct {
	Entity    world.Entity
	Component string
}

// EncodeComponentRemove renders a component removal broadcast.
func EncodeComponentRemove(msg ComponentRemove) ([]byte, error) {
	frame := struct {
		Ver       int          `json:"ver"`
		Type      string       `json:"type"`
		Entity    world.Entity `json:"entity"`
		Component string       `json:"component"`
	}{
		Ver:       Version,
		Type:      typeComponentRemove,
		Entity:    msg.Entity,
		Component: msg.Component,
	}
	return json.Marshal(frame)
}

// EntityRemove announces that an entity and all its components are gone.
type EntityRemove struct {
	Entity world.Entity
}

// EncodeEntityRemove renders an entity removal broadcast.
func EncodeEntityRemove(msg EntityRemove) ([]byte, error) {
	frame := struct {
		Ver    int          `json:"ver"`
		Type   string       `json:"type"`
		Entity world.Entity `json:"entity"`
	}{
		Ver:    Version,
		Type:   typeEntityRemove,
		Entity: msg.Entity,
	}
	return json.Marshal(frame)
}

// MutationResult answers a MutateComponent to its originator only.
type MutationResult struct {
	Seq    uint64
	Status string
	Detail string
}

// EncodeMutationResult renders a mutation response.
func EncodeMutationResult(msg MutationResult) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		Seq    uint64 `json:"seq"`
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	}{
		Ver:    Version,
		Type:   typeMutationResult,
		Seq:    msg.Seq,
		Status: msg.Status,
		Detail: msg.Detail,
	}
	return json.Marshal(frame)
}

// ControlResult answers a take/release request.
type ControlResult struct {
	Seq          uint64
	Status       string
	ControlledBy session.ConnID
}

// EncodeControlResult renders a control response.
func EncodeControlResult(msg ControlResult) ([]byte, error) {
	frame := struct {
		Ver          int            `json:"ver"`
		Type         string         `json:"type"`
		Seq          uint64         `json:"seq"`
		Status       string         `json:"status"`
		ControlledBy session.ConnID `json:"controlledBy,omitempty"`
	}{
		Ver:          Version,
		Type:         typeControlResult,
		Seq:          msg.Seq,
		Status:       msg.Status,
		ControlledBy: msg.ControlledBy,
	}
	return json.Marshal(frame)
}

// ControlChanged broadcasts an ownership transition to subscribers of the
// control component type.
type ControlChanged struct {
	Entity world.Entity
	Owner  session.ConnID
	Reason string
}

// EncodeControlChanged renders an ownership transition broadcast.
func EncodeControlChanged(msg ControlChanged) ([]byte, error) {
	frame := struct {
		Ver    int            `json:"ver"`
		Type   string         `json:"type"`
		Entity world.Entity   `json:"entity"`
		Owner  session.ConnID `json:"owner"`
		Reason string         `json:"reason"`
	}{
		Ver:    Version,
		Type:   typeControlChanged,
		Entity: msg.Entity,
		Owner:  msg.Owner,
		Reason: msg.Reason,
	}
	return json.Marshal(frame)
}

// Response answers a correlated request, including synthesized
// authorization denials for targeted requests.
type Response struct {
	Seq          uint64
	Status       string
	Detail       string
	Payload      json.RawMessage
	ControlledBy session.ConnID
}

// EncodeResponse renders a correlated response.
func EncodeResponse(msg Response) ([]byte, error) {
	frame := struct {
		Ver          int             `json:"ver"`
		Type         string          `json:"type"`
		Seq          uint64          `json:"seq"`
		Status       string          `json:"status"`
		Detail       string          `json:"detail,omitempty"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		ControlledBy session.ConnID  `json:"controlledBy,omitempty"`
	}{
		Ver:          Version,
		Type:         typeResponse,
		Seq:          msg.Seq,
		Status:       msg.Status,
		Detail:       msg.Detail,
		Payload:      msg.Payload,
		ControlledBy: msg.ControlledBy,
	}
	return json.Marshal(frame)
}

// QueryInvalidation tells every client a cached query may be stale.
// Nil keys means every cached result of the query type.
type QueryInvalidation struct {
	Query string
	Keys  []string
}

// EncodeQueryInvalidation renders an invalidation broadcast.
func EncodeQueryInvalidation(msg QueryInvalidation) ([]byte, error) {
	frame := struct {
		Ver   int      `json:"ver"`
		Type  string   `json:"type"`
		Query string   `json:"query"`
		Keys  []string `json:"keys,omitempty"`
	}{
		Ver:   Version,
		Type:  typeQueryInvalidation,
		Query: msg.Query,
		Keys:  msg.Keys,
	}
	return json.Marshal(frame)
}

// Heartbeat echoes timing metadata back to the client.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
}

// EncodeHeartbeat renders a heartbeat acknowledgement payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime"`
		RTTMillis  int64  `json:"rtt"`
	}{
		Ver:        Version,
		Type:       typeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
	}
	return json.Marshal(frame)
}

// Frame is the minimal envelope clients use to route outbound payloads.
type Frame struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
}

// PeekType extracts the envelope type tag from an outbound frame.
func PeekType(data []byte) (string, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", err
	}
	return frame.Type, nil
}
