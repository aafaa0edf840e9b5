package engine

import (
	"encoding/json"
	"time"

	"entitysync/internal/session"
	"entitysync/internal/world"
)

// CommandType identifies an inbound writer-loop operation.
type CommandType string

const (
	CommandSubscribe       CommandType = "subscribe"
	CommandUnsubscribe     CommandType = "unsubscribe"
	CommandMutate          CommandType = "mutate"
	CommandControlTake     CommandType = "controlTake"
	CommandControlRelease  CommandType = "controlRelease"
	CommandRequest         CommandType = "request"
	CommandRemoveComponent CommandType = "removeComponent"
	CommandDestroyEntity   CommandType = "destroyEntity"
	CommandDisconnect      CommandType = "disconnect"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to
	// per-connection queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"
)

// Command is one staged writer-loop operation. Connection I/O tasks only
// construct and enqueue these; all execution happens on the writer loop.
type Command struct {
	Type       CommandType
	Conn       session.ConnID
	Entity     world.Entity
	Component  string
	Payload    json.RawMessage
	SchemaHash string
	Request    string
	Seq        uint64
	Reason     string
	IssuedAt   time.Time
}
