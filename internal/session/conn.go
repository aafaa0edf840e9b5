package session

import (
	"strconv"
	"sync"
	"time"
)

// ConnID identifies a live connection. The zero id is reserved for the
// server itself, which is always authorized.
type ConnID uint64

// ServerConn is the reserved identity for server-originated operations.
const ServerConn ConnID = 0

// FormatConnID renders a connection id for log fields.
func FormatConnID(id ConnID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Conn carries the server-side state for one live connection: liveness
// bookkeeping and the bounded outbound frame queue drained by the
// connection's write pump.
type Conn struct {
	id       ConnID
	token    string
	subject  string
	outbound chan []byte

	mu            sync.Mutex
	lastHeartbeat time.Time
	lastRTT       time.Duration
	closed        bool
	nextRequestID uint64
}

// ID returns the connection identifier.
func (c *Conn) ID() ConnID {
	return c.id
}

// SessionToken returns the token minted when the connection was accepted.
func (c *Conn) SessionToken() string {
	return c.token
}

// Subject returns the authenticated principal, empty when auth is disabled.
func (c *Conn) Subject() string {
	return c.subject
}

// Outbound exposes the frame queue consumed by the write pump.
func (c *Conn) Outbound() <-chan []byte {
	return c.outbound
}

// Send enqueues an outbound frame without blocking. It reports false when
// the queue is full or the connection is already closed; a full queue marks
// the client as a slow consumer and the caller is expected to disconnect it.
func (c *Conn) Send(frame []byte) bool {
	if c == nil {
		return false
	}
	// The send must stay under the mutex: Close sets closed and closes the
	// channel in one critical section, so a send that raced past an unlocked
	// closed check could hit a closed channel and panic.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// QueueLen reports the number of frames waiting in the outbound queue.
func (c *Conn) QueueLen() int {
	if c == nil {
		return 0
	}
	return len(c.outbound)
}

// Close marks the connection dead and closes the outbound queue exactly once.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}

// Heartbeat records the most recent heartbeat and derives the RTT from the
// client-reported send time.
func (c *Conn) Heartbeat(receivedAt time.Time, clientSent int64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = receivedAt
	if clientSent > 0 {
		clientTime := time.UnixMilli(clientSent)
		if clientTime.Before(receivedAt.Add(5 * time.Second)) {
			rtt := receivedAt.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
			c.lastRTT = rtt
		}
	}
	return c.lastRTT
}

// LastHeartbeat returns the timestamp of the most recent heartbeat.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// LastRTT returns the most recently measured round-trip time.
func (c *Conn) LastRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

// NextRequestID hands out the monotonic per-connection request sequence used
// for server-initiated correlated requests.
func (c *Conn) NextRequestID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRequestID++
	return c.nextRequestID
}
