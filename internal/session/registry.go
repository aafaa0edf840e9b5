package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks every live connection. It is safe for concurrent use: the
// accept path registers connections from HTTP handler goroutines while the
// writer loop fans frames out through it.
type Registry struct {
	mu     sync.Mutex
	conns  map[ConnID]*Conn
	nextID atomic.Uint64
}

// DiagnosticsConn summarizes one connection for the diagnostics endpoint.
type DiagnosticsConn struct {
	ID            ConnID `json:"id"`
	Subject       string `json:"subject,omitempty"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
	RTTMillis     int64  `json:"rtt"`
	QueueLen      int    `json:"queueLen"`
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]*Conn)}
}

// Add registers a new connection with a bounded outbound queue. Ids start at
// 1; id 0 stays reserved for the server.
func (r *Registry) Add(token, subject string, queueCapacity int, now time.Time) *Conn {
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	conn := &Conn{
		id:            ConnID(r.nextID.Add(1)),
		token:         token,
		subject:       subject,
		outbound:      make(chan []byte, queueCapacity),
		lastHeartbeat: now,
	}
	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()
	return conn
}

// Get returns the connection for the id, if still live.
func (r *Registry) Get(id ConnID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Remove unregisters and closes the connection. It is idempotent.
func (r *Registry) Remove(id ConnID) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if ok {
		conn.Close()
	}
	return ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Each invokes fn for every live connection. The snapshot is taken under the
// lock so fn can block without stalling the accept path.
func (r *Registry) Each(fn func(*Conn)) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()
	for _, conn := range conns {
		fn(conn)
	}
}

// Stale returns the ids of connections whose last heartbeat is older than
// the deadline.
func (r *Registry) Stale(now time.Time, deadline time.Duration) []ConnID {
	if deadline <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []ConnID
	for id, conn := range r.conns {
		if now.Sub(conn.LastHeartbeat()) > deadline {
			stale = append(stale, id)
		}
	}
	return stale
}

// DiagnosticsSnapshot exposes per-connection liveness data.
func (r *Registry) DiagnosticsSnapshot() []DiagnosticsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DiagnosticsConn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, DiagnosticsConn{
			ID:            conn.id,
			Subject:       conn.subject,
			LastHeartbeat: conn.LastHeartbeat().UnixMilli(),
			RTTMillis:     conn.LastRTT().Milliseconds(),
			QueueLen:      conn.QueueLen(),
		})
	}
	return out
}
