package engine

import (
	"sync"
	"time"

	"entitysync/internal/session"
)

const (
	pendingRequestsMetricKey      = "engine_requests_pending"
	requestsTimedOutMetricKey     = "engine_requests_timed_out_total"
	requestsCompletedMetricKey    = "engine_requests_completed_total"
	requestsAbandonedMetricKey    = "engine_requests_abandoned_total"
	defaultRequestTimeoutDuration = 10 * time.Second
)

type pendingKey struct {
	Conn session.ConnID
	Seq  uint64
}

type pendingEntry struct {
	Kind     string
	Deadline time.Time
}

// Correlator tracks in-flight request/response exchanges. Handlers may
// complete requests from arbitrary goroutines, so the table carries its own
// lock rather than relying on the writer loop.
type Correlator struct {
	mu      sync.Mutex
	pending map[pendingKey]pendingEntry
	timeout time.Duration
	metrics telemetryMetrics
}

// NewCorrelator constructs an empty correlation table.
func NewCorrelator(timeout time.Duration, metrics telemetryMetrics) *Correlator {
	if timeout <= 0 {
		timeout = defaultRequestTimeoutDuration
	}
	return &Correlator{
		pending: make(map[pendingKey]pendingEntry),
		timeout: timeout,
		metrics: metrics,
	}
}

// Register records a pending exchange keyed by the originating connection and
// its sequence number. Sequence numbers are monotonic per connection, so a
// duplicate means a misbehaving client; the original entry is kept and false
// is returned so the caller can reject the newcomer instead of cross-wiring
// a late completion of the first exchange to the second.
func (c *Correlator) Register(conn session.ConnID, seq uint64, kind string, now time.Time) bool {
	key := pendingKey{Conn: conn, Seq: seq}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[key]; exists {
		return false
	}
	c.pending[key] = pendingEntry{
		Kind:     kind,
		Deadline: now.Add(c.timeout),
	}
	c.storePendingLocked()
	return true
}

// Complete removes a pending exchange and reports whether it was still live.
// Exchanges that already timed out or whose connection dropped return false,
// so late handler completions are discarded instead of sent.
func (c *Correlator) Complete(conn session.ConnID, seq uint64) bool {
	key := pendingKey{Conn: conn, Seq: seq}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	c.storePendingLocked()
	if c.metrics != nil {
		c.metrics.Add(requestsCompletedMetricKey, 1)
	}
	return true
}

// Expired represents a pending exchange whose deadline passed.
type Expired struct {
	Conn session.ConnID
	Seq  uint64
	Kind string
}

// Expire removes every exchange past its deadline and returns them so the
// caller can deliver timeout responses.
func (c *Correlator) Expire(now time.Time) []Expired {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []Expired
	for key, entry := range c.pending {
		if now.Before(entry.Deadline) {
			continue
		}
		expired = append(expired, Expired{Conn: key.Conn, Seq: key.Seq, Kind: entry.Kind})
		delete(c.pending, key)
	}
	if len(expired) > 0 {
		c.storePendingLocked()
		if c.metrics != nil {
			c.metrics.Add(requestsTimedOutMetricKey, uint64(len(expired)))
		}
	}
	return expired
}

// DropConnection silently discards every pending exchange for a closed
// connection and reports how many were abandoned.
func (c *Correlator) DropConnection(conn session.ConnID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key := range c.pending {
		if key.Conn != conn {
			continue
		}
		delete(c.pending, key)
		dropped++
	}
	if dropped > 0 {
		c.storePendingLocked()
		if c.metrics != nil {
			c.metrics.Add(requestsAbandonedMetricKey, uint64(dropped))
		}
	}
	return dropped
}

// Len reports the number of in-flight exchanges.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) storePendingLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.Store(pendingRequestsMetricKey, uint64(len(c.pending)))
}
