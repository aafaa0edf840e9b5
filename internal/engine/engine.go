package engine

import (
	"context"
	"sync"
	"time"

	"entitysync/internal/control"
	"entitysync/internal/net/proto"
	"entitysync/internal/replication"
	"entitysync/internal/session"
	"entitysync/internal/telemetry"
	"entitysync/internal/world"
	"entitysync/logging"
	"entitysync/logging/lifecycle"
)

// ControlComponent is the reserved pseudo component type carrying ownership
// transitions. Clients subscribe to it like any component type; its snapshot
// lists the current explicit control rows.
const ControlComponent = "control"

const (
	entitiesGaugeKey      = "engine_entities"
	controlRowsGaugeKey   = "engine_control_rows"
	connectionsGaugeKey   = "engine_connections"
	subscriptionsGaugeKey = "engine_subscriptions"
)

// Config tunes the writer loop and the replication path.
type Config struct {
	// MaxUpdateRateHz caps broadcast flushes. Zero or negative disables
	// batching: every applied command flushes immediately.
	MaxUpdateRateHz float64
	// EnableConflation keeps only the newest queued value per (entity, type).
	EnableConflation bool
	// ControlTimeout auto-releases control rows idle past this duration.
	// Zero or negative disables the sweep.
	ControlTimeout time.Duration
	// PropagateControl lets a control row on an ancestor cover descendants.
	PropagateControl bool
	// RequestTimeout bounds correlated request exchanges.
	RequestTimeout time.Duration
	// HeartbeatDeadline disconnects clients silent past this duration.
	// Zero or negative disables liveness eviction.
	HeartbeatDeadline time.Duration
	// SweepInterval paces the periodic timeout sweep.
	SweepInterval time.Duration
	// CommandCapacity sizes the global staged-command ring.
	CommandCapacity int
	// PerConnLimit bounds staged commands per connection between drains.
	PerConnLimit int
	// WarningStep logs queue depth at every multiple while filling.
	WarningStep int
	// OutboundQueueCapacity sizes each connection's outbound frame queue.
	OutboundQueueCapacity int
}

// DefaultConfig returns the tuning used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxUpdateRateHz:       30,
		EnableConflation:      true,
		ControlTimeout:        30 * time.Second,
		PropagateControl:      true,
		RequestTimeout:        10 * time.Second,
		HeartbeatDeadline:     15 * time.Second,
		SweepInterval:         time.Second,
		CommandCapacity:       1024,
		PerConnLimit:          64,
		WarningStep:           256,
		OutboundQueueCapacity: 256,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.CommandCapacity < 1 {
		c.CommandCapacity = def.CommandCapacity
	}
	if c.PerConnLimit < 0 {
		c.PerConnLimit = def.PerConnLimit
	}
	if c.WarningStep < 0 {
		c.WarningStep = def.WarningStep
	}
	if c.OutboundQueueCapacity < 1 {
		c.OutboundQueueCapacity = def.OutboundQueueCapacity
	}
	return c
}

// Deps injects the engine's collaborators. Zero-value fields fall back to
// no-op implementations so tests can wire only what they observe.
type Deps struct {
	Components *world.Registry
	Policy     control.Policy
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	Publisher  logging.Publisher
	Clock      logging.Clock
}

// Engine owns all authoritative state and executes every staged command on a
// single writer loop. Connection I/O tasks interact with it only through
// Enqueue and the session registry.
type Engine struct {
	cfg        Config
	world      *world.World
	components *world.Registry
	control    *control.Table
	policy     control.Policy
	index      *replication.SubscriptionIndex
	queue      *replication.Queue
	broadcast  *replication.Broadcaster
	correlator *Correlator
	sessions   *session.Registry
	handlers   map[string]RequestHandler
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	publisher  logging.Publisher
	clock      logging.Clock

	buffer *CommandBuffer
	wake   chan struct{}

	queueMu      sync.Mutex
	perConnCount map[session.ConnID]int
	dropCounts   map[session.ConnID]uint64
}

// New constructs an engine with empty authoritative state.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.normalized()
	if deps.Components == nil {
		deps.Components = world.NewRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Policy == nil {
		deps.Policy = control.ExclusiveControl{PropagateToChildren: cfg.PropagateControl}
	}

	w := world.New()
	table := control.NewTable(control.Deps{
		Exists: w.Exists,
		Parent: w.Parent,
		Clock:  deps.Clock,
	})
	index := replication.NewSubscriptionIndex()
	queue := replication.NewQueue(cfg.EnableConflation, deps.Metrics)
	sessions := session.NewRegistry()

	eng := &Engine{
		cfg:          cfg,
		world:        w,
		components:   deps.Components,
		control:      table,
		policy:       deps.Policy,
		index:        index,
		queue:        queue,
		correlator:   NewCorrelator(cfg.RequestTimeout, deps.Metrics),
		sessions:     sessions,
		handlers:     make(map[string]RequestHandler),
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		publisher:    deps.Publisher,
		clock:        deps.Clock,
		buffer:       NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		wake:         make(chan struct{}, 1),
		perConnCount: make(map[session.ConnID]int),
		dropCounts:   make(map[session.ConnID]uint64),
	}
	eng.broadcast = replication.NewBroadcaster(replication.BroadcasterDeps{
		Index:          index,
		Queue:          queue,
		Sessions:       sessions,
		Logger:         deps.Logger,
		Metrics:        deps.Metrics,
		Publisher:      deps.Publisher,
		OnSlowConsumer: eng.disconnectSlowConsumer,
	})
	return eng
}

// World exposes the entity arena for startup seeding and tests. Once Run is
// started, all access must go through commands on the writer loop.
func (e *Engine) World() *world.World {
	return e.world
}

// Components exposes the type registry backing the component catalog.
func (e *Engine) Components() *world.Registry {
	return e.components
}

// Sessions exposes the connection registry shared with the transport layer.
func (e *Engine) Sessions() *session.Registry {
	return e.sessions
}

// Control exposes the control table for tests and diagnostics. Writer loop
// only.
func (e *Engine) Control() *control.Table {
	return e.control
}

// RegisterHandler installs a named request handler. Handlers are registered
// at startup, before the loop runs.
func (e *Engine) RegisterHandler(name string, handler RequestHandler) {
	e.handlers[name] = handler
}

// Connect registers an accepted connection and greets it with the component
// catalog. Safe to call from transport goroutines.
func (e *Engine) Connect(token, subject, remoteAddr string) (*session.Conn, error) {
	conn := e.sessions.Add(token, subject, e.cfg.OutboundQueueCapacity, e.clock.Now())
	e.storeGauge(connectionsGaugeKey, uint64(e.sessions.Len()))

	catalog := make([]proto.ComponentInfo, 0, len(e.components.Types()))
	for _, name := range e.components.Types() {
		hash, _ := e.components.SchemaHash(name)
		catalog = append(catalog, proto.ComponentInfo{Type: name, SchemaHash: hash})
	}
	data, err := proto.EncodeJoined(proto.Joined{
		Conn:         conn.ID(),
		SessionToken: token,
		Components:   catalog,
	})
	if err != nil {
		e.sessions.Remove(conn.ID())
		return nil, err
	}
	conn.Send(data)

	lifecycle.ConnectionOpened(context.Background(), e.publisher,
		logging.ConnectionRef(session.FormatConnID(conn.ID())),
		lifecycle.ConnectionOpenedPayload{
			RemoteAddr:   remoteAddr,
			SessionToken: token,
			Subject:      subject,
		})
	return conn, nil
}

// Disconnect stages a disconnect command for the connection. The actual
// cleanup happens on the writer loop.
func (e *Engine) Disconnect(conn session.ConnID, reason string) {
	e.Enqueue(Command{Type: CommandDisconnect, Conn: conn, Reason: reason})
}

// Mutate stages a server-originated component write.
func (e *Engine) Mutate(entity world.Entity, typeName string, payload []byte) (bool, string) {
	return e.Enqueue(Command{
		Type:      CommandMutate,
		Conn:      session.ServerConn,
		Entity:    entity,
		Component: typeName,
		Payload:   payload,
	})
}

// RemoveComponent stages a server-originated component detach.
func (e *Engine) RemoveComponent(entity world.Entity, typeName string) (bool, string) {
	return e.Enqueue(Command{
		Type:      CommandRemoveComponent,
		Conn:      session.ServerConn,
		Entity:    entity,
		Component: typeName,
	})
}

// DestroyEntity stages a server-originated subtree destruction.
func (e *Engine) DestroyEntity(entity world.Entity) (bool, string) {
	return e.Enqueue(Command{
		Type:   CommandDestroyEntity,
		Conn:   session.ServerConn,
		Entity: entity,
	})
}

// Pending reports the number of staged commands.
func (e *Engine) Pending() int {
	return e.buffer.Len()
}

// Enqueue stages a command, enforcing per-connection throttling and capacity
// limits. Safe for concurrent producers.
func (e *Engine) Enqueue(cmd Command) (bool, string) {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = e.clock.Now()
	}
	reason := ""
	var dropCount uint64
	e.queueMu.Lock()
	if e.cfg.PerConnLimit > 0 && cmd.Conn != session.ServerConn {
		count := e.perConnCount[cmd.Conn]
		if count >= e.cfg.PerConnLimit {
			reason = CommandRejectQueueLimit
			dropCount = e.incrementDropLocked(cmd.Conn)
		} else {
			e.perConnCount[cmd.Conn] = count + 1
		}
	}
	if reason == "" {
		if !e.buffer.Push(cmd) {
			reason = CommandRejectQueueFull
			dropCount = e.incrementDropLocked(cmd.Conn)
		} else if e.cfg.WarningStep > 0 {
			length := e.buffer.Len()
			if length >= e.cfg.WarningStep && length%e.cfg.WarningStep == 0 {
				e.queueMu.Unlock()
				e.logf("[backpressure] command queue depth %d", length)
				e.signalWake()
				return true, ""
			}
		}
	}
	e.queueMu.Unlock()
	if reason != "" {
		e.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	e.signalWake()
	return true, ""
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) drainCommands() []Command {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	commands := e.buffer.Drain()
	if len(e.perConnCount) > 0 {
		e.perConnCount = make(map[session.ConnID]int)
	}
	return commands
}

func (e *Engine) incrementDropLocked(conn session.ConnID) uint64 {
	if conn == session.ServerConn {
		return 0
	}
	count := e.dropCounts[conn] + 1
	e.dropCounts[conn] = count
	return count
}

func (e *Engine) reportDrop(reason string, cmd Command, count uint64) {
	// Log at power-of-two counts so a flooding client cannot flood the log.
	if count > 0 && count&(count-1) == 0 {
		e.logf(
			"[backpressure] dropping command conn=%s type=%s reason=%s count=%d limit=%d",
			session.FormatConnID(cmd.Conn),
			cmd.Type,
			reason,
			count,
			e.cfg.PerConnLimit,
		)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func (e *Engine) addMetric(key string, delta uint64) {
	if e.metrics != nil {
		e.metrics.Add(key, delta)
	}
}

func (e *Engine) storeGauge(key string, value uint64) {
	if e.metrics != nil {
		e.metrics.Store(key, value)
	}
}

func (e *Engine) updateSubscriptionGauge() {
	total := 0
	for _, n := range e.index.Counts() {
		total += n
	}
	e.storeGauge(subscriptionsGaugeKey, uint64(total))
}
