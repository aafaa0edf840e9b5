package engine

import (
	"encoding/json"
	"testing"
	"time"

	"entitysync/internal/control"
	"entitysync/internal/session"
	"entitysync/internal/world"
	"entitysync/logging"
)

type positionComponent struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type labelComponent struct {
	Text string `json:"text"`
}

type fixture struct {
	t   *testing.T
	eng *Engine
	now time.Time
}

func newFixture(t *testing.T, policy control.Policy) *fixture {
	t.Helper()
	registry := world.NewRegistry()
	if err := registry.Register("position", positionComponent{}, world.WithInvalidates("nearby")); err != nil {
		t.Fatalf("register position: %v", err)
	}
	if err := registry.Register("label", labelComponent{}); err != nil {
		t.Fatalf("register label: %v", err)
	}
	f := &fixture{t: t, now: time.Unix(1_700_000_000, 0)}
	f.eng = New(Config{
		EnableConflation: true,
		ControlTimeout:   30 * time.Second,
		PropagateControl: true,
		RequestTimeout:   10 * time.Second,
	}, Deps{
		Components: registry,
		Policy:     policy,
		Clock:      logging.ClockFunc(func() time.Time { return f.now }),
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) connect() *session.Conn {
	f.t.Helper()
	conn, err := f.eng.Connect("token", "", "127.0.0.1:9")
	if err != nil {
		f.t.Fatalf("connect: %v", err)
	}
	frames := drainFrames(f.t, conn)
	if len(frames) != 1 || frames[0]["type"] != "joined" {
		f.t.Fatalf("expected joined greeting, got %v", frames)
	}
	return conn
}

func (f *fixture) spawn(parent world.Entity) world.Entity {
	f.t.Helper()
	id, err := f.eng.World().Spawn(parent)
	if err != nil {
		f.t.Fatalf("spawn: %v", err)
	}
	return id
}

func (f *fixture) schemaHash(typeName string) string {
	f.t.Helper()
	hash, ok := f.eng.Components().SchemaHash(typeName)
	if !ok {
		f.t.Fatalf("component %q not registered", typeName)
	}
	return hash
}

func (f *fixture) mutate(conn session.ConnID, entity world.Entity, typeName, payload string, seq uint64) {
	cmd := Command{
		Type:      CommandMutate,
		Conn:      conn,
		Entity:    entity,
		Component: typeName,
		Payload:   json.RawMessage(payload),
		Seq:       seq,
	}
	if conn != session.ServerConn && f.eng.Components().Known(typeName) {
		cmd.SchemaHash = f.schemaHash(typeName)
	}
	f.eng.Apply(cmd)
}

func (f *fixture) subscribe(conn session.ConnID, typeName string) {
	f.eng.Apply(Command{Type: CommandSubscribe, Conn: conn, Component: typeName})
}

func drainFrames(t *testing.T, conn *session.Conn) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		select {
		case data, ok := <-conn.Outbound():
			if !ok {
				return frames
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("decode frame %q: %v", data, err)
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func framesOfType(frames []map[string]any, typeName string) []map[string]any {
	var out []map[string]any
	for _, frame := range frames {
		if frame["type"] == typeName {
			out = append(out, frame)
		}
	}
	return out
}

func TestSubscribeDeliversSnapshot(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	entity := f.spawn(world.NoEntity)
	f.mutate(session.ServerConn, entity, "position", `{"x":1,"y":2}`, 0)

	conn := f.connect()
	f.subscribe(conn.ID(), "position")

	frames := drainFrames(t, conn)
	snapshots := framesOfType(frames, "snapshot")
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	snap := snapshots[0]
	if snap["component"] != "position" {
		t.Fatalf("unexpected snapshot component %v", snap["component"])
	}
	if snap["schemaHash"] != f.schemaHash("position") {
		t.Fatalf("snapshot schema hash mismatch")
	}
	records, ok := snap["records"].([]any)
	if !ok || len(records) != 1 {
		t.Fatalf("expected 1 snapshot record, got %v", snap["records"])
	}
	record := records[0].(map[string]any)
	if record["entity"] != float64(entity) {
		t.Fatalf("unexpected record entity %v", record["entity"])
	}
}

func TestSubscribeUnknownComponentIsIgnored(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	conn := f.connect()
	f.subscribe(conn.ID(), "bogus")
	if frames := drainFrames(t, conn); len(frames) != 0 {
		t.Fatalf("expected no frames for unknown component, got %v", frames)
	}
}

func TestMutationRespondsToOriginatorOnly(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	entity := f.spawn(world.NoEntity)
	writer := f.connect()
	watcher := f.connect()
	f.subscribe(watcher.ID(), "position")
	drainFrames(t, watcher)

	f.mutate(writer.ID(), entity, "position", `{"x":5,"y":6}`, 7)

	writerFrames := drainFrames(t, writer)
	results := framesOfType(writerFrames, "mutationResult")
	if len(results) != 1 {
		t.Fatalf("expected 1 mutation result, got %v", writerFrames)
	}
	if results[0]["status"] != "ok" || results[0]["seq"] != float64(7) {
		t.Fatalf("unexpected mutation result %v", results[0])
	}

	// The update travels on flush, not with the response.
	if frames := framesOfType(drainFrames(t, watcher), "update"); len(frames) != 0 {
		t.Fatalf("update leaked before flush: %v", frames)
	}
	f.eng.FlushNow()
	updates := framesOfType(drainFrames(t, watcher), "update")
	if len(updates) != 1 {
		t.Fatalf("expected 1 update after flush, got %d", len(updates))
	}
	if updates[0]["entity"] != float64(entity) || updates[0]["component"] != "position" {
		t.Fatalf("unexpected update %v", updates[0])
	}
	// The writer never subscribed, so it sees no broadcast.
	if frames := framesOfType(drainFrames(t, writer), "update"); len(frames) != 0 {
		t.Fatalf("unsubscribed writer received update: %v", frames)
	}
}

func TestMutationValidation(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	entity := f.spawn(world.NoEntity)
	conn := f.connect()

	cases := []struct {
		name   string
		cmd    Command
		status string
	}{
		{
			name:   "unknown component",
			cmd:    Command{Type: CommandMutate, Conn: conn.ID(), Entity: entity, Component: "bogus", Payload: json.RawMessage(`{}`), Seq: 1},
			status: "validationError",
		},
		{
			name:   "missing entity",
			cmd:    Command{Type: CommandMutate, Conn: conn.ID(), Entity: world.Entity(9999), Component: "position", Payload: json.RawMessage(`{"x":1,"y":2}`), Seq: 2, SchemaHash: f.schemaHash("position")},
			status: "notFound",
		},
		{
			name:   "schema hash mismatch",
			cmd:    Command{Type: CommandMutate, Conn: conn.ID(), Entity: entity, Component: "position", Payload: json.RawMessage(`{"x":1,"y":2}`), Seq: 3, SchemaHash: "stale"},
			status: "validationError",
		},
		{
			name:   "unknown payload field",
			cmd:    Command{Type: CommandMutate, Conn: conn.ID(), Entity: entity, Component: "position", Payload: json.RawMessage(`{"x":1,"z":2}`), Seq: 4, SchemaHash: f.schemaHash("position")},
			status: "validationError",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.eng.Apply(tc.cmd)
			results := framesOfType(drainFrames(t, conn), "mutationResult")
			if len(results) != 1 {
				t.Fatalf("expected 1 mutation result, got %d", len(results))
			}
			if results[0]["status"] != tc.status {
				t.Fatalf("expected status %q, got %v", tc.status, results[0]["status"])
			}
		})
	}
}

func TestExclusiveControlGatesMutations(t *testing.T) {
	f := newFixture(t, control.ExclusiveControl{PropagateToChildren: true})
	parent := f.spawn(world.NoEntity)
	child := f.spawn(parent)
	owner := f.connect()
	other := f.connect()

	f.eng.Apply(Command{Type: CommandControlTake, Conn: owner.ID(), Entity: parent, Seq: 1})
	results := framesOfType(drainFrames(t, owner), "controlResult")
	if len(results) != 1 || results[0]["status"] != "taken" {
		t.Fatalf("expected taken, got %v", results)
	}

	// Ownership of the parent covers the child.
	f.mutate(other.ID(), child, "position", `{"x":1,"y":1}`, 2)
	denied := framesOfType(drainFrames(t, other), "mutationResult")
	if len(denied) != 1 || denied[0]["status"] != "forbidden" {
		t.Fatalf("expected forbidden for non-owner, got %v", denied)
	}

	f.mutate(owner.ID(), child, "position", `{"x":1,"y":1}`, 3)
	allowed := framesOfType(drainFrames(t, owner), "mutationResult")
	if len(allowed) != 1 || allowed[0]["status"] != "ok" {
		t.Fatalf("expected ok for owner, got %v", allowed)
	}

	// The server identity bypasses the policy entirely.
	f.mutate(session.ServerConn, child, "position", `{"x":2,"y":2}`, 0)
	if got, _ := f.eng.World().Component(child, "position"); got.Version != 2 {
		t.Fatalf("expected server mutation applied, version %d", got.Version)
	}
}

func TestExclusiveControlLeavesUncontrolledEntitiesOpen(t *testing.T) {
	f := newFixture(t, control.ExclusiveControl{})
	entity := f.spawn(world.NoEntity)
	client := f.connect()
	rival := f.connect()

	// No control row yet: any client may mutate.
	f.mutate(client.ID(), entity, "position", `{"x":1,"y":1}`, 1)
	results := framesOfType(drainFrames(t, client), "mutationResult")
	if len(results) != 1 || results[0]["status"] != "ok" {
		t.Fatalf("expected uncontrolled entity to accept the mutation, got %v", results)
	}

	f.eng.Apply(Command{Type: CommandControlTake, Conn: rival.ID(), Entity: entity, Seq: 2})
	drainFrames(t, rival)
	f.mutate(client.ID(), entity, "position", `{"x":2,"y":2}`, 3)
	results = framesOfType(drainFrames(t, client), "mutationResult")
	if len(results) != 1 || results[0]["status"] != "forbidden" {
		t.Fatalf("expected forbidden once controlled, got %v", results)
	}

	// Releasing the row reopens the entity to everyone.
	f.eng.Apply(Command{Type: CommandControlRelease, Conn: rival.ID(), Entity: entity, Seq: 4})
	drainFrames(t, rival)
	f.mutate(client.ID(), entity, "position", `{"x":3,"y":3}`, 5)
	results = framesOfType(drainFrames(t, client), "mutationResult")
	if len(results) != 1 || results[0]["status"] != "ok" {
		t.Fatalf("expected released entity to accept the mutation, got %v", results)
	}
}

func TestControlTakeReleaseFlow(t *testing.T) {
	f := newFixture(t, control.ExclusiveControl{})
	entity := f.spawn(world.NoEntity)
	owner := f.connect()
	rival := f.connect()
	watcher := f.connect()
	f.subscribe(watcher.ID(), ControlComponent)
	drainFrames(t, watcher)

	f.eng.Apply(Command{Type: CommandControlTake, Conn: owner.ID(), Entity: entity, Seq: 1})
	changed := framesOfType(drainFrames(t, watcher), "controlChanged")
	if len(changed) != 1 || changed[0]["reason"] != "taken" || changed[0]["owner"] != float64(owner.ID()) {
		t.Fatalf("expected taken broadcast, got %v", changed)
	}

	f.eng.Apply(Command{Type: CommandControlTake, Conn: rival.ID(), Entity: entity, Seq: 2})
	results := framesOfType(drainFrames(t, rival), "controlResult")
	if len(results) != 1 || results[0]["status"] != "alreadyControlled" {
		t.Fatalf("expected alreadyControlled, got %v", results)
	}
	if results[0]["controlledBy"] != float64(owner.ID()) {
		t.Fatalf("expected controlledBy %d, got %v", owner.ID(), results[0]["controlledBy"])
	}

	// Release by a non-owner is a harmless no-op.
	f.eng.Apply(Command{Type: CommandControlRelease, Conn: rival.ID(), Entity: entity, Seq: 3})
	results = framesOfType(drainFrames(t, rival), "controlResult")
	if len(results) != 1 || results[0]["status"] != "notControlled" {
		t.Fatalf("expected notControlled, got %v", results)
	}
	if _, ok := f.eng.Control().Owner(entity); !ok {
		t.Fatalf("non-owner release dropped the row")
	}

	f.eng.Apply(Command{Type: CommandControlRelease, Conn: owner.ID(), Entity: entity, Seq: 4})
	results = framesOfType(drainFrames(t, owner), "controlResult")
	if len(results) != 2 || results[1]["status"] != "released" {
		t.Fatalf("expected released, got %v", results)
	}
	changed = framesOfType(drainFrames(t, watcher), "controlChanged")
	if len(changed) != 1 || changed[0]["reason"] != "released" {
		t.Fatalf("expected released broadcast, got %v", changed)
	}
}

func TestControlSweepExpiresIdleRows(t *testing.T) {
	f := newFixture(t, control.ExclusiveControl{})
	entity := f.spawn(world.NoEntity)
	owner := f.connect()
	watcher := f.connect()
	f.subscribe(watcher.ID(), ControlComponent)
	drainFrames(t, watcher)

	f.eng.Apply(Command{Type: CommandControlTake, Conn: owner.ID(), Entity: entity, Seq: 1})
	drainFrames(t, watcher)

	// An authorized mutation refreshes last_activity.
	f.advance(20 * time.Second)
	f.mutate(owner.ID(), entity, "position", `{"x":1,"y":1}`, 2)
	f.advance(20 * time.Second)
	f.eng.Sweep(f.now)
	if _, ok := f.eng.Control().Owner(entity); !ok {
		t.Fatalf("row expired despite recent activity")
	}

	f.advance(31 * time.Second)
	f.eng.Sweep(f.now)
	if _, ok := f.eng.Control().Owner(entity); ok {
		t.Fatalf("idle row not reclaimed")
	}
	changed := framesOfType(drainFrames(t, watcher), "controlChanged")
	if len(changed) != 1 || changed[0]["reason"] != "expired" {
		t.Fatalf("expected expired broadcast, got %v", changed)
	}
}

func TestConflationCollapsesBursts(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	entity := f.spawn(world.NoEntity)
	watcher := f.connect()
	f.subscribe(watcher.ID(), "position")
	drainFrames(t, watcher)

	f.mutate(session.ServerConn, entity, "position", `{"x":1,"y":1}`, 0)
	f.mutate(session.ServerConn, entity, "position", `{"x":2,"y":2}`, 0)
	f.mutate(session.ServerConn, entity, "position", `{"x":3,"y":3}`, 0)
	f.eng.FlushNow()

	updates := framesOfType(drainFrames(t, watcher), "update")
	if len(updates) != 1 {
		t.Fatalf("expected 1 conflated update, got %d", len(updates))
	}
	payload := updates[0]["payload"].(map[string]any)
	if payload["x"] != float64(3) {
		t.Fatalf("expected latest payload to win, got %v", payload)
	}
	if updates[0]["version"] != float64(3) {
		t.Fatalf("expected version 3, got %v", updates[0]["version"])
	}
}

func TestDestroyRemovesSubtreeLeavesFirst(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	parent := f.spawn(world.NoEntity)
	child := f.spawn(parent)
	watcher := f.connect()
	f.subscribe(watcher.ID(), "position")
	drainFrames(t, watcher)

	// A pending update for the doomed entity must not resurrect it.
	f.mutate(session.ServerConn, child, "position", `{"x":1,"y":1}`, 0)
	f.eng.Apply(Command{Type: CommandDestroyEntity, Conn: session.ServerConn, Entity: parent})
	f.eng.FlushNow()

	frames := drainFrames(t, watcher)
	if updates := framesOfType(frames, "update"); len(updates) != 0 {
		t.Fatalf("cancelled update leaked: %v", updates)
	}
	removes := framesOfType(frames, "entityRemove")
	if len(removes) != 2 {
		t.Fatalf("expected 2 entity removals, got %d", len(removes))
	}
	if removes[0]["entity"] != float64(child) || removes[1]["entity"] != float64(parent) {
		t.Fatalf("expected leaves-first order, got %v", removes)
	}
	if f.eng.World().Exists(parent) || f.eng.World().Exists(child) {
		t.Fatalf("entities survived destruction")
	}
}

func TestEntityRemoveReachesUnsubscribedConnections(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	entity := f.spawn(world.NoEntity)
	idle := f.connect()

	f.eng.Apply(Command{Type: CommandDestroyEntity, Conn: session.ServerConn, Entity: entity})
	f.eng.FlushNow()

	removes := framesOfType(drainFrames(t, idle), "entityRemove")
	if len(removes) != 1 {
		t.Fatalf("expected entityRemove on unsubscribed connection, got %d", len(removes))
	}
}

func TestQueryInvalidationFansToEveryone(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	entity := f.spawn(world.NoEntity)
	writer := f.connect()
	idle := f.connect()

	f.mutate(writer.ID(), entity, "position", `{"x":1,"y":1}`, 1)

	for _, conn := range []*session.Conn{writer, idle} {
		invals := framesOfType(drainFrames(t, conn), "queryInvalidation")
		if len(invals) != 1 || invals[0]["query"] != "nearby" {
			t.Fatalf("expected nearby invalidation on conn %d, got %v", conn.ID(), invals)
		}
	}

	// Untagged components stay quiet.
	f.mutate(writer.ID(), entity, "label", `{"text":"hi"}`, 2)
	if invals := framesOfType(drainFrames(t, idle), "queryInvalidation"); len(invals) != 0 {
		t.Fatalf("unexpected invalidation for untagged component: %v", invals)
	}
}

func TestRequestAuthorizationMiddleware(t *testing.T) {
	f := newFixture(t, control.ExclusiveControl{})
	entity := f.spawn(world.NoEntity)
	owner := f.connect()
	other := f.connect()

	handled := 0
	f.eng.RegisterHandler("inspect", RequestHandlerFunc(func(req Request, respond Respond) {
		handled++
		respond(json.RawMessage(`{"ok":true}`), nil)
	}))

	f.eng.Apply(Command{Type: CommandControlTake, Conn: owner.ID(), Entity: entity, Seq: 1})
	drainFrames(t, owner)

	// Denied before the handler ever runs.
	f.eng.Apply(Command{Type: CommandRequest, Conn: other.ID(), Request: "inspect", Entity: entity, Seq: 2})
	responses := framesOfType(drainFrames(t, other), "response")
	if len(responses) != 1 || responses[0]["status"] != "notAuthorized" {
		t.Fatalf("expected notAuthorized, got %v", responses)
	}
	if responses[0]["controlledBy"] != float64(owner.ID()) {
		t.Fatalf("expected controlledBy %d, got %v", owner.ID(), responses[0]["controlledBy"])
	}
	if handled != 0 {
		t.Fatalf("handler ran despite denial")
	}

	f.eng.Apply(Command{Type: CommandRequest, Conn: owner.ID(), Request: "inspect", Entity: entity, Seq: 3})
	responses = framesOfType(drainFrames(t, owner), "response")
	if len(responses) != 1 || responses[0]["status"] != "ok" {
		t.Fatalf("expected ok, got %v", responses)
	}
	if handled != 1 {
		t.Fatalf("handler did not run for owner")
	}

	// Targeting a missing entity synthesizes notFound.
	f.eng.Apply(Command{Type: CommandRequest, Conn: owner.ID(), Request: "inspect", Entity: world.Entity(9999), Seq: 4})
	responses = framesOfType(drainFrames(t, owner), "response")
	if len(responses) != 1 || responses[0]["status"] != "notFound" {
		t.Fatalf("expected notFound, got %v", responses)
	}

	// Unknown request names resolve without running anything.
	f.eng.Apply(Command{Type: CommandRequest, Conn: owner.ID(), Request: "bogus", Seq: 5})
	responses = framesOfType(drainFrames(t, owner), "response")
	if len(responses) != 1 || responses[0]["status"] != "notFound" {
		t.Fatalf("expected notFound for unknown request, got %v", responses)
	}
}

func TestRequestTimeoutDeliversTimedOut(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	conn := f.connect()

	var late Respond
	f.eng.RegisterHandler("slow", RequestHandlerFunc(func(req Request, respond Respond) {
		late = respond
	}))

	f.eng.Apply(Command{Type: CommandRequest, Conn: conn.ID(), Request: "slow", Seq: 1})
	if frames := drainFrames(t, conn); len(frames) != 0 {
		t.Fatalf("premature response: %v", frames)
	}

	f.advance(11 * time.Second)
	f.eng.Sweep(f.now)
	responses := framesOfType(drainFrames(t, conn), "response")
	if len(responses) != 1 || responses[0]["status"] != "timedOut" {
		t.Fatalf("expected timedOut, got %v", responses)
	}

	// A completion after the timeout is discarded.
	late(json.RawMessage(`{"ok":true}`), nil)
	if frames := drainFrames(t, conn); len(frames) != 0 {
		t.Fatalf("late completion leaked: %v", frames)
	}
}

func TestRequestDuplicateSequenceIsRejected(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	conn := f.connect()

	var first Respond
	f.eng.RegisterHandler("slow", RequestHandlerFunc(func(req Request, respond Respond) {
		if first == nil {
			first = respond
		}
	}))

	f.eng.Apply(Command{Type: CommandRequest, Conn: conn.ID(), Request: "slow", Seq: 1})
	f.eng.Apply(Command{Type: CommandRequest, Conn: conn.ID(), Request: "slow", Seq: 1})

	responses := framesOfType(drainFrames(t, conn), "response")
	if len(responses) != 1 || responses[0]["status"] != "validationError" {
		t.Fatalf("expected the duplicate to be rejected, got %v", responses)
	}

	// The original exchange is still live and completes normally.
	first(json.RawMessage(`{"ok":true}`), nil)
	responses = framesOfType(drainFrames(t, conn), "response")
	if len(responses) != 1 || responses[0]["status"] != "ok" {
		t.Fatalf("expected the first exchange to complete, got %v", responses)
	}
}

func TestRequestHandlerErrorMapping(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	conn := f.connect()

	f.eng.RegisterHandler("fail", RequestHandlerFunc(func(req Request, respond Respond) {
		respond(nil, ErrValidation)
	}))
	f.eng.RegisterHandler("explode", RequestHandlerFunc(func(req Request, respond Respond) {
		panic("boom")
	}))

	f.eng.Apply(Command{Type: CommandRequest, Conn: conn.ID(), Request: "fail", Seq: 1})
	responses := framesOfType(drainFrames(t, conn), "response")
	if len(responses) != 1 || responses[0]["status"] != "validationError" {
		t.Fatalf("expected validationError, got %v", responses)
	}

	f.eng.Apply(Command{Type: CommandRequest, Conn: conn.ID(), Request: "explode", Seq: 2})
	responses = framesOfType(drainFrames(t, conn), "response")
	if len(responses) != 1 || responses[0]["status"] != "internalError" {
		t.Fatalf("expected internalError after panic, got %v", responses)
	}
}

func TestDisconnectCleansEverything(t *testing.T) {
	f := newFixture(t, control.ExclusiveControl{})
	entity := f.spawn(world.NoEntity)
	leaver := f.connect()
	watcher := f.connect()
	f.subscribe(watcher.ID(), ControlComponent)
	f.subscribe(leaver.ID(), "position")
	drainFrames(t, watcher)

	var late Respond
	f.eng.RegisterHandler("slow", RequestHandlerFunc(func(req Request, respond Respond) {
		late = respond
	}))
	f.eng.Apply(Command{Type: CommandControlTake, Conn: leaver.ID(), Entity: entity, Seq: 1})
	f.eng.Apply(Command{Type: CommandRequest, Conn: leaver.ID(), Request: "slow", Seq: 2})
	drainFrames(t, watcher)

	f.eng.Apply(Command{Type: CommandDisconnect, Conn: leaver.ID(), Reason: "client_gone"})

	if _, ok := f.eng.Sessions().Get(leaver.ID()); ok {
		t.Fatalf("connection survived disconnect")
	}
	if _, ok := f.eng.Control().Owner(entity); ok {
		t.Fatalf("control row survived disconnect")
	}
	if f.eng.DiagnosticsSnapshot().PendingRequests != 0 {
		t.Fatalf("pending request survived disconnect")
	}
	changed := framesOfType(drainFrames(t, watcher), "controlChanged")
	if len(changed) != 1 || changed[0]["reason"] != "released" {
		t.Fatalf("expected released broadcast on disconnect, got %v", changed)
	}
	// The in-flight request dies silently.
	late(json.RawMessage(`{}`), nil)
	if f.eng.index.IsSubscribed(leaver.ID(), "position") {
		t.Fatalf("subscription survived disconnect")
	}
}

func TestHeartbeatTimeoutEvictsSilentConnections(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	f.eng.cfg.HeartbeatDeadline = 15 * time.Second
	silent := f.connect()
	lively := f.connect()

	f.advance(10 * time.Second)
	lively.Heartbeat(f.now, 0)
	f.advance(6 * time.Second)
	f.eng.Sweep(f.now)

	if _, ok := f.eng.Sessions().Get(silent.ID()); ok {
		t.Fatalf("silent connection survived the deadline")
	}
	if _, ok := f.eng.Sessions().Get(lively.ID()); !ok {
		t.Fatalf("live connection was evicted")
	}
}

func TestEnqueueThrottlesPerConnection(t *testing.T) {
	f := newFixture(t, control.AllowAll{})
	f.eng.cfg.PerConnLimit = 2
	conn := f.connect()

	for i := 0; i < 2; i++ {
		if ok, reason := f.eng.Enqueue(Command{Type: CommandSubscribe, Conn: conn.ID(), Component: "position"}); !ok {
			t.Fatalf("enqueue %d rejected: %s", i, reason)
		}
	}
	ok, reason := f.eng.Enqueue(Command{Type: CommandSubscribe, Conn: conn.ID(), Component: "position"})
	if ok || reason != CommandRejectQueueLimit {
		t.Fatalf("expected queue_limit rejection, got ok=%v reason=%q", ok, reason)
	}

	// Server commands bypass the per-connection limit.
	for i := 0; i < 5; i++ {
		if ok, reason := f.eng.Enqueue(Command{Type: CommandMutate, Conn: session.ServerConn}); !ok {
			t.Fatalf("server enqueue rejected: %s", reason)
		}
	}

	// Draining resets the counters.
	if got := len(f.eng.drainCommands()); got != 7 {
		t.Fatalf("expected 7 staged commands, got %d", got)
	}
	if ok, _ := f.eng.Enqueue(Command{Type: CommandSubscribe, Conn: conn.ID(), Component: "position"}); !ok {
		t.Fatalf("enqueue after drain rejected")
	}
}
