package control

import (
	"testing"
	"time"

	"entitysync/internal/session"
	"entitysync/internal/world"
	"entitysync/logging"
)

type fakeGraph struct {
	parents map[world.Entity]world.Entity
	missing map[world.Entity]bool
}

func (g *fakeGraph) deps(clock logging.Clock) Deps {
	return Deps{
		Exists: func(e world.Entity) bool { return !g.missing[e] },
		Parent: func(e world.Entity) (world.Entity, bool) {
			p, ok := g.parents[e]
			return p, ok
		},
		Clock: clock,
	}
}

func fixedClock(at *time.Time) logging.Clock {
	return logging.ClockFunc(func() time.Time { return *at })
}

func TestTakeAndReleaseSemantics(t *testing.T) {
	now := time.Unix(100, 0)
	graph := &fakeGraph{missing: map[world.Entity]bool{world.Entity(9): true}}
	table := NewTable(graph.deps(fixedClock(&now)))

	connA := session.ConnID(1)
	connB := session.ConnID(2)
	entity := world.Entity(7)

	if res := table.Take(connA, entity); res.Status != TakeTaken {
		t.Fatalf("expected first take to succeed, got %+v", res)
	}
	if res := table.Take(connA, entity); res.Status != TakeTaken {
		t.Fatalf("expected re-take by owner to succeed, got %+v", res)
	}
	res := table.Take(connB, entity)
	if res.Status != TakeAlreadyControlled || res.By != connA {
		t.Fatalf("expected contention with owner %d, got %+v", connA, res)
	}
	if res := table.Take(connA, world.Entity(9)); res.Status != TakeNotFound {
		t.Fatalf("expected take on missing entity to report notFound, got %+v", res)
	}

	if status := table.Release(connB, entity); status != ReleaseNotControlled {
		t.Fatalf("expected non-owner release to be a no-op, got %v", status)
	}
	if _, ok := table.Owner(entity); !ok {
		t.Fatalf("non-owner release must not drop the row")
	}
	if status := table.Release(connA, entity); status != ReleaseReleased {
		t.Fatalf("expected owner release to succeed, got %v", status)
	}
	if status := table.Release(connA, entity); status != ReleaseNotControlled {
		t.Fatalf("expected release of uncontrolled entity to report notControlled, got %v", status)
	}
}

func TestHierarchicalAuthorization(t *testing.T) {
	now := time.Unix(100, 0)
	parent := world.Entity(1)
	child := world.Entity(2)
	graph := &fakeGraph{parents: map[world.Entity]world.Entity{child: parent}}
	table := NewTable(graph.deps(fixedClock(&now)))

	connA := session.ConnID(1)
	connB := session.ConnID(2)
	table.Take(connA, parent)

	propagating := ExclusiveControl{PropagateToChildren: true}
	if d := table.Authorize(connA, child, propagating); !d.Allowed {
		t.Fatalf("expected owner of parent to control child, got %+v", d)
	}
	d := table.Authorize(connB, child, propagating)
	if d.Allowed || d.Reason != ReasonForbidden || d.ControlledBy != connA {
		t.Fatalf("expected child denial naming owner %d, got %+v", connA, d)
	}

	flat := ExclusiveControl{}
	if d := table.Authorize(connB, child, flat); !d.Allowed {
		t.Fatalf("expected child to be open without propagation, got %+v", d)
	}
}

func TestAuthorizeServerAndMissingEntity(t *testing.T) {
	now := time.Unix(100, 0)
	graph := &fakeGraph{missing: map[world.Entity]bool{world.Entity(5): true}}
	table := NewTable(graph.deps(fixedClock(&now)))
	table.Take(session.ConnID(3), world.Entity(1))

	if d := table.Authorize(session.ServerConn, world.Entity(1), ExclusiveControl{}); !d.Allowed {
		t.Fatalf("server must always be authorized, got %+v", d)
	}
	d := table.Authorize(session.ConnID(4), world.Entity(5), AllowAll{})
	if d.Allowed || d.Reason != ReasonNotFound {
		t.Fatalf("expected notFound for missing entity, got %+v", d)
	}
	if d := table.Authorize(session.ConnID(4), world.Entity(1), ServerOnly{}); d.Allowed {
		t.Fatalf("expected ServerOnly to refuse clients, got %+v", d)
	}
}

func TestSweepReleasesIdleRows(t *testing.T) {
	now := time.Unix(100, 0)
	graph := &fakeGraph{}
	table := NewTable(graph.deps(fixedClock(&now)))

	connA := session.ConnID(1)
	idle := world.Entity(1)
	busy := world.Entity(2)
	table.Take(connA, idle)
	table.Take(connA, busy)

	// An authorized mutation refreshes the controlling row's activity.
	now = now.Add(20 * time.Second)
	if d := table.Authorize(connA, busy, ExclusiveControl{}); !d.Allowed {
		t.Fatalf("unexpected denial: %+v", d)
	}

	now = now.Add(15 * time.Second)
	freed := table.Sweep(now, 30*time.Second)
	if len(freed) != 1 || freed[0].Entity != idle || freed[0].Owner != connA {
		t.Fatalf("expected only the idle row to be reclaimed, got %+v", freed)
	}
	if d := table.Authorize(session.ConnID(9), idle, ExclusiveControl{}); !d.Allowed {
		t.Fatalf("expected reclaimed entity to be open, got %+v", d)
	}
	if table.Sweep(now, 0) != nil {
		t.Fatalf("expected disabled timeout to sweep nothing")
	}
}

func TestReleaseAllOnDisconnect(t *testing.T) {
	now := time.Unix(100, 0)
	graph := &fakeGraph{}
	table := NewTable(graph.deps(fixedClock(&now)))

	connA := session.ConnID(1)
	connB := session.ConnID(2)
	table.Take(connA, world.Entity(1))
	table.Take(connA, world.Entity(2))
	table.Take(connB, world.Entity(3))

	freed := table.ReleaseAll(connA)
	if len(freed) != 2 {
		t.Fatalf("expected 2 freed rows, got %v", freed)
	}
	if table.Len() != 1 {
		t.Fatalf("expected one remaining row, got %d", table.Len())
	}
	if owner, ok := table.Owner(world.Entity(3)); !ok || owner != connB {
		t.Fatalf("expected connB's row to survive")
	}
}

func TestControllerDepthGuard(t *testing.T) {
	now := time.Unix(100, 0)
	parents := make(map[world.Entity]world.Entity)
	// Deliberately corrupt link: 1 <-> 2 cycle.
	parents[world.Entity(1)] = world.Entity(2)
	parents[world.Entity(2)] = world.Entity(1)
	graph := &fakeGraph{parents: parents}
	table := NewTable(graph.deps(fixedClock(&now)))

	owner, holder, found := table.Controller(world.Entity(1), true)
	if found || owner != session.ServerConn || holder != world.NoEntity {
		t.Fatalf("expected cycle walk to terminate uncontrolled, got %v %v %v", owner, holder, found)
	}
}
