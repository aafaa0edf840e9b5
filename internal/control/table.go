package control

import (
	"sort"
	"time"

	"entitysync/internal/session"
	"entitysync/internal/world"
	"entitysync/logging"
)

// maxWalkDepth bounds the parent walk. The arena forbids cycles by
// construction; the guard keeps a corrupted link from spinning the loop.
const maxWalkDepth = 64

// Deps injects the entity graph accessors the table needs. It never touches
// the arena directly so tests can drive it with plain maps.
type Deps struct {
	Exists func(world.Entity) bool
	Parent func(world.Entity) (world.Entity, bool)
	Clock  logging.Clock
}

type row struct {
	owner        session.ConnID
	lastActivity time.Time
}

// Table is the Entity Control Table: at most one owning connection per
// entity, with idle rows reclaimed by a periodic sweep. Owned by the writer
// loop, so it carries no lock.
type Table struct {
	deps Deps
	rows map[world.Entity]*row
}

func NewTable(deps Deps) *Table {
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	return &Table{deps: deps, rows: make(map[world.Entity]*row)}
}

// TakeStatus reports the outcome of a control acquisition.
type TakeStatus string

const (
	TakeTaken             TakeStatus = "taken"
	TakeAlreadyControlled TakeStatus = "alreadyControlled"
	TakeNotFound          TakeStatus = "notFound"
)

// TakeResult carries the acquisition outcome and the current owner on
// contention.
type TakeResult struct {
	Status TakeStatus
	By     session.ConnID
}

// ReleaseStatus reports the outcome of a control release.
type ReleaseStatus string

const (
	ReleaseReleased ReleaseStatus = "released"
	// ReleaseNotControlled covers both an absent row and a release attempt
	// by a non-owner, which is a harmless no-op.
	ReleaseNotControlled ReleaseStatus = "notControlled"
)

// Released names one row reclaimed by the sweep or a disconnect.
type Released struct {
	Entity world.Entity
	Owner  session.ConnID
}

// Take grants exclusive control iff the entity is unowned or already owned
// by the requester.
func (t *Table) Take(conn session.ConnID, entity world.Entity) TakeResult {
	if t.deps.Exists != nil && !t.deps.Exists(entity) {
		return TakeResult{Status: TakeNotFound}
	}
	now := t.deps.Clock.Now()
	if existing, ok := t.rows[entity]; ok {
		if existing.owner == conn {
			existing.lastActivity = now
			return TakeResult{Status: TakeTaken, By: conn}
		}
		return TakeResult{Status: TakeAlreadyControlled, By: existing.owner}
	}
	t.rows[entity] = &row{owner: conn, lastActivity: now}
	return TakeResult{Status: TakeTaken, By: conn}
}

// Release drops the row iff conn is the current owner.
func (t *Table) Release(conn session.ConnID, entity world.Entity) ReleaseStatus {
	existing, ok := t.rows[entity]
	if !ok || existing.owner != conn {
		return ReleaseNotControlled
	}
	delete(t.rows, entity)
	return ReleaseReleased
}

// ReleaseAll drops every row owned by the connection, for disconnect
// cleanup, and returns the freed entities.
func (t *Table) ReleaseAll(conn session.ConnID) []world.Entity {
	var freed []world.Entity
	for entity, r := range t.rows {
		if r.owner == conn {
			freed = append(freed, entity)
			delete(t.rows, entity)
		}
	}
	return freed
}

// Sweep auto-releases rows idle past the timeout and reports what it freed.
func (t *Table) Sweep(now time.Time, timeout time.Duration) []Released {
	if timeout <= 0 {
		return nil
	}
	var freed []Released
	for entity, r := range t.rows {
		if now.Sub(r.lastActivity) > timeout {
			freed = append(freed, Released{Entity: entity, Owner: r.owner})
			delete(t.rows, entity)
		}
	}
	return freed
}

// Drop discards the row for a destroyed entity regardless of owner,
// returning the former owner if one existed.
func (t *Table) Drop(entity world.Entity) (session.ConnID, bool) {
	r, ok := t.rows[entity]
	if !ok {
		return session.ServerConn, false
	}
	delete(t.rows, entity)
	return r.owner, true
}

// Rows lists every explicit control row, entity-sorted for deterministic
// snapshots.
func (t *Table) Rows() []Released {
	if len(t.rows) == 0 {
		return nil
	}
	out := make([]Released, 0, len(t.rows))
	for entity, r := range t.rows {
		out = append(out, Released{Entity: entity, Owner: r.owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Owner reports the explicit owner of the entity itself, without any
// hierarchy walk.
func (t *Table) Owner(entity world.Entity) (session.ConnID, bool) {
	r, ok := t.rows[entity]
	if !ok {
		return session.ServerConn, false
	}
	return r.owner, true
}

// Controller resolves who controls the entity. With propagate set it walks
// toward the root and the first ancestor carrying an explicit row decides;
// absence along the whole path means uncontrolled.
func (t *Table) Controller(entity world.Entity, propagate bool) (session.ConnID, world.Entity, bool) {
	current := entity
	for depth := 0; depth < maxWalkDepth; depth++ {
		if r, ok := t.rows[current]; ok {
			return r.owner, current, true
		}
		if !propagate || t.deps.Parent == nil {
			return session.ServerConn, world.NoEntity, false
		}
		parent, ok := t.deps.Parent(current)
		if !ok {
			return session.ServerConn, world.NoEntity, false
		}
		current = parent
	}
	return session.ServerConn, world.NoEntity, false
}

// Touch refreshes last_activity on the controlling row, if any.
func (t *Table) Touch(holder world.Entity) {
	if r, ok := t.rows[holder]; ok {
		r.lastActivity = t.deps.Clock.Now()
	}
}

// Len reports the number of explicit control rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Authorize is the single authorization primitive used by the mutation
// pipeline and the request correlator. The server identity always passes;
// a missing entity is a NotFound denial before the policy runs.
func (t *Table) Authorize(requester session.ConnID, entity world.Entity, policy Policy) Decision {
	if t.deps.Exists != nil && !t.deps.Exists(entity) {
		return DenyNotFound()
	}
	if requester == session.ServerConn {
		return Allow()
	}
	if policy == nil {
		return Allow()
	}
	return policy.Decide(t, requester, entity)
}
