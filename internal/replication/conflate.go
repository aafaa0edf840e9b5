package replication

import (
	"encoding/json"

	"entitysync/internal/telemetry"
	"entitysync/internal/world"
)

const (
	conflationCollapseMetricKey = "replication_conflation_collapsed_total"
	conflationStaleMetricKey    = "replication_conflation_stale_total"
)

// Key addresses one conflation slot.
type Key struct {
	Entity world.Entity
	Type   string
}

// Update is one pending component write awaiting flush.
type Update struct {
	Key
	Version uint64
	Payload json.RawMessage
}

// Removal is a non-conflatable event. An empty Component means the whole
// entity was removed.
type Removal struct {
	Entity    world.Entity
	Component string
}

// Queue buffers outbound changes between flushes. With conflation enabled
// it keeps only the latest value per (entity, type); removals always travel
// through a strictly ordered list and flush before any update.
type Queue struct {
	conflate bool
	slots    map[Key]*Update
	order    []Key
	updates  []Update
	removals []Removal
	metrics  telemetry.Metrics
}

func NewQueue(conflate bool, metrics telemetry.Metrics) *Queue {
	return &Queue{
		conflate: conflate,
		slots:    make(map[Key]*Update),
		metrics:  metrics,
	}
}

// EnqueueUpdate stages a component write. Under conflation a slot is
// overwritten only by a strictly newer version, so a stale write can never
// clobber a fresher queued one.
func (q *Queue) EnqueueUpdate(entity world.Entity, typeName string, version uint64, payload json.RawMessage) {
	key := Key{Entity: entity, Type: typeName}
	update := Update{Key: key, Version: version, Payload: payload}
	if !q.conflate {
		q.updates = append(q.updates, update)
		return
	}
	if slot, ok := q.slots[key]; ok {
		if version <= slot.Version {
			q.addMetric(conflationStaleMetricKey)
			return
		}
		*slot = update
		q.addMetric(conflationCollapseMetricKey)
		return
	}
	q.slots[key] = &update
	q.order = append(q.order, key)
}

// EnqueueRemoval stages a removal event. It always appends to the ordered
// list and cancels any pending update for the removed key so stale data can
// never resurrect after the removal.
func (q *Queue) EnqueueRemoval(entity world.Entity, typeName string) {
	q.removals = append(q.removals, Removal{Entity: entity, Component: typeName})
	if typeName == "" {
		q.dropSlots(func(key Key) bool { return key.Entity == entity })
		return
	}
	q.dropSlots(func(key Key) bool { return key.Entity == entity && key.Type == typeName })
}

// Drain returns all pending removals in enqueue order plus the pending
// updates, and clears both. Updates carry no cross-key order guarantee.
func (q *Queue) Drain() ([]Removal, []Update) {
	removals := q.removals
	q.removals = nil

	var updates []Update
	if q.conflate {
		if len(q.order) > 0 {
			updates = make([]Update, 0, len(q.order))
			for _, key := range q.order {
				if slot, ok := q.slots[key]; ok {
					updates = append(updates, *slot)
				}
			}
			q.slots = make(map[Key]*Update)
			q.order = nil
		}
	} else {
		updates = q.updates
		q.updates = nil
	}
	return removals, updates
}

// Pending reports the number of staged removals and updates.
func (q *Queue) Pending() (removals, updates int) {
	if q.conflate {
		return len(q.removals), len(q.slots)
	}
	return len(q.removals), len(q.updates)
}

func (q *Queue) dropSlots(match func(Key) bool) {
	if q.conflate {
		kept := q.order[:0]
		for _, key := range q.order {
			if match(key) {
				delete(q.slots, key)
				continue
			}
			kept = append(kept, key)
		}
		q.order = kept
		return
	}
	kept := q.updates[:0]
	for _, update := range q.updates {
		if !match(update.Key) {
			kept = append(kept, update)
		}
	}
	q.updates = kept
}

func (q *Queue) addMetric(key string) {
	if q.metrics != nil {
		q.metrics.Add(key, 1)
	}
}
