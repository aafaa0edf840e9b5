package world

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entity is an opaque handle identifying one unit of synchronized state.
// The zero handle is never allocated and doubles as "no parent".
type Entity uint64

// NoEntity is the absent-entity sentinel.
const NoEntity Entity = 0

// Record is one authoritative component value. Version increments on every
// authoritative write and orders conflated updates.
type Record struct {
	Entity  Entity          `json:"entity"`
	Type    string          `json:"type"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

type entityState struct {
	parent     Entity
	children   map[Entity]struct{}
	components map[string]*Record
}

// World is the single-owner arena holding the entity tree and every
// component record. It carries no lock: all access is funneled through the
// writer loop.
type World struct {
	nextID   uint64
	entities map[Entity]*entityState
	byType   map[string]map[Entity]*Record
}

func New() *World {
	return &World{
		entities: make(map[Entity]*entityState),
		byType:   make(map[string]map[Entity]*Record),
	}
}

// Spawn allocates a new entity, optionally parented. Cycles are impossible
// by construction: a parent must already exist when the child is created.
func (w *World) Spawn(parent Entity) (Entity, error) {
	if parent != NoEntity {
		if _, ok := w.entities[parent]; !ok {
			return NoEntity, fmt.Errorf("spawn: parent entity %d does not exist", parent)
		}
	}
	w.nextID++
	id := Entity(w.nextID)
	w.entities[id] = &entityState{
		parent:     parent,
		components: make(map[string]*Record),
	}
	if parent != NoEntity {
		ps := w.entities[parent]
		if ps.children == nil {
			ps.children = make(map[Entity]struct{})
		}
		ps.children[id] = struct{}{}
	}
	return id, nil
}

// Exists reports whether the entity is live.
func (w *World) Exists(entity Entity) bool {
	_, ok := w.entities[entity]
	return ok
}

// Parent returns the entity's parent, if any.
func (w *World) Parent(entity Entity) (Entity, bool) {
	state, ok := w.entities[entity]
	if !ok || state.parent == NoEntity {
		return NoEntity, false
	}
	return state.parent, true
}

// Destroy removes the entity and its whole subtree, leaves first, and
// returns the handles in destruction order.
func (w *World) Destroy(entity Entity) []Entity {
	if _, ok := w.entities[entity]; !ok {
		return nil
	}
	order := make([]Entity, 0, 4)
	w.collectSubtree(entity, &order)
	for _, id := range order {
		state := w.entities[id]
		for typeName := range state.components {
			w.dropFromTypeIndex(typeName, id)
		}
		if state.parent != NoEntity {
			if ps, ok := w.entities[state.parent]; ok {
				delete(ps.children, id)
			}
		}
		delete(w.entities, id)
	}
	return order
}

func (w *World) collectSubtree(entity Entity, order *[]Entity) {
	state := w.entities[entity]
	children := make([]Entity, 0, len(state.children))
	for child := range state.children {
		children = append(children, child)
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, child := range children {
		w.collectSubtree(child, order)
	}
	*order = append(*order, entity)
}

// SetComponent writes a component value, bumping its version.
func (w *World) SetComponent(entity Entity, typeName string, payload json.RawMessage) (Record, error) {
	state, ok := w.entities[entity]
	if !ok {
		return Record{}, fmt.Errorf("set component: entity %d does not exist", entity)
	}
	record, ok := state.components[typeName]
	if !ok {
		record = &Record{Entity: entity, Type: typeName}
		state.components[typeName] = record
		index, ok := w.byType[typeName]
		if !ok {
			index = make(map[Entity]*Record)
			w.byType[typeName] = index
		}
		index[entity] = record
	}
	record.Version++
	record.Payload = payload
	return *record, nil
}

// RemoveComponent detaches a component, reporting whether it existed.
func (w *World) RemoveComponent(entity Entity, typeName string) bool {
	state, ok := w.entities[entity]
	if !ok {
		return false
	}
	if _, ok := state.components[typeName]; !ok {
		return false
	}
	delete(state.components, typeName)
	w.dropFromTypeIndex(typeName, entity)
	return true
}

// Component returns a copy of the component record, if present.
func (w *World) Component(entity Entity, typeName string) (Record, bool) {
	state, ok := w.entities[entity]
	if !ok {
		return Record{}, false
	}
	record, ok := state.components[typeName]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// ComponentsOf returns copies of every component on the entity, type-sorted.
func (w *World) ComponentsOf(entity Entity) []Record {
	state, ok := w.entities[entity]
	if !ok || len(state.components) == 0 {
		return nil
	}
	records := make([]Record, 0, len(state.components))
	for _, record := range state.components {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Type < records[j].Type })
	return records
}

// RecordsOfType returns every live record of the type, ordered by entity so
// snapshots are deterministic.
func (w *World) RecordsOfType(typeName string) []Record {
	index := w.byType[typeName]
	if len(index) == 0 {
		return nil
	}
	records := make([]Record, 0, len(index))
	for _, record := range index {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Entity < records[j].Entity })
	return records
}

// EntityCount reports the number of live entities.
func (w *World) EntityCount() int {
	return len(w.entities)
}

func (w *World) dropFromTypeIndex(typeName string, entity Entity) {
	index, ok := w.byType[typeName]
	if !ok {
		return
	}
	delete(index, entity)
	if len(index) == 0 {
		delete(w.byType, typeName)
	}
}
