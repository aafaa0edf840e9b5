package world

import (
	"encoding/json"
	"testing"
)

func TestSpawnRequiresLiveParent(t *testing.T) {
	w := New()
	if _, err := w.Spawn(Entity(42)); err == nil {
		t.Fatalf("expected spawn with missing parent to fail")
	}
	root, err := w.Spawn(NoEntity)
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	child, err := w.Spawn(root)
	if err != nil {
		t.Fatalf("unexpected child spawn error: %v", err)
	}
	parent, ok := w.Parent(child)
	if !ok || parent != root {
		t.Fatalf("expected parent %d, got %d (ok=%v)", root, parent, ok)
	}
	if _, ok := w.Parent(root); ok {
		t.Fatalf("root must not report a parent")
	}
}

func TestSetComponentBumpsVersion(t *testing.T) {
	w := New()
	entity, _ := w.Spawn(NoEntity)
	first, err := w.SetComponent(entity, "position", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}
	second, _ := w.SetComponent(entity, "position", json.RawMessage(`{"x":2}`))
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	record, ok := w.Component(entity, "position")
	if !ok || string(record.Payload) != `{"x":2}` {
		t.Fatalf("expected latest payload, got %s (ok=%v)", record.Payload, ok)
	}
	if _, err := w.SetComponent(Entity(999), "position", nil); err == nil {
		t.Fatalf("expected write to missing entity to fail")
	}
}

func TestDestroyRemovesSubtreeLeavesFirst(t *testing.T) {
	w := New()
	root, _ := w.Spawn(NoEntity)
	mid, _ := w.Spawn(root)
	leaf, _ := w.Spawn(mid)
	w.SetComponent(leaf, "position", json.RawMessage(`{}`))

	order := w.Destroy(root)
	if len(order) != 3 {
		t.Fatalf("expected 3 destroyed entities, got %d", len(order))
	}
	if order[0] != leaf || order[1] != mid || order[2] != root {
		t.Fatalf("expected leaves-first order, got %v", order)
	}
	if w.Exists(root) || w.Exists(mid) || w.Exists(leaf) {
		t.Fatalf("expected subtree to be gone")
	}
	if records := w.RecordsOfType("position"); records != nil {
		t.Fatalf("expected type index cleanup, got %v", records)
	}
	if again := w.Destroy(root); again != nil {
		t.Fatalf("expected repeat destroy to be a no-op, got %v", again)
	}
}

func TestRecordsOfTypeIsOrderedByEntity(t *testing.T) {
	w := New()
	a, _ := w.Spawn(NoEntity)
	b, _ := w.Spawn(NoEntity)
	w.SetComponent(b, "label", json.RawMessage(`{"text":"b"}`))
	w.SetComponent(a, "label", json.RawMessage(`{"text":"a"}`))

	records := w.RecordsOfType("label")
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Entity != a || records[1].Entity != b {
		t.Fatalf("expected records ordered by entity, got %v", records)
	}
}

func TestRemoveComponent(t *testing.T) {
	w := New()
	entity, _ := w.Spawn(NoEntity)
	w.SetComponent(entity, "label", json.RawMessage(`{}`))
	if !w.RemoveComponent(entity, "label") {
		t.Fatalf("expected removal of live component to succeed")
	}
	if w.RemoveComponent(entity, "label") {
		t.Fatalf("expected repeat removal to report false")
	}
	if _, ok := w.Component(entity, "label"); ok {
		t.Fatalf("expected component to be gone")
	}
}
