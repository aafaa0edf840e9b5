package replication

import (
	"encoding/json"
	"testing"
	"time"

	"entitysync/internal/net/proto"
	"entitysync/internal/session"
	"entitysync/internal/world"
	"entitysync/logging"
)

func drainFrames(t *testing.T, conn *session.Conn) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		select {
		case data := <-conn.Outbound():
			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("malformed frame %s: %v", data, err)
			}
			frames = append(frames, decoded)
		default:
			return frames
		}
	}
}

func newBroadcastFixture() (*Broadcaster, *Queue, *SubscriptionIndex, *session.Registry) {
	index := NewSubscriptionIndex()
	queue := NewQueue(true, nil)
	sessions := session.NewRegistry()
	b := NewBroadcaster(BroadcasterDeps{
		Index:     index,
		Queue:     queue,
		Sessions:  sessions,
		Publisher: logging.NopPublisher(),
	})
	return b, queue, index, sessions
}

func TestFlushDeliversRemovalsBeforeUpdates(t *testing.T) {
	b, queue, index, sessions := newBroadcastFixture()
	conn := sessions.Add("tok", "", 8, time.Now())
	index.Subscribe(conn.ID(), "position")
	index.Subscribe(conn.ID(), "label")

	queue.EnqueueUpdate(world.Entity(2), "label", 1, json.RawMessage(`{"text":"x"}`))
	queue.EnqueueRemoval(world.Entity(1), "position")
	b.Flush()

	frames := drainFrames(t, conn)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0]["type"] != "componentRemove" {
		t.Fatalf("expected removal first, got %v", frames[0])
	}
	if frames[1]["type"] != "update" {
		t.Fatalf("expected update second, got %v", frames[1])
	}
}

func TestFlushSendsUpdatesOnlyToSubscribers(t *testing.T) {
	b, queue, index, sessions := newBroadcastFixture()
	subscriber := sessions.Add("tok-a", "", 8, time.Now())
	bystander := sessions.Add("tok-b", "", 8, time.Now())
	index.Subscribe(subscriber.ID(), "position")

	queue.EnqueueUpdate(world.Entity(7), "position", 2, json.RawMessage(`{"x":1,"y":2}`))
	b.Flush()

	if frames := drainFrames(t, subscriber); len(frames) != 1 {
		t.Fatalf("expected subscriber to get the update, got %v", frames)
	}
	if frames := drainFrames(t, bystander); frames != nil {
		t.Fatalf("expected bystander to get nothing, got %v", frames)
	}
}

func TestEntityRemoveReachesEveryConnection(t *testing.T) {
	b, queue, index, sessions := newBroadcastFixture()
	subscriber := sessions.Add("tok-a", "", 8, time.Now())
	bystander := sessions.Add("tok-b", "", 8, time.Now())
	index.Subscribe(subscriber.ID(), "position")

	queue.EnqueueRemoval(world.Entity(7), "")
	b.Flush()

	for _, conn := range []*session.Conn{subscriber, bystander} {
		frames := drainFrames(t, conn)
		if len(frames) != 1 || frames[0]["type"] != "entityRemove" {
			t.Fatalf("expected entityRemove for every connection, got %v", frames)
		}
	}
}

func TestFlushReportsSlowConsumers(t *testing.T) {
	index := NewSubscriptionIndex()
	queue := NewQueue(true, nil)
	sessions := session.NewRegistry()
	var slow []session.ConnID
	b := NewBroadcaster(BroadcasterDeps{
		Index:     index,
		Queue:     queue,
		Sessions:  sessions,
		Publisher: logging.NopPublisher(),
		OnSlowConsumer: func(id session.ConnID) {
			slow = append(slow, id)
		},
	})
	conn := sessions.Add("tok", "", 1, time.Now())
	index.Subscribe(conn.ID(), "position")
	// Fill the queue so the flush overflows it.
	conn.Send([]byte("occupied"))

	queue.EnqueueUpdate(world.Entity(1), "position", 1, json.RawMessage(`{}`))
	b.Flush()

	if len(slow) != 1 || slow[0] != conn.ID() {
		t.Fatalf("expected the stuffed connection to be reported slow, got %v", slow)
	}
}

func TestRemovalThenNothingDeliversNoResurrection(t *testing.T) {
	b, queue, index, sessions := newBroadcastFixture()
	conn := sessions.Add("tok", "", 8, time.Now())
	index.Subscribe(conn.ID(), "position")

	queue.EnqueueUpdate(world.Entity(7), "position", 1, json.RawMessage(`{"x":1}`))
	queue.EnqueueRemoval(world.Entity(7), "position")
	b.Flush()

	frames := drainFrames(t, conn)
	if len(frames) != 1 {
		t.Fatalf("expected only the removal, got %v", frames)
	}
	kind, err := proto.PeekType(mustMarshal(t, frames[0]))
	if err != nil || kind != "componentRemove" {
		t.Fatalf("expected componentRemove, got %q (%v)", kind, err)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
