package engine

import (
	"testing"
	"time"
)

func TestCorrelatorCompleteIsExactlyOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCorrelator(time.Second, nil)
	c.Register(1, 7, "inspect", now)
	if !c.Complete(1, 7) {
		t.Fatalf("expected first completion to succeed")
	}
	if c.Complete(1, 7) {
		t.Fatalf("expected second completion to be discarded")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty table, got %d", c.Len())
	}
}

func TestCorrelatorRejectsDuplicateRegistration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCorrelator(time.Second, nil)
	if !c.Register(1, 7, "first", now) {
		t.Fatalf("expected fresh registration to succeed")
	}
	if c.Register(1, 7, "second", now.Add(time.Minute)) {
		t.Fatalf("expected duplicate sequence to be rejected")
	}
	// The original entry survives with its original deadline.
	expired := c.Expire(now.Add(time.Second))
	if len(expired) != 1 || expired[0].Kind != "first" {
		t.Fatalf("expected the original exchange to expire, got %+v", expired)
	}
}

func TestCorrelatorExpireHonorsDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCorrelator(time.Second, nil)
	c.Register(1, 1, "slow", now)
	c.Register(1, 2, "slow", now.Add(500*time.Millisecond))

	expired := c.Expire(now.Add(time.Second))
	if len(expired) != 1 || expired[0].Seq != 1 {
		t.Fatalf("expected only the first exchange to expire, got %+v", expired)
	}
	if c.Complete(1, 1) {
		t.Fatalf("expired exchange still completable")
	}
	if !c.Complete(1, 2) {
		t.Fatalf("live exchange lost")
	}
}

func TestCorrelatorDropConnectionIsSilent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewCorrelator(time.Second, nil)
	c.Register(1, 1, "a", now)
	c.Register(1, 2, "b", now)
	c.Register(2, 1, "c", now)

	if dropped := c.DropConnection(1); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving exchange, got %d", c.Len())
	}
	if expired := c.Expire(now.Add(time.Minute)); len(expired) != 1 || expired[0].Conn != 2 {
		t.Fatalf("unexpected survivors: %+v", expired)
	}
}
