package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when told to.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func drainAggregator(t *testing.T, a *Aggregator, events ...Event) {
	t.Helper()
	for _, ev := range events {
		a.handle(ev)
	}
}

func TestCountersAndSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a := NewAggregator(clock, DefaultConfig())

	drainAggregator(t, a,
		EventReceived{Feed: "wss://a"},
		EventReceived{Feed: "wss://a"},
		EventApplied{Added: 3, Removed: 1},
		EventDropped{Reason: DropDuplicate},
		EventDropped{Reason: DropStale},
		EventDropped{Reason: DropStale},
		FeedStatusChanged{Feed: "wss://a", Connected: true},
		QueryServed{Op: "distance"},
	)

	snap := a.Snapshot()
	if snap.EventsReceived != 2 || snap.EventsApplied != 1 || snap.EventsDropped != 3 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.DroppedByReason[DropStale] != 2 {
		t.Errorf("expected 2 stale drops, got %v", snap.DroppedByReason)
	}
	if !snap.Feeds["wss://a"] {
		t.Error("expected feed to be connected")
	}
	if snap.QueriesServed != 1 {
		t.Errorf("expected 1 query, got %d", snap.QueriesServed)
	}
}

func TestRecentErrorsNewestFirst(t *testing.T) {
	a := NewAggregator(&fakeClock{now: time.Unix(1000, 0)}, DefaultConfig())
	drainAggregator(t, a,
		IngestError{Err: errors.New("first"), Where: "connect"},
		IngestError{Err: errors.New("second"), Where: "consume"},
	)
	snap := a.Snapshot()
	if len(snap.RecentErrors) != 2 {
		t.Fatalf("expected 2 recent errors, got %v", snap.RecentErrors)
	}
	if snap.RecentErrors[0] != "consume: second" {
		t.Errorf("expected newest first, got %v", snap.RecentErrors)
	}
}

func TestRateWindowExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cfg := DefaultConfig()
	a := NewAggregator(clock, cfg)

	for i := 0; i < 20; i++ {
		a.handle(EventReceived{Feed: "wss://a"})
	}
	if rate := a.Snapshot().EventsPerSecond; rate != 2.0 {
		t.Errorf("expected 2.0 events/s over a 10s window, got %f", rate)
	}

	clock.now = clock.now.Add(time.Minute)
	if rate := a.Snapshot().EventsPerSecond; rate != 0 {
		t.Errorf("expected rate to decay to 0, got %f", rate)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 1
	a := NewAggregator(RealClock{}, cfg)
	// Not started: the buffer fills after one event, the rest are dropped.
	for i := 0; i < 100; i++ {
		a.Publish(EventReceived{Feed: "wss://a"})
	}
}

func TestStartStop(t *testing.T) {
	a := NewAggregator(RealClock{}, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Start(ctx)
	a.Publish(QueryServed{Op: "distance"})

	deadline := time.Now().Add(time.Second)
	for a.Snapshot().QueriesServed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("aggregator did not process the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.Stop()
}
