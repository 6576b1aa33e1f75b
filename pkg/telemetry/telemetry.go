// Package telemetry aggregates ingest and query activity into a snapshot the
// stats operation serves. Publishing is non-blocking: the hot path never
// waits on the aggregator, events are dropped under pressure instead.
package telemetry

import (
	"context"
	"sync"
	"time"
)

// Clock allows deterministic testing.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type Config struct {
	BufferSize        int
	MaxRecentErrors   int
	RateWindowSeconds int
}

func DefaultConfig() Config {
	return Config{
		BufferSize:        1024,
		MaxRecentErrors:   32,
		RateWindowSeconds: 10,
	}
}

// Snapshot is the read side handed to the stats operation.
type Snapshot struct {
	EventsReceived   uint64            `json:"events_received"`
	EventsApplied    uint64            `json:"events_applied"`
	EventsDropped    uint64            `json:"events_dropped"`
	DroppedByReason  map[string]uint64 `json:"dropped_by_reason"`
	EventsPerSecond  float64           `json:"events_per_second"`
	QueriesServed    uint64            `json:"queries_served"`
	QueriesPerSecond float64           `json:"queries_per_second"`
	Feeds            map[string]bool   `json:"feeds"`
	RecentErrors     []string          `json:"recent_errors"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
}

// Reader is the snapshot side of the telemetry system.
type Reader interface {
	Snapshot() Snapshot
}

// Aggregator consumes telemetry events off a buffered channel and folds them
// into counters, rate windows and a recent-error ring.
type Aggregator struct {
	mu    sync.RWMutex
	clock Clock
	cfg   Config

	eventsReceived  uint64
	eventsApplied   uint64
	eventsDropped   uint64
	droppedByReason map[string]uint64
	queriesServed   uint64

	eventTimes []time.Time
	queryTimes []time.Time

	feeds map[string]bool

	recentErrors []string
	errorIndex   int

	eventCh   chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

func NewAggregator(clock Clock, cfg Config) *Aggregator {
	if clock == nil {
		clock = RealClock{}
	}
	return &Aggregator{
		clock:           clock,
		cfg:             cfg,
		droppedByReason: make(map[string]uint64),
		feeds:           make(map[string]bool),
		recentErrors:    make([]string, cfg.MaxRecentErrors),
		eventCh:         make(chan Event, cfg.BufferSize),
		done:            make(chan struct{}),
		startTime:       clock.Now(),
	}
}

func (a *Aggregator) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.process(ctx)
}

func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
}

// Publish implements Publisher. Non-blocking: drops when the buffer is full.
func (a *Aggregator) Publish(ev Event) {
	select {
	case a.eventCh <- ev:
	default:
	}
}

func (a *Aggregator) process(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case ev := <-a.eventCh:
			a.handle(ev)
		}
	}
}

func (a *Aggregator) handle(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	switch e := ev.(type) {
	case EventReceived:
		a.eventsReceived++
		a.eventTimes = trimWindow(append(a.eventTimes, now), now, a.cfg.RateWindowSeconds)
	case EventApplied:
		a.eventsApplied++
	case EventDropped:
		a.eventsDropped++
		a.droppedByReason[e.Reason]++
	case FeedStatusChanged:
		a.feeds[e.Feed] = e.Connected
	case IngestError:
		a.addRecentError(e.Where + ": " + e.Err.Error())
	case QueryServed:
		a.queriesServed++
		a.queryTimes = trimWindow(append(a.queryTimes, now), now, a.cfg.RateWindowSeconds)
	}
}

func (a *Aggregator) addRecentError(msg string) {
	if len(a.recentErrors) == 0 {
		return
	}
	a.recentErrors[a.errorIndex] = msg
	a.errorIndex = (a.errorIndex + 1) % len(a.recentErrors)
}

// Snapshot implements Reader.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.clock.Now()
	dropped := make(map[string]uint64, len(a.droppedByReason))
	for k, v := range a.droppedByReason {
		dropped[k] = v
	}
	feeds := make(map[string]bool, len(a.feeds))
	for k, v := range a.feeds {
		feeds[k] = v
	}

	recent := make([]string, 0, len(a.recentErrors))
	for i := 0; i < len(a.recentErrors); i++ {
		idx := (a.errorIndex - i - 1 + len(a.recentErrors)) % len(a.recentErrors)
		if a.recentErrors[idx] != "" {
			recent = append(recent, a.recentErrors[idx])
		}
	}

	return Snapshot{
		EventsReceived:   a.eventsReceived,
		EventsApplied:    a.eventsApplied,
		EventsDropped:    a.eventsDropped,
		DroppedByReason:  dropped,
		EventsPerSecond:  rate(a.eventTimes, now, a.cfg.RateWindowSeconds),
		QueriesServed:    a.queriesServed,
		QueriesPerSecond: rate(a.queryTimes, now, a.cfg.RateWindowSeconds),
		Feeds:            feeds,
		RecentErrors:     recent,
		UptimeSeconds:    now.Sub(a.startTime).Seconds(),
	}
}

func trimWindow(times []time.Time, now time.Time, windowSeconds int) []time.Time {
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	for len(times) > 0 && times[0].Before(cutoff) {
		times = times[1:]
	}
	return times
}

func rate(times []time.Time, now time.Time, windowSeconds int) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	count := 0
	for _, t := range times {
		if t.After(cutoff) {
			count++
		}
	}
	return float64(count) / float64(windowSeconds)
}
