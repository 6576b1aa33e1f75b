// Package ingest streams follow-list events from the configured feeds into
// the graph store and the persistence queue. Feed connections are independent
// and reconnect with jittered exponential backoff.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mappingbitcoin/wot-oracle/pkg/config"
	"github.com/mappingbitcoin/wot-oracle/pkg/dedup"
	"github.com/mappingbitcoin/wot-oracle/pkg/graph"
	"github.com/mappingbitcoin/wot-oracle/pkg/metrics"
	"github.com/mappingbitcoin/wot-oracle/pkg/relay"
	"github.com/mappingbitcoin/wot-oracle/pkg/storage"
	"github.com/mappingbitcoin/wot-oracle/pkg/telemetry"
)

// KindFollowList is the event kind carrying an author's complete follow set.
const KindFollowList = 3

func networkBackoff(cfg config.NetworkConfig) *relay.Backoff {
	return relay.NewBackoff(
		time.Duration(cfg.InitialBackoffSeconds)*time.Second,
		time.Duration(cfg.MaxBackoffSeconds)*time.Second,
		cfg.BackoffJitter,
	)
}

// Ingester owns one consumer goroutine per feed.
type Ingester struct {
	cfg     *config.Config
	store   *graph.Store
	dedup   *dedup.Cache
	writer  *storage.Writer
	telem   telemetry.Publisher
	log     *logrus.Logger
	connect relay.Connector

	// last_event_time per feed, loaded from sync_state at startup.
	resume map[string]int64
}

func New(cfg *config.Config, store *graph.Store, dd *dedup.Cache, writer *storage.Writer,
	telem telemetry.Publisher, resume map[string]int64, log *logrus.Logger) *Ingester {
	return &Ingester{
		cfg:     cfg,
		store:   store,
		dedup:   dd,
		writer:  writer,
		telem:   telem,
		log:     log,
		connect: relay.Connect,
		resume:  resume,
	}
}

// SetConnector overrides the relay dialer; used by tests.
func (ing *Ingester) SetConnector(c relay.Connector) {
	ing.connect = c
}

// Run consumes all feeds until ctx is cancelled.
func (ing *Ingester) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, url := range ing.cfg.Feeds {
		url := url
		g.Go(func() error { return ing.feedLoop(ctx, url) })
	}
	return g.Wait()
}

// feedLoop connects, consumes until failure, and reconnects forever.
func (ing *Ingester) feedLoop(ctx context.Context, url string) error {
	b := networkBackoff(ing.cfg.Network)
	since := ing.resume[url]

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rl, err := ing.connect(ctx, url)
		if err != nil {
			ing.log.WithError(err).WithField("feed", url).Warn("feed connect failed")
			ing.telem.Publish(telemetry.IngestError{Err: err, Where: "connect " + url})
			if err := b.Sleep(ctx); err != nil {
				return err
			}
			continue
		}
		ing.telem.Publish(telemetry.FeedStatusChanged{Feed: url, Connected: true})
		ing.log.WithField("feed", url).Info("feed connected")
		b.Reset()

		err = ing.consume(ctx, url, rl, &since)
		rl.Close()
		ing.telem.Publish(telemetry.FeedStatusChanged{Feed: url, Connected: false})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			ing.log.WithError(err).WithField("feed", url).Warn("feed disconnected, reconnecting")
			ing.telem.Publish(telemetry.IngestError{Err: err, Where: "consume " + url})
		}
		if err := b.Sleep(ctx); err != nil {
			return err
		}
	}
}

func (ing *Ingester) consume(ctx context.Context, url string, rl relay.Relay, since *int64) error {
	filter := nostr.Filter{Kinds: []int{KindFollowList}}
	if *since > 0 {
		ts := nostr.Timestamp(*since)
		filter.Since = &ts
	}

	sub, err := rl.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer safeUnsub(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-sub.ClosedReason:
			return fmt.Errorf("subscription closed by relay: %s", reason)
		case <-sub.EndOfStoredEvents:
			// Stored backlog done; keep streaming live events.
			continue
		case ev, ok := <-sub.Events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			if ev == nil {
				continue
			}
			ing.handleEvent(ctx, url, ev, since)
		}
	}
}

// handleEvent runs the per-event pipeline: dedup probe, signature check,
// parse, intern+resolve, apply, enqueue persistence.
func (ing *Ingester) handleEvent(ctx context.Context, url string, ev *nostr.Event, since *int64) {
	ing.telem.Publish(telemetry.EventReceived{Feed: url})
	createdAt := int64(ev.CreatedAt)

	author, err := graph.DecodePubkey(strings.ToLower(ev.PubKey))
	if err != nil {
		ing.drop(telemetry.DropMalformed)
		return
	}

	if ing.dedup.ShouldDrop(author, ev.ID, createdAt) {
		ing.drop(telemetry.DropDuplicate)
		return
	}

	if ok, err := ev.CheckSignature(); !ok {
		ing.log.WithError(err).WithField("event", ev.ID).Debug("invalid signature")
		ing.drop(telemetry.DropInvalidSignature)
		return
	}

	targets, err := parseFollowTargets(ev)
	if err != nil {
		ing.drop(telemetry.DropMalformed)
		return
	}

	authorID := ing.resolve(ctx, strings.ToLower(ev.PubKey))
	targetIDs := make([]uint32, 0, len(targets))
	for _, t := range targets {
		targetIDs = append(targetIDs, ing.resolve(ctx, t))
	}

	summary := ing.store.UpdateFollows(authorID, targetIDs, ev.ID, createdAt)
	if summary.Unchanged {
		ing.drop(telemetry.DropStale)
	} else {
		ing.enqueue(ctx, storage.FollowsChanged{
			FollowerID: authorID,
			EventID:    ev.ID,
			CreatedAt:  createdAt,
			Follows:    ing.store.FollowsOf(authorID),
		})
		ing.telem.Publish(telemetry.EventApplied{Added: summary.Added, Removed: summary.Removed})
		metrics.EventsProcessedTotal.Inc()
	}

	if createdAt > *since {
		*since = createdAt
		ing.enqueue(ctx, storage.Checkpoint{FeedURL: url, LastEventTime: createdAt})
	}
	metrics.PersistQueueDepth.Set(float64(ing.writer.QueueDepth()))
}

// resolve interns pk into the store, mirroring a creation when one happened.
func (ing *Ingester) resolve(ctx context.Context, pk string) uint32 {
	id, created := ing.store.GetOrCreateID(pk)
	if created {
		ing.enqueue(ctx, storage.NodeCreated{ID: id, Pubkey: pk})
	}
	return id
}

func (ing *Ingester) enqueue(ctx context.Context, rec storage.Record) {
	if err := ing.writer.Enqueue(ctx, rec); err != nil {
		ing.telem.Publish(telemetry.IngestError{Err: err, Where: "persist enqueue"})
	}
}

func (ing *Ingester) drop(reason string) {
	ing.telem.Publish(telemetry.EventDropped{Reason: reason})
	metrics.EventsDroppedTotal.WithLabelValues(reason).Inc()
}

func safeUnsub(sub *nostr.Subscription) {
	defer func() { _ = recover() }()
	sub.Unsub()
}

// parseFollowTargets extracts the followed pubkeys from an event's p tags.
// A single malformed target rejects the whole event.
func parseFollowTargets(ev *nostr.Event) ([]string, error) {
	var targets []string
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		t := strings.ToLower(tag[1])
		if !graph.ValidPubkey(t) {
			return nil, fmt.Errorf("malformed follow target %q", tag[1])
		}
		targets = append(targets, t)
	}
	return targets, nil
}
