package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Record is one unit of work for the mirror writer. Records for a single
// author are applied in queue order, so a NodeCreated always lands before the
// FollowsChanged that references it.
type Record interface{ isRecord() }

// NodeCreated mirrors a freshly assigned node id.
type NodeCreated struct {
	ID     uint32
	Pubkey string
}

// FollowsChanged mirrors an accepted follow-set replacement.
type FollowsChanged struct {
	FollowerID uint32
	EventID    string
	CreatedAt  int64
	Follows    []uint32
}

// Checkpoint records ingest progress for one feed.
type Checkpoint struct {
	FeedURL       string
	LastEventTime int64
}

func (NodeCreated) isRecord()    {}
func (FollowsChanged) isRecord() {}
func (Checkpoint) isRecord()     {}

// Writer drains the change queue into SQLite in batched transactions. The
// queue applies backpressure: Enqueue blocks when full rather than dropping a
// change. Commit failures are retried with capped backoff.
type Writer struct {
	db        *DB
	log       *logrus.Logger
	queue     chan Record
	batchSize int
	grace     time.Duration
}

func NewWriter(db *DB, queueCap, batchSize int, grace time.Duration, log *logrus.Logger) *Writer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Writer{
		db:        db,
		log:       log,
		queue:     make(chan Record, queueCap),
		batchSize: batchSize,
		grace:     grace,
	}
}

// Enqueue hands a record to the writer, blocking while the queue is
// saturated so the producing task yields instead of dropping the change.
func (w *Writer) Enqueue(ctx context.Context, rec Record) error {
	select {
	case w.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the number of records awaiting commit.
func (w *Writer) QueueDepth() int {
	return len(w.queue)
}

// Run drains the queue until ctx is cancelled, then flushes what remains
// within the configured grace period.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case rec := <-w.queue:
			batch := w.collect(rec)
			if err := w.commitWithRetry(ctx, batch); err != nil {
				return w.drain()
			}
		}
	}
}

// collect gathers up to batchSize records without blocking.
func (w *Writer) collect(first Record) []Record {
	batch := append(make([]Record, 0, w.batchSize), first)
	for len(batch) < w.batchSize {
		select {
		case rec := <-w.queue:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) commitWithRetry(ctx context.Context, batch []Record) error {
	backoff := time.Second
	for {
		err := w.commit(batch)
		if err == nil {
			return nil
		}
		w.log.WithError(err).WithField("batch", len(batch)).Warn("mirror commit failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// Last chance before shutdown drain.
			if err := w.commit(batch); err != nil {
				w.log.WithError(err).Error("mirror batch lost at shutdown")
			}
			return ctx.Err()
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// drain flushes the remaining queue, best effort, within the grace period.
func (w *Writer) drain() error {
	deadline := time.Now().Add(w.grace)
	for {
		select {
		case rec := <-w.queue:
			batch := w.collect(rec)
			if time.Now().After(deadline) {
				w.log.WithField("remaining", len(w.queue)+len(batch)).Warn("drain grace period exceeded")
				return nil
			}
			if err := w.commit(batch); err != nil {
				w.log.WithError(err).Error("mirror commit failed during drain")
				return err
			}
		default:
			return nil
		}
	}
}

// commit applies one batch atomically. For a follow change the follower's
// complete edge set is rewritten (delete-where-follower + insert), so the
// stored state is always internally consistent.
func (w *Writer) commit(batch []Record) error {
	tx, err := w.db.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, rec := range batch {
		switch r := rec.(type) {
		case NodeCreated:
			if _, err := tx.Exec(
				`INSERT INTO nodes (node_id, pubkey) VALUES (?, ?)
				 ON CONFLICT(node_id) DO NOTHING`,
				r.ID, r.Pubkey,
			); err != nil {
				return fmt.Errorf("insert node %d: %w", r.ID, err)
			}
		case FollowsChanged:
			if _, err := tx.Exec(
				`UPDATE nodes SET last_event_id = ?, last_event_time = ?, updated_at = ?
				 WHERE node_id = ?`,
				r.EventID, r.CreatedAt, now, r.FollowerID,
			); err != nil {
				return fmt.Errorf("update node %d: %w", r.FollowerID, err)
			}
			if _, err := tx.Exec(`DELETE FROM edges WHERE follower_id = ?`, r.FollowerID); err != nil {
				return fmt.Errorf("clear edges of %d: %w", r.FollowerID, err)
			}
			for _, followed := range r.Follows {
				if _, err := tx.Exec(
					`INSERT INTO edges (follower_id, followed_id) VALUES (?, ?)`,
					r.FollowerID, followed,
				); err != nil {
					return fmt.Errorf("insert edge (%d,%d): %w", r.FollowerID, followed, err)
				}
			}
		case Checkpoint:
			if _, err := tx.Exec(
				`INSERT INTO sync_state (feed_url, last_event_time, last_sync_at) VALUES (?, ?, ?)
				 ON CONFLICT(feed_url) DO UPDATE SET
				     last_event_time = excluded.last_event_time,
				     last_sync_at = excluded.last_sync_at`,
				r.FeedURL, r.LastEventTime, now,
			); err != nil {
				return fmt.Errorf("checkpoint %s: %w", r.FeedURL, err)
			}
		}
	}
	return tx.Commit()
}
