package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mappingbitcoin/wot-oracle/pkg/graph"
)

// Load replays the mirror into store and returns the per-feed sync state.
// Stored node ids must be contiguous from zero; any inconsistency is a
// corruption error and the caller fails fast.
func (d *DB) Load(ctx context.Context, store *graph.Store) (map[string]int64, error) {
	if err := d.loadNodes(ctx, store); err != nil {
		return nil, err
	}
	if err := d.loadEdges(ctx, store); err != nil {
		return nil, err
	}
	store.FinishRestore()
	return d.loadSyncState(ctx)
}

func (d *DB) loadNodes(ctx context.Context, store *graph.Store) error {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT node_id, pubkey, last_event_id, last_event_time, updated_at
		 FROM nodes ORDER BY node_id`)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	next := uint32(0)
	for rows.Next() {
		var (
			storedID  uint32
			pubkey    string
			eventID   sql.NullString
			eventTime sql.NullInt64
			updatedAt sql.NullInt64
		)
		if err := rows.Scan(&storedID, &pubkey, &eventID, &eventTime, &updatedAt); err != nil {
			return fmt.Errorf("scan node: %w", err)
		}
		if storedID != next {
			return fmt.Errorf("corrupt mirror: node ids not contiguous at %d (expected %d)", storedID, next)
		}
		meta := graph.NodeMeta{
			EventID:   eventID.String,
			EventTime: eventTime.Int64,
			UpdatedAt: updatedAt.Int64,
		}
		id, err := store.RestoreNode(pubkey, meta, eventID.Valid)
		if err != nil {
			return fmt.Errorf("corrupt mirror: %w", err)
		}
		if id != storedID {
			return fmt.Errorf("corrupt mirror: node %d restored as %d", storedID, id)
		}
		next++
	}
	return rows.Err()
}

func (d *DB) loadEdges(ctx context.Context, store *graph.Store) error {
	rows, err := d.sql.QueryContext(ctx, `SELECT follower_id, followed_id FROM edges`)
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var follower, followed uint32
		if err := rows.Scan(&follower, &followed); err != nil {
			return fmt.Errorf("scan edge: %w", err)
		}
		if err := store.RestoreEdge(follower, followed); err != nil {
			return fmt.Errorf("corrupt mirror: %w", err)
		}
	}
	return rows.Err()
}

func (d *DB) loadSyncState(ctx context.Context) (map[string]int64, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT feed_url, last_event_time FROM sync_state`)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]int64)
	for rows.Next() {
		var url string
		var ts int64
		if err := rows.Scan(&url, &ts); err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		state[url] = ts
	}
	return state, rows.Err()
}
