// Package storage maintains the durable SQLite mirror of the graph: nodes,
// edges and per-feed sync state, written by a single batching writer and
// replayed in full at cold start.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    node_id         INTEGER PRIMARY KEY,
    pubkey          TEXT NOT NULL UNIQUE,
    last_event_id   TEXT,
    last_event_time INTEGER,
    updated_at      INTEGER
);

CREATE TABLE IF NOT EXISTS edges (
    follower_id INTEGER NOT NULL,
    followed_id INTEGER NOT NULL,
    PRIMARY KEY (follower_id, followed_id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_edges_followed ON edges(followed_id);

CREATE TABLE IF NOT EXISTS sync_state (
    feed_url        TEXT PRIMARY KEY,
    last_event_time INTEGER NOT NULL,
    last_sync_at    INTEGER NOT NULL
);
`

// DB wraps the SQLite handle used by the writer and the cold-start loader.
type DB struct {
	sql *sql.DB
	log *logrus.Logger
}

// Open opens (creating if needed) the mirror database at path, switches it to
// WAL mode and ensures the schema.
func Open(ctx context.Context, path string, log *logrus.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database %s: %w", path, err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &DB{sql: db, log: log}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}
