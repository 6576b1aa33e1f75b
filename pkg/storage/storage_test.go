package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mappingbitcoin/wot-oracle/pkg/graph"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "mirror.db"), newTestLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func pk(i int) string {
	return fmt.Sprintf("%064x", i)
}

func TestCommitAndLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, 64, 10, time.Second, newTestLogger())

	batch := []Record{
		NodeCreated{ID: 0, Pubkey: pk(0)},
		NodeCreated{ID: 1, Pubkey: pk(1)},
		NodeCreated{ID: 2, Pubkey: pk(2)},
		FollowsChanged{FollowerID: 0, EventID: "ev1", CreatedAt: 100, Follows: []uint32{1, 2}},
		FollowsChanged{FollowerID: 1, EventID: "ev2", CreatedAt: 200, Follows: []uint32{0}},
		Checkpoint{FeedURL: "wss://feed.example", LastEventTime: 200},
	}
	if err := w.commit(batch); err != nil {
		t.Fatalf("commit: %v", err)
	}

	store := graph.NewStore()
	resume, err := db.Load(context.Background(), store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if store.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d", store.NodeCount())
	}
	if got := store.FollowsOf(0); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected follows of 0 = [1 2], got %v", got)
	}
	if got := store.FollowersOf(0); len(got) != 1 || got[0] != 1 {
		t.Errorf("expected followers of 0 = [1], got %v", got)
	}
	if store.PubkeyOf(2) != pk(2) {
		t.Errorf("pubkey mapping lost: %s", store.PubkeyOf(2))
	}
	meta, ok := store.Meta(0)
	if !ok || meta.EventID != "ev1" || meta.EventTime != 100 {
		t.Errorf("metadata lost: %+v ok=%v", meta, ok)
	}
	if _, ok := store.Meta(2); ok {
		t.Error("node 2 has no follow event, expected no metadata")
	}
	if resume["wss://feed.example"] != 200 {
		t.Errorf("sync state lost: %v", resume)
	}
}

func TestFollowChangeRewritesEdgeSet(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, 64, 10, time.Second, newTestLogger())

	if err := w.commit([]Record{
		NodeCreated{ID: 0, Pubkey: pk(0)},
		NodeCreated{ID: 1, Pubkey: pk(1)},
		NodeCreated{ID: 2, Pubkey: pk(2)},
		FollowsChanged{FollowerID: 0, EventID: "ev1", CreatedAt: 100, Follows: []uint32{1}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.commit([]Record{
		FollowsChanged{FollowerID: 0, EventID: "ev2", CreatedAt: 200, Follows: []uint32{2}},
	}); err != nil {
		t.Fatal(err)
	}

	store := graph.NewStore()
	if _, err := db.Load(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	if got := store.FollowsOf(0); len(got) != 1 || got[0] != 2 {
		t.Errorf("expected follows [2] after rewrite, got %v", got)
	}
	meta, _ := store.Meta(0)
	if meta.EventID != "ev2" || meta.EventTime != 200 {
		t.Errorf("metadata not advanced: %+v", meta)
	}
}

func TestWriterDrainsOnShutdown(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, 64, 10, time.Second, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		if err := w.Enqueue(ctx, NodeCreated{ID: uint32(i), Pubkey: pk(i)}); err != nil {
			t.Fatal(err)
		}
	}
	// Let the writer pick the records up, then shut down.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}

	store := graph.NewStore()
	if _, err := db.Load(context.Background(), store); err != nil {
		t.Fatal(err)
	}
	if store.NodeCount() != 5 {
		t.Errorf("expected 5 nodes after drain, got %d", store.NodeCount())
	}
}

func TestLoadRejectsNonContiguousIDs(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.sql.Exec(
		`INSERT INTO nodes (node_id, pubkey) VALUES (0, ?), (2, ?)`, pk(0), pk(2)); err != nil {
		t.Fatal(err)
	}
	store := graph.NewStore()
	if _, err := db.Load(context.Background(), store); err == nil {
		t.Error("expected load to fail fast on id gap")
	}
}

func TestCheckpointUpserts(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, 64, 10, time.Second, newTestLogger())

	for _, ts := range []int64{100, 300} {
		if err := w.commit([]Record{Checkpoint{FeedURL: "wss://feed.example", LastEventTime: ts}}); err != nil {
			t.Fatal(err)
		}
	}
	resume, err := db.loadSyncState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if resume["wss://feed.example"] != 300 {
		t.Errorf("expected checkpoint 300, got %v", resume)
	}
}
