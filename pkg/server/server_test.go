package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mappingbitcoin/wot-oracle/pkg/bfs"
	"github.com/mappingbitcoin/wot-oracle/pkg/cache"
	"github.com/mappingbitcoin/wot-oracle/pkg/graph"
	"github.com/mappingbitcoin/wot-oracle/pkg/oracle"
	"github.com/mappingbitcoin/wot-oracle/pkg/telemetry"
)

func pk(i int) string {
	return fmt.Sprintf("%064x", i)
}

func newTestServer(t *testing.T) (*httptest.Server, *graph.Store) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := graph.NewStore()
	pool := bfs.NewPool(2, log)
	t.Cleanup(pool.Close)
	svc := oracle.New(store, cache.New[oracle.DistanceResult](1000, time.Minute),
		pool, telemetry.NoopPublisher{}, nil, 3, 5, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := New(ctx, svc, 0, 10000, log)

	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return ts, store
}

func follow(store *graph.Store, ts int64, from int, targets ...int) {
	fromID, _ := store.GetOrCreateID(pk(from))
	ids := make([]uint32, len(targets))
	for i, tgt := range targets {
		ids[i], _ = store.GetOrCreateID(pk(tgt))
	}
	store.UpdateFollows(fromID, ids, fmt.Sprintf("ev%d", ts), ts)
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	return resp, decoded
}

func TestDistanceEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	follow(store, 1, 0, 1)
	follow(store, 2, 1, 2)

	resp, body := postJSON(t, ts.URL+"/api/v1/distance", map[string]any{
		"from": pk(0), "to": pk(2), "include_bridges": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if hops, ok := body["hops"].(float64); !ok || hops != 2 {
		t.Errorf("expected hops 2, got %v", body["hops"])
	}
	if count, _ := body["path_count"].(float64); count != 1 {
		t.Errorf("expected path_count 1, got %v", body["path_count"])
	}
}

func TestDistanceUnreachableIsNotAnError(t *testing.T) {
	ts, store := newTestServer(t)
	follow(store, 1, 0, 1)
	follow(store, 2, 2, 0)

	resp, body := postJSON(t, ts.URL+"/api/v1/distance", map[string]any{
		"from": pk(1), "to": pk(2),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["hops"] != nil {
		t.Errorf("expected hops null, got %v", body["hops"])
	}
	if count, _ := body["path_count"].(float64); count != 0 {
		t.Errorf("expected path_count 0, got %v", body["path_count"])
	}
}

func TestDistanceValidationError(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := postJSON(t, ts.URL+"/api/v1/distance", map[string]any{
		"from": "garbage", "to": pk(2),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body["code"] != "invalid_pubkey" {
		t.Errorf("expected code invalid_pubkey, got %v", body["code"])
	}
}

func TestBatchTooManyTargets(t *testing.T) {
	ts, _ := newTestServer(t)
	targets := make([]string, oracle.MaxBatchTargets+1)
	for i := range targets {
		targets[i] = pk(i)
	}
	resp, body := postJSON(t, ts.URL+"/api/v1/distance/batch", map[string]any{
		"from": pk(0), "targets": targets,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body["code"] != "too_many_targets" {
		t.Errorf("expected code too_many_targets, got %v", body["code"])
	}
}

func TestBodyTooLarge(t *testing.T) {
	ts, _ := newTestServer(t)
	huge := strings.Repeat("a", maxBodySize+1)
	resp, err := http.Post(ts.URL+"/api/v1/distance", "application/json",
		strings.NewReader(`{"from":"`+huge+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func TestFollowsEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	follow(store, 1, 0, 1, 2)

	resp, err := http.Get(ts.URL + "/api/v1/follows/" + pk(0))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Follows []string `json:"follows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Follows) != 2 {
		t.Errorf("expected 2 follows, got %v", body.Follows)
	}
}

func TestStatsAndHealth(t *testing.T) {
	ts, store := newTestServer(t)
	follow(store, 1, 0, 1)

	for _, path := range []string{"/healthz", "/api/v1/stats", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2)

	h := rl.Handler()
	allowed := 0
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		c, _ := ginTestContext(w)
		h(c)
		if w.Code != http.StatusTooManyRequests {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected 2 allowed requests, got %d", allowed)
	}
}
