// Package oracle is the query surface over the graph core: validation, cache
// orchestration, worker-pool dispatch and result assembly. Transports call
// it; it never blocks an I/O goroutine on graph traversal.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mappingbitcoin/wot-oracle/pkg/bfs"
	"github.com/mappingbitcoin/wot-oracle/pkg/cache"
	"github.com/mappingbitcoin/wot-oracle/pkg/graph"
	"github.com/mappingbitcoin/wot-oracle/pkg/metrics"
	"github.com/mappingbitcoin/wot-oracle/pkg/telemetry"
)

// MaxBatchTargets caps batch_distance fan-out.
const MaxBatchTargets = 100

type Service struct {
	store          *graph.Store
	cache          *cache.Cache[DistanceResult]
	pool           *bfs.Pool
	telem          telemetry.Publisher
	ingest         telemetry.Reader
	log            *logrus.Logger
	maxHopsDefault int
	maxHopsCeiling int
}

func New(store *graph.Store, c *cache.Cache[DistanceResult], pool *bfs.Pool,
	telem telemetry.Publisher, ingest telemetry.Reader,
	maxHopsDefault, maxHopsCeiling int, log *logrus.Logger) *Service {
	return &Service{
		store:          store,
		cache:          c,
		pool:           pool,
		telem:          telem,
		ingest:         ingest,
		log:            log,
		maxHopsDefault: maxHopsDefault,
		maxHopsCeiling: maxHopsCeiling,
	}
}

// DistanceRequest is one distance question. MaxHops zero selects the
// configured default; values above the ceiling are clamped.
type DistanceRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	MaxHops        int    `json:"max_hops"`
	IncludeBridges bool   `json:"include_bridges"`
	BypassCache    bool   `json:"bypass_cache"`
}

// DistanceResult is the distance payload. Hops is nil when To is
// unreachable from From within the hop bound.
type DistanceResult struct {
	From               string   `json:"from"`
	To                 string   `json:"to"`
	Hops               *int     `json:"hops"`
	PathCount          uint32   `json:"path_count"`
	PathCountSaturated bool     `json:"path_count_saturated,omitempty"`
	MutualFollow       bool     `json:"mutual_follow"`
	Bridges            []string `json:"bridges,omitempty"`
}

// BatchDistanceResult groups the per-target results of one batch call.
type BatchDistanceResult struct {
	From    string           `json:"from"`
	Results []DistanceResult `json:"results"`
}

// StatsResult is the stats payload.
type StatsResult struct {
	NodeCount        int                 `json:"node_count"`
	EdgeCount        uint64              `json:"edge_count"`
	NodesWithFollows int                 `json:"nodes_with_follows"`
	Epoch            uint64              `json:"epoch"`
	Cache            cache.Stats         `json:"cache"`
	Locks            graph.LockStats     `json:"locks"`
	Ingest           *telemetry.Snapshot `json:"ingest,omitempty"`
}

func (s *Service) clampMaxHops(requested int) (int, error) {
	if requested < 0 {
		return 0, ErrInvalidMaxHops
	}
	if requested == 0 {
		return s.maxHopsDefault, nil
	}
	if requested > s.maxHopsCeiling {
		return s.maxHopsCeiling, nil
	}
	return requested, nil
}

// Distance answers one pairwise query, serving from the result cache when the
// entry is fresh for the current epoch.
func (s *Service) Distance(ctx context.Context, req DistanceRequest) (DistanceResult, error) {
	if !graph.ValidPubkey(req.From) || !graph.ValidPubkey(req.To) {
		return DistanceResult{}, ErrInvalidPubkey
	}
	maxHops, err := s.clampMaxHops(req.MaxHops)
	if err != nil {
		return DistanceResult{}, err
	}

	out := DistanceResult{From: req.From, To: req.To}
	fromID, okFrom := s.store.LookupID(req.From)
	toID, okTo := s.store.LookupID(req.To)
	if !okFrom || !okTo {
		s.served("distance", false)
		return out, nil
	}

	key := cache.Key{From: fromID, To: toID, MaxHops: maxHops, IncludeBridges: req.IncludeBridges}
	if !req.BypassCache {
		if cached, ok := s.cache.Get(key, s.store.Epoch()); ok {
			metrics.CacheHitsTotal.Inc()
			s.served("distance", true)
			return cached, nil
		}
		metrics.CacheMissesTotal.Inc()
	}

	res, epoch, err := s.search(ctx, bfs.Query{
		From:           fromID,
		To:             toID,
		MaxHops:        maxHops,
		IncludeBridges: req.IncludeBridges,
	})
	if err != nil {
		return DistanceResult{}, err
	}

	out.MutualFollow = res.Mutual
	if res.Found {
		hops := res.Hops
		out.Hops = &hops
		out.PathCount = res.PathCount
		out.PathCountSaturated = res.Saturated
		if req.IncludeBridges {
			out.Bridges = s.store.PubkeysOf(res.Bridges)
		}
	}

	if !req.BypassCache {
		s.cache.Put(key, out, epoch)
	}
	s.served("distance", false)
	return out, nil
}

// search dispatches one engine run to the worker pool under a single read
// view of the store, returning the epoch the result was computed against.
func (s *Service) search(ctx context.Context, q bfs.Query) (bfs.Result, uint64, error) {
	var (
		res   bfs.Result
		epoch uint64
	)
	err := s.pool.Submit(ctx, func(e *bfs.Engine) error {
		var runErr error
		s.store.Read(func(v graph.View) {
			epoch = v.Epoch()
			res, runErr = e.Run(ctx, v, q)
		})
		return runErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, epoch, err
		}
		s.log.WithError(err).Error("search failed")
		return res, epoch, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return res, epoch, nil
}

// BatchDistance answers Distance for each target against a shared from.
func (s *Service) BatchDistance(ctx context.Context, from string, targets []string,
	maxHops int, includeBridges, bypassCache bool) (BatchDistanceResult, error) {
	if !graph.ValidPubkey(from) {
		return BatchDistanceResult{}, ErrInvalidPubkey
	}
	if len(targets) > MaxBatchTargets {
		return BatchDistanceResult{}, ErrTooManyTargets
	}
	for _, t := range targets {
		if !graph.ValidPubkey(t) {
			return BatchDistanceResult{}, ErrInvalidPubkey
		}
	}

	out := BatchDistanceResult{From: from, Results: make([]DistanceResult, 0, len(targets))}
	for _, t := range targets {
		res, err := s.Distance(ctx, DistanceRequest{
			From:           from,
			To:             t,
			MaxHops:        maxHops,
			IncludeBridges: includeBridges,
			BypassCache:    bypassCache,
		})
		if err != nil {
			return BatchDistanceResult{}, err
		}
		out.Results = append(out.Results, res)
	}
	s.served("batch_distance", false)
	return out, nil
}

// FollowsOf returns pubkey's outgoing follow set.
func (s *Service) FollowsOf(pubkey string) ([]string, error) {
	if !graph.ValidPubkey(pubkey) {
		return nil, ErrInvalidPubkey
	}
	id, ok := s.store.LookupID(pubkey)
	if !ok {
		return []string{}, nil
	}
	s.served("follows_of", false)
	return s.store.PubkeysOf(s.store.FollowsOf(id)), nil
}

// CommonFollows intersects the follow sets of two identities.
func (s *Service) CommonFollows(from, to string) ([]string, error) {
	if !graph.ValidPubkey(from) || !graph.ValidPubkey(to) {
		return nil, ErrInvalidPubkey
	}
	fromID, okFrom := s.store.LookupID(from)
	toID, okTo := s.store.LookupID(to)
	if !okFrom || !okTo {
		return []string{}, nil
	}

	a := s.store.FollowsOf(fromID)
	b := s.store.FollowsOf(toID)
	common := make([]uint32, 0, min(len(a), len(b)))
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			common = append(common, a[i])
			i++
			j++
		}
	}
	s.served("common_follows", false)
	return s.store.PubkeysOf(common), nil
}

// ShortestPath returns one concrete shortest path from from to to, bounded by
// the configured hop ceiling. Empty when unreachable.
func (s *Service) ShortestPath(ctx context.Context, from, to string) ([]string, error) {
	if !graph.ValidPubkey(from) || !graph.ValidPubkey(to) {
		return nil, ErrInvalidPubkey
	}
	fromID, okFrom := s.store.LookupID(from)
	toID, okTo := s.store.LookupID(to)
	if !okFrom || !okTo {
		return []string{}, nil
	}

	res, _, err := s.search(ctx, bfs.Query{
		From:       fromID,
		To:         toID,
		MaxHops:    s.maxHopsCeiling,
		RecordPath: true,
	})
	if err != nil {
		return nil, err
	}
	s.served("shortest_path", false)
	if !res.Found {
		return []string{}, nil
	}
	return s.store.PubkeysOf(res.Path), nil
}

// Stats snapshots the store, the result cache and ingest telemetry.
func (s *Service) Stats() StatsResult {
	st := s.store.Stats()
	metrics.NodeCount.Set(float64(st.NodeCount))
	metrics.EdgeCount.Set(float64(st.EdgeCount))

	out := StatsResult{
		NodeCount:        st.NodeCount,
		EdgeCount:        st.EdgeCount,
		NodesWithFollows: st.NodesWithFollows,
		Epoch:            st.Epoch,
		Cache:            s.cache.Stats(),
		Locks:            st.Locks,
	}
	if s.ingest != nil {
		snap := s.ingest.Snapshot()
		out.Ingest = &snap
	}
	return out
}

func (s *Service) served(op string, cacheHit bool) {
	metrics.QueriesTotal.WithLabelValues(op).Inc()
	s.telem.Publish(telemetry.QueryServed{Op: op, CacheHit: cacheHit})
}
