package bfs

import (
	"context"
	"math"
	"sort"
)

// Graph is the read view the engine traverses. Implementations guarantee the
// adjacency slices are ascending and stable for the duration of a Run call.
type Graph interface {
	NodeCount() int
	Follows(id uint32) []uint32
	Followers(id uint32) []uint32
	HasEdge(from, to uint32) bool
}

// MaxPathCount is the saturation ceiling for shortest-path counting.
const MaxPathCount = math.MaxUint32

// Query is one shortest-path question against the graph.
type Query struct {
	From, To       uint32
	MaxHops        int
	IncludeBridges bool
	RecordPath     bool
}

// Result of a Run. Found is false when To is unreachable from From within
// MaxHops; PathCount is then zero.
type Result struct {
	Found     bool
	Hops      int
	PathCount uint32
	Saturated bool
	Mutual    bool
	Bridges   []uint32
	Path      []uint32
}

// side holds the per-direction search state: BFS layer of first discovery,
// number of shortest paths from the side's root, and one parent per
// discovery for path reconstruction.
type side struct {
	depth  map[uint32]int32
	count  map[uint32]uint32
	parent map[uint32]uint32
	cur    []uint32
	next   []uint32
	d      int32
}

func newSide() side {
	return side{
		depth:  make(map[uint32]int32),
		count:  make(map[uint32]uint32),
		parent: make(map[uint32]uint32),
	}
}

func (s *side) reset(root uint32) {
	clear(s.depth)
	clear(s.count)
	clear(s.parent)
	s.cur = append(s.cur[:0], root)
	s.next = s.next[:0]
	s.d = 0
	s.depth[root] = 0
	s.count[root] = 1
}

// Engine runs bidirectional BFS with shortest-path counting. Scratch state is
// cleared between queries, not reallocated, so each worker owns one Engine.
type Engine struct {
	fwd side
	bwd side

	// meeting accumulates every node discovered by both sides, in discovery
	// order; best is the minimum combined depth seen so far (-1 while none).
	meeting []uint32
	best    int32
}

func NewEngine() *Engine {
	return &Engine{fwd: newSide(), bwd: newSide()}
}

// Run answers q against g. It returns ctx.Err() if the deadline expires
// between layer expansions; the partial result is then meaningless.
func (e *Engine) Run(ctx context.Context, g Graph, q Query) (Result, error) {
	var res Result

	n := g.NodeCount()
	if int(q.From) >= n || int(q.To) >= n {
		return res, nil
	}
	res.Mutual = g.HasEdge(q.From, q.To) && g.HasEdge(q.To, q.From)

	if q.From == q.To {
		res.Found = true
		res.Hops = 0
		res.PathCount = 1
		res.Mutual = g.HasEdge(q.From, q.From)
		if q.RecordPath {
			res.Path = []uint32{q.From}
		}
		return res, nil
	}
	if g.HasEdge(q.From, q.To) {
		res.Found = true
		res.Hops = 1
		res.PathCount = 1
		if q.RecordPath {
			res.Path = []uint32{q.From, q.To}
		}
		return res, nil
	}
	if q.MaxHops <= 0 {
		return res, nil
	}

	e.fwd.reset(q.From)
	e.bwd.reset(q.To)
	e.meeting = e.meeting[:0]
	e.best = -1
	maxHops := int32(q.MaxHops)

	// The two frontiers advance at independent rates, so a node can be
	// discovered by one side many layers after the other side recorded it.
	// Every doubly-discovered node is therefore kept as a meeting candidate
	// with its recorded depths, and best tracks the minimum combined depth.
	//
	// While both frontiers are live, any path not yet witnessed by a
	// candidate is longer than fwd.d+bwd.d; once one side drains, its depth
	// map is complete and the live side keeps searching against it until no
	// candidate below best (or within the hop bound) can still appear.
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		liveF := len(e.fwd.cur) > 0
		liveB := len(e.bwd.cur) > 0
		if !liveF && !liveB {
			break
		}

		var floor int32
		switch {
		case liveF && liveB:
			floor = e.fwd.d + e.bwd.d + 1
		case liveF:
			floor = e.fwd.d + 1
		default:
			floor = e.bwd.d + 1
		}
		if e.best >= 0 && floor >= e.best {
			break
		}
		if floor > maxHops {
			break
		}

		// Advance the smaller live frontier.
		if liveF && (!liveB || len(e.fwd.cur) <= len(e.bwd.cur)) {
			e.expand(&e.fwd, &e.bwd, g.Follows)
		} else {
			e.expand(&e.bwd, &e.fwd, g.Followers)
		}
	}

	if e.best < 0 || e.best > maxHops {
		return res, nil
	}
	return e.finish(g, q, res), nil
}

// expand advances s by one layer over neighbors. Every newly reached node the
// opposite side has ever recorded joins the meeting candidates, no matter how
// long ago the opposite side passed through it.
func (e *Engine) expand(s, o *side, neighbors func(uint32) []uint32) {
	s.next = s.next[:0]
	d := s.d + 1

	for _, u := range s.cur {
		cu := s.count[u]
		for _, w := range neighbors(u) {
			if dw, seen := s.depth[w]; seen {
				if dw == d {
					s.count[w] = satAdd(s.count[w], cu)
				}
				continue
			}
			s.depth[w] = d
			s.count[w] = cu
			s.parent[w] = u
			s.next = append(s.next, w)

			if dw, ok := o.depth[w]; ok {
				e.meeting = append(e.meeting, w)
				if combined := d + dw; e.best < 0 || combined < e.best {
					e.best = combined
				}
			}
		}
	}

	s.d = d
	s.cur, s.next = s.next, s.cur
}

// finish assembles the result once best is known. Counting and bridge
// collection use one interior cut layer: every shortest path crosses the cut
// in exactly one node, so count products sum without double counting, and cut
// nodes can never be the endpoints. Both sides must have completed at least
// one layer for an interior cut to exist; a side that found best without
// expanding is advanced once here.
func (e *Engine) finish(g Graph, q Query, res Result) Result {
	best := e.best
	res.Found = true
	res.Hops = int(best)

	if e.fwd.d == 0 {
		e.expand(&e.fwd, &e.bwd, g.Follows)
	}
	if e.bwd.d == 0 {
		e.expand(&e.bwd, &e.fwd, g.Followers)
	}

	cutF := e.fwd.d
	if cutF > best-1 {
		cutF = best - 1
	}
	cutB := best - cutF

	cut := make([]uint32, 0, len(e.meeting))
	for _, m := range e.meeting {
		if e.fwd.depth[m] == cutF && e.bwd.depth[m] == cutB {
			cut = append(cut, m)
		}
	}
	sort.Slice(cut, func(i, j int) bool { return cut[i] < cut[j] })

	var total uint32
	for _, m := range cut {
		total = satAdd(total, satMul(e.fwd.count[m], e.bwd.count[m]))
	}
	res.PathCount = total
	res.Saturated = total == MaxPathCount

	if q.IncludeBridges {
		res.Bridges = append([]uint32(nil), cut...)
	}
	if q.RecordPath {
		res.Path = e.reconstruct(q, cut[0])
	}
	return res
}

// reconstruct walks the recorded parents from a cut node out to both
// endpoints, yielding one concrete shortest path from From to To.
func (e *Engine) reconstruct(q Query, m uint32) []uint32 {
	path := make([]uint32, 0, int(e.fwd.d+e.bwd.d)+1)
	for v := m; ; {
		path = append(path, v)
		if v == q.From {
			break
		}
		v = e.fwd.parent[v]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	for v := m; v != q.To; {
		v = e.bwd.parent[v]
		path = append(path, v)
	}
	return path
}

func satAdd(a, b uint32) uint32 {
	s := a + b
	if s < a {
		return MaxPathCount
	}
	return s
}

func satMul(a, b uint32) uint32 {
	p := uint64(a) * uint64(b)
	if p > MaxPathCount {
		return MaxPathCount
	}
	return uint32(p)
}
