package graph

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// NodeMeta carries the last follow-event observed for a node. Nodes created
// only as follow targets have no metadata yet.
type NodeMeta struct {
	EventID   string
	EventTime int64
	UpdatedAt int64
}

// ChangeSummary reports what an accepted UpdateFollows call did.
type ChangeSummary struct {
	Unchanged bool
	Added     int
	Removed   int
	Epoch     uint64
}

// LockStats exposes contention counters for the store lock.
type LockStats struct {
	ReadAcquired   uint64 `json:"read_acquired"`
	WriteAcquired  uint64 `json:"write_acquired"`
	ReadWaitNanos  uint64 `json:"read_wait_nanos"`
	WriteWaitNanos uint64 `json:"write_wait_nanos"`
}

// Stats is the public snapshot returned by Store.Stats.
type Stats struct {
	NodeCount        int       `json:"node_count"`
	EdgeCount        uint64    `json:"edge_count"`
	NodesWithFollows int       `json:"nodes_with_follows"`
	Epoch            uint64    `json:"epoch"`
	Locks            LockStats `json:"locks"`
}

// Store is the in-memory follow graph: bidirectional adjacency indexed by
// dense uint32 node ids, a lock-free pubkey→id map, per-node metadata and a
// monotonic epoch counter.
//
// Pubkey→id resolution never takes the lock. The adjacency arrays and
// metadata are guarded by one reader-writer lock; node creation is a write.
type Store struct {
	interner *Interner
	ids      *xsync.MapOf[string, uint32]

	mu          sync.RWMutex
	pubkeys     []string   // id -> canonical pubkey
	out         [][]uint32 // id -> follows, strictly ascending
	in          [][]uint32 // id -> followers, strictly ascending
	meta        []NodeMeta
	hasMeta     []bool
	edges       uint64
	withFollows int

	epoch atomic.Uint64

	readAcquired   atomic.Uint64
	writeAcquired  atomic.Uint64
	readWaitNanos  atomic.Uint64
	writeWaitNanos atomic.Uint64
}

func NewStore() *Store {
	return &Store{
		interner: NewInterner(),
		ids:      xsync.NewMapOf[string, uint32](),
	}
}

func (s *Store) rlock() {
	start := time.Now()
	s.mu.RLock()
	s.readWaitNanos.Add(uint64(time.Since(start)))
	s.readAcquired.Add(1)
}

func (s *Store) wlock() {
	start := time.Now()
	s.mu.Lock()
	s.writeWaitNanos.Add(uint64(time.Since(start)))
	s.writeAcquired.Add(1)
}

// GetOrCreateID resolves pubkey to its node id, assigning the next dense id
// on first observation. The returned bool reports whether a node was created.
// Linearizable with respect to concurrent creates of the same pubkey.
func (s *Store) GetOrCreateID(pubkey string) (uint32, bool) {
	if id, ok := s.ids.Load(pubkey); ok {
		return id, false
	}

	s.wlock()
	defer s.mu.Unlock()

	// Re-check under the lock: another writer may have won the race.
	if id, ok := s.ids.Load(pubkey); ok {
		return id, false
	}
	return s.createLocked(pubkey), true
}

func (s *Store) createLocked(pubkey string) uint32 {
	canonical := s.interner.Intern(pubkey)
	id := uint32(len(s.pubkeys))
	s.pubkeys = append(s.pubkeys, canonical)
	s.out = append(s.out, nil)
	s.in = append(s.in, nil)
	s.meta = append(s.meta, NodeMeta{})
	s.hasMeta = append(s.hasMeta, false)
	s.ids.Store(canonical, id)
	return id
}

// LookupID resolves pubkey without creating a node.
func (s *Store) LookupID(pubkey string) (uint32, bool) {
	return s.ids.Load(pubkey)
}

// PubkeyOf returns the canonical pubkey for id. Panics on an out-of-range id:
// ids are handed out by the store, so a bad one is an invariant violation.
func (s *Store) PubkeyOf(id uint32) string {
	s.rlock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.pubkeys) {
		panic(fmt.Sprintf("graph: node id %d out of range (%d nodes)", id, len(s.pubkeys)))
	}
	return s.pubkeys[id]
}

// PubkeysOf maps ids to pubkeys in one lock acquisition.
func (s *Store) PubkeysOf(ids []uint32) []string {
	s.rlock()
	defer s.mu.RUnlock()
	out := make([]string, len(ids))
	for i, id := range ids {
		if int(id) >= len(s.pubkeys) {
			panic(fmt.Sprintf("graph: node id %d out of range (%d nodes)", id, len(s.pubkeys)))
		}
		out[i] = s.pubkeys[id]
	}
	return out
}

// NodeCount returns the number of nodes ever created.
func (s *Store) NodeCount() int {
	s.rlock()
	defer s.mu.RUnlock()
	return len(s.pubkeys)
}

// Epoch returns the current store epoch.
func (s *Store) Epoch() uint64 {
	return s.epoch.Load()
}

// FollowsOf returns a copy of id's outgoing adjacency, ascending.
func (s *Store) FollowsOf(id uint32) []uint32 {
	s.rlock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.out) {
		return nil
	}
	return append([]uint32(nil), s.out[id]...)
}

// FollowersOf returns a copy of id's incoming adjacency, ascending.
func (s *Store) FollowersOf(id uint32) []uint32 {
	s.rlock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.in) {
		return nil
	}
	return append([]uint32(nil), s.in[id]...)
}

// Meta returns id's metadata and whether any has been recorded.
func (s *Store) Meta(id uint32) (NodeMeta, bool) {
	s.rlock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.meta) {
		return NodeMeta{}, false
	}
	return s.meta[id], s.hasMeta[id]
}

// View is read access to the graph while the store's read lock is held.
// Slices returned by Follows and Followers alias store internals and must not
// be retained or mutated after the Read callback returns.
type View struct{ s *Store }

func (v View) NodeCount() int             { return len(v.s.pubkeys) }
func (v View) Epoch() uint64              { return v.s.epoch.Load() }
func (v View) Follows(id uint32) []uint32 { return v.s.out[id] }
func (v View) Followers(id uint32) []uint32 {
	return v.s.in[id]
}

// HasEdge reports a direct follow edge from a to b via binary search.
func (v View) HasEdge(a, b uint32) bool {
	return containsSorted(v.s.out[a], b)
}

// Read runs fn under the store's read lock. This is how the search engine
// traverses adjacency without per-node copying; fn runs on the caller's
// goroutine, which must not be an I/O loop.
func (s *Store) Read(fn func(View)) {
	s.rlock()
	defer s.mu.RUnlock()
	fn(View{s: s})
}

// UpdateFollows replaces follower's outgoing follow set with follows,
// maintaining the reverse index, metadata and the epoch. The call takes
// ownership of the follows slice. An event at or before the stored timestamp
// for follower is ignored entirely.
func (s *Store) UpdateFollows(follower uint32, follows []uint32, eventID string, createdAt int64) ChangeSummary {
	s.wlock()
	defer s.mu.Unlock()

	if int(follower) >= len(s.pubkeys) {
		panic(fmt.Sprintf("graph: node id %d out of range (%d nodes)", follower, len(s.pubkeys)))
	}
	if s.hasMeta[follower] && s.meta[follower].EventTime >= createdAt {
		return ChangeSummary{Unchanged: true, Epoch: s.epoch.Load()}
	}

	sort.Slice(follows, func(i, j int) bool { return follows[i] < follows[j] })
	follows = dedupSorted(follows)
	for _, x := range follows {
		if int(x) >= len(s.pubkeys) {
			panic(fmt.Sprintf("graph: node id %d out of range (%d nodes)", x, len(s.pubkeys)))
		}
	}

	old := s.out[follower]
	added, removed := 0, 0

	// Merge walk over the two sorted lists, fixing up the reverse index as
	// differences are found.
	i, j := 0, 0
	for i < len(old) || j < len(follows) {
		switch {
		case i == len(old) || (j < len(follows) && follows[j] < old[i]):
			s.in[follows[j]] = insertSorted(s.in[follows[j]], follower)
			added++
			j++
		case j == len(follows) || old[i] < follows[j]:
			s.in[old[i]] = removeSorted(s.in[old[i]], follower)
			removed++
			i++
		default:
			i++
			j++
		}
	}

	if len(old) == 0 && len(follows) > 0 {
		s.withFollows++
	} else if len(old) > 0 && len(follows) == 0 {
		s.withFollows--
	}
	s.edges += uint64(added)
	s.edges -= uint64(removed)

	s.out[follower] = follows
	s.meta[follower] = NodeMeta{EventID: eventID, EventTime: createdAt, UpdatedAt: time.Now().Unix()}
	s.hasMeta[follower] = true

	return ChangeSummary{
		Added:   added,
		Removed: removed,
		Epoch:   s.epoch.Add(1),
	}
}

// Stats snapshots the store counters.
func (s *Store) Stats() Stats {
	s.rlock()
	defer s.mu.RUnlock()
	return Stats{
		NodeCount:        len(s.pubkeys),
		EdgeCount:        s.edges,
		NodesWithFollows: s.withFollows,
		Epoch:            s.epoch.Load(),
		Locks: LockStats{
			ReadAcquired:   s.readAcquired.Load(),
			WriteAcquired:  s.writeAcquired.Load(),
			ReadWaitNanos:  s.readWaitNanos.Load(),
			WriteWaitNanos: s.writeWaitNanos.Load(),
		},
	}
}

func containsSorted(list []uint32, v uint32) bool {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	return i < len(list) && list[i] == v
}

func insertSorted(list []uint32, v uint32) []uint32 {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	if i < len(list) && list[i] == v {
		return list
	}
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func removeSorted(list []uint32, v uint32) []uint32 {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	if i >= len(list) || list[i] != v {
		return list
	}
	return append(list[:i], list[i+1:]...)
}

func dedupSorted(list []uint32) []uint32 {
	if len(list) < 2 {
		return list
	}
	w := 1
	for r := 1; r < len(list); r++ {
		if list[r] != list[r-1] {
			list[w] = list[r]
			w++
		}
	}
	return list[:w]
}
