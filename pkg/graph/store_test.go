package graph

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func pk(i int) string {
	return fmt.Sprintf("%064x", i)
}

func TestGetOrCreateIDAssignsDenseIDs(t *testing.T) {
	s := NewStore()
	for i := 0; i < 10; i++ {
		id, created := s.GetOrCreateID(pk(i))
		if !created {
			t.Errorf("expected pk %d to be created", i)
		}
		if id != uint32(i) {
			t.Errorf("expected id %d, got %d", i, id)
		}
	}
	id, created := s.GetOrCreateID(pk(3))
	if created {
		t.Error("expected existing pk not to be created again")
	}
	if id != 3 {
		t.Errorf("expected id 3, got %d", id)
	}
	if s.NodeCount() != 10 {
		t.Errorf("expected 10 nodes, got %d", s.NodeCount())
	}
}

func TestLookupIDDoesNotCreate(t *testing.T) {
	s := NewStore()
	if _, ok := s.LookupID(pk(0)); ok {
		t.Error("expected lookup miss on empty store")
	}
	if s.NodeCount() != 0 {
		t.Errorf("lookup must not create nodes, got %d", s.NodeCount())
	}
}

func TestPubkeyOfPanicsOnOutOfRange(t *testing.T) {
	s := NewStore()
	s.GetOrCreateID(pk(0))
	defer func() {
		if recover() == nil {
			t.Error("expected panic on out-of-range id")
		}
	}()
	s.PubkeyOf(1)
}

func TestConcurrentCreateSamePubkey(t *testing.T) {
	s := NewStore()
	const goroutines = 16
	ids := make([]uint32, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = s.GetOrCreateID(pk(42))
		}(i)
	}
	wg.Wait()
	for i := 1; i < goroutines; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("pk mapped to both %d and %d", ids[0], ids[i])
		}
	}
	if s.NodeCount() != 1 {
		t.Errorf("expected 1 node, got %d", s.NodeCount())
	}
}

func TestUpdateFollowsBasics(t *testing.T) {
	s := NewStore()
	a, _ := s.GetOrCreateID(pk(0))
	b, _ := s.GetOrCreateID(pk(1))
	c, _ := s.GetOrCreateID(pk(2))

	sum := s.UpdateFollows(a, []uint32{c, b, b}, "ev1", 100)
	if sum.Unchanged {
		t.Fatal("expected change to be applied")
	}
	if sum.Added != 2 || sum.Removed != 0 {
		t.Errorf("expected added=2 removed=0, got %+v", sum)
	}
	if sum.Epoch != 1 {
		t.Errorf("expected epoch 1, got %d", sum.Epoch)
	}

	follows := s.FollowsOf(a)
	if len(follows) != 2 || follows[0] != b || follows[1] != c {
		t.Errorf("expected sorted deduped follows [%d %d], got %v", b, c, follows)
	}
	for _, x := range []uint32{b, c} {
		followers := s.FollowersOf(x)
		if len(followers) != 1 || followers[0] != a {
			t.Errorf("expected followers of %d to be [%d], got %v", x, a, followers)
		}
	}
}

func TestUpdateFollowsDiff(t *testing.T) {
	s := NewStore()
	a, _ := s.GetOrCreateID(pk(0))
	b, _ := s.GetOrCreateID(pk(1))
	c, _ := s.GetOrCreateID(pk(2))
	d, _ := s.GetOrCreateID(pk(3))

	s.UpdateFollows(a, []uint32{b, c}, "ev1", 100)
	sum := s.UpdateFollows(a, []uint32{c, d}, "ev2", 200)
	if sum.Added != 1 || sum.Removed != 1 {
		t.Errorf("expected added=1 removed=1, got %+v", sum)
	}
	if got := s.FollowersOf(b); len(got) != 0 {
		t.Errorf("expected b to have no followers, got %v", got)
	}
	if got := s.FollowersOf(d); len(got) != 1 || got[0] != a {
		t.Errorf("expected d followers [a], got %v", got)
	}
	st := s.Stats()
	if st.EdgeCount != 2 {
		t.Errorf("expected 2 edges, got %d", st.EdgeCount)
	}
	if st.Epoch != 2 {
		t.Errorf("expected epoch 2, got %d", st.Epoch)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	s := NewStore()
	a, _ := s.GetOrCreateID(pk(0))
	b, _ := s.GetOrCreateID(pk(1))
	c, _ := s.GetOrCreateID(pk(2))

	s.UpdateFollows(a, []uint32{b}, "ev-new", 100)
	before := s.Stats()

	sum := s.UpdateFollows(a, []uint32{c}, "ev-old", 50)
	if !sum.Unchanged {
		t.Fatal("expected stale event to be ignored")
	}
	after := s.Stats()
	if after.Epoch != before.Epoch {
		t.Errorf("stale event advanced epoch %d -> %d", before.Epoch, after.Epoch)
	}
	follows := s.FollowsOf(a)
	if len(follows) != 1 || follows[0] != b {
		t.Errorf("expected follows [b], got %v", follows)
	}
	meta, ok := s.Meta(a)
	if !ok || meta.EventID != "ev-new" || meta.EventTime != 100 {
		t.Errorf("metadata overwritten by stale event: %+v", meta)
	}
}

func TestEqualTimestampFirstWriterWins(t *testing.T) {
	s := NewStore()
	a, _ := s.GetOrCreateID(pk(0))
	b, _ := s.GetOrCreateID(pk(1))
	c, _ := s.GetOrCreateID(pk(2))

	s.UpdateFollows(a, []uint32{b}, "ev1", 100)
	sum := s.UpdateFollows(a, []uint32{c}, "ev2", 100)
	if !sum.Unchanged {
		t.Error("expected tie to keep the first writer")
	}
}

// Invariant 1: follows/followers stay mirror images under random churn.
func TestBidirectionalConsistencyRandom(t *testing.T) {
	s := NewStore()
	const nodes = 30
	ids := make([]uint32, nodes)
	for i := range ids {
		ids[i], _ = s.GetOrCreateID(pk(i))
	}

	rng := rand.New(rand.NewSource(1))
	ts := int64(0)
	for round := 0; round < 200; round++ {
		follower := ids[rng.Intn(nodes)]
		var set []uint32
		for _, id := range ids {
			if rng.Intn(4) == 0 {
				set = append(set, id)
			}
		}
		ts++
		s.UpdateFollows(follower, set, fmt.Sprintf("ev%d", round), ts)
	}

	edges := uint64(0)
	for _, a := range ids {
		follows := s.FollowsOf(a)
		for i := 1; i < len(follows); i++ {
			if follows[i] <= follows[i-1] {
				t.Fatalf("follows of %d not strictly ascending: %v", a, follows)
			}
		}
		edges += uint64(len(follows))
		for _, b := range follows {
			if !containsSorted(s.FollowersOf(b), a) {
				t.Fatalf("edge (%d,%d) missing from reverse index", a, b)
			}
		}
	}
	for _, b := range ids {
		for _, a := range s.FollowersOf(b) {
			if !containsSorted(s.FollowsOf(a), b) {
				t.Fatalf("reverse edge (%d,%d) missing from forward index", a, b)
			}
		}
	}
	if st := s.Stats(); st.EdgeCount != edges {
		t.Errorf("edge count drifted: stats=%d actual=%d", st.EdgeCount, edges)
	}
}

func TestReadViewSeesCurrentGraph(t *testing.T) {
	s := NewStore()
	a, _ := s.GetOrCreateID(pk(0))
	b, _ := s.GetOrCreateID(pk(1))
	s.UpdateFollows(a, []uint32{b}, "ev1", 1)

	s.Read(func(v View) {
		if !v.HasEdge(a, b) {
			t.Error("expected edge (a,b) in view")
		}
		if v.HasEdge(b, a) {
			t.Error("unexpected edge (b,a) in view")
		}
		if v.Epoch() != 1 {
			t.Errorf("expected epoch 1, got %d", v.Epoch())
		}
	})
}

func TestRestoreRoundTrip(t *testing.T) {
	s := NewStore()
	for i := 0; i < 3; i++ {
		id, err := s.RestoreNode(pk(i), NodeMeta{EventID: "ev", EventTime: int64(i)}, i == 0)
		if err != nil {
			t.Fatalf("restore node %d: %v", i, err)
		}
		if id != uint32(i) {
			t.Fatalf("expected restored id %d, got %d", i, id)
		}
	}
	// Insert out of order; FinishRestore sorts.
	if err := s.RestoreEdge(0, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.RestoreEdge(0, 1); err != nil {
		t.Fatal(err)
	}
	s.FinishRestore()

	follows := s.FollowsOf(0)
	if len(follows) != 2 || follows[0] != 1 || follows[1] != 2 {
		t.Errorf("expected follows [1 2], got %v", follows)
	}
	st := s.Stats()
	if st.NodesWithFollows != 1 {
		t.Errorf("expected 1 node with follows, got %d", st.NodesWithFollows)
	}
	if err := s.RestoreEdge(0, 9); err == nil {
		t.Error("expected error for edge to unknown node")
	}
}
