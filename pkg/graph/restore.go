package graph

import (
	"fmt"
	"sort"
)

// The restore path rebuilds a store from its persisted mirror before it is
// exposed to readers or writers. Calls are not concurrency-safe and must
// happen strictly before the store starts serving.

// RestoreNode appends a node loaded from disk. Stored ids are contiguous from
// zero, so nodes must arrive in id order; the assigned id is returned so the
// loader can verify it against the stored one.
func (s *Store) RestoreNode(pubkey string, meta NodeMeta, hasMeta bool) (uint32, error) {
	if !ValidPubkey(pubkey) {
		return 0, fmt.Errorf("restore: invalid pubkey %q", pubkey)
	}
	if _, ok := s.ids.Load(pubkey); ok {
		return 0, fmt.Errorf("restore: duplicate pubkey %s", pubkey)
	}
	id := s.createLocked(pubkey)
	s.meta[id] = meta
	s.hasMeta[id] = hasMeta
	return id, nil
}

// RestoreEdge appends a directed edge loaded from disk. Adjacency is left
// unsorted until FinishRestore.
func (s *Store) RestoreEdge(follower, followed uint32) error {
	if int(follower) >= len(s.pubkeys) || int(followed) >= len(s.pubkeys) {
		return fmt.Errorf("restore: edge (%d,%d) references unknown node", follower, followed)
	}
	s.out[follower] = append(s.out[follower], followed)
	s.in[followed] = append(s.in[followed], follower)
	s.edges++
	return nil
}

// FinishRestore sorts every adjacency list and recomputes derived counters.
func (s *Store) FinishRestore() {
	s.withFollows = 0
	for id := range s.out {
		sortAdjacency(s.out[id])
		sortAdjacency(s.in[id])
		if len(s.out[id]) > 0 {
			s.withFollows++
		}
	}
}

func sortAdjacency(list []uint32) {
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
}
