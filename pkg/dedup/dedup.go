// Package dedup is the advisory ingest-side duplicate filter. It remembers
// the newest follow-event seen per author so repeats and stale replays are
// dropped before parsing. Bounded LRU; the store and persistence remain the
// source of truth, so eviction only costs a redundant store probe.
package dedup

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry records the newest event observed for an author.
type Entry struct {
	Timestamp int64
	EventID   string
}

type Cache struct {
	entries *lru.Cache[[32]byte, Entry]
}

func New(capacity int) (*Cache, error) {
	entries, err := lru.New[[32]byte, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// ShouldDrop reports whether an event from author at createdAt is known to be
// stale or a repeat. When it is not, the entry is advanced.
func (c *Cache) ShouldDrop(author [32]byte, eventID string, createdAt int64) bool {
	if e, ok := c.entries.Get(author); ok && e.Timestamp >= createdAt {
		return true
	}
	c.entries.Add(author, Entry{Timestamp: createdAt, EventID: eventID})
	return false
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
