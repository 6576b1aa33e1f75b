package graph

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Interner deduplicates pubkey strings into shared immutable instances.
// Every pubkey that enters the store goes through here once, so the store,
// query results and the persistence queue all hold the same backing string.
type Interner struct {
	strings *xsync.MapOf[string, string]
}

func NewInterner() *Interner {
	return &Interner{strings: xsync.NewMapOf[string, string]()}
}

// Intern returns the canonical shared instance of s. Idempotent and safe for
// concurrent use.
func (in *Interner) Intern(s string) string {
	if canonical, ok := in.strings.Load(s); ok {
		return canonical
	}
	canonical, _ := in.strings.LoadOrStore(s, s)
	return canonical
}

// Size returns the number of distinct strings interned so far.
func (in *Interner) Size() int {
	return in.strings.Size()
}
