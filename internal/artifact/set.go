package artifact

import (
	"sort"

	"github.com/ssd-technologies/nimbus/internal/storage"
)

// Set is the collection of artifact caches registered at startup.
type Set struct {
	caches map[string]*Cache
}

// NewSet groups caches by kind.
func NewSet(caches ...*Cache) *Set {
	s := &Set{caches: make(map[string]*Cache, len(caches))}
	for _, c := range caches {
		s.caches[c.Kind()] = c
	}
	return s
}

// Subscribe registers every cache on bus.
func (s *Set) Subscribe(bus *storage.Bus) {
	for _, kind := range s.Kinds() {
		bus.Subscribe(s.caches[kind].HandleEvent)
	}
}

// Get returns the cache for kind.
func (s *Set) Get(kind string) (*Cache, bool) {
	c, ok := s.caches[kind]
	return c, ok
}

// Kinds returns the registered kinds in sorted order.
func (s *Set) Kinds() []string {
	kinds := make([]string, 0, len(s.caches))
	for k := range s.caches {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
