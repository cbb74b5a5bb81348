package state

import (
	"sort"
	"sync"

	"github.com/aonescu/aegis/internal/types"
)

// FactStore indexes the facts the invariant engine evaluates.
type FactStore interface {
	Record(fact types.Fact) error
	GetLatestByKind(kind string) []types.Fact
	GetByUID(uid string) (types.Fact, bool)
}

// MemoryStore keeps the latest fact per resource.
type MemoryStore struct {
	mu         sync.RWMutex
	latest     map[string]types.Fact
	uidsByKind map[string][]string
	recorded   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:     make(map[string]types.Fact),
		uidsByKind: make(map[string][]string),
	}
}

func (s *MemoryStore) Record(fact types.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recorded++
	if _, exists := s.latest[fact.UID]; !exists {
		uids := append(s.uidsByKind[fact.Kind], fact.UID)
		sort.Strings(uids)
		s.uidsByKind[fact.Kind] = uids
	}
	s.latest[fact.UID] = fact
	return nil
}

// GetLatestByKind returns the facts of a kind ordered by UID.
func (s *MemoryStore) GetLatestByKind(kind string) []types.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []types.Fact
	for _, uid := range s.uidsByKind[kind] {
		if fact, exists := s.latest[uid]; exists {
			results = append(results, fact)
		}
	}
	return results
}

func (s *MemoryStore) GetByUID(uid string) (types.Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fact, exists := s.latest[uid]
	return fact, exists
}

// Len returns the number of distinct resources indexed.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}
