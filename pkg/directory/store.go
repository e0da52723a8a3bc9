package directory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultStoreSize = 4096

// MemoryStore keeps entries in a bounded in-process LRU. Entries are evicted
// after retention regardless of freshness.
type MemoryStore struct {
	entries *expirable.LRU[string, Entry]
}

func NewMemoryStore(size int, retention time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultStoreSize
	}

	return &MemoryStore{entries: expirable.NewLRU[string, Entry](size, nil, retention)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	entry, ok := s.entries.Get(key)
	return entry, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, entry Entry) error {
	s.entries.Add(key, entry)
	return nil
}

// Len returns the number of retained entries.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
