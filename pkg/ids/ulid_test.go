package ids

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewCorrelationIDIsIncreasing(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := range ids {
		ids[i] = NewCorrelationID()
	}

	for i, id := range ids {
		if _, err := ulid.Parse(id); err != nil {
			t.Fatalf("ids[%d] = %q is not a ULID: %v", i, id, err)
		}
		if i > 0 && ids[i-1] >= id {
			t.Fatalf("expected strictly increasing ids, %s >= %s", ids[i-1], id)
		}
	}
}

func TestNewCorrelationIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := NewCorrelationID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("unique ids = %d, want %d", len(seen), goroutines*perGoroutine)
	}
}
