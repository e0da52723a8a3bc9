package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the entity namespace an id belongs to.
type Kind string

const (
	KindUser    Kind = "user"
	KindChannel Kind = "channel"
)

var (
	// ErrLookupUnavailable matches every failed resolution.
	ErrLookupUnavailable = errors.New("directory lookup unavailable")
	// ErrNotFound additionally matches resolutions of ids the service does not know.
	ErrNotFound = errors.New("directory entry not found")
)

// Entry is the cached metadata for one id.
type Entry struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Service is the remote directory consulted on cache misses. Implementations
// return an error wrapping ErrNotFound for unknown ids.
type Service interface {
	Lookup(ctx context.Context, kind Kind, id string) (Entry, error)
}

// Store holds resolved entries between lookups.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
}

// LookupError describes one failed resolution.
type LookupError struct {
	Kind     Kind
	ID       string
	NotFound bool
	Err      error
}

func (e *LookupError) Error() string {
	if e == nil {
		return ""
	}
	if e.NotFound {
		return fmt.Sprintf("resolve %s %s: not found", e.Kind, e.ID)
	}
	if e.Err == nil {
		return fmt.Sprintf("resolve %s %s: unavailable", e.Kind, e.ID)
	}

	return fmt.Sprintf("resolve %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Is reports ErrLookupUnavailable for every LookupError and ErrNotFound for
// missing ids.
func (e *LookupError) Is(target error) bool {
	switch target {
	case ErrLookupUnavailable:
		return true
	case ErrNotFound:
		return e.NotFound
	default:
		return false
	}
}

func cacheKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}
