package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackrelay/pkg/delivery"
	"slackrelay/pkg/directory"
)

type stubDirectory struct {
	names map[string]string
	err   error
}

func (s stubDirectory) Lookup(_ context.Context, kind directory.Kind, id string) (directory.Entry, error) {
	if s.err != nil {
		return directory.Entry{}, s.err
	}
	name, ok := s.names[id]
	if !ok {
		return directory.Entry{}, fmt.Errorf("lookup %s: %w", id, directory.ErrNotFound)
	}
	return directory.Entry{ID: id, Kind: kind, DisplayName: name}, nil
}

type webhook struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []map[string]any
}

func newWebhook(t *testing.T) *webhook {
	t.Helper()

	wh := &webhook{}
	wh.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err == nil {
			wh.mu.Lock()
			wh.bodies = append(wh.bodies, body)
			wh.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(wh.Close)

	return wh
}

func (wh *webhook) snapshot() []map[string]any {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return append([]map[string]any(nil), wh.bodies...)
}

// relayOnce runs one message event through cache, dispatcher and sink and
// returns what the webhook received.
func relayOnce(t *testing.T, service directory.Service) []map[string]any {
	t.Helper()

	wh := newWebhook(t)
	sink, err := delivery.NewSink(delivery.Options{
		URL:            wh.URL,
		AttemptTimeout: time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	sink.Start()

	cache := directory.NewCache(service, nil, directory.Options{LookupTimeout: 100 * time.Millisecond}, nil)
	opts := defaultOptions()
	opts.IDFunc = func() string { return "01HZZZZZZZZZZZZZZZZZZZZZZZ" }
	d := newTestDispatcher(t, cache, sink, opts, nil)

	d.Handle(context.Background(), messageRaw())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Zero(t, sink.Shutdown(ctx))

	return wh.snapshot()
}

func TestRelayMessageWithResolvedUser(t *testing.T) {
	bodies := relayOnce(t, stubDirectory{names: map[string]string{"U1": "Ann"}})

	require.Len(t, bodies, 1)
	body := bodies[0]
	assert.Equal(t, "event_callback", body["type"])
	assert.Equal(t, "T1", body["team_id"])

	inner := body["event"].(map[string]any)
	assert.Equal(t, "U1", inner["user"])
	assert.Equal(t, "hi", inner["text"])
	assert.Equal(t, "C1", inner["channel"])
	assert.Equal(t, "100.1", inner["ts"])
	assert.Equal(t, "Ann", inner["resolvedUser"])
	assert.NotContains(t, inner, "resolvedChannel")
}

func TestRelayMessageWithDirectoryUnreachable(t *testing.T) {
	resolved := relayOnce(t, stubDirectory{names: map[string]string{"U1": "Ann"}})
	unresolved := relayOnce(t, stubDirectory{err: errors.New("dial tcp 10.0.0.1:443: connection refused")})

	require.Len(t, resolved, 1)
	require.Len(t, unresolved, 1)

	inner := unresolved[0]["event"].(map[string]any)
	assert.NotContains(t, inner, "resolvedUser")
	assert.Equal(t, "U1", inner["user"])

	// identical apart from the enrichment field
	delete(resolved[0]["event"].(map[string]any), "resolvedUser")
	assert.Equal(t, resolved[0], unresolved[0])
}
