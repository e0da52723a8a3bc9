package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlackServer struct {
	*httptest.Server

	openResponse string
	acks         chan string
	pings        bool
}

func newFakeSlackServer(t *testing.T, openResponse string, pings bool) *fakeSlackServer {
	t.Helper()

	fs := &fakeSlackServer{openResponse: openResponse, acks: make(chan string, 8), pings: pings}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/apps.connections.open", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(strings.ReplaceAll(fs.openResponse, "{{ws}}", "ws"+strings.TrimPrefix(fs.URL, "http")+"/link")))
	})
	mux.HandleFunc("/link", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if fs.pings {
			_ = conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(time.Second))
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","num_connections":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(eventsFrame("env-1", "Ev1")))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var got ack
			if json.Unmarshal(data, &got) == nil {
				fs.acks <- got.EnvelopeID
			}
		}
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)

	return fs
}

func (fs *fakeSlackServer) client() *slackapi.Client {
	return slackapi.New("xoxb-test", slackapi.OptionAppLevelToken("xapp-test"), slackapi.OptionAPIURL(fs.URL+"/"))
}

func TestSocketConnectorReadsFramesAndAcks(t *testing.T) {
	fs := newFakeSlackServer(t, `{"ok":true,"url":"{{ws}}"}`, true)

	connector := NewSocketConnector(fs.client(), time.Second)
	session, err := connector.Connect(context.Background())
	require.NoError(t, err)
	defer session.Close()

	data, err := session.Read()
	require.NoError(t, err)
	hello, err := parseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frameHello, hello.Type)

	data, err = session.Read()
	require.NoError(t, err)
	f, err := parseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "env-1", f.EnvelopeID)

	require.NoError(t, session.Ack(f.EnvelopeID))

	select {
	case got := <-fs.acks:
		assert.Equal(t, "env-1", got)
	case <-time.After(time.Second):
		t.Fatal("server did not receive ack")
	}
}

func TestSocketConnectorReadTimeout(t *testing.T) {
	fs := newFakeSlackServer(t, `{"ok":true,"url":"{{ws}}"}`, false)

	connector := NewSocketConnector(fs.client(), 100*time.Millisecond)
	session, err := connector.Connect(context.Background())
	require.NoError(t, err)
	defer session.Close()

	for i := 0; i < 2; i++ {
		_, err := session.Read()
		require.NoError(t, err)
	}

	start := time.Now()
	_, err = session.Read()
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSocketConnectorAuthFailure(t *testing.T) {
	fs := newFakeSlackServer(t, `{"ok":false,"error":"invalid_auth"}`, false)

	_, err := NewSocketConnector(fs.client(), time.Second).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestSocketConnectorOtherFailure(t *testing.T) {
	fs := newFakeSlackServer(t, `{"ok":false,"error":"internal_error"}`, false)

	_, err := NewSocketConnector(fs.client(), time.Second).Connect(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthentication))
}

func TestSupervisorOverWebSocket(t *testing.T) {
	fs := newFakeSlackServer(t, `{"ok":true,"url":"{{ws}}"}`, false)

	sup, err := NewSupervisor(NewSocketConnector(fs.client(), time.Second), fastOptions(), nil, nil)
	require.NoError(t, err)

	handler := &recordingHandler{}
	cancel, errCh := runSupervisor(t, sup, handler)

	require.Eventually(t, func() bool { return len(handler.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "env-1", handler.snapshot()[0].FrameID)
	assert.True(t, sup.Connected())

	select {
	case got := <-fs.acks:
		assert.Equal(t, "env-1", got)
	case <-time.After(time.Second):
		t.Fatal("server did not receive ack")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestIsAuthError(t *testing.T) {
	for _, code := range authErrorCodes {
		assert.True(t, isAuthError(slackapi.SlackErrorResponse{Err: code}), code)
	}
	assert.False(t, isAuthError(errors.New("ratelimited")))
}
