package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	slackapi "github.com/slack-go/slack"

	"slackrelay/pkg/jsoncodec"
)

const (
	defaultReadTimeout = 2 * time.Minute
	writeTimeout       = 10 * time.Second
	handshakeTimeout   = 15 * time.Second
)

// ErrAuthentication marks a session rejected for its credentials.
var ErrAuthentication = errors.New("slack authentication rejected")

var authErrorCodes = []string{
	"invalid_auth",
	"not_authed",
	"token_revoked",
	"token_expired",
	"account_inactive",
	"not_allowed_token_type",
}

// Session is one open Socket Mode connection.
type Session interface {
	Read() ([]byte, error)
	Ack(envelopeID string) error
	Close() error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

type socketOpener interface {
	StartSocketModeContext(ctx context.Context) (*slackapi.SocketModeConnection, string, error)
}

// SocketConnector opens sessions with apps.connections.open and dials the
// returned WebSocket URL.
type SocketConnector struct {
	opener      socketOpener
	dialer      *websocket.Dialer
	readTimeout time.Duration
}

// NewSocketConnector uses client, which must carry the app-level token.
func NewSocketConnector(client *slackapi.Client, readTimeout time.Duration) *SocketConnector {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	return &SocketConnector{
		opener:      client,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		readTimeout: readTimeout,
	}
}

func (c *SocketConnector) Connect(ctx context.Context) (Session, error) {
	_, url, err := c.opener.StartSocketModeContext(ctx)
	if err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: apps.connections.open: %v", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("apps.connections.open: %w", err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial socket mode url: %w", err)
	}

	return newWSSession(conn, c.readTimeout), nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	for _, code := range authErrorCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

type wsSession struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSSession(conn *websocket.Conn, readTimeout time.Duration) *wsSession {
	s := &wsSession{conn: conn, readTimeout: readTimeout}

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	return s
}

// Read returns the next text frame. A link silent for longer than the read
// timeout fails the read.
func (s *wsSession) Read() ([]byte, error) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return nil, err
		}

		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (s *wsSession) Ack(envelopeID string) error {
	data, err := jsoncodec.Marshal(ack{EnvelopeID: envelopeID})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
