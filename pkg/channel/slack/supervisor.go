package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"slackrelay/pkg/bus"
	"slackrelay/pkg/channel"
	"slackrelay/pkg/event"
	"slackrelay/pkg/logger"
	"slackrelay/pkg/metrics"
)

const (
	channelName = "slack"

	defaultBaseDelay       = time.Second
	defaultMaxDelay        = 30 * time.Second
	defaultResetAfter      = time.Minute
	defaultMaxAuthFailures = 3
	defaultDedupWindow     = 10 * time.Minute
	defaultDedupSize       = 8192
	defaultJitter          = 0.5
)

// Options configures reconnect and deduplication policy. Zero values take the
// documented defaults.
type Options struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ResetAfter      time.Duration
	MaxAuthFailures int
	DedupWindow     time.Duration
	DedupSize       int
}

// Supervisor keeps one Socket Mode session open at a time, acknowledges every
// envelope and hands each new one to the channel handler.
type Supervisor struct {
	connector Connector
	opts      Options
	bus       *bus.MessageBus
	log       *slog.Logger
	seen      *expirable.LRU[string, struct{}]
	connected atomic.Bool
}

var _ channel.Adapter = (*Supervisor)(nil)

func NewSupervisor(connector Connector, opts Options, messageBus *bus.MessageBus, log *slog.Logger) (*Supervisor, error) {
	if connector == nil {
		return nil, errors.New("connector is required")
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = defaultResetAfter
	}
	if opts.MaxAuthFailures <= 0 {
		opts.MaxAuthFailures = defaultMaxAuthFailures
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaultDedupSize
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Supervisor{
		connector: connector,
		opts:      opts,
		bus:       messageBus,
		log:       log.With("component", "channel.slack"),
		seen:      expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupWindow),
	}, nil
}

func (s *Supervisor) Name() string {
	return channelName
}

// Connected reports whether a session has completed its hello handshake and
// is still open.
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Run connects and reconnects until ctx ends, returning nil. It returns an
// error wrapping ErrAuthentication once MaxAuthFailures consecutive connection
// attempts were rejected for their credentials.
func (s *Supervisor) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.BaseDelay
	policy.MaxInterval = s.opts.MaxDelay
	policy.RandomizationFactor = defaultJitter
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	policy.Reset()

	authFailures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		session, err := s.connector.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			reason := "connect_error"
			if errors.Is(err, ErrAuthentication) {
				authFailures++
				reason = "auth_error"
				if authFailures >= s.opts.MaxAuthFailures {
					s.log.Error("Slack rejected credentials, giving up", "attempts", authFailures, "error", err)
					return fmt.Errorf("slack session: %d consecutive authentication failures: %w", authFailures, err)
				}
			}

			wait := policy.NextBackOff()
			metrics.Reconnects.WithLabelValues(reason).Inc()
			s.log.Warn("Slack connection failed, retrying", "retry_in", wait, "auth_failures", authFailures, "error", err)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		authFailures = 0
		started := time.Now()
		requested, err := s.serve(ctx, session, handler)
		s.markDisconnected(ctx, err)

		if ctx.Err() != nil {
			return nil
		}

		if requested || time.Since(started) >= s.opts.ResetAfter {
			policy.Reset()
		}
		if requested {
			metrics.Reconnects.WithLabelValues("disconnect_requested").Inc()
			continue
		}

		wait := policy.NextBackOff()
		metrics.Reconnects.WithLabelValues("session_lost").Inc()
		s.log.Warn("Slack session lost, reconnecting", "retry_in", wait, "error", err)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// serve runs the receive loop of one session. It reports whether the server
// asked for the reconnect.
func (s *Supervisor) serve(ctx context.Context, session Session, handler channel.Handler) (bool, error) {
	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()
	defer session.Close()

	for {
		data, err := session.Read()
		if err != nil {
			return false, err
		}

		f, err := parseFrame(data)
		if err != nil {
			s.log.Warn("Skipping unparseable frame", "error", err, "frame", logger.Preview(string(data)))
			continue
		}
		metrics.FramesReceived.WithLabelValues(f.Type).Inc()

		switch {
		case f.Type == frameHello:
			s.markConnected(ctx)
		case f.Type == frameDisconnect:
			s.log.Info("Slack requested reconnect", "reason", f.Reason)
			return true, nil
		case dispatchable(f.Type):
			if err := s.acknowledge(ctx, session, f, handler); err != nil {
				return false, err
			}
		default:
			s.log.Debug("Ignoring frame", "type", f.Type)
		}
	}
}

// acknowledge sends the ack first, then dispatches unless the envelope was
// already seen.
func (s *Supervisor) acknowledge(ctx context.Context, session Session, f frame, handler channel.Handler) error {
	if f.EnvelopeID == "" {
		s.log.Warn("Skipping frame without envelope id", "type", f.Type)
		return nil
	}

	if err := session.Ack(f.EnvelopeID); err != nil {
		return fmt.Errorf("ack envelope %s: %w", f.EnvelopeID, err)
	}
	metrics.FramesAcked.Inc()

	keys := f.dedupKeys()
	for _, key := range keys {
		if s.seen.Contains(key) {
			metrics.DuplicateFrames.Inc()
			s.log.Debug("Acked duplicate envelope", "envelope_id", f.EnvelopeID, "retry_attempt", f.RetryAttempt, "retry_reason", f.RetryReason)
			return nil
		}
	}
	for _, key := range keys {
		s.seen.Add(key, struct{}{})
	}

	s.bus.PublishEvent(ctx, bus.Event{Type: bus.EventFrameReceived, FrameID: f.EnvelopeID, Kind: f.Type})

	handler(ctx, event.RawEvent{
		FrameID:      f.EnvelopeID,
		FrameType:    f.Type,
		Payload:      f.Payload,
		RetryAttempt: f.RetryAttempt,
		ReceivedAt:   time.Now().UTC(),
	})
	return nil
}

func (s *Supervisor) markConnected(ctx context.Context) {
	if s.connected.Swap(true) {
		return
	}
	metrics.SessionConnected.Set(1)
	s.log.Info("Slack session connected")
	s.bus.PublishEvent(ctx, bus.Event{Type: bus.EventSessionConnected})
}

func (s *Supervisor) markDisconnected(ctx context.Context, err error) {
	if !s.connected.Swap(false) {
		return
	}
	metrics.SessionConnected.Set(0)
	s.log.Info("Slack session closed", "error", err)
	s.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{Type: bus.EventSessionDisconnected, Error: errorString(err)})
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
