package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"slackrelay/pkg/bus"
	"slackrelay/pkg/event"
	"slackrelay/pkg/jsoncodec"
	"slackrelay/pkg/logger"
	"slackrelay/pkg/metrics"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMaxInFlight    = 8
	defaultQueueSize      = 256

	// Response bodies are drained up to this size so connections can be reused.
	maxDrainBytes = 64 << 10
	userAgent     = "slackrelay"
)

// Options configures a Sink. Zero values take the documented defaults.
type Options struct {
	URL            string
	AttemptTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxInFlight    int
	QueueSize      int
	Client         *http.Client
}

// Stats is a point-in-time view of sink activity.
type Stats struct {
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"in_flight"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Evicted   int64 `json:"evicted"`
	Abandoned int64 `json:"abandoned"`
}

// Sink POSTs envelopes to one webhook endpoint from a fixed pool of workers.
// Deliver never blocks: when the queue is full the oldest queued envelope is
// evicted.
type Sink struct {
	opts   Options
	client *http.Client
	bus    *bus.MessageBus
	log    *slog.Logger

	mu      sync.Mutex
	queue   chan event.Envelope
	closed  bool
	started bool
	workers sync.WaitGroup

	runCtx    context.Context
	abortRuns context.CancelFunc

	inFlight  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	evicted   atomic.Int64
	abandoned atomic.Int64
}

func NewSink(opts Options, messageBus *bus.MessageBus, log *slog.Logger) (*Sink, error) {
	if opts.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.Discard()
	}

	runCtx, abort := context.WithCancel(context.Background())

	return &Sink{
		opts:      opts,
		client:    client,
		bus:       messageBus,
		log:       log.With("component", "delivery.sink"),
		queue:     make(chan event.Envelope, opts.QueueSize),
		runCtx:    runCtx,
		abortRuns: abort,
	}, nil
}

// Start launches the delivery workers. It is safe to call more than once.
func (s *Sink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true

	for i := 0; i < s.opts.MaxInFlight; i++ {
		s.workers.Add(1)
		go s.work()
	}
	s.log.Info("Delivery sink started", "workers", s.opts.MaxInFlight, "queue_size", s.opts.QueueSize)
}

// Deliver queues env and returns immediately. It reports false only after
// Shutdown.
func (s *Sink) Deliver(env event.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.log.Warn("Delivery rejected after shutdown", "correlation_id", env.CorrelationID)
		return false
	}

	for {
		select {
		case s.queue <- env:
			metrics.DeliveryQueueDepth.Set(float64(len(s.queue)))
			return true
		default:
		}

		select {
		case oldest := <-s.queue:
			s.evicted.Add(1)
			metrics.DeliveryResults.WithLabelValues(metrics.DeliveryEvicted).Inc()
			s.log.Warn("Delivery queue full, dropping oldest envelope",
				"correlation_id", oldest.CorrelationID,
				"kind", oldest.Kind,
				"queue_size", s.opts.QueueSize,
			)
			s.bus.PublishEvent(context.Background(), bus.Event{
				Type:          bus.EventDropped,
				CorrelationID: oldest.CorrelationID,
				Kind:          string(oldest.Kind),
				Reason:        "delivery_queue_full",
			})
		default:
		}
	}
}

// Shutdown stops intake and waits for queued and in-flight deliveries until
// ctx ends. Work still pending at that point is aborted; the number of
// abandoned envelopes is returned.
func (s *Sink) Shutdown(ctx context.Context) int {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	started := s.started
	s.mu.Unlock()

	if !started {
		abandoned := len(s.queue)
		s.abandoned.Add(int64(abandoned))
		s.abortRuns()
		return abandoned
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pending := int64(len(s.queue)) + s.inFlight.Load()
		s.log.Warn("Delivery grace period expired, aborting", "pending", pending)
		s.abortRuns()
		<-done
	}
	s.abortRuns()

	abandoned := int(s.abandoned.Load())
	if abandoned > 0 {
		s.log.Error("Deliveries abandoned at shutdown", "count", abandoned)
	} else {
		s.log.Info("Delivery sink drained")
	}
	return abandoned
}

// Stats returns current counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Queued:    len(s.queue),
		InFlight:  s.inFlight.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Evicted:   s.evicted.Load(),
		Abandoned: s.abandoned.Load(),
	}
}

func (s *Sink) work() {
	defer s.workers.Done()

	for env := range s.queue {
		metrics.DeliveryQueueDepth.Set(float64(len(s.queue)))
		s.inFlight.Add(1)
		metrics.DeliveriesInFlight.Inc()

		s.deliver(s.runCtx, env)

		s.inFlight.Add(-1)
		metrics.DeliveriesInFlight.Dec()
	}
}

func (s *Sink) deliver(ctx context.Context, env event.Envelope) {
	log := s.log.With("correlation_id", env.CorrelationID, "kind", env.Kind)

	if ctx.Err() != nil {
		s.abandon(log, env, 0, ctx.Err())
		return
	}

	body, err := jsoncodec.Marshal(env)
	if err != nil {
		s.fail(log, env, 0, fmt.Errorf("encode envelope: %w", err))
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff
	policy.MaxInterval = s.opts.MaxBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	err = backoff.RetryNotify(
		func() error {
			attempts++
			return s.post(ctx, body)
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			log.Debug("Delivery attempt failed, retrying", "attempt", attempts, "retry_in", wait, "error", err)
		},
	)

	switch {
	case err == nil:
		s.delivered.Add(1)
		metrics.DeliveryResults.WithLabelValues(metrics.DeliverySucceeded).Inc()
		log.Debug("Delivered envelope", "attempts", attempts)
		s.bus.PublishEvent(context.Background(), bus.Event{
			Type:          bus.EventDeliverySucceeded,
			CorrelationID: env.CorrelationID,
			Kind:          string(env.Kind),
			Payload:       map[string]string{"attempts": strconv.Itoa(attempts)},
		})
	case ctx.Err() != nil:
		s.abandon(log, env, attempts, err)
	default:
		s.fail(log, env, attempts, err)
	}
}

func (s *Sink) fail(log *slog.Logger, env event.Envelope, attempts int, err error) {
	s.failed.Add(1)
	metrics.DeliveryResults.WithLabelValues(metrics.DeliveryFailed).Inc()
	log.Error("Delivery failed, discarding envelope", "attempts", attempts, "error", err)
	s.bus.PublishEvent(context.Background(), bus.Event{
		Type:          bus.EventDeliveryFailed,
		CorrelationID: env.CorrelationID,
		Kind:          string(env.Kind),
		Error:         err.Error(),
		Payload:       map[string]string{"attempts": strconv.Itoa(attempts)},
	})
}

func (s *Sink) abandon(log *slog.Logger, env event.Envelope, attempts int, err error) {
	s.abandoned.Add(1)
	metrics.DeliveryResults.WithLabelValues(metrics.DeliveryAbandoned).Inc()
	log.Warn("Delivery abandoned at shutdown", "attempts", attempts, "error", err)
	s.bus.PublishEvent(context.Background(), bus.Event{
		Type:          bus.EventDeliveryFailed,
		CorrelationID: env.CorrelationID,
		Kind:          string(env.Kind),
		Reason:        "shutdown",
		Error:         errorString(err),
	})
}

func (s *Sink) post(ctx context.Context, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.opts.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	metrics.DeliveryAttempts.Inc()
	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
