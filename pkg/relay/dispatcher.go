package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"slackrelay/pkg/bus"
	"slackrelay/pkg/directory"
	"slackrelay/pkg/event"
	"slackrelay/pkg/ids"
	"slackrelay/pkg/logger"
	"slackrelay/pkg/metrics"
)

const (
	defaultWorkers       = 4
	defaultLookupTimeout = 3 * time.Second
)

// Drop reasons
const (
	dropMalformed   = "malformed"
	dropBotMessage  = "bot_message"
	dropUnknownKind = "unknown_kind"
	dropQueueFull   = "inbound_queue_full"
	dropSinkClosed  = "sink_closed"
	dropPanic       = "panic"
)

// Resolver resolves ids to directory entries.
type Resolver interface {
	Resolve(ctx context.Context, kind directory.Kind, id string) (directory.Entry, error)
}

// Deliverer accepts envelopes for asynchronous delivery.
type Deliverer interface {
	Deliver(env event.Envelope) bool
}

// Options configures a Dispatcher.
type Options struct {
	Workers           int
	ForwardUnknown    bool
	IgnoreBotMessages bool
	LookupTimeout     time.Duration

	// IDFunc generates correlation ids. Defaults to monotonic ULIDs.
	IDFunc func() string
}

// Dispatcher turns raw upstream events into enriched envelopes for the sink.
type Dispatcher struct {
	resolver Resolver
	sink     Deliverer
	bus      *bus.MessageBus
	opts     Options
	log      *slog.Logger
}

func NewDispatcher(resolver Resolver, sink Deliverer, opts Options, messageBus *bus.MessageBus, log *slog.Logger) (*Dispatcher, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.IDFunc == nil {
		opts.IDFunc = ids.NewCorrelationID
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Dispatcher{
		resolver: resolver,
		sink:     sink,
		bus:      messageBus,
		opts:     opts,
		log:      log.With("component", "relay.dispatcher"),
	}, nil
}

// Enqueue hands raw to the worker queue without blocking. When the queue is
// full the event is dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, raw event.RawEvent) {
	if d.bus == nil {
		d.Handle(ctx, raw)
		return
	}

	if !d.bus.TryPublishInbound(raw) {
		d.log.Warn("Inbound queue full, dropping event", "frame_id", raw.FrameID, "queue_size", d.bus.InboundCapacity())
		d.drop(ctx, raw, "", dropQueueFull)
		return
	}
	metrics.InboundQueueDepth.Set(float64(d.bus.InboundDepth()))
}

// Run consumes the inbound queue with the configured number of workers until
// the queue is closed and drained or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.bus == nil {
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				raw, ok := d.bus.ConsumeInbound(ctx)
				if !ok {
					return
				}
				metrics.InboundQueueDepth.Set(float64(d.bus.InboundDepth()))
				d.Handle(ctx, raw)
			}
		}()
	}

	d.log.Info("Dispatcher started", "workers", d.opts.Workers)
	wg.Wait()
	d.log.Info("Dispatcher drained")
}

// Handle processes one event to completion. It never panics; every failure
// drops the event with a log line.
func (d *Dispatcher) Handle(ctx context.Context, raw event.RawEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Recovered from panic while handling event", "frame_id", raw.FrameID, "panic", fmt.Sprint(r))
			d.drop(ctx, raw, "", dropPanic)
		}
	}()

	classification, err := event.Classify(raw)
	if err != nil {
		d.log.Warn("Dropping malformed event", "frame_id", raw.FrameID, "frame_type", raw.FrameType, "error", err)
		d.drop(ctx, raw, "", dropMalformed)
		return
	}
	kind := classification.Kind

	if kind == event.KindMessage && d.opts.IgnoreBotMessages && classification.FromBot() {
		d.log.Debug("Ignoring bot message", "frame_id", raw.FrameID)
		d.drop(ctx, raw, kind, dropBotMessage)
		return
	}

	if kind == event.KindUnknown && !d.opts.ForwardUnknown {
		d.log.Debug("Dropping unknown event", "frame_id", raw.FrameID, "declared_type", classification.Declared)
		d.drop(ctx, raw, kind, dropUnknownKind)
		return
	}

	correlationID := d.opts.IDFunc()
	enrichment := d.enrich(ctx, classification, correlationID)
	env := event.Normalize(raw, kind, enrichment, correlationID)

	if !d.sink.Deliver(env) {
		d.drop(ctx, raw, kind, dropSinkClosed)
		return
	}

	metrics.EventsDispatched.WithLabelValues(string(kind)).Inc()
	d.log.Debug("Dispatched event", "correlation_id", correlationID, "frame_id", raw.FrameID, "kind", kind, "declared_type", classification.Declared)
	d.bus.PublishEvent(ctx, bus.Event{
		Type:          bus.EventDispatched,
		CorrelationID: correlationID,
		FrameID:       raw.FrameID,
		Kind:          string(kind),
	})
}

// enrich resolves the ids the kind calls for, concurrently and within the
// lookup timeout. Failed lookups leave their field empty.
func (d *Dispatcher) enrich(ctx context.Context, c event.Classification, correlationID string) event.Enrichment {
	wantUser, wantChannel := c.Kind.Lookups()
	userID := c.Body.String("user")
	channelID := c.Body.String("channel")

	var enrichment event.Enrichment
	if (!wantUser || userID == "") && (!wantChannel || channelID == "") {
		return enrichment
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.opts.LookupTimeout)
	defer cancel()

	var g errgroup.Group
	if wantUser && userID != "" {
		g.Go(func() error {
			if entry, ok := d.resolve(lookupCtx, correlationID, directory.KindUser, userID); ok {
				enrichment.UserName = entry.DisplayName
				enrichment.UserEmail = entry.Email
			}
			return nil
		})
	}
	if wantChannel && channelID != "" {
		g.Go(func() error {
			if entry, ok := d.resolve(lookupCtx, correlationID, directory.KindChannel, channelID); ok {
				enrichment.ChannelName = entry.DisplayName
			}
			return nil
		})
	}
	_ = g.Wait()

	return enrichment
}

// resolve runs on an errgroup goroutine, outside Handle's recover.
func (d *Dispatcher) resolve(ctx context.Context, correlationID string, kind directory.Kind, id string) (entry directory.Entry, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Recovered from panic during lookup", "correlation_id", correlationID, "kind", kind, "id", id, "panic", fmt.Sprint(r))
			entry, ok = directory.Entry{}, false
		}
	}()

	entry, err := d.resolver.Resolve(ctx, kind, id)
	if err == nil {
		return entry, true
	}

	if errors.Is(err, directory.ErrNotFound) {
		d.log.Debug("Enrichment skipped, id not found", "correlation_id", correlationID, "kind", kind, "id", id)
	} else {
		d.log.Warn("Enrichment unavailable", "correlation_id", correlationID, "kind", kind, "id", id, "error", err)
	}
	return directory.Entry{}, false
}

func (d *Dispatcher) drop(ctx context.Context, raw event.RawEvent, kind event.Kind, reason string) {
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	d.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Type:    bus.EventDropped,
		FrameID: raw.FrameID,
		Kind:    string(kind),
		Reason:  reason,
	})
}
