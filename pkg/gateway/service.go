package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slackrelay/pkg/bus"
	"slackrelay/pkg/channel"
	slackchannel "slackrelay/pkg/channel/slack"
	"slackrelay/pkg/config"
	"slackrelay/pkg/delivery"
	"slackrelay/pkg/directory"
	"slackrelay/pkg/jsoncodec"
	"slackrelay/pkg/relay"
)

const (
	defaultStatusHost    = "0.0.0.0"
	defaultStatusPort    = 18790
	defaultShutdownGrace = 10 * time.Second
	observerBuffer       = 1024
)

// Options replaces collaborators that are otherwise built from configuration.
type Options struct {
	Connector  slackchannel.Connector
	Directory  directory.Service
	HTTPClient *http.Client
}

// Service wires the supervisor, dispatcher, directory cache and delivery sink
// and owns their lifecycle.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.MessageBus
	supervisor *slackchannel.Supervisor
	dispatcher *relay.Dispatcher
	cache      *directory.Cache
	sink       *delivery.Sink

	mu           sync.RWMutex
	startedAt    time.Time
	channelState channelState
	counters     counters
}

type channelState struct {
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type counters struct {
	Received   int64 `json:"received"`
	Dispatched int64 `json:"dispatched"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Reconnects int64 `json:"reconnects"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Channels      map[string]channelState `json:"channels"`
	Events        counters                `json:"events"`
	Delivery      delivery.Stats          `json:"delivery"`
	InboundQueue  int                     `json:"inbound_queue"`
}

func NewService(ctx context.Context, cfg *config.Config, opts Options, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	messageBus := bus.NewMessageBus(cfg.Relay.QueueSize)

	connector := opts.Connector
	service := opts.Directory
	if connector == nil || service == nil {
		client := slackchannel.NewClient(cfg.Slack)
		if connector == nil {
			connector = slackchannel.NewSocketConnector(client, cfg.Supervisor.ReadTimeout)
		}
		if service == nil {
			service = directory.NewSlackService(client, log)
		}
	}

	cache, err := directory.Open(ctx, cfg.Directory, service, log)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}

	sink, err := delivery.NewSink(delivery.Options{
		URL:            cfg.Webhook.URL,
		AttemptTimeout: cfg.Webhook.AttemptTimeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
		MaxInFlight:    cfg.Webhook.MaxInFlight,
		QueueSize:      cfg.Webhook.QueueSize,
		Client:         opts.HTTPClient,
	}, messageBus, log)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("initialize delivery sink: %w", err)
	}

	dispatcher, err := relay.NewDispatcher(cache, sink, relay.Options{
		Workers:           cfg.Relay.Workers,
		ForwardUnknown:    cfg.Relay.ForwardUnknown,
		IgnoreBotMessages: cfg.Relay.IgnoreBotMessages,
		LookupTimeout:     cfg.Directory.LookupTimeout,
	}, messageBus, log)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("initialize dispatcher: %w", err)
	}

	supervisor, err := slackchannel.NewSupervisor(connector, slackchannel.Options{
		BaseDelay:       cfg.Supervisor.BaseDelay,
		MaxDelay:        cfg.Supervisor.MaxDelay,
		ResetAfter:      cfg.Supervisor.ResetAfter,
		MaxAuthFailures: cfg.Supervisor.MaxAuthFailures,
		DedupWindow:     cfg.Supervisor.DedupWindow,
		DedupSize:       cfg.Supervisor.DedupSize,
	}, messageBus, log)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("initialize slack supervisor: %w", err)
	}

	return &Service{
		cfg:        cfg,
		log:        log.With("component", "gateway.service"),
		bus:        messageBus,
		supervisor: supervisor,
		dispatcher: dispatcher,
		cache:      cache,
		sink:       sink,
	}, nil
}

// Run starts every stage and blocks until ctx ends or the upstream session
// fails fatally. Shutdown is ordered: the session closes first, queued events
// drain through the dispatcher, then the sink gets the grace period.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	observerCtx, stopObserver := context.WithCancel(context.Background())
	defer stopObserver()
	observerReady := make(chan struct{})
	go s.observe(observerCtx, observerReady)
	<-observerReady

	s.sink.Start()

	drainCtx, abortDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer abortDrain()
	dispatchDone := make(chan struct{})
	go func() {
		s.dispatcher.Run(drainCtx)
		close(dispatchDone)
	}()

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	serverErrors := make(chan error, 1)
	if s.cfg.Status.Enabled {
		go s.runStatusServer(serverCtx, serverErrors)
	}

	adapterCtx, stopAdapter := context.WithCancel(ctx)
	defer stopAdapter()
	adapterDone := make(chan error, 1)
	s.setChannelState(channelState{Running: true})
	go func() {
		adapterDone <- s.runAdapter(adapterCtx, s.supervisor)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutting down")
	case err := <-adapterDone:
		adapterDone = nil
		if err != nil {
			runErr = fmt.Errorf("run %s channel: %w", s.supervisor.Name(), err)
		}
	case err := <-serverErrors:
		runErr = err
	}

	stopAdapter()
	if adapterDone != nil {
		<-adapterDone
	}
	s.bus.CloseInbound()

	grace := s.cfg.Relay.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), grace)
	defer cancelGrace()

	select {
	case <-dispatchDone:
	case <-graceCtx.Done():
		s.log.Warn("Dispatcher drain exceeded grace period", "queued", s.bus.InboundDepth())
		abortDrain()
		<-dispatchDone
	}

	if abandoned := s.sink.Shutdown(graceCtx); abandoned > 0 {
		s.log.Warn("Shutdown abandoned deliveries", "count", abandoned)
	}

	stopServer()
	s.bus.Close()
	if err := s.cache.Close(); err != nil {
		s.log.Warn("Failed to close directory store", "error", err)
	}

	s.log.Info("Relay stopped")
	return runErr
}

func (s *Service) runAdapter(ctx context.Context, adapter channel.Adapter) error {
	err := adapter.Run(ctx, s.dispatcher.Enqueue)
	s.setChannelState(channelState{Running: false, Error: errorString(err)})
	return err
}

// observe folds lifecycle events into the status counters.
func (s *Service) observe(ctx context.Context, ready chan<- struct{}) {
	events, unsubscribe := s.bus.SubscribeEvents(ctx, observerBuffer)
	defer unsubscribe()
	close(ready)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.record(e)
		}
	}
}

func (s *Service) record(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case bus.EventFrameReceived:
		s.counters.Received++
	case bus.EventDispatched:
		s.counters.Dispatched++
	case bus.EventDropped:
		s.counters.Dropped++
	case bus.EventDeliverySucceeded:
		s.counters.Delivered++
	case bus.EventDeliveryFailed:
		s.counters.Failed++
	case bus.EventSessionDisconnected:
		s.counters.Reconnects++
	}
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Status.Host)
	if host == "" {
		host = defaultStatusHost
	}

	port := s.cfg.Status.Port
	if port <= 0 {
		port = defaultStatusPort
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := jsoncodec.Encode(w, payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	state := s.channelState
	state.Connected = s.supervisor.Connected()

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Channels:      map[string]channelState{s.supervisor.Name(): state},
		Events:        s.counters,
		Delivery:      s.sink.Stats(),
		InboundQueue:  s.bus.InboundDepth(),
	}
}

// isReady reports true while the upstream session is connected.
func (s *Service) isReady() bool {
	s.mu.RLock()
	running := s.channelState.Running
	s.mu.RUnlock()

	return running && s.supervisor.Connected()
}

func (s *Service) setChannelState(state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelState = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
