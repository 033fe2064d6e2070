package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"coopwatch/go-mqtt-server/internal/actuator"
	"coopwatch/go-mqtt-server/internal/approval"
	"coopwatch/go-mqtt-server/internal/clock"
	"coopwatch/go-mqtt-server/internal/config"
	"coopwatch/go-mqtt-server/internal/dispatch"
	"coopwatch/go-mqtt-server/internal/eventstore"
	"coopwatch/go-mqtt-server/internal/feeding"
	"coopwatch/go-mqtt-server/internal/metrics"
	"coopwatch/go-mqtt-server/internal/model"
	"coopwatch/go-mqtt-server/internal/mqttbroker"
	"coopwatch/go-mqtt-server/internal/safety"
	"coopwatch/go-mqtt-server/internal/store"
	"coopwatch/go-mqtt-server/internal/transport"
)

// conn is the MQTT connection the app subscribes and publishes through,
// either the embedded broker or a paho client.
type conn interface {
	dispatch.Transport
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// App wires together the coopwatch services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock

	store   *store.Store
	metrics *metrics.Metrics
	broker  *mqttbroker.Broker
	client  *transport.Client
	conn    conn
	outbox  *transport.Outbox

	events     *eventstore.Store
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	safety     *safety.Evaluator
	approvals  *approval.Queue
	feeding    *feeding.Scheduler
	actuators  *actuator.Controller

	mdns    *zeroconf.Server
	started atomic.Bool
}

// Option customizes an App.
type Option func(*App)

// WithClock replaces the wall clock used by the event store, evaluator and scheduler.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *App {
	a := &App{cfg: cfg, logger: logger, clock: clock.Real{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	brokerErrCh, err := a.start(ctx)
	if err != nil {
		a.shutdown()
		return err
	}
	defer a.shutdown()

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           a.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	for name, srv := range map[string]*http.Server{"http": httpServer, "metrics": metricsServer} {
		go func() {
			a.logger.Info(name+" server started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	stopServers := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown", "error", err)
		}
		a.logger.Info("http servers stopped")
	}

	for {
		select {
		case <-ctx.Done():
			stopServers()
			return nil
		case err := <-httpErrCh:
			stopServers()
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			stopServers()
			return err
		}
	}
}

// start opens the journal, connects the transport and builds every service.
// The returned channel carries fatal embedded broker errors (nil when using
// an external broker).
func (a *App) start(ctx context.Context) (<-chan error, error) {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.store = db
	if err := a.store.InitSchema(ctx); err != nil {
		return nil, err
	}

	if a.metrics, err = metrics.New(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	j := &journal{store: a.store, logger: a.logger}

	a.events = eventstore.New(a.cfg.EventCapacity, a.clock)
	a.approvals = approval.NewQueue(a.cfg.ApprovalTimeout, a.logger, j)

	a.prepareConn()
	a.registry = dispatch.NewRegistry(a.conn, a.logger)
	a.dispatcher = dispatch.NewDispatcher(a.registry, a.events, a.logger,
		dispatch.WithMetrics(a.metrics),
		dispatch.WithSink(j),
	)
	a.outbox = transport.NewOutbox(a.conn, 0, a.logger)

	brokerErrCh, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}

	a.safety = safety.New(safety.Config{
		CacheTTL:   a.cfg.ReadingCacheTTL,
		StaleAfter: a.cfg.StaleAfter,
		RateLimit:  a.cfg.SafetyRateLimit,
	}, a.events, a.clock, a.logger, a.metrics)

	a.feeding = feeding.New(feeding.Config{
		DefaultCoopID:          a.cfg.DefaultCoopID,
		DefaultIntervalHours:   feeding.DefaultIntervalHours,
		ApprovalThresholdHours: a.cfg.ApprovalThresholdHours,
		OverdueThreshold:       a.cfg.OverdueThreshold,
	}, a.clock, a.approvals, &reminderPublisher{outbox: a.outbox, logger: a.logger}, a.logger, a.metrics)

	a.actuators = actuator.NewController(a.outbox, a.logger)

	a.subscribeInitial(ctx)

	if a.cfg.EnableMDNS && a.broker != nil {
		if err := a.startMDNS(a.broker.Addr()); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
	}

	a.started.Store(true)
	return brokerErrCh, nil
}

// prepareConn builds the embedded broker or the paho client and routes its
// inbound messages to the dispatcher.
func (a *App) prepareConn() {
	if a.cfg.UseEmbeddedBroker() {
		broker := mqttbroker.New(a.logger)
		broker.SetPublishHandler(func(ctx context.Context, msg mqttbroker.PublishMessage) {
			a.dispatcher.OnMessage(ctx, msg.Topic, msg.Payload)
		})
		a.broker = broker
		a.conn = broker
		return
	}

	client := transport.New(transport.Options{
		BrokerURL: a.cfg.MQTTBrokerURL,
		ClientID:  a.cfg.MQTTClientID,
	}, a.logger)
	client.SetMessageHandler(func(ctx context.Context, topic string, payload []byte) {
		a.dispatcher.OnMessage(ctx, topic, payload)
	})
	client.OnConnect(a.onReconnect)
	a.client = client
	a.conn = client
}

// connect starts the embedded broker or dials the external one.
func (a *App) connect(ctx context.Context) (<-chan error, error) {
	if a.broker != nil {
		return a.broker.Start(a.cfg.MQTTBindAddress)
	}
	return nil, a.client.Connect(ctx)
}

// onReconnect restores broker-side subscriptions and drains held publishes.
func (a *App) onReconnect(ctx context.Context) {
	if !a.started.Load() {
		return
	}
	if err := a.registry.Resync(ctx); err != nil {
		a.logger.Warn("resubscribe after reconnect failed", "error", err)
	}
	if _, err := a.outbox.Flush(ctx); err != nil {
		a.logger.Warn("outbox flush after reconnect failed", "error", err)
	}
}

// subscribeInitial applies the configured subscription patterns.
func (a *App) subscribeInitial(ctx context.Context) {
	if len(a.cfg.Subscriptions) == 0 {
		return
	}
	for _, res := range a.registry.Subscribe(ctx, a.cfg.Subscriptions, 0, nil) {
		if res.Err != nil {
			a.logger.Warn("initial subscription failed", "pattern", res.Pattern, "error", res.Err)
		}
	}
}

// shutdown stops timers, the transport and the journal. Safe to call on a
// partially started app.
func (a *App) shutdown() {
	a.started.Store(false)
	a.stopMDNS()
	if a.feeding != nil {
		a.feeding.Close()
	}
	if a.client != nil {
		a.client.Disconnect(250 * time.Millisecond)
		a.logger.Info("mqtt client disconnected")
	}
	if a.broker != nil {
		if err := a.broker.Stop(); err != nil {
			a.logger.Error("stop mqtt broker", "error", err)
		}
		a.logger.Info("mqtt broker stopped")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

// journal persists dispatcher outcomes and approval decisions.
type journal struct {
	store  *store.Store
	logger *slog.Logger
}

func (j *journal) EventStored(ctx context.Context, e model.SensorEvent, class model.MessageClass) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := j.store.InsertEvent(storeCtx, e, class); err != nil {
		j.logger.Error("failed to journal event", "topic", e.Topic, "seq", e.Seq, "error", err)
	}
}

func (j *journal) MessageDropped(ctx context.Context, topic string, raw []byte, reason error) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		Topic:   topic,
		Payload: truncateString(string(raw), 4096),
		Error:   reason.Error(),
	}
	if err := j.store.InsertIngestionError(storeCtx, entry); err != nil {
		j.logger.Error("failed to persist ingestion error", "topic", topic, "error", err)
	}
}

func (j *journal) RecordDecision(ctx context.Context, d model.ApprovalDecision) {
	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := j.store.InsertApprovalDecision(storeCtx, d); err != nil {
		j.logger.Error("failed to journal approval decision", "id", d.ID, "error", err)
	}
}

func truncateString(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
