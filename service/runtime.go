package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/broker/amqpbroker"
	"github.com/c360/telemetryrelay/broker/natsbroker"
	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/config"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/health"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/natsclient"
	"github.com/c360/telemetryrelay/registry"
	"github.com/c360/telemetryrelay/stream"
	"github.com/c360/telemetryrelay/window"
)

// Status represents the current status of a runtime
type Status int

// Possible runtime statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info holds runtime information
type Info struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
}

// Option is a functional option for configuring Runtime
type Option func(*Runtime)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics registry instead of creating one
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Runtime) {
		r.metricsRegistry = registry
	}
}

// WithTransport uses transport instead of the one broker.kind selects.
// The runtime does not close it.
func WithTransport(transport broker.Transport) Option {
	return func(r *Runtime) {
		r.transport = transport
		r.ownsTransport = false
	}
}

// WithRegistryBackend uses backend instead of the one registry.kind selects
func WithRegistryBackend(backend registry.Backend) Option {
	return func(r *Runtime) {
		r.backend = backend
	}
}

// Runtime connects a host program to its broker and schema registry as
// configured, and serves metrics while running.
type Runtime struct {
	name   string
	config *config.Config
	logger *slog.Logger

	metricsRegistry *metric.MetricsRegistry
	metricsServer   *metric.Server

	nats          *natsclient.Client
	connected     atomic.Pointer[natsclient.Client]
	transport     broker.Transport
	ownsTransport bool
	backend       registry.Backend
	ownsBackend   bool

	broker   *broker.Client
	registry *registry.Client
	health   *health.Monitor

	status    atomic.Value // Status
	startTime atomic.Value // time.Time

	waitGroup sync.WaitGroup
	mu        sync.Mutex
}

// New creates a stopped runtime for cfg
func New(name string, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Runtime", "New", "check config")
	}
	r := &Runtime{
		name:          name,
		config:        cfg,
		logger:        slog.Default().With("service", name),
		ownsTransport: true,
		health:        health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metricsRegistry == nil {
		r.metricsRegistry = metric.NewMetricsRegistry()
	}
	r.status.Store(StatusStopped)
	r.startTime.Store(time.Time{})
	return r, nil
}

// Name returns the runtime name
func (r *Runtime) Name() string { return r.name }

// Status returns the current status
func (r *Runtime) Status() Status { return r.status.Load().(Status) }

// Logger returns the runtime logger
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Broker returns the broker client, nil until started
func (r *Runtime) Broker() *broker.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broker
}

// Registry returns the schema registry client, nil until started
func (r *Runtime) Registry() *registry.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry
}

// MetricsRegistry returns the metrics registry
func (r *Runtime) MetricsRegistry() *metric.MetricsRegistry { return r.metricsRegistry }

// Metrics returns the relay core metrics
func (r *Runtime) Metrics() *metric.Metrics { return r.metricsRegistry.CoreMetrics() }

// GetStatus returns the current runtime information
func (r *Runtime) GetStatus() Info {
	startTime := r.startTime.Load().(time.Time)
	uptime := time.Duration(0)
	if !startTime.IsZero() && r.Status() == StatusRunning {
		uptime = time.Since(startTime)
	}
	return Info{Name: r.name, Status: r.Status(), Uptime: uptime, StartTime: startTime}
}

// Start connects the broker and the registry and starts the metrics server.
// Starting a running runtime does nothing.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.Status(); s == StatusRunning || s == StatusStarting {
		return nil
	}
	r.status.Store(StatusStarting)

	if err := r.connect(ctx); err != nil {
		_ = r.release(context.WithoutCancel(ctx))
		r.status.Store(StatusStopped)
		return err
	}

	if r.config.Metrics.Enabled {
		r.metricsServer = metric.NewServer(r.config.Metrics.Port, r.config.Metrics.Path, r.metricsRegistry)
		r.metricsServer.SetHealthCheck(r.Health)
		r.waitGroup.Add(1)
		go func(server *metric.Server) {
			defer r.waitGroup.Done()
			if err := server.Start(); err != nil {
				r.logger.Error("Metrics server failed", "error", err)
			}
		}(r.metricsServer)
		r.logger.Info("Metrics server started", "address", r.metricsServer.Address())
	}

	r.health.UpdateHealthy("broker", r.config.Broker.Kind)
	r.health.UpdateHealthy("registry", r.config.Registry.Kind)
	r.startTime.Store(time.Now())
	r.status.Store(StatusRunning)
	r.logger.Info("Runtime started",
		"broker", r.config.Broker.Kind,
		"registry", r.config.Registry.Kind)
	return nil
}

func (r *Runtime) connect(ctx context.Context) error {
	cfg := r.config
	metrics := r.metricsRegistry.CoreMetrics()

	if cfg.Broker.Kind == config.BrokerNATS && (r.transport == nil || (r.backend == nil && cfg.Registry.Kind == config.RegistryKV)) {
		nc, err := natsclient.NewClient(cfg.Broker.URL,
			natsclient.WithName(r.name),
			natsclient.WithTimeout(cfg.Broker.ConnectTimeout),
			natsclient.WithMaxReconnects(cfg.Broker.MaxReconnects),
			natsclient.WithReconnectWait(cfg.Broker.ReconnectWait),
			natsclient.WithCircuitBreakerThreshold(int32(cfg.Broker.CircuitThreshold)),
			natsclient.WithMaxBackoff(cfg.Broker.MaxBackoff),
			natsclient.WithLogger(r.logger),
			natsclient.WithMetrics(metrics))
		if err != nil {
			return errors.Wrap(err, "Runtime", "Start", "create NATS client")
		}
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
		err = nc.Connect(connectCtx)
		cancel()
		if err != nil {
			return errors.Wrap(err, "Runtime", "Start", "connect to "+cfg.Broker.URL)
		}
		r.nats = nc
		r.connected.Store(nc)
	}

	if r.transport == nil {
		transport, err := r.newTransport()
		if err != nil {
			return err
		}
		r.transport = transport
	}
	client, err := broker.NewClient(r.transport,
		broker.WithConsumerGroup(cfg.Broker.ConsumerGroup),
		broker.WithMetrics(metrics),
		broker.WithLogger(r.logger))
	if err != nil {
		return err
	}

	if r.backend == nil {
		r.ownsBackend = true
		switch cfg.Registry.Kind {
		case config.RegistryKV:
			backend, err := registry.NewKVBackend(ctx, r.nats, cfg.Registry.Bucket)
			if err != nil {
				return errors.Wrap(err, "Runtime", "Start", "open registry bucket "+cfg.Registry.Bucket)
			}
			r.backend = backend
		default:
			r.backend = registry.NewMemoryBackend()
		}
	}
	reg, err := registry.NewClient(r.backend,
		registry.WithGroup(cfg.Registry.Group),
		registry.WithCacheSize(cfg.Registry.CacheSize),
		registry.WithLogger(r.logger),
		registry.WithMetrics(r.metricsRegistry))
	if err != nil {
		return err
	}

	r.broker = client
	r.registry = reg
	return nil
}

func (r *Runtime) newTransport() (broker.Transport, error) {
	cfg := r.config.Broker
	switch cfg.Kind {
	case config.BrokerNATS:
		opts := []natsbroker.Option{natsbroker.WithLogger(r.logger)}
		if cfg.StreamPrefix != "" {
			opts = append(opts, natsbroker.WithPrefix(cfg.StreamPrefix))
		}
		return natsbroker.New(r.nats, opts...)
	case config.BrokerAMQP:
		return amqpbroker.Dial(cfg.URL, amqpbroker.WithLogger(r.logger))
	case config.BrokerMemory:
		return broker.NewMemoryTransport(broker.WithMemoryLogger(r.logger)), nil
	}
	return nil, errors.WrapFatal(fmt.Errorf("%w: broker.kind %q", errors.ErrInvalidConfig, cfg.Kind),
		"Runtime", "Start", "select transport")
}

// HealthStatus aggregates the health of the broker, the registry and the
// NATS connection when there is one.
func (r *Runtime) HealthStatus() health.Status {
	if s := r.Status(); s != StatusRunning {
		return health.NewUnhealthy(r.name, "runtime is "+s.String())
	}
	if nc := r.connected.Load(); nc != nil {
		switch status := nc.Status(); status {
		case natsclient.StatusConnected:
			msg := status.String()
			if rtt, err := nc.RTT(); err == nil {
				msg = fmt.Sprintf("%s, rtt %v", msg, rtt)
			}
			r.health.UpdateHealthy("nats", msg)
		case natsclient.StatusReconnecting:
			r.health.UpdateDegraded("nats", status.String())
		default:
			r.health.UpdateUnhealthy("nats", status.String())
		}
	}
	return r.health.AggregateHealth(r.name)
}

// Health reports why the runtime cannot serve, nil when it can. A degraded
// runtime still serves.
func (r *Runtime) Health() error {
	status := r.HealthStatus()
	if status.IsUnhealthy() {
		return fmt.Errorf("%w: %s", errors.ErrNotConnected, status.Summary())
	}
	return nil
}

// StreamOptions returns the stream options the configuration implies:
// payload encoding, window retention, consumer group and connect timeout.
func (r *Runtime) StreamOptions() ([]stream.Option, error) {
	cfg := r.config
	enc, err := codec.NewEncoding(cfg.Codec.Name, cfg.Codec.Compression)
	if err != nil {
		return nil, errors.WrapFatal(err, "Runtime", "StreamOptions", "select encoding")
	}
	bufferOpts := []window.Option{window.WithRetention(cfg.Window.RetentionBatches)}
	if cfg.Window.RetireServed {
		bufferOpts = append(bufferOpts, window.WithRetireServed())
	}
	opts := []stream.Option{
		stream.WithWriterOptions(broker.WithEncoding(enc)),
		stream.WithBufferOptions(bufferOpts...),
		stream.WithConnectTimeout(cfg.Broker.ConnectTimeout),
	}
	if cfg.Broker.ConsumerGroup != "" {
		opts = append(opts, stream.WithConsumerGroup(cfg.Broker.ConsumerGroup))
	}
	return opts, nil
}

// Stop closes the broker and the NATS connection and stops the metrics
// server. Stopping a stopped runtime does nothing.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.Status(); s == StatusStopped || s == StatusStopping {
		return nil
	}
	r.status.Store(StatusStopping)
	err := r.release(ctx)

	done := make(chan struct{})
	go func() {
		r.waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Runtime stop timed out", "error", ctx.Err())
	}

	r.status.Store(StatusStopped)
	r.logger.Info("Runtime stopped")
	return err
}

func (r *Runtime) release(ctx context.Context) error {
	var errs []error
	if r.metricsServer != nil {
		errs = append(errs, r.metricsServer.Stop(ctx))
		r.metricsServer = nil
	}
	if r.transport != nil && r.ownsTransport {
		errs = append(errs, r.transport.Close(ctx))
		r.transport = nil
	}
	if r.nats != nil {
		errs = append(errs, r.nats.Close(ctx))
		r.nats = nil
		r.connected.Store(nil)
	}
	if r.ownsBackend {
		r.backend = nil
		r.ownsBackend = false
	}
	r.broker = nil
	r.registry = nil
	r.health.Clear()
	return stderrors.Join(errs...)
}
