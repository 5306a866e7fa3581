package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// defaultDrainTimeout bounds Close when the context has no earlier deadline.
const defaultDrainTimeout = 30 * time.Second

// ErrCircuitOpen is returned while the circuit breaker rejects connection attempts.
var ErrCircuitOpen = stderrors.New("circuit breaker is open")

// Client manages a NATS connection with a circuit breaker around connection attempts.
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger
	metrics  *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	clientName    string

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "validate url")
	}

	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	c.metrics.RecordBrokerStatus(status == StatusConnected)
}

// IsHealthy returns true if the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the current failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// Conn returns the underlying NATS connection, nil when not connected
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// recordFailure counts a failure and opens the circuit once the threshold is reached.
func (c *Client) recordFailure() {
	total := c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}

	current := c.Status()
	backoff := c.backoff.Load().(time.Duration)
	next := backoff * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	c.circuitFailures.Store(0)

	if current == StatusCircuitOpen {
		c.logger.Warn("NATS circuit breaker still open", "backoff", next)
		return
	}
	if c.status.CompareAndSwap(current, StatusCircuitOpen) {
		c.logger.Warn("NATS circuit breaker opened", "failures", total, "backoff", backoff)
		time.AfterFunc(backoff, c.halfOpen)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect through after the backoff elapsed.
func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.logger.Debug("NATS circuit breaker half-open")
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Client", "Connect", "check state")
	}
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "check circuit")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		js   jetstream.JetStream
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			done <- result{err: err}
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- result{err: err}
			return
		}
		done <- result{conn: conn, js: js}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			return errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrNotConnected, r.err),
				"Client", "Connect", "establish connection")
		}
		c.mu.Lock()
		c.conn = r.conn
		c.js = r.js
		c.mu.Unlock()
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		// A late connection must not leak.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
			"Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// Close drains and closes the connection. Calling Close more than once is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	c.consumersMu.Lock()
	for key, cc := range c.consumers {
		cc.Stop()
		c.logger.Debug("Stopped consumer", "consumer", key)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	var drainErr error
	if conn != nil {
		drainTimeout := defaultDrainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain connection")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
		}
		if drainErr != nil {
			c.logger.Error("NATS drain failed, force closing", "error", drainErr)
		}
		conn.Close()
	}

	c.setStatus(StatusDisconnected)
	return drainErr
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return 0, errors.WrapTransient(errors.ErrNotConnected, "Client", "RTT", "check connection")
	}
	return conn.RTT()
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

func (c *Client) readyJetStream(method string) (jetstream.JetStream, error) {
	switch c.Status() {
	case StatusConnected:
	case StatusCircuitOpen:
		return nil, errors.WrapTransient(ErrCircuitOpen, "Client", method, "check circuit")
	default:
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", method, "check connection")
	}
	return c.JetStream()
}

// EnsureStream creates the stream or updates it when it already exists.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.readyJetStream("EnsureStream")
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("create stream %s", cfg.Name))
	}
	c.resetCircuit()
	return stream, nil
}

// PublishMsg publishes to a JetStream stream and waits for the server ack.
func (c *Client) PublishMsg(ctx context.Context, msg *nats.Msg) (*jetstream.PubAck, error) {
	js, err := c.readyJetStream("PublishMsg")
	if err != nil {
		return nil, err
	}

	ack, err := js.PublishMsg(ctx, msg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "PublishMsg", fmt.Sprintf("publish to %s", msg.Subject))
	}
	c.resetCircuit()
	return ack, nil
}

// ConsumeStream starts consuming a stream. A consumer with a Durable name is
// created or updated; without one an ordered ephemeral consumer is used and
// messages must not be acked. The returned key stops the consumer via StopConsumer.
func (c *Client) ConsumeStream(
	ctx context.Context,
	streamName string,
	cfg jetstream.ConsumerConfig,
	handler func(jetstream.Msg),
) (string, error) {
	js, err := c.readyJetStream("ConsumeStream")
	if err != nil {
		return "", err
	}
	if c.closed.Load() {
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeStream", "check client state")
	}

	var consumer jetstream.Consumer
	if cfg.Durable != "" {
		consumer, err = js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	} else {
		consumer, err = js.OrderedConsumer(ctx, streamName, jetstream.OrderedConsumerConfig{
			FilterSubjects: filterSubjects(cfg),
			DeliverPolicy:  cfg.DeliverPolicy,
		})
	}
	if err != nil {
		c.recordFailure()
		return "", errors.WrapTransient(err, "Client", "ConsumeStream", fmt.Sprintf("create consumer on %s", streamName))
	}

	consumeContext, err := consumer.Consume(handler)
	if err != nil {
		c.recordFailure()
		return "", errors.WrapTransient(err, "Client", "ConsumeStream", fmt.Sprintf("consume %s", streamName))
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if c.closed.Load() {
		consumeContext.Stop()
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeStream", "register consumer")
	}
	if c.consumers == nil {
		c.consumers = make(map[string]jetstream.ConsumeContext)
	}

	key := fmt.Sprintf("%s:%s", streamName, cfg.Durable)
	if cfg.Durable == "" {
		key = fmt.Sprintf("%s:ordered:%p", streamName, consumeContext)
	}
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
		c.logger.Debug("Replaced existing consumer", "consumer", key)
	}
	c.consumers[key] = consumeContext

	c.resetCircuit()
	return key, nil
}

// StopConsumer stops a consumer started with ConsumeStream.
func (c *Client) StopConsumer(key string) {
	c.consumersMu.Lock()
	cc, ok := c.consumers[key]
	delete(c.consumers, key)
	c.consumersMu.Unlock()

	if ok {
		cc.Stop()
	}
}

func filterSubjects(cfg jetstream.ConsumerConfig) []string {
	if len(cfg.FilterSubjects) > 0 {
		return cfg.FilterSubjects
	}
	if cfg.FilterSubject != "" {
		return []string{cfg.FilterSubject}
	}
	return nil
}

// CreateKeyValueBucket returns the bucket, creating it when missing.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.readyJetStream("CreateKeyValueBucket")
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExistsError(err) {
			c.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("create bucket %s", cfg.Bucket))
		}
		// Lost a creation race; use the winner's bucket.
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			c.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("access existing bucket %s", cfg.Bucket))
		}
	} else {
		c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	}

	c.resetCircuit()
	return bucket, nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.metrics.RecordBrokerReconnect()
	c.logger.Info("NATS reconnected", "url", c.url)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error", "subject", subject, "error", err)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "bucket name already in use") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "stream name already in use")
}
