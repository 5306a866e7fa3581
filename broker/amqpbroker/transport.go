// Package amqpbroker carries relay frames over RabbitMQ.
//
// Every topic is a durable topic exchange. Frames are published with the
// stream ID as routing key and their metadata in message headers; each send
// waits for the publisher confirm. A consumer group shares one durable queue
// named <group>.<topic>; a subscriber without a group gets an exclusive queue.
package amqpbroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
)

// Header names carrying frame metadata.
const (
	HeaderStream   = "relay-stream"
	HeaderKind     = "relay-kind"
	HeaderFeed     = "relay-feed"
	HeaderSeq      = "relay-seq"
	HeaderEncoding = "relay-encoding"
)

// DefaultPrefetch bounds unacknowledged deliveries per subscriber.
const DefaultPrefetch = 256

// Transport implements broker.Transport on an AMQP 0-9-1 connection.
type Transport struct {
	conn     *amqp.Connection
	prefetch int
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	declared map[string]struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithPrefetch sets the consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.prefetch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Dial connects to the broker at url.
func Dial(url string, opts ...Option) (*Transport, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "amqpbroker", "Dial", "check url")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrNotConnected, err), "amqpbroker", "Dial", "connect")
	}
	return New(conn, opts...), nil
}

// New wraps an open connection.
func New(conn *amqp.Connection, opts ...Option) *Transport {
	t := &Transport{
		conn:     conn,
		prefetch: DefaultPrefetch,
		logger:   slog.Default(),
		declared: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) channel(method string) (*amqp.Channel, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStopped, "amqpbroker", method, "check transport")
	}
	if t.conn == nil || t.conn.IsClosed() {
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "amqpbroker", method, "check connection")
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, errors.WrapTransient(err, "amqpbroker", method, "open channel")
	}
	return ch, nil
}

func declareExchange(ch *amqp.Channel, topic string) error {
	return ch.ExchangeDeclare(
		topic,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// OpenOutputTopic implements broker.Transport.
func (t *Transport) OpenOutputTopic(_ context.Context, name string) (broker.OutputTopic, error) {
	if name == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty topic name", errors.ErrInvalidConfig),
			"amqpbroker", "OpenOutputTopic", "check name")
	}
	ch, err := t.channel("OpenOutputTopic")
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, name); err != nil {
		_ = ch.Close()
		return nil, errors.WrapTransient(err, "amqpbroker", "OpenOutputTopic", "declare exchange "+name)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.WrapTransient(err, "amqpbroker", "OpenOutputTopic", "enable publisher confirms")
	}
	return &outputTopic{name: name, channel: ch}, nil
}

// Subscribe implements broker.Transport.
func (t *Transport) Subscribe(_ context.Context, topic, group string, deliver broker.DeliverFunc) (broker.Subscription, error) {
	if deliver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "amqpbroker", "Subscribe", "check deliver func")
	}
	ch, err := t.channel("Subscribe")
	if err != nil {
		return nil, err
	}
	fail := func(err error, action string) (broker.Subscription, error) {
		_ = ch.Close()
		return nil, errors.WrapTransient(err, "amqpbroker", "Subscribe", action)
	}

	if err := declareExchange(ch, topic); err != nil {
		return fail(err, "declare exchange "+topic)
	}
	if err := ch.Qos(t.prefetch, 0, false); err != nil {
		return fail(err, "set prefetch")
	}

	durable := group != ""
	queueName := ""
	if durable {
		queueName = QueueName(group, topic)
	}
	q, err := ch.QueueDeclare(
		queueName,
		durable,  // durable
		!durable, // delete when unused
		!durable, // exclusive
		false,    // no-wait
		nil,
	)
	if err != nil {
		return fail(err, "declare queue")
	}
	if err := ch.QueueBind(q.Name, "#", topic, false, nil); err != nil {
		return fail(err, "bind queue "+q.Name)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fail(err, "consume "+q.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		channel: ch,
		topic:   topic,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  t.logger.With("topic", topic, "queue", q.Name),
	}
	go sub.run(ctx, deliveries, deliver)

	t.logger.Info("Subscribed", "topic", topic, "group", group, "queue", q.Name)
	return sub, nil
}

// Close closes the connection. Open topics and subscriptions stop with it.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.conn == nil || t.conn.IsClosed() {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return errors.Wrap(err, "amqpbroker", "Close", "close connection")
	}
	return nil
}

// QueueName returns the durable queue shared by a consumer group.
func QueueName(group, topic string) string {
	return group + "." + topic
}

// EncodePublishing builds the AMQP message of a frame.
func EncodePublishing(frame broker.Frame) amqp.Publishing {
	headers := amqp.Table{
		HeaderStream:   frame.StreamID,
		HeaderKind:     frame.Kind.String(),
		HeaderSeq:      int64(frame.Seq),
		HeaderEncoding: frame.Encoding,
	}
	if frame.Feed != "" {
		headers[HeaderFeed] = frame.Feed
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s/%d", frame.StreamID, frame.Seq),
		Body:         frame.Payload,
	}
}

// DecodeDelivery rebuilds a frame from delivery headers and body.
func DecodeDelivery(topic string, headers amqp.Table, body []byte) (broker.Frame, error) {
	kind, err := broker.ParseFrameKind(headerString(headers, HeaderKind))
	if err != nil {
		return broker.Frame{}, err
	}
	var seq uint64
	switch v := headers[HeaderSeq].(type) {
	case int64:
		seq = uint64(v)
	case int32:
		seq = uint64(v)
	default:
		return broker.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: sequence header %T", errors.ErrInvalidData, v),
			"amqpbroker", "DecodeDelivery", "parse header")
	}
	frame := broker.Frame{
		Topic:    topic,
		StreamID: headerString(headers, HeaderStream),
		Kind:     kind,
		Feed:     headerString(headers, HeaderFeed),
		Seq:      seq,
		Encoding: headerString(headers, HeaderEncoding),
		Payload:  body,
	}
	return frame, frame.Validate()
}

func headerString(headers amqp.Table, key string) string {
	s, _ := headers[key].(string)
	return s
}

type outputTopic struct {
	name    string
	mu      sync.Mutex
	channel *amqp.Channel
}

func (o *outputTopic) Name() string { return o.name }

func (o *outputTopic) Send(ctx context.Context, frame broker.Frame) error {
	frame.Topic = o.name
	if err := frame.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	ch := o.channel
	o.mu.Unlock()
	if ch == nil {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "amqpbroker", "Send", "check topic")
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, o.name, frame.StreamID, false, false, EncodePublishing(frame))
	if err != nil {
		return errors.WrapTransient(err, "amqpbroker", "Send", "publish to "+o.name)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.WrapTransient(err, "amqpbroker", "Send", "wait for confirm")
	}
	if !acked {
		return errors.WrapTransient(fmt.Errorf("%w: broker nacked frame %d", errors.ErrConnectionLost, frame.Seq),
			"amqpbroker", "Send", "wait for confirm")
	}
	return nil
}

func (o *outputTopic) Close(context.Context) error {
	o.mu.Lock()
	ch := o.channel
	o.channel = nil
	o.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return nil
	}
	return ch.Close()
}

type subscription struct {
	channel *amqp.Channel
	topic   string
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func (s *subscription) run(ctx context.Context, deliveries <-chan amqp.Delivery, deliver broker.DeliverFunc) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.handle(ctx, d, deliver)
		}
	}
}

func (s *subscription) handle(ctx context.Context, d amqp.Delivery, deliver broker.DeliverFunc) {
	frame, err := DecodeDelivery(s.topic, d.Headers, d.Body)
	if err != nil {
		s.logger.Warn("Discarded malformed delivery", "routing_key", d.RoutingKey, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := deliver(ctx, frame); err != nil {
		s.logger.Warn("Frame delivery failed",
			"stream_id", frame.StreamID, "kind", frame.Kind.String(), "seq", frame.Seq, "error", err)
		if errors.IsTransient(err) {
			_ = d.Nack(false, true)
			return
		}
	}
	if err := d.Ack(false); err != nil {
		s.logger.Warn("Ack failed", "error", err)
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if !s.channel.IsClosed() {
			err = s.channel.Close()
		}
	})
	if err != nil {
		return errors.Wrap(err, "amqpbroker", "Unsubscribe", "close channel")
	}
	return nil
}
