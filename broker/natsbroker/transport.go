// Package natsbroker carries relay frames over NATS JetStream.
//
// Each topic maps to one JetStream stream named <PREFIX>_<TOPIC> capturing the
// subjects <prefix>.<topic>.>. A frame is published on <prefix>.<topic>.<stream>
// with its metadata in message headers, so payload bytes travel untouched.
// Subscribers with a consumer group share a durable consumer; subscribers
// without one each get an ordered ephemeral consumer that replays the stream.
package natsbroker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/natsclient"
)

// Header names carrying frame metadata.
const (
	HeaderStream   = "Relay-Stream"
	HeaderKind     = "Relay-Kind"
	HeaderFeed     = "Relay-Feed"
	HeaderSeq      = "Relay-Seq"
	HeaderEncoding = "Relay-Encoding"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "telemetry"

// Transport implements broker.Transport on JetStream.
type Transport struct {
	client  *natsclient.Client
	prefix  string
	maxAge  time.Duration
	storage jetstream.StorageType
	ackWait time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	ensured map[string]struct{}
	closed  bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithMaxAge bounds how long frames are kept in each stream. Zero keeps them until limits apply.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) { t.maxAge = d }
}

// WithMemoryStorage keeps streams in server memory instead of on disk.
func WithMemoryStorage() Option {
	return func(t *Transport) { t.storage = jetstream.MemoryStorage }
}

// WithAckWait sets the redelivery timeout of durable consumers.
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.ackWait = d
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

// New creates a transport over a connected client.
func New(client *natsclient.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbroker", "New", "check client")
	}
	t := &Transport{
		client:  client,
		prefix:  DefaultPrefix,
		storage: jetstream.FileStorage,
		ackWait: 30 * time.Second,
		logger:  slog.Default(),
		ensured: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := validToken(t.prefix); err != nil {
		return nil, errors.WrapInvalid(err, "natsbroker", "New", "check prefix")
	}
	return t, nil
}

// StreamName returns the JetStream stream backing topic.
func (t *Transport) StreamName(topic string) string {
	return strings.ToUpper(sanitize(t.prefix) + "_" + sanitize(topic))
}

// Subject returns the subject a frame of streamID is published on.
func (t *Transport) Subject(topic, streamID string) string {
	return t.prefix + "." + topic + "." + sanitize(streamID)
}

func (t *Transport) topicSubjects(topic string) string {
	return t.prefix + "." + topic + ".>"
}

func (t *Transport) ensure(ctx context.Context, topic string) error {
	if err := validToken(topic); err != nil {
		return errors.WrapInvalid(err, "natsbroker", "ensure", "check topic")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "natsbroker", "ensure", "check transport")
	}
	if _, ok := t.ensured[topic]; ok {
		return nil
	}

	name := t.StreamName(topic)
	_, err := t.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{t.topicSubjects(topic)},
		Storage:   t.storage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    t.maxAge,
	})
	if err != nil {
		return err
	}
	t.ensured[topic] = struct{}{}
	t.logger.Debug("Stream ready", "stream", name, "topic", topic)
	return nil
}

// OpenOutputTopic implements broker.Transport.
func (t *Transport) OpenOutputTopic(ctx context.Context, name string) (broker.OutputTopic, error) {
	if err := t.ensure(ctx, name); err != nil {
		return nil, err
	}
	return &outputTopic{transport: t, name: name}, nil
}

// Subscribe implements broker.Transport.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, deliver broker.DeliverFunc) (broker.Subscription, error) {
	if deliver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbroker", "Subscribe", "check deliver func")
	}
	if err := t.ensure(ctx, topic); err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: t.topicSubjects(topic),
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	durable := group != ""
	if durable {
		cfg.Durable = sanitize(group) + "_" + sanitize(topic)
		cfg.AckPolicy = jetstream.AckExplicitPolicy
		cfg.AckWait = t.ackWait
		// One outstanding message keeps delivery in publish order across redeliveries.
		cfg.MaxAckPending = 1
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{transport: t, cancel: cancel}
	handler := func(msg jetstream.Msg) {
		sub.handle(subCtx, topic, durable, msg, deliver)
	}

	key, err := t.client.ConsumeStream(ctx, t.StreamName(topic), cfg, handler)
	if err != nil {
		cancel()
		return nil, err
	}
	sub.key = key
	t.logger.Info("Subscribed", "topic", topic, "group", group, "consumer", key)
	return sub, nil
}

// Close marks the transport closed. The client stays open; its owner closes it.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// EncodeMsg builds the JetStream message of a frame.
func (t *Transport) EncodeMsg(frame broker.Frame) *nats.Msg {
	msg := nats.NewMsg(t.Subject(frame.Topic, frame.StreamID))
	msg.Header.Set(HeaderStream, frame.StreamID)
	msg.Header.Set(HeaderKind, frame.Kind.String())
	if frame.Feed != "" {
		msg.Header.Set(HeaderFeed, frame.Feed)
	}
	msg.Header.Set(HeaderSeq, strconv.FormatUint(frame.Seq, 10))
	msg.Header.Set(HeaderEncoding, frame.Encoding)
	// Duplicate publishes of the same frame are discarded by the server.
	msg.Header.Set(jetstream.MsgIDHeader, fmt.Sprintf("%s/%d", frame.StreamID, frame.Seq))
	msg.Data = frame.Payload
	return msg
}

// DecodeMsg rebuilds a frame from message headers and data.
func DecodeMsg(topic string, header nats.Header, data []byte) (broker.Frame, error) {
	kind, err := broker.ParseFrameKind(header.Get(HeaderKind))
	if err != nil {
		return broker.Frame{}, err
	}
	seq, err := strconv.ParseUint(header.Get(HeaderSeq), 10, 64)
	if err != nil {
		return broker.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: sequence %q", errors.ErrInvalidData, header.Get(HeaderSeq)),
			"natsbroker", "DecodeMsg", "parse header")
	}
	frame := broker.Frame{
		Topic:    topic,
		StreamID: header.Get(HeaderStream),
		Kind:     kind,
		Feed:     header.Get(HeaderFeed),
		Seq:      seq,
		Encoding: header.Get(HeaderEncoding),
		Payload:  data,
	}
	return frame, frame.Validate()
}

type outputTopic struct {
	transport *Transport
	name      string
}

func (o *outputTopic) Name() string { return o.name }

func (o *outputTopic) Send(ctx context.Context, frame broker.Frame) error {
	frame.Topic = o.name
	if err := frame.Validate(); err != nil {
		return err
	}
	_, err := o.transport.client.PublishMsg(ctx, o.transport.EncodeMsg(frame))
	return err
}

func (o *outputTopic) Close(context.Context) error { return nil }

type subscription struct {
	transport *Transport
	key       string
	cancel    context.CancelFunc
	once      sync.Once
}

func (s *subscription) handle(ctx context.Context, topic string, durable bool, msg jetstream.Msg, deliver broker.DeliverFunc) {
	logger := s.transport.logger
	frame, err := DecodeMsg(topic, msg.Headers(), msg.Data())
	if err != nil {
		logger.Warn("Discarded malformed message", "subject", msg.Subject(), "error", err)
		if durable {
			_ = msg.Term()
		}
		return
	}

	if err := deliver(ctx, frame); err != nil {
		logger.Warn("Frame delivery failed",
			"stream_id", frame.StreamID, "kind", frame.Kind.String(), "seq", frame.Seq, "error", err)
		if durable && errors.IsTransient(err) {
			_ = msg.Nak()
			return
		}
	}
	if durable {
		if err := msg.Ack(); err != nil {
			logger.Warn("Ack failed", "subject", msg.Subject(), "error", err)
		}
	}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.transport.client.StopConsumer(s.key)
		s.cancel()
	})
	return nil
}

// sanitize maps a name onto characters valid in subject tokens and stream names.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func validToken(s string) error {
	if s == "" || strings.ContainsAny(s, " .*>\t\r\n") {
		return fmt.Errorf("%w: %q is not a subject token", errors.ErrInvalidConfig, s)
	}
	return nil
}
