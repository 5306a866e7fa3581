package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/pkg/buffer"
)

// DefaultMemoryRetention is the number of frames a memory topic keeps for replay.
const DefaultMemoryRetention = 1 << 16

// MemoryTransport is an in-process Transport. Each topic retains its most
// recent frames and replays them to subscribers that join later, so a reader
// started after a writer still sees the whole stream.
type MemoryTransport struct {
	mu        sync.Mutex
	topics    map[string]*memoryTopic
	retention int
	closed    bool
	logger    *slog.Logger
}

// MemoryOption configures a MemoryTransport.
type MemoryOption func(*MemoryTransport)

// WithRetention bounds the frames retained per topic.
func WithRetention(frames int) MemoryOption {
	return func(t *MemoryTransport) {
		if frames > 0 {
			t.retention = frames
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(t *MemoryTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	t := &MemoryTransport{
		topics:    make(map[string]*memoryTopic),
		retention: DefaultMemoryRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type memoryTopic struct {
	name string
	log  buffer.Buffer[Frame]
	subs []*memorySubscription
}

func (t *MemoryTransport) topic(name string) (*memoryTopic, error) {
	if t.closed {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStopped, "MemoryTransport", "topic", "check transport")
	}
	if mt, ok := t.topics[name]; ok {
		return mt, nil
	}
	log, err := buffer.NewCircularBuffer[Frame](t.retention, buffer.WithOverflowPolicy[Frame](buffer.DropOldest))
	if err != nil {
		return nil, errors.Wrap(err, "MemoryTransport", "topic", "create retention log")
	}
	mt := &memoryTopic{name: name, log: log}
	t.topics[name] = mt
	return mt, nil
}

// OpenOutputTopic implements Transport.
func (t *MemoryTransport) OpenOutputTopic(_ context.Context, name string) (OutputTopic, error) {
	if name == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty topic name", errors.ErrInvalidConfig),
			"MemoryTransport", "OpenOutputTopic", "check name")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.topic(name); err != nil {
		return nil, err
	}
	return &memoryOutputTopic{transport: t, name: name}, nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(_ context.Context, topic, group string, deliver DeliverFunc) (Subscription, error) {
	if deliver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MemoryTransport", "Subscribe", "check deliver func")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	mt, err := t.topic(topic)
	if err != nil {
		return nil, err
	}

	sub := newMemorySubscription(t, mt, group, deliver)

	// The first member of a group, or an ungrouped subscriber, replays history.
	replay := true
	for _, other := range mt.subs {
		if group != "" && other.group == group {
			replay = false
			break
		}
	}
	mt.subs = append(mt.subs, sub)
	if replay {
		for _, f := range mt.log.Snapshot() {
			sub.push(f)
		}
	}

	go sub.run()
	return sub, nil
}

// Retained returns the frames currently retained for topic, oldest first.
func (t *MemoryTransport) Retained(topic string) []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mt, ok := t.topics[topic]; ok {
		return mt.log.Snapshot()
	}
	return nil
}

// Close stops every subscription.
func (t *MemoryTransport) Close(_ context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var subs []*memorySubscription
	for _, mt := range t.topics {
		subs = append(subs, mt.subs...)
		mt.subs = nil
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (t *MemoryTransport) send(frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mt, err := t.topic(frame.Topic)
	if err != nil {
		return err
	}
	if err := mt.log.Write(frame); err != nil {
		return errors.Wrap(err, "MemoryTransport", "Send", "retain frame")
	}

	for _, targets := range routeByGroup(mt.subs, frame.StreamID) {
		targets.push(frame)
	}
	return nil
}

func (t *MemoryTransport) remove(sub *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := sub.topic.subs
	for i, s := range subs {
		if s == sub {
			sub.topic.subs = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// routeByGroup picks, for each group, the member owning streamID. Ungrouped
// subscribers each receive the frame.
func routeByGroup(subs []*memorySubscription, streamID string) []*memorySubscription {
	var out []*memorySubscription
	members := make(map[string][]*memorySubscription)
	var order []string
	for _, s := range subs {
		if s.group == "" {
			out = append(out, s)
			continue
		}
		if _, ok := members[s.group]; !ok {
			order = append(order, s.group)
		}
		members[s.group] = append(members[s.group], s)
	}
	for _, g := range order {
		m := members[g]
		h := fnv.New32a()
		_, _ = h.Write([]byte(streamID))
		out = append(out, m[int(h.Sum32()%uint32(len(m)))])
	}
	return out
}

type memoryOutputTopic struct {
	transport *MemoryTransport
	name      string
	closed    bool
	mu        sync.Mutex
}

func (o *memoryOutputTopic) Name() string { return o.name }

func (o *memoryOutputTopic) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "MemoryOutputTopic", "Send", "check topic")
	}

	frame.Topic = o.name
	if err := frame.Validate(); err != nil {
		return err
	}
	return o.transport.send(frame)
}

func (o *memoryOutputTopic) Close(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// memorySubscription delivers from an unbounded queue so that senders never
// wait on subscribers.
type memorySubscription struct {
	transport *MemoryTransport
	topic     *memoryTopic
	group     string
	deliver   DeliverFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Frame
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newMemorySubscription(t *MemoryTransport, mt *memoryTopic, group string, deliver DeliverFunc) *memorySubscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &memorySubscription{
		transport: t,
		topic:     mt,
		group:     group,
		deliver:   deliver,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memorySubscription) push(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, f)
	s.cond.Signal()
}

func (s *memorySubscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue[0] = Frame{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.deliver(s.ctx, f); err != nil {
			s.transport.logger.Warn("Memory subscriber rejected frame",
				"topic", f.Topic, "stream_id", f.StreamID, "seq", f.Seq, "error", err)
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

// Unsubscribe stops delivery and waits for an in-flight delivery to return.
func (s *memorySubscription) Unsubscribe() error {
	s.transport.remove(s)
	s.stop()
	<-s.done
	return nil
}
