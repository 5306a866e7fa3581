package registry

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/c360/telemetryrelay/codec"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
	"github.com/c360/telemetryrelay/pkg/cache"
	"github.com/c360/telemetryrelay/pkg/retry"
	"github.com/c360/telemetryrelay/schema"
)

// DefaultCacheSize is the number of raw documents a Client keeps resolved.
const DefaultCacheSize = 256

// ContentID derives the ID of an encoded document of the given kind.
func ContentID(kind schema.DependencyType, doc []byte) schema.ID {
	h := blake3.New()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(doc)
	return schema.ID(hex.EncodeToString(h.Sum(nil)))
}

// Client stores and resolves schema documents.
type Client struct {
	backend Backend
	group   string
	docs    *cache.LRU[[]byte]
	retry   retry.Config
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	group     string
	cacheSize int
	retry     retry.Config
	logger    *slog.Logger
	metrics   *metric.MetricsRegistry
}

// WithGroup namespaces every key so several deployments can share a backend.
func WithGroup(group string) Option {
	return func(o *clientOptions) { o.group = group }
}

// WithCacheSize bounds the document cache.
func WithCacheSize(size int) Option {
	return func(o *clientOptions) { o.cacheSize = size }
}

// WithRetry replaces the backoff used for transient backend failures.
func WithRetry(cfg retry.Config) Option {
	return func(o *clientOptions) { o.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exports cache statistics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *clientOptions) { o.metrics = registry }
}

// NewClient creates a registry client over backend.
func NewClient(backend Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "registry", "NewClient", "check backend")
	}

	o := &clientOptions{
		cacheSize: DefaultCacheSize,
		retry:     errors.DefaultRetryConfig().ToRetryConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if strings.ContainsAny(o.group, " */>") {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: group %q", errors.ErrInvalidConfig, o.group),
			"registry", "NewClient", "check group")
	}

	docs, err := cache.NewLRU[[]byte](o.cacheSize, cache.WithMetrics[[]byte](o.metrics, "registry"))
	if err != nil {
		return nil, errors.Wrap(err, "registry", "NewClient", "create cache")
	}

	cfg := o.retry
	cfg.Retryable = errors.IsTransient

	return &Client{
		backend: backend,
		group:   o.group,
		docs:    docs,
		retry:   cfg,
		logger:  o.logger,
	}, nil
}

func (c *Client) key(kind schema.DependencyType, id schema.ID) string {
	if c.group == "" {
		return fmt.Sprintf("%s.%s", kind, id)
	}
	return fmt.Sprintf("%s.%s.%s", c.group, kind, id)
}

// Put stores v as a document of the given kind and returns its content ID.
func (c *Client) Put(ctx context.Context, kind schema.DependencyType, v any) (schema.ID, error) {
	doc, err := codec.Canonical(v)
	if err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "registry", "Put", "encode document")
	}

	id := ContentID(kind, doc)
	key := c.key(kind, id)
	if _, ok := c.docs.Get(key); ok {
		return id, nil
	}

	if err := retry.Do(ctx, c.retry, func() error {
		return c.backend.Put(ctx, key, doc)
	}); err != nil {
		return "", errors.Wrap(err, "registry", "Put", fmt.Sprintf("store %s %s", kind, id))
	}

	_, _ = c.docs.Set(key, doc)
	c.logger.Debug("Stored schema document", "kind", kind, "id", id, "bytes", len(doc))
	return id, nil
}

// Get resolves a document and decodes it into v.
func (c *Client) Get(ctx context.Context, kind schema.DependencyType, id schema.ID, v any) error {
	doc, err := c.raw(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := codec.CBOR.Unmarshal(doc, v); err != nil {
		return errors.WrapInvalid(err, "registry", "Get", fmt.Sprintf("decode %s %s", kind, id))
	}
	return nil
}

func (c *Client) raw(ctx context.Context, kind schema.DependencyType, id schema.ID) ([]byte, error) {
	if id == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty id", errors.ErrSchemaNotFound), "registry", "Get", "check id")
	}

	key := c.key(kind, id)
	if doc, ok := c.docs.Get(key); ok {
		return doc, nil
	}

	doc, err := retry.DoWithResult(ctx, c.retry, func() ([]byte, error) {
		return c.backend.Get(ctx, key)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s %s", errors.ErrSchemaNotFound, kind, id),
				"registry", "Get", "resolve document")
		}
		return nil, errors.Wrap(err, "registry", "Get", fmt.Sprintf("resolve %s %s", kind, id))
	}

	if got := ContentID(kind, doc); got != id {
		return nil, errors.WrapFatal(fmt.Errorf("%w: document %s hashes to %s", errors.ErrInvalidData, id, got),
			"registry", "Get", "verify content id")
	}

	_, _ = c.docs.Set(key, doc)
	return doc, nil
}

// CacheStats exposes the document cache statistics.
func (c *Client) CacheStats() *cache.Statistics {
	return c.docs.Stats()
}
