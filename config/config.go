package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/spf13/viper"

	"github.com/c360/telemetryrelay/errors"
)

// EnvPrefix prefixes every environment override, e.g. TELEMETRYRELAY_BROKER_URL.
const EnvPrefix = "TELEMETRYRELAY"

// Broker kinds
const (
	BrokerNATS   = "nats"
	BrokerAMQP   = "amqp"
	BrokerMemory = "memory"
)

// Registry kinds
const (
	RegistryKV     = "kv"
	RegistryMemory = "memory"
)

// Config represents the complete host configuration
type Config struct {
	Broker   BrokerConfig   `json:"broker" mapstructure:"broker"`
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`
	Codec    CodecConfig    `json:"codec" mapstructure:"codec"`
	Window   WindowConfig   `json:"window" mapstructure:"window"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Log      LogConfig      `json:"log" mapstructure:"log"`
	Topics   TopicsConfig   `json:"topics" mapstructure:"topics"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
}

// BrokerConfig selects and addresses the stream broker
type BrokerConfig struct {
	Kind           string        `json:"kind" mapstructure:"kind"` // nats, amqp, memory
	URL            string        `json:"url,omitempty" mapstructure:"url"`
	ConsumerGroup  string        `json:"consumer_group,omitempty" mapstructure:"consumer_group"`
	StreamPrefix   string        `json:"stream_prefix,omitempty" mapstructure:"stream_prefix"`
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`

	// NATS connection tuning
	MaxReconnects    int           `json:"max_reconnects" mapstructure:"max_reconnects"` // -1 retries forever
	ReconnectWait    time.Duration `json:"reconnect_wait" mapstructure:"reconnect_wait"`
	CircuitThreshold int           `json:"circuit_threshold" mapstructure:"circuit_threshold"`
	MaxBackoff       time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
}

// RegistryConfig selects the schema registry backend
type RegistryConfig struct {
	Kind      string `json:"kind" mapstructure:"kind"`        // kv, memory
	Bucket    string `json:"bucket,omitempty" mapstructure:"bucket"` // KV bucket name
	Group     string `json:"group,omitempty" mapstructure:"group"`   // key namespace
	CacheSize int    `json:"cache_size" mapstructure:"cache_size"`
}

// CodecConfig selects frame payload encoding
type CodecConfig struct {
	Name        string `json:"name" mapstructure:"name"`               // json, cbor
	Compression string `json:"compression" mapstructure:"compression"` // none, lz4, zstd
}

// WindowConfig configures buffered window readers
type WindowConfig struct {
	RetentionBatches int  `json:"retention_batches" mapstructure:"retention_batches"`
	RetireServed     bool `json:"retire_served" mapstructure:"retire_served"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Port    int    `json:"port" mapstructure:"port"`
	Path    string `json:"path" mapstructure:"path"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TopicsConfig names the topics a host reads and writes
type TopicsConfig struct {
	Input  string `json:"input,omitempty" mapstructure:"input"`
	Output string `json:"output,omitempty" mapstructure:"output"`
}

// SessionConfig configures relayed sessions
type SessionConfig struct {
	IdentifierSuffix string `json:"identifier_suffix,omitempty" mapstructure:"identifier_suffix"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Defaults()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Defaults()
	}
	// Every section is a value type
	clone := *c
	return &clone
}

// Defaults returns the configuration used when nothing overrides it
func Defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:           BrokerMemory,
			StreamPrefix:   "telemetry",
			ConnectTimeout:   30 * time.Second,
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			CircuitThreshold: 5,
			MaxBackoff:       time.Minute,
		},
		Registry: RegistryConfig{
			Kind:      RegistryMemory,
			Bucket:    "schema_registry",
			CacheSize: 256,
		},
		Codec: CodecConfig{
			Name:        "json",
			Compression: "none",
		},
		Window: WindowConfig{
			RetentionBatches: 64,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks if the config is valid. Names used in NATS subjects are
// normalized to lowercase first.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapFatal(err, "Config", "Validate", "validate configuration")
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Broker.Kind {
	case BrokerNATS, BrokerAMQP:
		if c.Broker.URL == "" {
			return fmt.Errorf("%w: broker.url is required for broker %q", errors.ErrMissingConfig, c.Broker.Kind)
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("%w: broker.kind %q (want nats, amqp or memory)", errors.ErrInvalidConfig, c.Broker.Kind)
	}
	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: broker.connect_timeout must be positive", errors.ErrInvalidConfig)
	}
	if c.Broker.MaxReconnects < -1 {
		return fmt.Errorf("%w: broker.max_reconnects must be -1 or more", errors.ErrInvalidConfig)
	}
	if c.Broker.ReconnectWait <= 0 || c.Broker.MaxBackoff <= 0 {
		return fmt.Errorf("%w: broker.reconnect_wait and broker.max_backoff must be positive", errors.ErrInvalidConfig)
	}
	if c.Broker.CircuitThreshold < 1 {
		return fmt.Errorf("%w: broker.circuit_threshold must be at least 1", errors.ErrInvalidConfig)
	}
	if c.Broker.StreamPrefix != "" {
		c.Broker.StreamPrefix = strings.ToLower(c.Broker.StreamPrefix)
		if !isValidNATSSubjectPart(c.Broker.StreamPrefix) {
			return fmt.Errorf("%w: broker.stream_prefix %q is not valid in NATS subjects", errors.ErrInvalidConfig, c.Broker.StreamPrefix)
		}
	}

	switch c.Registry.Kind {
	case RegistryKV:
		if c.Broker.Kind != BrokerNATS {
			return fmt.Errorf("%w: registry.kind kv needs broker.kind nats", errors.ErrInvalidConfig)
		}
		if c.Registry.Bucket == "" {
			return fmt.Errorf("%w: registry.bucket is required for the kv registry", errors.ErrMissingConfig)
		}
	case RegistryMemory:
	default:
		return fmt.Errorf("%w: registry.kind %q (want kv or memory)", errors.ErrInvalidConfig, c.Registry.Kind)
	}
	if c.Registry.CacheSize < 0 {
		return fmt.Errorf("%w: registry.cache_size must not be negative", errors.ErrInvalidConfig)
	}

	if !contains([]string{"json", "cbor"}, c.Codec.Name) {
		return fmt.Errorf("%w: codec.name %q", errors.ErrInvalidConfig, c.Codec.Name)
	}
	if !contains([]string{"none", "lz4", "zstd"}, c.Codec.Compression) {
		return fmt.Errorf("%w: codec.compression %q", errors.ErrInvalidConfig, c.Codec.Compression)
	}

	if c.Window.RetentionBatches <= 0 {
		return fmt.Errorf("%w: window.retention_batches must be positive", errors.ErrInvalidConfig)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("%w: metrics.port %d", errors.ErrInvalidConfig, c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("%w: metrics.path must start with /", errors.ErrInvalidConfig)
		}
	}

	if !contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("%w: log.level %q", errors.ErrInvalidConfig, c.Log.Level)
	}
	if !contains([]string{"json", "text"}, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("%w: log.format %q", errors.ErrInvalidConfig, c.Log.Format)
	}

	for name, topic := range map[string]string{"topics.input": c.Topics.Input, "topics.output": c.Topics.Output} {
		if topic != "" && !isValidNATSSubjectPart(topic) {
			return fmt.Errorf("%w: %s %q is not valid in NATS subjects", errors.ErrInvalidConfig, name, topic)
		}
	}
	if c.Topics.Input != "" && c.Topics.Input == c.Topics.Output {
		return fmt.Errorf("%w: topics.input and topics.output must differ", errors.ErrInvalidConfig)
	}
	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '-' && r != '_' {
			return false
		}
	}
	return !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") && !strings.Contains(s, "..")
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// Load merges defaults, every layer and environment overrides.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for i, path := range l.layers {
		v.SetConfigFile(path)
		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load", "read "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load", "decode configuration")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Load reads one JSON or YAML file, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

// setDefaults registers every key so AutomaticEnv can override keys the
// files never mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("broker.kind", d.Broker.Kind)
	v.SetDefault("broker.url", d.Broker.URL)
	v.SetDefault("broker.consumer_group", d.Broker.ConsumerGroup)
	v.SetDefault("broker.stream_prefix", d.Broker.StreamPrefix)
	v.SetDefault("broker.connect_timeout", d.Broker.ConnectTimeout)
	v.SetDefault("broker.max_reconnects", d.Broker.MaxReconnects)
	v.SetDefault("broker.reconnect_wait", d.Broker.ReconnectWait)
	v.SetDefault("broker.circuit_threshold", d.Broker.CircuitThreshold)
	v.SetDefault("broker.max_backoff", d.Broker.MaxBackoff)

	v.SetDefault("registry.kind", d.Registry.Kind)
	v.SetDefault("registry.bucket", d.Registry.Bucket)
	v.SetDefault("registry.group", d.Registry.Group)
	v.SetDefault("registry.cache_size", d.Registry.CacheSize)

	v.SetDefault("codec.name", d.Codec.Name)
	v.SetDefault("codec.compression", d.Codec.Compression)

	v.SetDefault("window.retention_batches", d.Window.RetentionBatches)
	v.SetDefault("window.retire_served", d.Window.RetireServed)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("topics.input", d.Topics.Input)
	v.SetDefault("topics.output", d.Topics.Output)

	v.SetDefault("session.identifier_suffix", d.Session.IdentifierSuffix)
}
