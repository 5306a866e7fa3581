// Package main implements gtotal-model, a host program that relays every
// telemetry session of a topic into a model session carrying gTotal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/telemetryrelay/broker"
	"github.com/c360/telemetryrelay/config"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/feed"
	"github.com/c360/telemetryrelay/registry"
	"github.com/c360/telemetryrelay/relay"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/service"
	"github.com/c360/telemetryrelay/stream"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "gtotal-model"

	defaultSuffix = "_Models"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cli, flagSet, err := parseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := service.NewLogger(cfg.Log.Level, cfg.Log.Format,
		"service", appName,
		"version", Version,
		"pid", os.Getpid())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := service.New(appName, cfg, service.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			logger.Warn("Runtime stop failed", "error", err)
		}
	}()

	m, err := newModel(ctx, rt, cfg, cli.FrequencyHz)
	if err != nil {
		return err
	}
	pipeline, err := m.start(ctx)
	if err != nil {
		_ = m.topic.Close(context.Background())
		return err
	}
	logger.Info("Relaying sessions",
		"input", cfg.Topics.Input,
		"output", cfg.Topics.Output,
		"suffix", cfg.Session.IdentifierSuffix)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	if err := pipeline.Dispose(shutdownCtx); err != nil {
		logger.Warn("Pipeline dispose failed", "error", err)
	}
	return m.topic.Close(shutdownCtx)
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.InputTopic != "" {
		cfg.Topics.Input = cli.InputTopic
	}
	if cli.OutputTopic != "" {
		cfg.Topics.Output = cli.OutputTopic
	}
	if cli.Suffix != "" {
		cfg.Session.IdentifierSuffix = cli.Suffix
	}
	if cfg.Session.IdentifierSuffix == "" {
		cfg.Session.IdentifierSuffix = defaultSuffix
	}
	if cfg.Topics.Input == "" || cfg.Topics.Output == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: input and output topics are required", errors.ErrMissingConfig),
			"gtotal-model", "loadConfig", "check topics")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// model relays sessions of the input topic with gTotal computed from them.
type model struct {
	rt       *service.Runtime
	cfg      *config.Config
	logger   *slog.Logger
	topic    broker.OutputTopic
	format   *schema.DataFormat
	formatID schema.ID
	configID schema.ID
}

func newModel(ctx context.Context, rt *service.Runtime, cfg *config.Config, hz float64) (*model, error) {
	df, err := outputFormat(hz)
	if err != nil {
		return nil, err
	}
	formatID, err := registry.NewDataFormatClient(rt.Registry()).PutAndIdentify(ctx, df)
	if err != nil {
		return nil, fmt.Errorf("register output format: %w", err)
	}
	configID, err := registry.NewConfigurationClient(rt.Registry()).PutAndIdentify(ctx, outputConfiguration())
	if err != nil {
		return nil, fmt.Errorf("register output configuration: %w", err)
	}
	topic, err := rt.Broker().OpenOutputTopic(ctx, cfg.Topics.Output)
	if err != nil {
		return nil, err
	}
	return &model{
		rt:       rt,
		cfg:      cfg,
		logger:   rt.Logger(),
		topic:    topic,
		format:   df,
		formatID: formatID,
		configID: configID,
	}, nil
}

func (m *model) start(ctx context.Context) (*broker.Pipeline, error) {
	opts, err := m.rt.StreamOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		stream.WithMetrics(m.rt.Metrics()),
		stream.WithLogger(m.logger),
		stream.WithIdentifierMapper(relay.SuffixMapper(m.cfg.Session.IdentifierSuffix)))

	reader, err := stream.NewReader(m.rt.Broker(), m.rt.Registry(), m.cfg.Topics.Input, opts...)
	if err != nil {
		return nil, err
	}
	outputs := stream.NewOutputFactory(m.topic, m.formatID, m.format, opts...)
	return reader.ReadAndLink(ctx, outputs, m.relay)
}

// relay binds the model inputs of one stream and writes gTotal to out.
func (m *model) relay(in *stream.Input, out *stream.Output) error {
	logger := m.logger.With("stream_id", in.StreamID(), "output_stream_id", out.StreamID())
	if err := out.Session.AddDependency(schema.DependencyConfiguration, m.configID); err != nil {
		return err
	}

	f, err := in.Data.BindDefaultFeed(gLatParameter, gLongParameter)
	if err != nil {
		return err
	}
	f.OnDataBuffered(func(ctx context.Context, e feed.DataBuffered) error {
		data, err := gTotal(e.Data)
		if err != nil {
			return err
		}
		_, err = out.Data.Write(ctx, schema.DefaultFeedName, data)
		return err
	})

	in.OnStreamFinished(func(_ context.Context, e stream.StreamFinished) error {
		logger.Info("Stream finished", "state", e.State)
		return nil
	})
	logger.Info("Stream started")
	return nil
}
