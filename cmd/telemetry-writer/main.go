// Package main implements telemetry-writer, a host program that writes a
// session of generated test signals to a topic.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/telemetryrelay/config"
	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/schema"
	"github.com/c360/telemetryrelay/service"
	"github.com/c360/telemetryrelay/stream"
	"github.com/c360/telemetryrelay/telemetry"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "telemetry-writer"

	defaultIdentifier = "Workshop signals"
	stepSamples       = 10
)

var defaultParameters = []string{"gLat:Chassis", "gLong:Chassis"}

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
	df, conf, err := loadSchemas(cli)
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

	opts, err := rt.StreamOptions()
	if err != nil {
		return err
	}
	opts = append(opts, stream.WithMetrics(rt.Metrics()), stream.WithLogger(logger))
	w, err := stream.NewWriter(ctx, rt.Broker(), rt.Registry(), cfg.Topics.Output, df, conf, opts...)
	if err != nil {
		return err
	}
	logger.Info("Writing session",
		"topic", cfg.Topics.Output,
		"identifier", cli.Identifier,
		"feeds", df.FeedNames(),
		"duration", cli.Duration)

	s := &sessionWriter{writer: w, format: df, seed: cli.Seed, logger: logger}
	err = s.write(ctx, cli.Identifier, cli.Duration)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer cancel()
	switch {
	case err == nil:
		err = w.CloseSession(shutdownCtx)
		logger.Info("Session closed", "elapsed", s.elapsed())
	case stderrors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("Interrupted, truncating session", "elapsed", s.elapsed())
		err = nil
	}
	return stderrors.Join(err, w.Dispose(shutdownCtx))
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
	if cli.Topic != "" {
		cfg.Topics.Output = cli.Topic
	}
	if cfg.Topics.Output == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: a topic is required", errors.ErrMissingConfig),
			"telemetry-writer", "loadConfig", "check topic")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadSchemas reads the format and configuration files when given and
// generates them from the parameter list otherwise.
func loadSchemas(cli *CLIConfig) (*schema.DataFormat, *schema.Configuration, error) {
	var (
		df  *schema.DataFormat
		err error
	)
	if cli.FormatPath != "" {
		df, err = schema.LoadDataFormatFile(cli.FormatPath)
	} else {
		df, err = schema.DefineFeed().Parameters(cli.Parameters...).AtFrequency(cli.FrequencyHz).BuildFormat()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("data format: %w", err)
	}

	if cli.ConfigurationPath != "" {
		conf, err := schema.LoadConfigurationFile(cli.ConfigurationPath)
		if err != nil {
			return nil, nil, fmt.Errorf("configuration: %w", err)
		}
		return df, conf, nil
	}
	return df, signalConfiguration(df), nil
}

// signalConfiguration describes every parameter of df under the application
// group named after its ID suffix.
func signalConfiguration(df *schema.DataFormat) *schema.Configuration {
	conf := &schema.Configuration{AppGroups: map[string]*schema.ApplicationGroup{}}
	for _, name := range df.FeedNames() {
		for _, id := range df.Feeds[name].ParameterIDs {
			param, app, found := strings.Cut(id, ":")
			if !found {
				app = "Workshop"
			}
			ag, ok := conf.AppGroups[app]
			if !ok {
				ag = &schema.ApplicationGroup{Groups: map[string]*schema.ParameterGroup{
					"Signals": {Parameters: map[string]*schema.Parameter{}},
				}}
				conf.AppGroups[app] = ag
			}
			ag.Groups["Signals"].Parameters[id] = &schema.Parameter{
				Name:          param,
				Description:   "Generated test signal",
				FormatString:  "%7.2f",
				PhysicalRange: &schema.Range{Min: -1000, Max: 1000},
			}
		}
	}
	return conf
}

// sessionWriter opens a session and writes generated signals on every feed
// of its format.
type sessionWriter struct {
	writer *stream.Writer
	format *schema.DataFormat
	seed   uint64
	logger *slog.Logger

	step       time.Duration
	generators map[string]*generator
}

func (s *sessionWriter) elapsed() time.Duration {
	var longest time.Duration
	for _, g := range s.generators {
		longest = max(longest, g.elapsed())
	}
	return longest
}

// write opens the session and writes until duration has elapsed, forever
// when duration is zero. It returns the context error when interrupted.
func (s *sessionWriter) write(ctx context.Context, identifier string, duration time.Duration) error {
	s.generators = make(map[string]*generator)
	names := s.format.FeedNames()
	for i, name := range names {
		ff := s.format.Feeds[name]
		s.generators[name] = newGenerator(s.seed+uint64(i), len(ff.ParameterIDs), ff.Interval())
		if s.step == 0 || ff.Interval()*stepSamples < s.step {
			s.step = ff.Interval() * stepSamples
		}
	}
	if s.step <= 0 {
		s.step = time.Millisecond
	}

	start := time.Now()
	if err := s.writer.OpenSession(ctx, identifier, start); err != nil {
		return err
	}
	epoch := telemetry.Nanos(start)

	ticker := time.NewTicker(s.step)
	defer ticker.Stop()
	for target := s.step; ; target += s.step {
		for _, name := range names {
			ff := s.format.Feeds[name]
			g := s.generators[name]
			n := ff.ExpectedSamples(target) - int(g.next)
			if n <= 0 {
				continue
			}
			if _, err := s.writer.Write(ctx, name, g.batch(epoch, n)); err != nil {
				return err
			}
		}
		if target%time.Second == 0 {
			if _, err := s.writer.UpdateDuration(ctx, target); err != nil {
				return err
			}
			s.logger.Debug("Session duration updated", "duration", target)
		}
		if duration > 0 && target >= duration {
			_, err := s.writer.UpdateDuration(ctx, target)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
