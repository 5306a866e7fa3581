package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath        string
	LogLevel          string
	LogFormat         string
	Topic             string
	Identifier        string
	Parameters        []string
	FrequencyHz       float64
	FormatPath        string
	ConfigurationPath string
	Duration          time.Duration
	Seed              uint64
	ShutdownTimeout   time.Duration
	ShowVersion       bool
	ShowHelp          bool
	Validate          bool
}

func parseFlags(args []string) (*CLIConfig, *pflag.FlagSet, error) {
	cfg := &CLIConfig{}

	flagSet := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.ConfigPath, "config", "c", os.Getenv("TELEMETRYRELAY_CONFIG"),
		"Path to a JSON or YAML configuration file (env: TELEMETRYRELAY_CONFIG)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	flagSet.StringVar(&cfg.LogFormat, "log-format", "", "Log format: json, text (overrides log.format)")
	flagSet.StringVarP(&cfg.Topic, "topic", "t", "", "Topic to write the session to (overrides topics.output)")
	flagSet.StringVarP(&cfg.Identifier, "identifier", "i", defaultIdentifier, "Session identifier")
	flagSet.StringSliceVarP(&cfg.Parameters, "parameters", "p", defaultParameters,
		"Parameters of the generated default feed")
	flagSet.Float64Var(&cfg.FrequencyHz, "frequency", 100, "Frequency of the generated default feed in Hz")
	flagSet.StringVar(&cfg.FormatPath, "format", "", "Data format file to write instead of the generated default feed")
	flagSet.StringVar(&cfg.ConfigurationPath, "configuration", "", "Configuration file to attach instead of the generated tree")
	flagSet.DurationVarP(&cfg.Duration, "duration", "d", time.Minute, "Session length, 0 writes until interrupted")
	flagSet.Uint64Var(&cfg.Seed, "seed", uint64(time.Now().UnixNano()), "Signal generator seed")
	flagSet.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	flagSet.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	flagSet.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	flagSet.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, flagSet, nil
		}
		return nil, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if cfg.FrequencyHz <= 0 {
		return nil, flagSet, fmt.Errorf("invalid frequency: %v", cfg.FrequencyHz)
	}
	if cfg.Duration < 0 {
		return nil, flagSet, fmt.Errorf("invalid duration: %v", cfg.Duration)
	}
	if len(cfg.Parameters) == 0 && cfg.FormatPath == "" {
		return nil, flagSet, fmt.Errorf("at least one parameter is required")
	}
	return cfg, flagSet, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - writes a telemetry session of generated test signals

Opens a session on the topic, writes summed sine waves for every parameter in
steps of %d samples paced in real time, keeps the session duration current
and closes the session. Interrupting the writer truncates the session.

Usage: %s [options]

Options:
`, appName, stepSamples, os.Args[0])
	flagSet.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Write a minute of gLat and gLong to car-data in memory
  %s --topic car-data

  # Write until interrupted over NATS
  TELEMETRYRELAY_BROKER_KIND=nats TELEMETRYRELAY_BROKER_URL=nats://localhost:4222 \
    %s --topic car-data --duration 0

Version: %s
`, os.Args[0], os.Args[0], Version)
}
