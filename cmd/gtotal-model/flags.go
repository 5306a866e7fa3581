package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	InputTopic      string
	OutputTopic     string
	Suffix          string
	FrequencyHz     float64
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, *pflag.FlagSet, error) {
	cfg := &CLIConfig{}

	flagSet := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.ConfigPath, "config", "c", os.Getenv("TELEMETRYRELAY_CONFIG"),
		"Path to a JSON or YAML configuration file (env: TELEMETRYRELAY_CONFIG)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	flagSet.StringVar(&cfg.LogFormat, "log-format", "", "Log format: json, text (overrides log.format)")
	flagSet.StringVar(&cfg.InputTopic, "input", "", "Topic to read (overrides topics.input)")
	flagSet.StringVar(&cfg.OutputTopic, "output", "", "Topic to write model sessions to (overrides topics.output)")
	flagSet.StringVar(&cfg.Suffix, "suffix", "", "Suffix appended to relayed session identifiers (overrides session.identifier_suffix)")
	flagSet.Float64Var(&cfg.FrequencyHz, "frequency", 100, "Frequency of the gTotal output feed in Hz")
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
	return cfg, flagSet, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - relays telemetry sessions with a computed gTotal channel

Reads every session of the input topic, binds gLat:Chassis and gLong:Chassis
of its default feed and writes gTotal:vTag = |gLat| + |gLong| to a linked
session on the output topic. Output sessions follow the lifecycle of their
input and carry its identifier with the configured suffix (default _Models).

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flagSet.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Relay car-data into models over NATS
  TELEMETRYRELAY_BROKER_KIND=nats TELEMETRYRELAY_BROKER_URL=nats://localhost:4222 \
    %s --input car-data --output models

  # Validate configuration only
  %s --config relay.yaml --validate

Version: %s
`, os.Args[0], os.Args[0], Version)
}
