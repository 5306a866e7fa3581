// Package config loads host configuration for telemetry relay programs.
//
// Configuration is layered: built-in defaults, then one or more JSON or YAML
// files, then environment variables prefixed with TELEMETRYRELAY_. Nested keys
// map to environment names by replacing dots and dashes with underscores:
//
//	TELEMETRYRELAY_BROKER_URL=nats://localhost:4222
//	TELEMETRYRELAY_WINDOW_RETENTION_BATCHES=128
//
// # Basic Usage
//
//	cfg, err := config.Load("relay.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Layers override each other in the order they are added:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.yaml")
//	cfg, err := loader.Load()
//
// A validated configuration can be shared between goroutines through
// SafeConfig, which hands out copies and validates replacements.
//
// # Example File
//
//	broker:
//	  kind: nats
//	  url: nats://localhost:4222
//	  consumer_group: models
//	  connect_timeout: 10s
//	registry:
//	  kind: kv
//	  bucket: schema_registry
//	codec:
//	  name: cbor
//	  compression: lz4
//	topics:
//	  input: telemetry
//	  output: models
//	session:
//	  identifier_suffix: _Models
//
// Validation errors wrap errors.ErrInvalidConfig or errors.ErrMissingConfig
// and are classified fatal.
package config
