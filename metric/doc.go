// Package metric provides Prometheus metrics for the telemetry relay.
//
// A MetricsRegistry owns a private prometheus.Registry holding the relay core
// metrics (session transitions, frames sent and received, relay forwards,
// window queries, active streams, send latency, broker status) plus Go runtime
// collectors. Components add their own collectors with Register, keyed
// "owner.name".
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() { _ = server.Start() }()
//	defer server.Stop(ctx)
//
// Relay components take the *Metrics from CoreMetrics(). A nil *Metrics
// records nothing, so metrics stay optional.
package metric
