// Package health tracks the health of the parts of a relay runtime and
// aggregates them into one status.
//
// A part is healthy, degraded or unhealthy. The aggregate is unhealthy when
// any part is unhealthy and degraded when any part is degraded:
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("broker", "nats")
//	monitor.UpdateDegraded("nats", "reconnecting")
//	status := monitor.AggregateHealth("gtotal-model") // degraded
//
// Messages built from errors with FromError have broker URLs, addresses and
// credentials removed, since they are served on the metrics health endpoint.
package health
