// Package service provides the runtime shared by telemetry relay host
// programs.
//
// A Runtime turns a validated config.Config into connected clients:
//
//   - broker.kind selects the NATS JetStream, RabbitMQ or in-memory transport
//   - registry.kind selects the NATS KV or in-memory schema registry backend
//   - metrics.enabled serves Prometheus metrics and /health
//
// Lifecycle states are Stopped → Starting → Running → Stopping → Stopped.
//
//	rt, err := service.New("gtotal-model", cfg, service.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := rt.Start(ctx); err != nil {
//		return err
//	}
//	defer rt.Stop(context.Background())
//
//	opts, err := rt.StreamOptions()
//	reader, err := stream.NewReader(rt.Broker(), rt.Registry(), cfg.Topics.Input, opts...)
package service
