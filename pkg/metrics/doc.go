// Package metrics provides observability for sealtunnel endpoints: a metrics
// Collector with Prometheus export, a Tracer interface backed by
// OpenTelemetry, a logrus-based structured Logger and health endpoints.
//
// # Wiring an endpoint
//
// A TunnelObserver implements tunnel.Observer and tunnel.RateLimitObserver,
// so one value can be handed to the client or server:
//
//	collector := metrics.NewCollector(metrics.Labels{"instance": "edge-1"})
//	logger := metrics.NewLogger(metrics.WithFormat(metrics.FormatJSON))
//	obs := metrics.NewTunnelObserver(metrics.TunnelObserverConfig{
//		Collector: collector,
//		Tracer:    metrics.NewOTelTracer("sealtunnel"),
//		Logger:    logger,
//		Role:      "server",
//	})
//
// Authentication failures are logged at error level with an "alert" field
// and counted in sealtunnel_auth_failures_total.
//
// # Observability server
//
//	srv := metrics.NewServer(metrics.ServerConfig{Collector: collector, Version: version.String()})
//	srv.Health().AddCheck("listener", func() error { ... })
//	go srv.ListenAndServe(ctx, "127.0.0.1:9090")
//
// This provides:
//   - /metrics - Prometheus text exposition
//   - /health  - detailed health report
//   - /healthz - liveness probe
//   - /readyz  - readiness probe, 503 while any check fails
//
// # Tracing
//
// OTelTracer sends spans to the global OpenTelemetry TracerProvider, a no-op
// until the binary installs an SDK provider. SimpleTracer records spans in
// memory for tests:
//
//	tracer := metrics.NewSimpleTracer()
//	metrics.SetTracer(tracer)
//	ctx, end := metrics.StartSpan(ctx, metrics.SpanHandshakeClient)
//	defer end(nil)
//
// # Logging
//
//	logger := metrics.NewLogger(
//		metrics.WithLevel(metrics.ParseLevel("debug")),
//		metrics.WithFields(metrics.Fields{"service": "sealtunnel"}),
//	)
//	connLog := logger.Named("server").With(metrics.Fields{"conn_id": id})
//	connLog.Info("client admitted")
package metrics
