// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry) and metrics (Prometheus) for detectops.
//
// A CLI invocation builds one Telemetry from the project file:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background(), "apply")
//
// Packages receive a zerolog.Logger (tel.Logger.Zerolog()) and derive a
// component logger with .With().Str("component", ...). Plugin calls open spans
// through StartPluginSpan, which uses the global tracer provider installed by
// NewTracer; when tracing is disabled the global provider is a no-op.
//
// Metrics are disabled by default. When enabled they are either served on
// ListenAddress (long-running commands) or pushed to a Pushgateway on exit.
package telemetry
