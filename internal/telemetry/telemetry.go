package telemetry

// Environment variables read by this package and propagated to git
// subprocesses so they inherit the same OTel collector endpoints as the
// imi process itself.
const (
	// EnvMetricsURL names the env var carrying the OTLP metrics push
	// endpoint. Telemetry is considered inactive when unset.
	EnvMetricsURL = "IMI_OTEL_METRICS_URL"
	// EnvLogsURL names the env var carrying the OTLP logs endpoint.
	EnvLogsURL = "IMI_OTEL_LOGS_URL"
)

// Init prepares the current process's environment for telemetry
// propagation to subprocesses. It does not install a MeterProvider or
// LoggerProvider itself — both remain the global no-op implementations
// until an operator configures one via the standard OTEL_EXPORTER_OTLP_*
// variables recognised by an autoconfigured SDK. Call once at process
// startup, before any subprocess is spawned.
func Init() {
	SetProcessOTELAttrs()
}
