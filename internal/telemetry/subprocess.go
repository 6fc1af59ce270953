package telemetry

import (
	"os"
	"strings"
)

// buildResourceAttrs builds the OTEL_RESOURCE_ATTRIBUTES value from imi
// context vars present in the current process environment.
// Returns "" when no imi vars are found.
func buildResourceAttrs() string {
	var attrs []string
	if v := os.Getenv("IMI_REPO"); v != "" {
		attrs = append(attrs, "imi.repo="+v)
	}
	if v := os.Getenv("IMI_AGENT"); v != "" {
		attrs = append(attrs, "imi.agent="+v)
	}
	return strings.Join(attrs, ",")
}

// SetProcessOTELAttrs sets OTEL-related variables in the current process
// environment so that subprocesses spawned via exec.Command (git, hooks)
// inherit them automatically — no per-call injection needed.
//
// Sets:
//   - OTEL_RESOURCE_ATTRIBUTES — imi context labels (imi.repo, imi.agent)
//
// Called once at imi startup when telemetry is active.
// No-op when IMI_OTEL_METRICS_URL is not set.
func SetProcessOTELAttrs() {
	metricsURL := os.Getenv(EnvMetricsURL)
	if metricsURL == "" {
		return
	}
	if attrs := buildResourceAttrs(); attrs != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", attrs)
	}
}

// OTELEnvForSubprocess returns OTEL environment variables to inject into
// git subprocesses when cmd.Env is built explicitly (overriding
// os.Environ), so the vars aren't lost when the explicit env slice is
// built from scratch.
//
// Returns nil when telemetry is not active (IMI_OTEL_METRICS_URL not set).
func OTELEnvForSubprocess() []string {
	metricsURL := os.Getenv(EnvMetricsURL)
	if metricsURL == "" {
		return nil
	}
	var env []string
	if attrs := buildResourceAttrs(); attrs != "" {
		env = append(env, "OTEL_RESOURCE_ATTRIBUTES="+attrs)
	}
	env = append(env, "OTEL_METRICS_EXPORTER_URL="+metricsURL)
	if logsURL := os.Getenv(EnvLogsURL); logsURL != "" {
		env = append(env, "OTEL_LOGS_EXPORTER_URL="+logsURL)
	}
	return env
}
