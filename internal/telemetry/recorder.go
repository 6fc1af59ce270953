// Package telemetry — recorder.go
// Recording helper functions for worktree engine telemetry (component J).
// Each function emits both an OTel log event and increments a metric
// counter; both are no-ops until a provider is configured via Init.
package telemetry

import (
	"context"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterRecorderName = "github.com/delorenj/imi-go"
	loggerName        = "imi"
)

// recorderInstruments holds all lazy-initialized OTel metric instruments.
type recorderInstruments struct {
	createTotal  metric.Int64Counter
	closeTotal   metric.Int64Counter
	removeTotal  metric.Int64Counter
	pruneTotal   metric.Int64Counter
	claimTotal   metric.Int64Counter
	releaseTotal metric.Int64Counter
	syncTotal    metric.Int64Counter
	gitCallTotal metric.Int64Counter

	gitCallDurationHist metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     recorderInstruments
)

// initInstruments registers all recorder metric instruments against the
// current global MeterProvider. Called lazily on first use.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterRecorderName)

		inst.createTotal, _ = m.Int64Counter("imi.worktree.creates.total",
			metric.WithDescription("Total worktree create operations"),
		)
		inst.closeTotal, _ = m.Int64Counter("imi.worktree.closes.total",
			metric.WithDescription("Total worktree close operations"),
		)
		inst.removeTotal, _ = m.Int64Counter("imi.worktree.removes.total",
			metric.WithDescription("Total worktree remove operations"),
		)
		inst.pruneTotal, _ = m.Int64Counter("imi.prune.cycles.total",
			metric.WithDescription("Total prune/reconcile cycles"),
		)
		inst.claimTotal, _ = m.Int64Counter("imi.presence.claims.total",
			metric.WithDescription("Total presence claim attempts"),
		)
		inst.releaseTotal, _ = m.Int64Counter("imi.presence.releases.total",
			metric.WithDescription("Total presence release attempts"),
		)
		inst.syncTotal, _ = m.Int64Counter("imi.sync.scans.total",
			metric.WithDescription("Total discovery scan runs"),
		)
		inst.gitCallTotal, _ = m.Int64Counter("imi.git.calls.total",
			metric.WithDescription("Total git subprocess invocations"),
		)

		inst.gitCallDurationHist, _ = m.Float64Histogram("imi.git.call.duration_ms",
			metric.WithDescription("git subprocess round-trip latency in milliseconds"),
			metric.WithUnit("ms"),
		)
	})
}

// statusStr returns "ok" or "error" depending on whether err is nil.
func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// emit sends an OTel log event with the given body and key-value attributes.
func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

// errKV returns a log KeyValue with the error message, or empty string if nil.
func errKV(err error) otellog.KeyValue {
	if err != nil {
		return otellog.String("error", err.Error())
	}
	return otellog.String("error", "")
}

// severity returns SeverityInfo on success, SeverityError on failure.
func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

const (
	// maxStdoutLog is the maximum number of bytes of git stdout captured in logs.
	maxStdoutLog = 2048
	// maxStderrLog is the maximum number of bytes of git stderr captured in logs.
	maxStderrLog = 1024
)

// truncateOutput trims s to max bytes and appends "…" when truncated.
// Avoids splitting multi-byte UTF-8 characters at the boundary.
func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	truncated := s[:limit]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated + "…"
}

// RecordWorktreeCreate records a worktree create operation (metrics + log event).
func RecordWorktreeCreate(ctx context.Context, repoName, kind, name string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.createTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("repo", repoName),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	emit(ctx, "worktree.create", severity(err),
		otellog.String("repo", repoName),
		otellog.String("kind", kind),
		otellog.String("name", name),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordWorktreeClose records a worktree close operation (metrics + log event).
func RecordWorktreeClose(ctx context.Context, repoName, name string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.closeTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("repo", repoName),
			attribute.String("status", status),
		),
	)
	emit(ctx, "worktree.close", severity(err),
		otellog.String("repo", repoName),
		otellog.String("name", name),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordWorktreeRemove records a worktree remove operation (metrics + log event).
func RecordWorktreeRemove(ctx context.Context, repoName, name string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.removeTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("repo", repoName),
			attribute.String("status", status),
		),
	)
	emit(ctx, "worktree.remove", severity(err),
		otellog.String("repo", repoName),
		otellog.String("name", name),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordPrune records a prune/reconcile cycle with the four divergence
// counts detected (metrics + log event).
func RecordPrune(ctx context.Context, repoName string, staleGit, orphanFS, staleReg, corruptFS int, err error) {
	initInstruments()
	status := statusStr(err)
	inst.pruneTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("repo", repoName),
			attribute.Int("stale_git", staleGit),
			attribute.Int("orphan_fs", orphanFS),
			attribute.Int("stale_reg", staleReg),
			attribute.Int("corrupt_fs", corruptFS),
			attribute.String("status", status),
		),
	)
	emit(ctx, "prune.cycle", severity(err),
		otellog.String("repo", repoName),
		otellog.Int("stale_git", staleGit),
		otellog.Int("orphan_fs", orphanFS),
		otellog.Int("stale_reg", staleReg),
		otellog.Int("corrupt_fs", corruptFS),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordClaim records a presence claim attempt (metrics + log event).
func RecordClaim(ctx context.Context, repoName, name, agentID string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.claimTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("repo", repoName),
			attribute.String("agent", agentID),
			attribute.String("status", status),
		),
	)
	emit(ctx, "presence.claim", severity(err),
		otellog.String("repo", repoName),
		otellog.String("name", name),
		otellog.String("agent", agentID),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordRelease records a presence release attempt (metrics + log event).
func RecordRelease(ctx context.Context, repoName, name string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.releaseTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("repo", repoName),
			attribute.String("status", status),
		),
	)
	emit(ctx, "presence.release", severity(err),
		otellog.String("repo", repoName),
		otellog.String("name", name),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordSync records a discovery scan run and how many clusters it found.
func RecordSync(ctx context.Context, root string, found int, err error) {
	initInstruments()
	status := statusStr(err)
	inst.syncTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Int("found", found),
			attribute.String("status", status),
		),
	)
	emit(ctx, "sync.scan", severity(err),
		otellog.String("root", root),
		otellog.Int("found", found),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordGitCall records a git subprocess invocation with duration (metrics
// + log event). args is the full argument list; args[0] is used as the
// subcommand label. durationMs is the wall-clock time of the subprocess.
//
// stdout and stderr are only included in the log event when
// IMI_LOG_GIT_OUTPUT=true, since they may echo file contents or paths.
func RecordGitCall(ctx context.Context, args []string, durationMs float64, err error, stdout []byte, stderr string) {
	initInstruments()
	subcommand := ""
	if len(args) > 0 {
		subcommand = args[0]
	}
	status := statusStr(err)
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("subcommand", subcommand),
	)
	inst.gitCallTotal.Add(ctx, 1, attrs)
	inst.gitCallDurationHist.Record(ctx, durationMs, attrs)
	kvs := []otellog.KeyValue{
		otellog.String("subcommand", subcommand),
		otellog.String("args", strings.Join(args, " ")),
		otellog.Float64("duration_ms", durationMs),
		otellog.String("status", status),
		errKV(err),
	}
	if os.Getenv("IMI_LOG_GIT_OUTPUT") == "true" {
		kvs = append(kvs,
			otellog.String("stdout", truncateOutput(string(stdout), maxStdoutLog)),
			otellog.String("stderr", truncateOutput(stderr, maxStderrLog)),
		)
	}
	emit(ctx, "git.call", severity(err), kvs...)
}
