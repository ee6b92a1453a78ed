// Recording helpers for gasbot telemetry events.
// Each function emits an OTel log event and increments a metric counter.
// Without Init they hit the global no-op providers.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/gasbot/internal/eventbus"
)

const (
	meterRecorderName = "github.com/steveyegge/gasbot"
	loggerName        = "gasbot"
)

// recorderInstruments holds all lazy-initialized OTel metric instruments.
type recorderInstruments struct {
	taskTotal       metric.Int64Counter
	requestTotal    metric.Int64Counter
	makerFaultTotal metric.Int64Counter
	commandTotal    metric.Int64Counter
	procedureTotal  metric.Int64Counter
	childExitTotal  metric.Int64Counter

	procedureHist metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     recorderInstruments
)

// initInstruments registers the instruments against the current global
// MeterProvider. Init calls it once the real provider is set; every
// recorder calls it too as a safety net.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterRecorderName)

		inst.taskTotal, _ = m.Int64Counter("gasbot.tasks.total",
			metric.WithDescription("Scheduler task lifecycle transitions"),
		)
		inst.requestTotal, _ = m.Int64Counter("gasbot.requests.total",
			metric.WithDescription("Action requests emitted by decision makers"),
		)
		inst.makerFaultTotal, _ = m.Int64Counter("gasbot.maker.faults.total",
			metric.WithDescription("Decision maker errors"),
		)
		inst.commandTotal, _ = m.Int64Counter("gasbot.commands.total",
			metric.WithDescription("Control surface commands"),
		)
		inst.procedureTotal, _ = m.Int64Counter("gasbot.procedures.total",
			metric.WithDescription("Procedure runs"),
		)
		inst.childExitTotal, _ = m.Int64Counter("gasbot.children.exits.total",
			metric.WithDescription("Worker and bridge process exits"),
		)

		inst.procedureHist, _ = m.Float64Histogram("gasbot.procedure.duration_ms",
			metric.WithDescription("Procedure wall-clock time in milliseconds"),
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
		return otellog.String("error", truncate(err.Error(), maxErrorLog))
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
	maxErrorLog   = 1024
	maxMessageLog = 4096
)

// truncate trims s to max bytes and appends "…" when truncated.
// Avoids splitting multi-byte UTF-8 characters at the boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	truncated := s[:max]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated + "…"
}

// RecordTaskEvent records one scheduler lifecycle transition.
func RecordTaskEvent(ctx context.Context, ev eventbus.Event) {
	initInstruments()
	inst.taskTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(ev.Type)),
		attribute.String("bot", ev.Bot),
	))
	sev := otellog.SeverityInfo
	if ev.Type == eventbus.EventFailed {
		sev = otellog.SeverityError
	}
	emit(ctx, "task."+string(ev.Type), sev,
		otellog.String("task_id", ev.TaskID),
		otellog.String("bot", ev.Bot),
		otellog.Int64("priority", int64(ev.Priority)),
		otellog.String("reason", truncate(ev.Reason, maxErrorLog)),
	)
}

// Watch records every event published on bus until ctx ends.
func Watch(ctx context.Context, bus *eventbus.Bus) {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			RecordTaskEvent(ctx, ev)
		}
	}
}

// RecordRequest records an action request emitted by a decision maker.
func RecordRequest(ctx context.Context, bot, maker, requestID string) {
	initInstruments()
	inst.requestTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bot", bot),
		attribute.String("maker", maker),
	))
	emit(ctx, "request.emit", otellog.SeverityInfo,
		otellog.String("bot", bot),
		otellog.String("maker", maker),
		otellog.String("request_id", requestID),
	)
}

// RecordMakerFault records a decision maker error and whether it led to
// quarantine.
func RecordMakerFault(ctx context.Context, bot, maker string, quarantined bool, err error) {
	initInstruments()
	inst.makerFaultTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bot", bot),
		attribute.String("maker", maker),
		attribute.Bool("quarantined", quarantined),
	))
	emit(ctx, "maker.fault", otellog.SeverityWarn,
		otellog.String("bot", bot),
		otellog.String("maker", maker),
		otellog.Bool("quarantined", quarantined),
		errKV(err),
	)
}

// RecordCommand records a control surface command.
func RecordCommand(ctx context.Context, verb string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.commandTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.String("status", status),
	))
	emit(ctx, "command", severity(err),
		otellog.String("verb", verb),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordProcedure records one procedure run with its duration.
func RecordProcedure(ctx context.Context, name, bot string, took time.Duration, err error) {
	initInstruments()
	status := statusStr(err)
	attrs := metric.WithAttributes(
		attribute.String("procedure", name),
		attribute.String("status", status),
	)
	ms := float64(took) / float64(time.Millisecond)
	inst.procedureTotal.Add(ctx, 1, attrs)
	inst.procedureHist.Record(ctx, ms, attrs)
	emit(ctx, "procedure.run", severity(err),
		otellog.String("procedure", name),
		otellog.String("bot", bot),
		otellog.Float64("duration_ms", ms),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordChildExit records a worker or bridge exit.
func RecordChildExit(ctx context.Context, name string, code int, killed bool) {
	initInstruments()
	inst.childExitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("process", name),
		attribute.Bool("killed", killed),
	))
	sev := otellog.SeverityInfo
	if code != 0 || killed {
		sev = otellog.SeverityWarn
	}
	emit(ctx, "child.exit", sev,
		otellog.String("process", name),
		otellog.Int64("exit_code", int64(code)),
		otellog.Bool("killed", killed),
	)
}

// ForwardLog exports one collected log record.
func ForwardLog(ctx context.Context, at time.Time, level slog.Level, process, component, msg string, attrs map[string]any) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetTimestamp(at)
	r.SetBody(otellog.StringValue(truncate(msg, maxMessageLog)))
	r.SetSeverity(logSeverity(level))
	r.SetSeverityText(level.String())

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]otellog.KeyValue, 0, len(keys)+2)
	kvs = append(kvs, otellog.String("process", process), otellog.String("component", component))
	for _, k := range keys {
		kvs = append(kvs, otellog.String(k, truncate(fmt.Sprint(attrs[k]), maxErrorLog)))
	}
	r.AddAttributes(kvs...)
	logger.Emit(ctx, r)
}

func logSeverity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	}
	return otellog.SeverityDebug
}
