// Package telemetry exports gasbot's metrics and logs over OTLP HTTP.
//
// Every process of a run exports on its own: the supervisor, each worker and
// the bridge. Their resources carry the role, process name and run id, so a
// backend can stitch one run back together. Export is opt-in:
//
//	GASBOT_OTEL_METRICS_URL  metrics endpoint
//	GASBOT_OTEL_LOGS_URL     logs endpoint
//
// or telemetry.enabled in gasbot.toml, which selects the local defaults.
// Failures never stop a run; callers log them and carry on.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	EnvMetricsURL = "GASBOT_OTEL_METRICS_URL"
	EnvLogsURL    = "GASBOT_OTEL_LOGS_URL"

	// Local VictoriaMetrics and VictoriaLogs OTLP endpoints.
	DefaultMetricsURL = "http://localhost:8428/opentelemetry/api/v1/push"
	DefaultLogsURL    = "http://localhost:9428/insert/opentelemetry/v1/logs"

	// ExportInterval is how often metrics are pushed. Short runs still flush
	// everything on Shutdown.
	ExportInterval = 30 * time.Second

	serviceName = "gasbot"
)

// Process names the exporting process.
type Process struct {
	Role    string // supervisor, worker or bridge
	Name    string // supervisor, worker-0, bridge
	RunID   string
	Version string
}

func (p Process) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(p.Version),
	}
	if p.Name != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(p.Name), attribute.String("gasbot.process", p.Name))
	}
	if p.Role != "" {
		attrs = append(attrs, attribute.String("gasbot.role", p.Role))
	}
	if p.RunID != "" {
		attrs = append(attrs, attribute.String("gasbot.run_id", p.RunID))
	}
	return attrs
}

var (
	initMu   sync.Mutex
	initDone bool
	active   *Provider
)

// Provider owns the SDK providers of this process.
type Provider struct {
	shutdowns    []func(context.Context) error
	shutdownMu   sync.Mutex
	shutdownDone bool
}

// Shutdown flushes pending metrics and logs. Later calls are no-ops.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()
	if p.shutdownDone {
		return nil
	}
	p.shutdownDone = true

	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// Active reports whether this process exports telemetry.
func Active() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return active != nil
}

// Endpoints resolves the export URLs from the environment. With neither set
// and enabled true, it selects the local defaults and exports them to the
// environment so children started later inherit them. ok is false when
// telemetry stays off.
func Endpoints(enabled bool) (metricsURL, logsURL string, ok bool) {
	metricsURL, logsURL = os.Getenv(EnvMetricsURL), os.Getenv(EnvLogsURL)
	if metricsURL == "" && logsURL == "" {
		if !enabled {
			return "", "", false
		}
		_ = os.Setenv(EnvMetricsURL, DefaultMetricsURL)
		_ = os.Setenv(EnvLogsURL, DefaultLogsURL)
	}
	if metricsURL == "" {
		metricsURL = DefaultMetricsURL
	}
	if logsURL == "" {
		logsURL = DefaultLogsURL
	}
	return metricsURL, logsURL, true
}

// Init installs the metric and log providers for proc. Only the first call
// of a process does anything; later calls return its provider. It returns
// (nil, nil) when telemetry is off.
func Init(ctx context.Context, proc Process, enabled bool) (*Provider, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initDone {
		return active, nil
	}
	metricsURL, logsURL, ok := Endpoints(enabled)
	if !ok {
		initDone = true
		return nil, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(proc.attributes()...),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource for %s: %w", proc.Name, err)
	}

	p := &Provider{}
	metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(metricsURL))
	if err != nil {
		return nil, fmt.Errorf("metrics exporter %s: %w", metricsURL, err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(ExportInterval))),
	)
	otel.SetMeterProvider(mp)
	p.shutdowns = append(p.shutdowns, mp.Shutdown)
	initInstruments()

	logExp, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(logsURL))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("logs exporter %s: %w", logsURL, err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
	)
	global.SetLoggerProvider(lp)
	p.shutdowns = append(p.shutdowns, lp.Shutdown)

	initDone = true
	active = p
	return p, nil
}
