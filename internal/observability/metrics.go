// Package observability wires OpenTelemetry metrics and tracing for the
// orchestration engine. Metrics export through the Prometheus exporter;
// traces ship over OTLP HTTP when enabled.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"taskforge/internal/logging"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool
	PrometheusPort int
}

// MetricsCollector owns the engine's meters. A zero collector (metrics
// disabled) is safe to call; every record method no-ops.
type MetricsCollector struct {
	meter metric.Meter

	taskDispatches  metric.Int64Counter
	taskCompletions metric.Int64Counter
	taskFailures    metric.Int64Counter
	taskDuration    metric.Float64Histogram

	recoveryAttempts metric.Int64Counter
	queueDepth       metric.Int64UpDownCounter

	llmRequests metric.Int64Counter
	llmLatency  metric.Float64Histogram
	llmTokens   metric.Int64Counter

	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	prometheusServer *http.Server
	logger           logging.Logger
}

// NewMetricsCollector builds the collector and, when a port is configured,
// starts the Prometheus scrape endpoint.
func NewMetricsCollector(cfg MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	c := &MetricsCollector{logger: logging.OrNop(logger)}
	if !cfg.Enabled {
		return c, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	c.meter = provider.Meter("taskforge")

	if c.taskDispatches, err = c.meter.Int64Counter("taskforge.tasks.dispatched",
		metric.WithDescription("Tasks dispatched to agents"), metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if c.taskCompletions, err = c.meter.Int64Counter("taskforge.tasks.completed",
		metric.WithDescription("Tasks completed"), metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if c.taskFailures, err = c.meter.Int64Counter("taskforge.tasks.failed",
		metric.WithDescription("Task executions failed, by failure kind"), metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if c.taskDuration, err = c.meter.Float64Histogram("taskforge.tasks.duration",
		metric.WithDescription("Task execution duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if c.recoveryAttempts, err = c.meter.Int64Counter("taskforge.recovery.attempts",
		metric.WithDescription("Recovery attempts, by strategy"), metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if c.queueDepth, err = c.meter.Int64UpDownCounter("taskforge.queue.depth",
		metric.WithDescription("Open tasks per workspace"), metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if c.llmRequests, err = c.meter.Int64Counter("taskforge.llm.requests",
		metric.WithDescription("Provider completion requests"), metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if c.llmLatency, err = c.meter.Float64Histogram("taskforge.llm.latency",
		metric.WithDescription("Provider latency in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if c.llmTokens, err = c.meter.Int64Counter("taskforge.llm.tokens",
		metric.WithDescription("Prompt tokens sent to the provider"), metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if c.toolExecutions, err = c.meter.Int64Counter("taskforge.tools.executions",
		metric.WithDescription("Tool invocations, by tool and status"), metric.WithUnit("{execution}")); err != nil {
		return nil, err
	}
	if c.toolDuration, err = c.meter.Float64Histogram("taskforge.tools.duration",
		metric.WithDescription("Tool invocation duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}

	if cfg.PrometheusPort > 0 {
		c.startPrometheusServer(cfg.PrometheusPort)
	}
	return c, nil
}

func (c *MetricsCollector) startPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	c.prometheusServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		c.logger.Info("prometheus metrics listening on :%d", port)
		if err := c.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("prometheus server: %v", err)
		}
	}()
}

// Shutdown stops the scrape endpoint.
func (c *MetricsCollector) Shutdown(ctx context.Context) error {
	if c.prometheusServer != nil {
		return c.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordDispatch counts one task dispatch.
func (c *MetricsCollector) RecordDispatch(ctx context.Context, workspaceID string) {
	if c == nil || c.taskDispatches == nil {
		return
	}
	c.taskDispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("workspace", workspaceID)))
}

// RecordTaskResult counts one finished execution.
func (c *MetricsCollector) RecordTaskResult(ctx context.Context, workspaceID string, failureKind string, duration time.Duration) {
	if c == nil || c.taskCompletions == nil {
		return
	}
	ws := attribute.String("workspace", workspaceID)
	if failureKind == "" {
		c.taskCompletions.Add(ctx, 1, metric.WithAttributes(ws))
	} else {
		c.taskFailures.Add(ctx, 1, metric.WithAttributes(ws, attribute.String("kind", failureKind)))
	}
	c.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(ws))
}

// RecordRecovery counts one recovery attempt by strategy.
func (c *MetricsCollector) RecordRecovery(ctx context.Context, workspaceID, strategy string) {
	if c == nil || c.recoveryAttempts == nil {
		return
	}
	c.recoveryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workspace", workspaceID),
		attribute.String("strategy", strategy)))
}

// AddQueueDepth moves the open-task gauge.
func (c *MetricsCollector) AddQueueDepth(ctx context.Context, workspaceID string, delta int64) {
	if c == nil || c.queueDepth == nil {
		return
	}
	c.queueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("workspace", workspaceID)))
}

// RecordLLMRequest counts one provider call.
func (c *MetricsCollector) RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration, promptTokens int) {
	if c == nil || c.llmRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status))
	c.llmRequests.Add(ctx, 1, attrs)
	c.llmLatency.Record(ctx, latency.Seconds(), attrs)
	if promptTokens > 0 {
		c.llmTokens.Add(ctx, int64(promptTokens), metric.WithAttributes(attribute.String("model", model)))
	}
}

// RecordToolExecution counts one tool invocation.
func (c *MetricsCollector) RecordToolExecution(ctx context.Context, tool, status string, duration time.Duration) {
	if c == nil || c.toolExecutions == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status))
	c.toolExecutions.Add(ctx, 1, attrs)
	c.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}
