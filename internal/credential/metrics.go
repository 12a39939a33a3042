package credential

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	refreshOutcomes metric.Int64Counter
	watcherRuns     metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/mcpgate/mcpgate/internal/credential")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"credential.cache.operations",
			metric.WithDescription("Credential cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		refreshOutcomes, err = meter.Int64Counter(
			"credential.refresh.outcomes",
			metric.WithDescription("Token refresh outcomes"),
		)
		if err != nil {
			otel.Handle(err)
		}

		watcherRuns, err = meter.Int64Counter(
			"credential.watcher.runs",
			metric.WithDescription("Watcher sweep executions"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordCacheOp(operation, status string) {
	initMetrics()
	if cacheOperations == nil {
		return
	}
	cacheOperations.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("cache.operation", operation),
			attribute.String("cache.status", status),
		),
	)
}

func recordRefreshOutcome(service, outcome string) {
	initMetrics()
	if refreshOutcomes == nil {
		return
	}
	refreshOutcomes.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("refresh.outcome", outcome),
		),
	)
}

func recordWatcherRun(cleaned int) {
	initMetrics()
	if watcherRuns == nil {
		return
	}
	watcherRuns.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("watcher.cleaned", cleaned)),
	)
}
