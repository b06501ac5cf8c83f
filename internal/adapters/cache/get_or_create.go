package cache

import (
	"context"
	"fmt"

	"github.com/Amund211/applause/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type cacheMetricsCollection struct {
	lookupCount metric.Int64Counter
}

var metrics cacheMetricsCollection

func init() {
	const name = "applause/cache"
	meter := otel.Meter(name)

	lookupCount, err := meter.Int64Counter(
		"cache/lookup_count",
		metric.WithDescription("Cache lookups by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create lookup count metric: %w", err))
	}

	metrics = cacheMetricsCollection{
		lookupCount: lookupCount,
	}
}

func recordLookup(ctx context.Context, outcome string) {
	metrics.lookupCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Returns data, created, error
//
// At most one call to create runs per key at a time. Concurrent callers wait for the running call and all
// observe its result, including its error. Failed results are not stored, so a later call may retry.
//
// create runs detached from the cancellation of ctx. A caller that gives up waiting does not cancel the
// call for the other waiters.
func GetOrCreate[T any](ctx context.Context, cache Cache[T], key string, create func(ctx context.Context) (T, error)) (T, bool, error) {
	logger := logging.FromContext(ctx)

	result := cache.getOrClaim(key)
	if result.valid {
		logger.InfoContext(ctx, "Getting cache entry", "key", key, "cache", "hit")
		recordLookup(ctx, "hit")
		return result.data, false, nil
	}

	f := result.flight
	if result.claimed {
		logger.InfoContext(ctx, "Getting cache entry", "key", key, "cache", "miss")
		recordLookup(ctx, "miss")

		createCtx := context.WithoutCancel(ctx)
		go func() {
			defer cache.settle(key, f)
			f.data, f.err = create(createCtx)
		}()
	} else {
		logger.InfoContext(ctx, "Waiting for cache", "key", key)
		recordLookup(ctx, "wait")
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		var empty T
		return empty, false, fmt.Errorf("stopped waiting for cache entry: %w", ctx.Err())
	}

	if f.err != nil {
		var empty T
		return empty, false, fmt.Errorf("failed to create cache entry: %w", f.err)
	}

	return f.data, result.claimed, nil
}
