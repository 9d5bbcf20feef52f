package service

import (
	"context"

	"github.com/vedran77/pulse/internal/domain"
	"github.com/vedran77/pulse/internal/store"
)

// IncrementCounter adds one to a named counter and returns the new value.
func IncrementCounter(ctx context.Context, st *store.Store, name string) (int64, error) {
	if name == "" {
		return 0, domain.NewValidationError("INVALID_COUNTER", "counter name is required")
	}
	return store.Mutate(ctx, st, func(agg *domain.Aggregate) (int64, error) {
		if agg.Counters == nil {
			agg.Counters = map[string]int64{}
		}
		agg.Counters[name]++
		return agg.Counters[name], nil
	})
}
