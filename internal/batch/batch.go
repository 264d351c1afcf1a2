// Package batch fans independent assets out across per-asset
// executors and aggregates their results in input order.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vqtools/qrun/internal/executor"
	"github.com/vqtools/qrun/internal/model"
	"github.com/vqtools/qrun/internal/parallel"
)

// Factory creates a fresh Executor for one singleton batch, so cache
// probing and workfile state are never shared between concurrent jobs.
type Factory func() *executor.Executor

type Options struct {
	// Parallel requests the worker-pool backend. With Workers not
	// positive the pool is unavailable and execution falls back to
	// strictly sequential, which is reported, not an error.
	Parallel bool
	Workers  int
}

// RunAll runs every asset through its own executor and returns exactly
// one result per asset, in input order regardless of completion order.
// Duplicate identity triples are rejected before any work starts. The
// first failing job aborts the whole batch.
func RunAll(ctx context.Context, factory Factory, assets []model.Asset, opts Options) ([]model.Result, error) {
	if err := model.AssertUniqueAssets(assets); err != nil {
		return nil, err
	}

	runOne := func(ctx context.Context, asset model.Asset) (model.Result, error) {
		results, err := factory().Run(ctx, []model.Asset{asset})
		if err != nil {
			return model.Result{}, err
		}
		// a singleton batch must yield exactly one result
		if len(results) != 1 {
			return model.Result{}, fmt.Errorf("executor produced %d results for %s, want exactly 1", len(results), asset)
		}
		return results[0], nil
	}

	if opts.Parallel && opts.Workers > 0 {
		return parallel.Map(ctx, opts.Workers, assets, runOne)
	}
	if opts.Parallel {
		slog.WarnContext(ctx, "no parallel workers available, falling back to sequential execution")
	}

	results := make([]model.Result, 0, len(assets))
	for _, asset := range assets {
		result, err := runOne(ctx, asset)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}
