package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies mapFunc to every item using at most limit concurrent
// workers and returns the outputs in input order, regardless of the
// completion order. The first error cancels the remaining work and is
// returned. Map is context aware, a canceled context ends the
// processing.
func Map[E, D any](parentCtx context.Context, limit int, items []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(parentCtx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	out := make([]D, len(items))
	for idx, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := mapFunc(gctx, item)
			if err != nil {
				return err
			}
			out[idx] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
