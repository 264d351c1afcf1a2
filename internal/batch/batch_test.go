package batch_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/vqtools/qrun/internal/batch"
	"github.com/vqtools/qrun/internal/executor"
	"github.com/vqtools/qrun/internal/model"
	"github.com/vqtools/qrun/internal/store"

	"github.com/stretchr/testify/require"
)

// echoMetric reads the reference workfile and reports its numeric
// content as the score, so every asset gets a distinct, predictable
// result.
type echoMetric struct {
	calls *atomic.Int32
}

func (e echoMetric) Type() string    { return "ECHO" }
func (e echoMetric) Version() string { return "1.0" }

func (e echoMetric) Compute(ctx context.Context, refPath, disPath, logPath string) error {
	e.calls.Add(1)
	data, err := os.ReadFile(refPath)
	if err != nil {
		return err
	}
	if _, err := os.ReadFile(disPath); err != nil {
		return err
	}
	log, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Close()
	}()
	_, err = fmt.Fprintf(log, "score %s\n", data)
	return err
}

func (e echoMetric) ParseLog(asset model.Asset, executorID, logPath string) (model.Result, error) {
	q := executor.QualityRunner{MetricType: e.Type(), MetricVersion: e.Version()}
	return q.ParseLog(asset, executorID, logPath)
}

func testAssets(t *testing.T, n int) []model.Asset {
	t.Helper()
	srcDir := t.TempDir()
	workRoot := t.TempDir()
	wh := model.WH{Width: 100, Height: 100}

	assets := make([]model.Asset, 0, n)
	for i := range n {
		refPath := filepath.Join(srcDir, fmt.Sprintf("ref-%d.yuv", i))
		disPath := filepath.Join(srcDir, fmt.Sprintf("dis-%d.yuv", i))
		require.NoError(t, os.WriteFile(refPath, fmt.Appendf(nil, "%d", i), 0o644))
		require.NoError(t, os.WriteFile(disPath, []byte("dis"), 0o644))

		asset := model.Asset{
			ID:        model.AssetID{Dataset: "test", ContentID: 0, AssetID: i},
			RefPath:   refPath,
			DisPath:   disPath,
			QualityWH: wh,
			RefWH:     wh,
			DisWH:     wh,
		}
		workDir := filepath.Join(workRoot, fmt.Sprintf("job-%d", i))
		asset.RefWorkfilePath = filepath.Join(workDir, "ref_"+asset.String())
		asset.DisWorkfilePath = filepath.Join(workDir, "dis_"+asset.String())
		assets = append(assets, asset)
	}
	return assets
}

func newFactory(logDir string, calls *atomic.Int32, s store.Store) batch.Factory {
	comp := echoMetric{calls: calls}
	opts := []executor.Option{executor.WithFifoMode(false)}
	if s != nil {
		opts = append(opts, executor.WithStore(s))
	}
	return func() *executor.Executor {
		return executor.New(comp, logDir, opts...)
	}
}

func TestRunAllOrderPreserved(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		n        int
		opts     batch.Options
	}{
		{"parallel", 8, batch.Options{Parallel: true, Workers: 4}},
		{"sequential", 8, batch.Options{Parallel: false}},
		{"parallel fallback without workers", 8, batch.Options{Parallel: true, Workers: 0}},
		{"empty batch parallel", 0, batch.Options{Parallel: true, Workers: 4}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			assets := testAssets(t, tt.n)
			var calls atomic.Int32
			factory := newFactory(t.TempDir(), &calls, nil)

			results, err := batch.RunAll(t.Context(), factory, assets, tt.opts)
			require.NoError(t, err)
			require.Len(t, results, tt.n)
			require.Equal(t, int32(tt.n), calls.Load())

			// i-th result corresponds to the i-th input asset
			for i, result := range results {
				require.Equal(t, assets[i].ID, result.Asset.ID)
				require.Equal(t, map[string]float64{"score": float64(i)}, result.Scores)
			}
		})
	}
}

func TestRunAllDuplicateAssets(t *testing.T) {
	t.Parallel()
	assets := testAssets(t, 3)
	assets[2].ID = assets[0].ID

	var calls atomic.Int32
	factory := newFactory(t.TempDir(), &calls, nil)

	_, err := batch.RunAll(t.Context(), factory, assets, batch.Options{Parallel: true, Workers: 4})
	require.ErrorIs(t, err, model.ErrDuplicateAsset)
	// rejected before any computation started
	require.Equal(t, int32(0), calls.Load())
}

func TestRunAllCacheHits(t *testing.T) {
	t.Parallel()
	assets := testAssets(t, 3)

	s, err := store.OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	// the middle asset is already computed
	cached := model.Result{
		Asset:      assets[1],
		ExecutorID: "ECHO_V1.0",
		Scores:     map[string]float64{"score": 1},
	}
	require.NoError(t, s.Save(t.Context(), cached))

	var calls atomic.Int32
	factory := newFactory(t.TempDir(), &calls, s)

	results, err := batch.RunAll(t.Context(), factory, assets, batch.Options{Parallel: true, Workers: 4})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// one hit, two misses: exactly two computations
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, cached, results[1])
	for i, result := range results {
		require.Equal(t, assets[i].ID, result.Asset.ID)
	}
}

func TestRunAllFallbackEquivalence(t *testing.T) {
	t.Parallel()
	assets := testAssets(t, 5)

	var parallelCalls, sequentialCalls atomic.Int32
	logDir := t.TempDir()

	parallelResults, err := batch.RunAll(t.Context(),
		newFactory(logDir, &parallelCalls, nil),
		assets, batch.Options{Parallel: true, Workers: 4})
	require.NoError(t, err)

	sequentialResults, err := batch.RunAll(t.Context(),
		newFactory(logDir, &sequentialCalls, nil),
		assets, batch.Options{Parallel: false})
	require.NoError(t, err)

	require.Equal(t, parallelResults, sequentialResults)
	require.Equal(t, parallelCalls.Load(), sequentialCalls.Load())
}

func TestRunAllJobFailureAbortsBatch(t *testing.T) {
	t.Parallel()
	assets := testAssets(t, 4)
	// break one input, its job must fail the whole batch
	require.NoError(t, os.Remove(assets[2].RefPath))

	var calls atomic.Int32
	factory := newFactory(t.TempDir(), &calls, nil)

	results, err := batch.RunAll(t.Context(), factory, assets, batch.Options{Parallel: true, Workers: 2})
	require.Error(t, err)
	require.Nil(t, results)
}
