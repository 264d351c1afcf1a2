package workfile_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vqtools/qrun/internal/model"
	"github.com/vqtools/qrun/internal/workfile"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testAsset(t *testing.T, refDir, disDir string) model.Asset {
	t.Helper()
	srcDir := t.TempDir()
	refPath := filepath.Join(srcDir, "ref.yuv")
	disPath := filepath.Join(srcDir, "dis.yuv")
	require.NoError(t, os.WriteFile(refPath, []byte("reference-frames"), 0o644))
	require.NoError(t, os.WriteFile(disPath, []byte("distorted-frames"), 0o644))

	wh := model.WH{Width: 100, Height: 100}
	return model.Asset{
		ID:              model.AssetID{Dataset: "test", ContentID: 0, AssetID: 0},
		RefPath:         refPath,
		DisPath:         disPath,
		RefWorkfilePath: filepath.Join(refDir, "ref_workfile"),
		DisWorkfilePath: filepath.Join(disDir, "dis_workfile"),
		QualityWH:       wh,
		RefWH:           wh,
		DisWH:           wh,
	}
}

func TestPreparePlain(t *testing.T) {
	t.Parallel()
	workDir := filepath.Join(t.TempDir(), "work")
	asset := testAsset(t, workDir, workDir)
	m := workfile.Manager{FifoMode: false}

	prepared, err := m.Prepare(t.Context(), asset)
	require.NoError(t, err)
	require.NoError(t, prepared.Wait())

	ref, err := os.ReadFile(asset.RefWorkfilePath)
	require.NoError(t, err)
	require.Equal(t, "reference-frames", string(ref))

	dis, err := os.ReadFile(asset.DisWorkfilePath)
	require.NoError(t, err)
	require.Equal(t, "distorted-frames", string(dis))

	require.NoError(t, m.Teardown(asset))
	require.NoDirExists(t, workDir)
}

func TestPrepareFifo(t *testing.T) {
	t.Parallel()
	workDir := filepath.Join(t.TempDir(), "work")
	asset := testAsset(t, workDir, workDir)
	m := workfile.Manager{FifoMode: true}

	prepared, err := m.Prepare(t.Context(), asset)
	require.NoError(t, err)

	// drain both pipes concurrently, like the computation step does
	var refData, disData []byte
	g, _ := errgroup.WithContext(t.Context())
	g.Go(func() error {
		var err error
		refData, err = os.ReadFile(asset.RefWorkfilePath)
		return err
	})
	g.Go(func() error {
		var err error
		disData, err = os.ReadFile(asset.DisWorkfilePath)
		return err
	})
	require.NoError(t, g.Wait())
	require.NoError(t, prepared.Wait())

	require.Equal(t, "reference-frames", string(refData))
	require.Equal(t, "distorted-frames", string(disData))

	require.NoError(t, m.Teardown(asset))
}

func TestPrepareFifoCanceled(t *testing.T) {
	t.Parallel()
	workDir := filepath.Join(t.TempDir(), "work")
	asset := testAsset(t, workDir, workDir)
	m := workfile.Manager{FifoMode: true}

	ctx, cancel := context.WithCancel(t.Context())
	prepared, err := m.Prepare(ctx, asset)
	require.NoError(t, err)

	// nobody ever reads the pipes, cancellation must unblock the writers
	cancel()
	require.ErrorIs(t, prepared.Wait(), context.Canceled)

	require.NoError(t, m.Teardown(asset))
}

func TestPrepareMissingSource(t *testing.T) {
	t.Parallel()
	workDir := filepath.Join(t.TempDir(), "work")
	asset := testAsset(t, workDir, workDir)
	asset.RefPath = filepath.Join(t.TempDir(), "does-not-exist.yuv")
	m := workfile.Manager{FifoMode: false}

	_, err := m.Prepare(t.Context(), asset)
	require.Error(t, err)
}

func TestReclaim(t *testing.T) {
	t.Parallel()
	workDir := filepath.Join(t.TempDir(), "work")
	asset := testAsset(t, workDir, workDir)
	m := workfile.Manager{}

	// nothing to reclaim is fine
	require.NoError(t, m.Reclaim(asset))

	require.NoError(t, os.MkdirAll(workDir, 0o755))
	require.NoError(t, os.WriteFile(asset.RefWorkfilePath, []byte("stale"), 0o644))
	require.NoError(t, m.Reclaim(asset))
	require.NoFileExists(t, asset.RefWorkfilePath)
}

func TestTeardownSharedDir(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario  string
		sharedDir bool
	}{
		{"ref and dis share a directory", true},
		{"separate directories", false},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			base := t.TempDir()
			refDir := filepath.Join(base, "work")
			disDir := refDir
			if !tt.sharedDir {
				disDir = filepath.Join(base, "work-dis")
			}
			asset := testAsset(t, refDir, disDir)
			m := workfile.Manager{FifoMode: false}

			prepared, err := m.Prepare(t.Context(), asset)
			require.NoError(t, err)
			require.NoError(t, prepared.Wait())

			// the second directory removal may target an already
			// removed path, which must not error
			require.NoError(t, m.Teardown(asset))
			require.NoDirExists(t, refDir)
			require.NoDirExists(t, disDir)

			// teardown is idempotent
			require.NoError(t, m.Teardown(asset))
		})
	}
}

func TestPreparedZeroValue(t *testing.T) {
	t.Parallel()
	var p *workfile.Prepared
	require.NoError(t, p.Wait())
}
