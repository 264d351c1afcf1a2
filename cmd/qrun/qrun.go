package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vqtools/qrun/internal/batch"
	"github.com/vqtools/qrun/internal/executor"
	"github.com/vqtools/qrun/internal/log"
	"github.com/vqtools/qrun/internal/model"
	"github.com/vqtools/qrun/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("qrun",
		slog.String("cmd", "run"),
		slog.String("run_id", uuid.NewString()),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	resultStore, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	if resultStore != nil {
		defer func() {
			_ = resultStore.Close()
		}()
	}

	factory, err := executorFactory(config, resultStore)
	if err != nil {
		return err
	}

	assets := buildAssets(config)
	results, err := batch.RunAll(ctx, factory, assets, batch.Options{
		Parallel: config.Execution.Parallel,
		Workers:  config.Execution.Workers,
	})
	if err != nil {
		return err
	}

	return printResults(os.Stdout, results)
}

func doClean(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("qrun",
		slog.String("cmd", "clean"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	// no flag means clean both
	logs := flagCleanLogs || !flagCleanResults
	results := flagCleanResults || !flagCleanLogs

	var resultStore *store.SQLite
	if results {
		var err error
		resultStore, err = openStore(ctx, config)
		if err != nil {
			return err
		}
		if resultStore != nil {
			defer func() {
				_ = resultStore.Close()
			}()
		}
	}

	factory, err := executorFactory(config, resultStore)
	if err != nil {
		return err
	}
	exec := factory()
	assets := buildAssets(config)

	if logs {
		if err := exec.RemoveLogs(assets); err != nil {
			return err
		}
		slog.InfoContext(ctx, "log files removed", "count", len(assets))
	}
	if results {
		if err := exec.RemoveResults(ctx, assets); err != nil {
			return err
		}
		slog.InfoContext(ctx, "stored results removed", "count", len(assets))
	}
	return nil
}

// openStore returns nil when the store is disabled, which means every
// job runs uncached.
func openStore(ctx context.Context, cfg *model.Config) (*store.SQLite, error) {
	if !cfg.Store.Enabled {
		return nil, nil
	}
	dbPath := cfg.Store.DBPath(cfg.Workspace)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return store.OpenSQLite(ctx, dbPath)
}

func executorFactory(cfg *model.Config, resultStore *store.SQLite) (batch.Factory, error) {
	timeout, err := cfg.Execution.JobTimeout()
	if err != nil {
		return nil, fmt.Errorf("parsing execution.timeout: %w", err)
	}

	comp := executor.QualityRunner{
		MetricType:    cfg.Metric.Type,
		MetricVersion: cfg.Metric.Version,
		Command:       cfg.Metric.Command,
		Args:          cfg.Metric.Args,
	}

	opts := []executor.Option{
		executor.WithFifoMode(cfg.Execution.FifoMode),
		executor.WithDeleteWorkdir(cfg.Execution.DeleteWorkdir),
		executor.WithTimeout(timeout),
	}
	if resultStore != nil {
		opts = append(opts, executor.WithStore(resultStore))
	}

	logDir := cfg.Workspace.Logs()
	return func() *executor.Executor {
		return executor.New(comp, logDir, opts...)
	}, nil
}

// buildAssets allocates a unique workfile directory per asset, so two
// runs of the same batch never collide on working paths.
func buildAssets(cfg *model.Config) []model.Asset {
	workRoot := cfg.Workspace.Workfiles()
	assets := make([]model.Asset, 0, len(cfg.Assets))
	for _, entry := range cfg.Assets {
		asset := entry.Asset()
		dir := filepath.Join(workRoot, uuid.NewString())
		asset.RefWorkfilePath = filepath.Join(dir, "ref_"+asset.String())
		asset.DisWorkfilePath = filepath.Join(dir, "dis_"+asset.String())
		assets = append(assets, asset)
	}
	return assets
}

func printResults(w io.Writer, results []model.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("formatting results as JSON: %w", err)
	}
	return nil
}
