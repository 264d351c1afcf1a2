// Package executor implements the memoizing per-asset run state
// machine: cache probe, workfile preparation, computation, log
// parsing, cleanup and cache write.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vqtools/qrun/internal/log"
	"github.com/vqtools/qrun/internal/model"
	"github.com/vqtools/qrun/internal/store"
	"github.com/vqtools/qrun/internal/workfile"
)

// Computation is one quality-computation implementation. Type and
// Version must be stable: together they namespace cache entries and
// log files, so two implementations with different tags never collide,
// and bumping Version invalidates previously stored results.
type Computation interface {
	Type() string
	Version() string

	// Compute produces the log content for one prepared input pair. It
	// appends to the log file at logPath, which already exists and
	// carries the identity header. It must terminate and leave a
	// parseable log on success.
	Compute(ctx context.Context, refPath, disPath, logPath string) error

	// ParseLog reads the scores back out of a log produced by Compute.
	// An unparseable log is an error, never an empty Result.
	ParseLog(asset model.Asset, executorID, logPath string) (model.Result, error)
}

// ID composes the identity string under which c's results are cached
// and its logs are written.
func ID(c Computation) string {
	return fmt.Sprintf("%s_V%s", c.Type(), c.Version())
}

// Executor runs assets through one Computation, skipping every asset
// whose result is already stored.
type Executor struct {
	comp          Computation
	logDir        string
	workfiles     workfile.Manager
	deleteWorkdir bool
	store         store.Store
	timeout       time.Duration
}

type Option func(*Executor)

// WithStore enables memoization. Without it every asset runs uncached.
func WithStore(s store.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithFifoMode toggles named-pipe workfiles, default on.
func WithFifoMode(on bool) Option {
	return func(e *Executor) { e.workfiles.FifoMode = on }
}

// WithDeleteWorkdir toggles workfile cleanup after the run, default on.
func WithDeleteWorkdir(on bool) Option {
	return func(e *Executor) { e.deleteWorkdir = on }
}

// WithTimeout bounds one asset's run, including the computation step
// and the pipe writers. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func New(comp Computation, logDir string, opts ...Option) *Executor {
	e := &Executor{
		comp:          comp,
		logDir:        logDir,
		workfiles:     workfile.Manager{FifoMode: true},
		deleteWorkdir: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) ID() string {
	return ID(e.comp)
}

// Run produces one Result per asset, in input order. A stored result
// is returned as is, without running the computation. Duplicate
// identity triples and dimension mismatches are fatal, the batch
// aborts before, respectively at, the offending asset.
func (e *Executor) Run(ctx context.Context, assets []model.Asset) ([]model.Result, error) {
	if err := model.AssertUniqueAssets(assets); err != nil {
		return nil, err
	}

	results := make([]model.Result, 0, len(assets))
	for _, asset := range assets {
		result, err := e.runOne(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", e.ID(), asset, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (e *Executor) runOne(parentCtx context.Context, asset model.Asset) (model.Result, error) {
	ctx := log.ContextAttrs(parentCtx,
		slog.String("executor", e.ID()),
		slog.String("asset", asset.String()),
	)
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := asset.VerifyDimensions(); err != nil {
		return model.Result{}, err
	}

	if e.store != nil {
		result, err := e.store.Load(ctx, asset.ID, e.ID())
		switch {
		case err == nil:
			slog.InfoContext(ctx, "result exists, skipping run")
			return result, nil
		case errors.Is(err, model.ErrNotFound):
			// cache miss, compute below
		default:
			return model.Result{}, fmt.Errorf("probing result store: %w", err)
		}
	}
	slog.InfoContext(ctx, "result does not exist, computing")

	// remove leftovers first: workfile paths of an interrupted run may
	// overlap with ours
	if err := e.workfiles.Reclaim(asset); err != nil {
		return model.Result{}, err
	}

	logPath, err := e.createLogFile(asset)
	if err != nil {
		return model.Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prepared, err := e.workfiles.Prepare(runCtx, asset)
	if err != nil {
		return model.Result{}, err
	}

	computeErr := e.comp.Compute(runCtx, asset.RefWorkfilePath, asset.DisWorkfilePath, logPath)
	// a finished computation implies the pipes got their EOF, so any
	// writer still waiting for a reader must fail loudly instead of
	// blocking the join forever
	cancel()
	waitErr := prepared.Wait()

	if e.deleteWorkdir {
		if err := e.workfiles.Teardown(asset); err != nil {
			if computeErr == nil && waitErr == nil {
				return model.Result{}, err
			}
			slog.WarnContext(ctx, "workfile teardown failed", "error", err)
		}
	}
	if computeErr != nil {
		return model.Result{}, fmt.Errorf("computation step: %w", computeErr)
	}
	if waitErr != nil {
		return model.Result{}, fmt.Errorf("feeding workfiles: %w", waitErr)
	}

	slog.InfoContext(ctx, "reading log file, getting scores")
	result, err := e.comp.ParseLog(asset, e.ID(), logPath)
	if err != nil {
		return model.Result{}, fmt.Errorf("parsing log %s: %w", logPath, err)
	}

	if e.store != nil {
		if err := e.store.Save(ctx, result); err != nil {
			return model.Result{}, fmt.Errorf("saving result: %w", err)
		}
	}
	return result, nil
}

// createLogFile truncates the asset's log file and stamps the identity
// header, the computation step appends after it.
func (e *Executor) createLogFile(asset model.Asset) (string, error) {
	logPath := e.logPath(asset)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}

	f, err := os.Create(logPath)
	if err != nil {
		return "", fmt.Errorf("creating log file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s VERSION %s\n\n", e.comp.Type(), e.comp.Version()); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing log header: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing log file: %w", err)
	}
	return logPath, nil
}

func (e *Executor) logPath(asset model.Asset) string {
	return filepath.Join(e.logDir, e.ID(), asset.String())
}

// RemoveLogs deletes the on-disk log of every asset. Absent logs are
// fine.
func (e *Executor) RemoveLogs(assets []model.Asset) error {
	for _, asset := range assets {
		path := e.logPath(asset)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing log %s: %w", path, err)
		}
	}
	return nil
}

// RemoveResults deletes the stored result of every asset. A no-op
// without a store.
func (e *Executor) RemoveResults(ctx context.Context, assets []model.Asset) error {
	if e.store == nil {
		return nil
	}
	for _, asset := range assets {
		if err := e.store.Delete(ctx, asset.ID, e.ID()); err != nil {
			return fmt.Errorf("removing result of %s: %w", asset, err)
		}
	}
	return nil
}
