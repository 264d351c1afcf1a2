// Package workfile manages the two ephemeral input-side resources of
// one job: plain file copies, or named pipes fed by background
// writers.
package workfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vqtools/qrun/internal/model"
)

// Manager prepares and tears down the workfile entries of one asset.
// In FIFO mode the entries are named pipes written by concurrent
// goroutines, which run alongside the downstream reader. Sequential
// writes would deadlock, a pipe write blocks until the reader drains
// it.
type Manager struct {
	FifoMode bool
}

// Prepared joins the background writers of a FIFO-mode preparation.
// The zero value is returned for plain-mode preparations and waits for
// nothing.
type Prepared struct {
	g *errgroup.Group
}

// Wait blocks until both writers finished and returns the first copy
// error. It must be called after the reader has consumed the pipes, or
// after the preparation context got canceled.
func (p *Prepared) Wait() error {
	if p == nil || p.g == nil {
		return nil
	}
	return p.g.Wait()
}

// Reclaim removes workfile entries left behind by a previous, possibly
// interrupted run. It runs before new entries are allocated, so
// overlapping ref and dis paths of another run never collide with
// ours.
func (m Manager) Reclaim(asset model.Asset) error {
	for _, path := range []string{asset.RefWorkfilePath, asset.DisWorkfilePath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reclaiming workfile %s: %w", path, err)
		}
	}
	return nil
}

// Prepare creates the parent directories and both workfile entries. In
// FIFO mode it returns once both pipes exist and their writers are
// started, in plain mode once both copies completed. A failed copy is
// fatal for the job.
func (m Manager) Prepare(ctx context.Context, asset model.Asset) (*Prepared, error) {
	for _, path := range []string{asset.RefWorkfilePath, asset.DisWorkfilePath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating workfile dir: %w", err)
		}
	}

	if !m.FifoMode {
		if err := copyFile(asset.RefPath, asset.RefWorkfilePath); err != nil {
			return nil, err
		}
		if err := copyFile(asset.DisPath, asset.DisWorkfilePath); err != nil {
			return nil, err
		}
		return &Prepared{}, nil
	}

	for _, path := range []string{asset.RefWorkfilePath, asset.DisWorkfilePath} {
		if err := unix.Mkfifo(path, 0o644); err != nil {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feedPipe(gctx, asset.RefPath, asset.RefWorkfilePath)
	})
	g.Go(func() error {
		return feedPipe(gctx, asset.DisPath, asset.DisWorkfilePath)
	})

	slog.DebugContext(ctx, "workfile writers started",
		"ref", asset.RefWorkfilePath, "dis", asset.DisWorkfilePath)
	return &Prepared{g: g}, nil
}

// Teardown removes both workfile entries and their parent directories.
// The ref and dis directories may coincide, the second removal then
// targets a directory that is already gone, which is not an error. Any
// other failure propagates.
func (m Manager) Teardown(asset model.Asset) error {
	if err := m.Reclaim(asset); err != nil {
		return err
	}

	refDir := filepath.Dir(asset.RefWorkfilePath)
	disDir := filepath.Dir(asset.DisWorkfilePath)
	for _, dir := range []string{refDir, disDir} {
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing workdir %s: %w", dir, err)
		}
	}
	return nil
}

// feedPipe copies src into the named pipe at dst. Opening the write
// end would block forever without a reader, so it polls with O_NONBLOCK
// until the reader shows up or ctx is canceled.
func feedPipe(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := openPipeWriter(ctx, dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("feeding %s from %s: %w", dst, src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing pipe %s: %w", dst, err)
	}
	return nil
}

func openPipeWriter(ctx context.Context, path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		// ENXIO: no reader has opened the pipe yet
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("opening pipe %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("opening pipe %s: %w", path, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating workfile %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing workfile %s: %w", dst, err)
	}
	return nil
}
