package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vqtools/qrun/internal/model"
)

// QualityRunner computes quality scores by invoking an external metric
// command on the prepared input pair. Only the log extraction is
// specific to it, the cache, workfile and cleanup machinery is the
// shared Executor core.
//
// The command's stdout is appended to the log file and must consist of
// "name value" score lines. Stderr is relayed to slog.
type QualityRunner struct {
	MetricType    string
	MetricVersion string
	Command       string
	// Args are passed verbatim, except for the {ref}, {dis} and {log}
	// placeholders which are substituted with the actual paths.
	Args []string
	Env  []string
}

var _ Computation = QualityRunner{}

func (q QualityRunner) Type() string {
	return q.MetricType
}

func (q QualityRunner) Version() string {
	return q.MetricVersion
}

// Compute runs the external command and appends its stdout to the log
// file. A non-zero exit or a canceled context is an error.
func (q QualityRunner) Compute(ctx context.Context, refPath, disPath, logPath string) error {
	args := make([]string, 0, len(q.Args))
	for _, arg := range q.Args {
		switch arg {
		case "{ref}":
			arg = refPath
		case "{dis}":
			arg = disPath
		case "{log}":
			arg = logPath
		}
		args = append(args, arg)
	}

	cmd := exec.CommandContext(ctx, q.Command, args...)
	cmd.Env = q.Env

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("piping stderr: %w", err)
	}

	slog.DebugContext(ctx, "starting metric command", "command", q.Command, "args", args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", q.Command, err)
	}
	relayStderr(ctx, stderr)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("running %s: %w", q.Command, err)
	}

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("opening log for append: %w", err)
	}
	if _, err := f.Write(stdout.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending scores to log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}
	return nil
}

func relayStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.DebugContext(ctx, "metric stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.WarnContext(ctx, "reading metric stderr", "error", err)
	}
}

// ParseLog reads the identity header, then one "name value" score line
// per metric. A missing header, a malformed line or an empty score set
// fails, a partial result is never fabricated.
func (q QualityRunner) ParseLog(asset model.Asset, executorID, logPath string) (model.Result, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return model.Result{}, fmt.Errorf("opening log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return model.Result{}, fmt.Errorf("empty log: %w", model.ErrBadLog)
	}
	header := fmt.Sprintf("%s VERSION %s", q.MetricType, q.MetricVersion)
	if got := scanner.Text(); got != header {
		return model.Result{}, fmt.Errorf("log header %q, want %q: %w", got, header, model.ErrBadLog)
	}

	scores := make(map[string]float64)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return model.Result{}, fmt.Errorf("score line %q: %w", line, model.ErrBadLog)
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return model.Result{}, fmt.Errorf("score line %q: %v: %w", line, err, model.ErrBadLog)
		}
		scores[fields[0]] = value
	}
	if err := scanner.Err(); err != nil {
		return model.Result{}, fmt.Errorf("reading log: %w", err)
	}
	if len(scores) == 0 {
		return model.Result{}, fmt.Errorf("no scores in log: %w", model.ErrBadLog)
	}

	return model.Result{Asset: asset, ExecutorID: executorID, Scores: scores}, nil
}
