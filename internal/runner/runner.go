package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrTimedOut      = errors.New("command timed out")
	ErrCommandFailed = errors.New("command failed")
)

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 5 * time.Second

type Command struct {
	Args         []string
	Env          map[string]string
	Cwd          string
	Timeout      time.Duration
	Stdin        io.Reader
	AllowNonZero bool
	StdoutPath   string
	StderrPath   string
	CombinedPath string
}

type ExecResult struct {
	ExitCode     int
	Stdout       string
	Stderr       string
	StartedAt    time.Time
	FinishedAt   time.Time
	StdoutPath   string
	StderrPath   string
	CombinedPath string
	Duration     time.Duration
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (ExecResult, error)
}

type GenericRunner struct{}

func NewGenericRunner() *GenericRunner {
	return &GenericRunner{}
}

func (r *GenericRunner) Run(ctx context.Context, cmd Command) (ExecResult, error) {
	if len(cmd.Args) == 0 {
		return ExecResult{}, fmt.Errorf("command args required")
	}

	start := time.Now()
	runCtx, cancel := applyTimeout(ctx, cmd.Timeout)
	defer cancel()

	execCmd := exec.CommandContext(runCtx, cmd.Args[0], cmd.Args[1:]...)
	if cmd.Cwd != "" {
		execCmd.Dir = cmd.Cwd
	}
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), envSlice(cmd.Env)...)
	}
	if cmd.Stdin != nil {
		execCmd.Stdin = cmd.Stdin
	}
	setProcessGroup(execCmd)
	execCmd.Cancel = func() error {
		return killProcessGroup(execCmd)
	}
	execCmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdout io.Writer = &stdoutBuf
	var stderr io.Writer = &stderrBuf

	if cmd.StdoutPath != "" {
		file, err := createFile(cmd.StdoutPath)
		if err != nil {
			return ExecResult{}, err
		}
		defer file.Close()
		stdout = io.MultiWriter(stdout, file)
	}
	if cmd.StderrPath != "" {
		file, err := createFile(cmd.StderrPath)
		if err != nil {
			return ExecResult{}, err
		}
		defer file.Close()
		stderr = io.MultiWriter(stderr, file)
	}
	if cmd.CombinedPath != "" {
		combinedFile, err := createFile(cmd.CombinedPath)
		if err != nil {
			return ExecResult{}, err
		}
		defer combinedFile.Close()
		stdout = io.MultiWriter(stdout, combinedFile)
		stderr = io.MultiWriter(stderr, combinedFile)
	}

	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err := execCmd.Run()
	finished := time.Now()
	result := ExecResult{
		ExitCode:     exitCode(err),
		Stdout:       stdoutBuf.String(),
		Stderr:       stderrBuf.String(),
		StartedAt:    start,
		FinishedAt:   finished,
		StdoutPath:   cmd.StdoutPath,
		StderrPath:   cmd.StderrPath,
		CombinedPath: cmd.CombinedPath,
		Duration:     finished.Sub(start),
	}

	// Only our own deadline counts as a timeout; a cancelled parent is reported as such.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return result, fmt.Errorf("%w after %s: %s", ErrTimedOut, cmd.Timeout, strings.Join(cmd.Args, " "))
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return result, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}
	if result.ExitCode != 0 && !cmd.AllowNonZero {
		return result, fmt.Errorf("%w: %s exited %d: %s", ErrCommandFailed, strings.Join(cmd.Args, " "), result.ExitCode, lastLine(result.Stderr))
	}

	return result, nil
}

func applyTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(out)
	return out
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndex(text, "\n"); idx >= 0 {
		return text[idx+1:]
	}
	return text
}

// Tail keeps the last n bytes of captured output for records and tool replies.
func Tail(text string, n int) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
