package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"covloop/internal/runner"
)

// CommandAdapter runs an external program per request: the request is
// written to its stdin as JSON and a Response is read from its stdout.
type CommandAdapter struct {
	name    string
	command []string
	runner  runner.Runner
	timeout time.Duration
}

func NewCommandAdapter(name string, command []string, r runner.Runner, timeout time.Duration) *CommandAdapter {
	if name == "" {
		name = "command"
	}
	if r == nil {
		r = runner.NewGenericRunner()
	}
	return &CommandAdapter{name: name, command: command, runner: r, timeout: timeout}
}

func (a *CommandAdapter) Name() string {
	return a.name
}

func (a *CommandAdapter) Generate(ctx context.Context, req Request) ([]Candidate, error) {
	if len(a.command) == 0 {
		return nil, fmt.Errorf("%w: generator command not configured", ErrGeneratorUnavailable)
	}

	stdin := &bytes.Buffer{}
	if err := json.NewEncoder(stdin).Encode(req); err != nil {
		return nil, err
	}

	res, err := a.runner.Run(ctx, runner.Command{
		Args:    a.command,
		Stdin:   stdin,
		Timeout: a.timeout,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, runner.ErrCommandFailed) {
		return nil, fmt.Errorf("%w: %s exited %d: %s", ErrGeneratorUnavailable, a.name, res.ExitCode, strings.TrimSpace(runner.Tail(res.Stderr, 512)))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
	}

	var resp Response
	if err := json.NewDecoder(strings.NewReader(res.Stdout)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode generator response: %w", err)
	}
	if err := checkResponse(req, resp); err != nil {
		return nil, err
	}
	return resp.Candidates, nil
}

// checkResponse rejects replies written for another run or protocol version.
// Zero values are tolerated so minimal generators can reply with candidates only.
func checkResponse(req Request, resp Response) error {
	if resp.SchemaVersion != 0 && resp.SchemaVersion != req.SchemaVersion {
		return fmt.Errorf("generator response schema mismatch: %d", resp.SchemaVersion)
	}
	if resp.RunID != "" && resp.RunID != req.RunID {
		return fmt.Errorf("generator response does not match run %s", req.RunID)
	}
	return nil
}
