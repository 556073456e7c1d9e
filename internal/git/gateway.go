// Package git issues the handful of git commands the loop needs. It does not
// interpret repository history.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"covloop/internal/runner"
)

var (
	ErrNothingToCommit = errors.New("nothing to commit")
	ErrPushRejected    = errors.New("push rejected by remote")
)

const defaultTimeout = 2 * time.Minute

var rejectionMarkers = []string{
	"[rejected]",
	"[remote rejected]",
	"non-fast-forward",
	"fetch first",
	"Updates were rejected",
}

type Gateway struct {
	RepoPath string
	Runner   runner.Runner
	Timeout  time.Duration
}

func NewGateway(repoPath string, r runner.Runner) *Gateway {
	if r == nil {
		r = runner.NewGenericRunner()
	}
	return &Gateway{RepoPath: repoPath, Runner: r, Timeout: defaultTimeout}
}

type Status struct {
	Modified   []string `json:"modified"`
	Untracked  []string `json:"untracked"`
	Conflicted []string `json:"conflicted"`
}

func (s Status) Clean() bool {
	return len(s.Modified) == 0 && len(s.Untracked) == 0 && len(s.Conflicted) == 0
}

func (g *Gateway) Status(ctx context.Context) (Status, error) {
	res, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(res.Stdout), nil
}

// ParseStatus reads `git status --porcelain` (v1) output.
func ParseStatus(out string) Status {
	var st Status
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code, path := line[:2], strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		switch {
		case code == "??":
			st.Untracked = append(st.Untracked, path)
		case conflicted(code):
			st.Conflicted = append(st.Conflicted, path)
		default:
			st.Modified = append(st.Modified, path)
		}
	}
	sort.Strings(st.Modified)
	sort.Strings(st.Untracked)
	sort.Strings(st.Conflicted)
	return st
}

func conflicted(code string) bool {
	switch code {
	case "DD", "AU", "UD", "UA", "DU", "AA", "UU":
		return true
	}
	return false
}

func (g *Gateway) StageAll(ctx context.Context) error {
	_, err := g.git(ctx, "add", "--all")
	return err
}

// Commit records the index and returns the new commit hash.
func (g *Gateway) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("commit message required")
	}
	res, err := g.run(ctx, true, "diff", "--cached", "--quiet")
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return "", ErrNothingToCommit
	}

	res, err = g.run(ctx, true, "commit", "-m", message)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stdout, "nothing to commit") {
			return "", ErrNothingToCommit
		}
		return "", commandError("commit", res)
	}

	res, err = g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Push sends branch to remote once. A refusal is ErrPushRejected; callers
// decide whether to fetch and retry.
func (g *Gateway) Push(ctx context.Context, remote string, branch string, dryRun bool) error {
	if remote == "" {
		remote = "origin"
	}
	args := []string{"push"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, remote)
	if branch != "" {
		args = append(args, branch)
	}

	res, err := g.run(ctx, true, args...)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	output := res.Stdout + "\n" + res.Stderr
	for _, marker := range rejectionMarkers {
		if strings.Contains(output, marker) {
			return fmt.Errorf("%w: %s", ErrPushRejected, lastLine(res.Stderr))
		}
	}
	return commandError("push", res)
}

func (g *Gateway) CurrentBranch(ctx context.Context) (string, error) {
	res, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (g *Gateway) RemoteURL(ctx context.Context, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	res, err := g.git(ctx, "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CompareURL builds the web link for opening a pull request from the
// current branch into base.
func (g *Gateway) CompareURL(ctx context.Context, remote string, base string) (string, error) {
	remoteURL, err := g.RemoteURL(ctx, remote)
	if err != nil {
		return "", err
	}
	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	web, err := WebURL(remoteURL)
	if err != nil {
		return "", err
	}
	if base == "" {
		base = "main"
	}
	return fmt.Sprintf("%s/compare/%s...%s?expand=1", web, base, branch), nil
}

// WebURL maps ssh and https remotes onto the hosting site's https address.
func WebURL(remote string) (string, error) {
	remote = strings.TrimSuffix(strings.TrimSpace(remote), ".git")
	if strings.HasPrefix(remote, "git@") {
		hostPath := strings.TrimPrefix(remote, "git@")
		host, path, ok := strings.Cut(hostPath, ":")
		if !ok {
			return "", fmt.Errorf("unrecognised remote %q", remote)
		}
		return "https://" + host + "/" + strings.TrimPrefix(path, "/"), nil
	}
	u, err := url.Parse(remote)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("unrecognised remote %q", remote)
	}
	return "https://" + u.Host + u.Path, nil
}

func (g *Gateway) git(ctx context.Context, args ...string) (runner.ExecResult, error) {
	res, err := g.run(ctx, true, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, commandError(args[0], res)
	}
	return res, nil
}

func (g *Gateway) run(ctx context.Context, allowNonZero bool, args ...string) (runner.ExecResult, error) {
	res, err := g.Runner.Run(ctx, runner.Command{
		Args:         append([]string{"git", "-C", g.RepoPath}, args...),
		Timeout:      g.Timeout,
		AllowNonZero: allowNonZero,
		// never block on a credential prompt
		Env: map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
	if err != nil {
		return res, fmt.Errorf("git %s: %w", args[0], err)
	}
	return res, nil
}

func commandError(op string, res runner.ExecResult) error {
	msg := lastLine(res.Stderr)
	if msg == "" {
		msg = lastLine(res.Stdout)
	}
	return fmt.Errorf("git %s exited %d: %s: %w", op, res.ExitCode, msg, runner.ErrCommandFailed)
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndex(text, "\n"); idx >= 0 {
		return text[idx+1:]
	}
	return text
}
