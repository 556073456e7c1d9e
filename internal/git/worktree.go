package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// WorktreeStrategy gives each run its own worktree on branch covloop/<run-id>
// so the user's checkout is never touched.
type WorktreeStrategy struct {
	Root    string
	gateway *Gateway
}

func NewWorktree(root string, g *Gateway) *WorktreeStrategy {
	if g == nil {
		g = NewGateway("", nil)
	}
	return &WorktreeStrategy{Root: root, gateway: g}
}

func BranchName(runID string) string {
	return "covloop/" + runID
}

func (s *WorktreeStrategy) PrepareWorkspace(ctx context.Context, repoPath string, runID string) (Workspace, error) {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return Workspace{}, err
	}
	branch := BranchName(runID)
	path, err := filepath.Abs(filepath.Join(s.Root, runID))
	if err != nil {
		return Workspace{}, err
	}

	g := s.at(repoPath)
	if _, err := g.git(ctx, "worktree", "add", "-b", branch, path); err != nil {
		return Workspace{}, fmt.Errorf("create worktree: %w", err)
	}
	return Workspace{RepoPath: repoPath, Path: path, Branch: branch, Worktree: true}, nil
}

// FinalizeWorkspace removes the worktree directory. The branch and its
// commits stay in the repository.
func (s *WorktreeStrategy) FinalizeWorkspace(ctx context.Context, ws Workspace) error {
	if !ws.Worktree {
		return nil
	}
	if _, err := s.at(ws.RepoPath).git(ctx, "worktree", "remove", "--force", ws.Path); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

func (s *WorktreeStrategy) at(repoPath string) *Gateway {
	return &Gateway{RepoPath: repoPath, Runner: s.gateway.Runner, Timeout: s.gateway.Timeout}
}
