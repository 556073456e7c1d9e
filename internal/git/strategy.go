package git

import "context"

// Strategy decides where a run writes its generated tests.
type Strategy interface {
	PrepareWorkspace(ctx context.Context, repoPath string, runID string) (Workspace, error)
	FinalizeWorkspace(ctx context.Context, ws Workspace) error
}

type Workspace struct {
	RepoPath string
	Path     string
	Branch   string
	Worktree bool
}

// NewStrategy maps the configured name onto a strategy; unknown names fall
// back to in-place.
func NewStrategy(name string, worktreeRoot string, g *Gateway) Strategy {
	if name == "worktree" {
		return NewWorktree(worktreeRoot, g)
	}
	return NewInPlace()
}
