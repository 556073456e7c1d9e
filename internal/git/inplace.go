package git

import "context"

type InPlaceStrategy struct{}

func NewInPlace() *InPlaceStrategy {
	return &InPlaceStrategy{}
}

func (s *InPlaceStrategy) PrepareWorkspace(ctx context.Context, repoPath string, runID string) (Workspace, error) {
	return Workspace{RepoPath: repoPath, Path: repoPath}, nil
}

func (s *InPlaceStrategy) FinalizeWorkspace(ctx context.Context, ws Workspace) error {
	return nil
}
