package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"covloop/internal/agent"
	"covloop/internal/core"
)

// generate asks the generator for every uncovered method, then writes the
// accepted candidates. A malformed reply for one method becomes a warning;
// nothing is written when the generator is unavailable or every request fails.
func (c *Controller) generate(ctx context.Context, state *core.RunState, uncovered []core.UncoveredMethod) ([]string, []string, error) {
	if c.Generator == nil {
		return nil, nil, fmt.Errorf("%w: no generator configured", agent.ErrGeneratorUnavailable)
	}

	generatedDir := c.relative(c.Profile.GeneratedDir)
	pkg := c.Profile.GeneratedPackage()

	var (
		candidates []agent.Candidate
		warnings   []string
		lastErr    error
		failed     int
	)
	for _, method := range uncovered {
		req := agent.NewRequest(state.RunID, state.Iteration, method)
		req.GeneratedDir = generatedDir
		req.Package = pkg
		req.SourceContext = c.sourceContext(method)

		got, err := c.Generator.Generate(ctx, req)
		if err != nil {
			err = fmt.Errorf("%s for %s.%s: %w", c.Generator.Name(), method.ClassName, method.MethodSignature, err)
			if ctx.Err() != nil || errors.Is(err, agent.ErrGeneratorUnavailable) {
				return nil, nil, err
			}
			warnings = append(warnings, "rejected generator reply: "+err.Error())
			lastErr = err
			failed++
			continue
		}
		candidates = append(candidates, got...)
	}
	if failed > 0 && failed == len(uncovered) {
		return nil, warnings, fmt.Errorf("%w: every request failed, last: %v", agent.ErrGeneratorUnavailable, lastErr)
	}

	var written []string
	for _, candidate := range candidates {
		path, err := c.accept(state, candidate)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("rejected candidate %q: %v", candidate.FilePath, err))
			continue
		}
		if err := writeCandidate(path, candidate.SourceText); err != nil {
			warnings = append(warnings, fmt.Sprintf("write candidate %q: %v", candidate.FilePath, err))
			continue
		}
		state.Written[path] = true
		state.PendingFiles = append(state.PendingFiles, path)
		written = append(written, c.relative(path))
	}

	c.emit(core.Event{RunID: state.RunID, Level: "info", EventType: "candidates_written", Iteration: state.Iteration, Phase: core.PhaseGenerating, Payload: map[string]any{
		"requested": len(uncovered),
		"received":  len(candidates),
		"written":   written,
	}})
	return written, warnings, nil
}

// accept resolves a candidate path and enforces that it is a new .java file
// under the generated tests directory.
func (c *Controller) accept(state *core.RunState, candidate agent.Candidate) (string, error) {
	name := strings.TrimSpace(candidate.FilePath)
	if name == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("absolute path")
	}
	if !strings.HasSuffix(name, ".java") {
		return "", fmt.Errorf("not a .java file")
	}
	if strings.TrimSpace(candidate.SourceText) == "" {
		return "", fmt.Errorf("empty source")
	}

	path := filepath.Join(c.Profile.ModuleDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(c.Profile.GeneratedDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("outside %s", c.relative(c.Profile.GeneratedDir))
	}
	if state.Written[path] {
		return "", fmt.Errorf("already written in this run")
	}
	return path, nil
}

func writeCandidate(path string, source string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(source), 0o644)
}

func (c *Controller) sourceContext(method core.UncoveredMethod) string {
	limit := c.Policy.MaxSourceContext
	if limit <= 0 || c.Profile.SourceRoot == "" {
		return ""
	}
	file, err := os.Open(c.Profile.SourcePath(method.ClassName, method.SourceFile))
	if err != nil {
		return ""
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return ""
	}
	return string(data)
}
