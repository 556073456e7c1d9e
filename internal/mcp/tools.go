package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"covloop/internal/agent"
	"covloop/internal/app"
	"covloop/internal/config"
	"covloop/internal/git"
	"covloop/internal/plugins/coverage"
	"covloop/internal/plugins/maven"
	"covloop/internal/plugins/review"
	"covloop/internal/plugins/specgen"
	"covloop/internal/runner"
)

// outputTailBytes is how much trailing Maven output run_maven_tests returns.
const outputTailBytes = 4096

func (s *Server) registerTools() {
	moduleArg := mcplib.WithString("module",
		mcplib.Description("Maven module directory, absolute or relative to the repository. Defaults to the server's module."),
	)
	repoArg := mcplib.WithString("repo",
		mcplib.Description("Git repository root. Defaults to the server's repository."),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("run_maven_tests",
			mcplib.WithDescription("Run the Maven test goals for a module and report the build outcome and JaCoCo coverage per counter type."),
			mcplib.WithOpenWorldHintAnnotation(false),
			moduleArg,
		),
		s.handleRunMavenTests,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("coverage_report",
			mcplib.WithDescription("Summarize the module's existing JaCoCo XML report: line coverage, per-counter percentages, uncovered and partially covered methods."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			moduleArg,
		),
		s.handleCoverageReport,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("suggest_tests",
			mcplib.WithDescription("List methods with no covered lines and a JUnit 5 test skeleton for each."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			moduleArg,
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of suggestions; 0 returns all"),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
		),
		s.handleSuggestTests,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("git_status",
			mcplib.WithDescription("List modified, untracked and conflicted files."),
			mcplib.WithReadOnlyHintAnnotation(true),
			repoArg,
		),
		s.handleGitStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("git_add_all",
			mcplib.WithDescription("Stage every change in the working tree."),
			mcplib.WithDestructiveHintAnnotation(false),
			repoArg,
		),
		s.handleGitAddAll,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("git_commit",
			mcplib.WithDescription("Commit the staged changes and return the new commit hash."),
			mcplib.WithDestructiveHintAnnotation(false),
			repoArg,
			mcplib.WithString("message",
				mcplib.Description("Commit message"),
				mcplib.Required(),
			),
		),
		s.handleGitCommit,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("git_push",
			mcplib.WithDescription("Push a branch to a remote. Runs as a dry run unless dry_run is false."),
			mcplib.WithOpenWorldHintAnnotation(true),
			repoArg,
			mcplib.WithString("remote", mcplib.Description("Remote name"), mcplib.DefaultString("origin")),
			mcplib.WithString("branch", mcplib.Description("Branch to push; defaults to the current branch")),
			mcplib.WithBoolean("dry_run", mcplib.Description("Only report what would be pushed"), mcplib.DefaultBool(true)),
		),
		s.handleGitPush,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("git_pull_request",
			mcplib.WithDescription("Build the web URL that opens a pull request for the current branch against base."),
			mcplib.WithReadOnlyHintAnnotation(true),
			repoArg,
			mcplib.WithString("remote", mcplib.Description("Remote name"), mcplib.DefaultString("origin")),
			mcplib.WithString("base", mcplib.Description("Target branch"), mcplib.DefaultString("main")),
		),
		s.handleGitPullRequest,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("spec_based_tester",
			mcplib.WithDescription("Generate boundary-value JUnit test templates for the public methods of a Java file whose parameters are all numeric."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("path",
				mcplib.Description("Path to a .java source file"),
				mcplib.Required(),
			),
		),
		s.handleSpecBasedTester,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("code_review_agent",
			mcplib.WithDescription("Flag long methods, public methods without Javadoc and nested loops in a Java file or directory."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("path",
				mcplib.Description("A .java file or a directory to scan recursively"),
				mcplib.Required(),
			),
			mcplib.WithNumber("max_method_lines",
				mcplib.Description("Method body length above which a method is reported"),
				mcplib.Min(1),
				mcplib.DefaultNumber(review.DefaultMaxMethodLines),
			),
		),
		s.handleCodeReview,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("run_coverage_loop",
			mcplib.WithDescription(`Run the full loop: build, measure coverage, generate tests for uncovered methods, commit, repeat.

The loop stops when no method is left uncovered, when coverage stops improving,
at the iteration cap, or on a fatal error. Returns the halt reason and the
per-iteration history.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			repoArg,
			moduleArg,
			mcplib.WithNumber("max_iterations",
				mcplib.Description("Iteration cap; 0 means no cap"),
				mcplib.Min(0),
			),
			mcplib.WithNumber("plateau_threshold",
				mcplib.Description("Minimum improvement in percentage points that still counts as progress"),
				mcplib.Min(0),
			),
			mcplib.WithBoolean("push", mcplib.Description("Push after each commit")),
		),
		s.handleRunCoverageLoop,
	)
}

func (s *Server) handleRunMavenTests(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	module := s.moduleArg(request)

	builder := maven.New(s.runner, s.adapter())
	if len(s.cfg.Build.Goals) > 0 {
		builder.Goals = s.cfg.Build.Goals
	}
	builder.ExtraArgs = s.cfg.Build.ExtraArgs
	if s.cfg.Build.Timeout > 0 {
		builder.Timeout = s.cfg.Build.Timeout
	}
	builder.Logger = s.logger

	res, err := builder.Build(ctx, module)
	if err != nil {
		return errorResult(fmt.Sprintf("maven build failed: %v", err)), nil
	}

	out := map[string]any{
		"exit_code":   res.ExitCode,
		"outcome":     res.Outcome,
		"duration_ms": res.Duration.Milliseconds(),
		"output_tail": runner.Tail(res.Stdout, outputTailBytes),
	}
	if m, err := coverage.Read(res.ReportPath); err != nil {
		out["coverage_error"] = err.Error()
	} else {
		out["coverage"] = percentages(m)
	}
	return jsonResult(out), nil
}

func (s *Server) handleCoverageReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	m, err := coverage.Read(s.reportPath(request))
	if err != nil {
		return errorResult(fmt.Sprintf("read coverage: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"report_name": m.ReportName,
		"lines":       m.Snapshot,
		"counters":    percentages(m),
		"uncovered":   m.Uncovered,
		"partial":     m.Partial,
	}), nil
}

func (s *Server) handleSuggestTests(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	m, err := coverage.Read(s.reportPath(request))
	if err != nil {
		return errorResult(fmt.Sprintf("read coverage: %v", err)), nil
	}
	limit := request.GetInt("limit", 0)

	suggestions := []agent.Suggestion{}
	for _, method := range m.Uncovered {
		if limit > 0 && len(suggestions) >= limit {
			break
		}
		suggestions = append(suggestions, agent.Suggest(method))
	}
	return jsonResult(map[string]any{
		"uncovered":   len(m.Uncovered),
		"suggestions": suggestions,
	}), nil
}

func (s *Server) handleGitStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	st, err := s.gateway(request).Status(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("git status failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"clean": st.Clean(), "status": st}), nil
}

func (s *Server) handleGitAddAll(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if err := s.gateway(request).StageAll(ctx); err != nil {
		return errorResult(fmt.Sprintf("git add failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"staged": true}), nil
}

func (s *Server) handleGitCommit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	message := request.GetString("message", "")
	if message == "" {
		return errorResult("message is required"), nil
	}
	hash, err := s.gateway(request).Commit(ctx, message)
	if errors.Is(err, git.ErrNothingToCommit) {
		return jsonResult(map[string]any{"committed": false, "reason": "nothing to commit"}), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("git commit failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"committed": true, "commit": hash}), nil
}

func (s *Server) handleGitPush(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	remote := request.GetString("remote", "origin")
	branch := request.GetString("branch", "")
	dryRun := request.GetBool("dry_run", true)

	if err := s.gateway(request).Push(ctx, remote, branch, dryRun); err != nil {
		return errorResult(fmt.Sprintf("git push failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"pushed": !dryRun, "dry_run": dryRun, "remote": remote, "branch": branch}), nil
}

func (s *Server) handleGitPullRequest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	remote := request.GetString("remote", "origin")
	base := request.GetString("base", "main")

	url, err := s.gateway(request).CompareURL(ctx, remote, base)
	if err != nil {
		return errorResult(fmt.Sprintf("pull request url: %v", err)), nil
	}
	return jsonResult(map[string]any{"url": url, "base": base}), nil
}

func (s *Server) handleSpecBasedTester(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	path := request.GetString("path", "")
	if path == "" {
		return errorResult("path is required"), nil
	}
	res, err := specgen.GenerateFile(s.resolve(request, path))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleCodeReview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	path := request.GetString("path", "")
	if path == "" {
		return errorResult("path is required"), nil
	}
	path = s.resolve(request, path)

	reviewer := review.New()
	if s.cfg.Review.Workers > 0 {
		reviewer.Workers = s.cfg.Review.Workers
	}
	reviewer.MaxMethodLines = request.GetInt("max_method_lines", s.maxMethodLines())

	info, err := os.Stat(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		issues := reviewer.Review(path, string(src))
		if issues == nil {
			issues = []review.Issue{}
		}
		return jsonResult(review.Report{Dir: filepath.Dir(path), Files: 1, Issues: issues}), nil
	}

	rep, err := reviewer.ReviewDir(ctx, path)
	if err != nil {
		return errorResult(fmt.Sprintf("review failed: %v", err)), nil
	}
	return jsonResult(rep), nil
}

func (s *Server) handleRunCoverageLoop(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	cfg := s.cfg
	cfg.Loop.MaxIterations = request.GetInt("max_iterations", cfg.Loop.MaxIterations)
	cfg.Loop.PlateauThreshold = request.GetFloat("plateau_threshold", cfg.Loop.PlateauThreshold)
	cfg.Loop.Push = request.GetBool("push", cfg.Loop.Push)

	cmd := app.Command{
		RepoPath:   s.repoArg(request),
		ModulePath: request.GetString("module", s.modulePath),
		Config:     cfg,
		Logger:     s.logger,
		Runner:     s.runner,
	}
	res, err := cmd.Run(ctx)
	if res.RunID == "" {
		return errorResult(fmt.Sprintf("coverage loop setup failed: %v", err)), nil
	}

	summary := map[string]any{
		"status":      res.Summary.Status,
		"halt_reason": res.Summary.HaltReason,
		"iterations":  res.Summary.Iterations,
		"generated":   res.Summary.Generated,
		"started_at":  res.Summary.Started,
		"finished_at": res.Summary.Finished,
	}
	out := map[string]any{
		"run_id":       res.RunID,
		"reason":       res.Outcome.Reason,
		"iterations":   len(res.Outcome.History),
		"history":      res.Outcome.History,
		"artifact_dir": res.ArtifactDir,
		"summary":      summary,
	}
	if last, ok := res.Outcome.LastRecord(); ok {
		out["last_record"] = last
	}
	if err != nil {
		out["fatal_kind"] = res.Outcome.Kind
		out["error"] = err.Error()
	}
	result := jsonResult(out)
	result.IsError = res.Outcome.Fatal()
	return result, nil
}

func (s *Server) gateway(request mcplib.CallToolRequest) *git.Gateway {
	return git.NewGateway(s.repoArg(request), s.runner)
}

func (s *Server) reportPath(request mcplib.CallToolRequest) string {
	path := s.cfg.ReportPath
	if path == "" {
		path = config.Default().ReportPath
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.moduleArg(request), filepath.FromSlash(path))
}

func (s *Server) resolve(request mcplib.CallToolRequest, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.repoArg(request), path)
}

func (s *Server) maxMethodLines() int {
	if s.cfg.Review.MaxMethodLines > 0 {
		return s.cfg.Review.MaxMethodLines
	}
	return review.DefaultMaxMethodLines
}

// percentages maps each counter type to its coverage; counters with no
// items are left out.
func percentages(m coverage.Measurement) map[string]float64 {
	out := make(map[string]float64, len(m.Counters))
	for kind, c := range m.Counters {
		if pct, ok := c.Percentage(); ok {
			out[kind] = pct
		}
	}
	return out
}

func jsonResult(payload any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
