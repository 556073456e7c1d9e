package maven

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covloop/internal/core"
	"covloop/internal/repo"
	"covloop/internal/runner"
)

type fakeRunner struct {
	result runner.ExecResult
	err    error
	calls  []runner.Command
}

func (f *fakeRunner) Run(ctx context.Context, cmd runner.Command) (runner.ExecResult, error) {
	f.calls = append(f.calls, cmd)
	return f.result, f.err
}

func newModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pom.xml"), []byte("<project/>"), 0o644))
	return dir
}

func TestBuilder_Build(t *testing.T) {
	dir := newModule(t)
	report := filepath.Join(dir, "target", "site", "jacoco", "jacoco.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(report), 0o755))
	require.NoError(t, os.WriteFile(report, []byte("<report/>"), 0o644))

	fake := &fakeRunner{result: runner.ExecResult{
		ExitCode: 1,
		Stdout:   "[ERROR] There are test failures.\n[ERROR] Failed to execute goal org.apache.maven.plugins:maven-surefire-plugin:3.2.5:test",
		Duration: 2 * time.Second,
	}}
	b := New(fake, repo.NewAdapter("", ""))
	b.Timeout = time.Minute
	b.ArtifactDir = t.TempDir()

	result, err := b.Build(context.Background(), dir)
	require.NoError(t, err, "non-zero exit is data, not an error")

	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, core.BuildTestsFailed, result.Outcome)
	assert.Equal(t, report, result.ReportPath)
	assert.NoFileExists(t, report, "stale report removed before the build")

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, []string{"mvn", "-B", "clean", "test"}, call.Args)
	assert.Equal(t, dir, call.Cwd)
	assert.Equal(t, time.Minute, call.Timeout)
	assert.True(t, call.AllowNonZero)
	buildDir := filepath.Join(b.ArtifactDir, "maven", "build-001")
	assert.Equal(t, filepath.Join(buildDir, "stdout.log"), call.StdoutPath)
	assert.Equal(t, filepath.Join(buildDir, "stderr.log"), call.StderrPath)
	assert.Equal(t, filepath.Join(buildDir, "build.log"), call.CombinedPath)
}

func TestBuilder_Timeout(t *testing.T) {
	fake := &fakeRunner{err: runner.ErrTimedOut}
	b := New(fake, repo.NewAdapter("", ""))

	_, err := b.Build(context.Background(), newModule(t))
	require.ErrorIs(t, err, ErrBuildTimedOut)
}

func TestBuilder_LaunchFailure(t *testing.T) {
	fake := &fakeRunner{err: errors.New("exec: \"mvn\": executable file not found in $PATH")}
	b := New(fake, repo.NewAdapter("", ""))

	_, err := b.Build(context.Background(), newModule(t))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBuildTimedOut)
}

func TestBuilder_NotAMavenModule(t *testing.T) {
	fake := &fakeRunner{}
	b := New(fake, repo.NewAdapter("", ""))

	_, err := b.Build(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Empty(t, fake.calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		exit   int
		stdout string
		stderr string
		want   core.BuildOutcome
	}{
		{"success", 0, "BUILD SUCCESS", "", core.BuildPassed},
		{"compile error", 1, "[ERROR] COMPILATION ERROR :\n[ERROR] Generated_add_Test.java:[9,5] cannot find symbol", "", core.BuildCompileFailed},
		{"compile failure goal", 1, "[ERROR] Failed to execute goal ...:testCompile: Compilation failure", "", core.BuildCompileFailed},
		{"test failures", 1, "Tests run: 3, Failures: 1\n[ERROR] There are test failures.", "", core.BuildTestsFailed},
		{"other", 1, "[ERROR] Could not resolve dependencies", "", core.BuildErrored},
		{"surefire crash", 1, "[ERROR] Failed to execute goal org.apache.maven.plugins:maven-surefire-plugin:3.2.5:test: The forked VM terminated without properly saying goodbye", "", core.BuildErrored},
		{"stderr marker", 1, "", "COMPILATION ERROR", core.BuildCompileFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.exit, tt.stdout, tt.stderr))
		})
	}
}
