package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel(" WARN "))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestRunCmd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell wrapper")
	}
	repo := t.TempDir()
	module := filepath.Join(repo, "calc")
	require.NoError(t, os.MkdirAll(module, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(module, "pom.xml"), []byte("<project/>"), 0o644))
	script := "#!/bin/sh\nmkdir -p target/site/jacoco\necho '<report name=\"calc\"><counter type=\"LINE\" missed=\"0\" covered=\"9\"/></report>' > target/site/jacoco/jacoco.xml\n"
	require.NoError(t, os.WriteFile(filepath.Join(module, "mvnw"), []byte(script), 0o755))

	cfgPath := filepath.Join(t.TempDir(), "covloop.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("artifact_dir: "+filepath.Join(t.TempDir(), "artifacts")+"\nloop:\n  commit: false\n"), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "calc", "--repo", repo, "--config", cfgPath, "--max-iterations", "2", "--log-level", "error"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "target_reached")
	assert.Contains(t, out.String(), "artifacts:")
}

func TestRunCmd_InvalidOverride(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "--repo", t.TempDir(), "--plateau-threshold", "-1"})
	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "plateau_threshold")
}
