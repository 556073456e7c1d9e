package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covloop/internal/core"
	"covloop/internal/runner"
)

var addMethod = core.UncoveredMethod{
	ClassName:        "com.se333.agent.App",
	MethodSignature:  "add(II)I",
	SourceFile:       "App.java",
	FirstLine:        9,
	MissedLineRanges: []core.LineRange{{Start: 9, End: 10}},
}

func TestSanitizeMethodName(t *testing.T) {
	assert.Equal(t, "constructor", SanitizeMethodName("<init>"))
	assert.Equal(t, "static_init", SanitizeMethodName("<clinit>"))
	assert.Equal(t, "lambda_0", SanitizeMethodName("lambda$0"))
	assert.Equal(t, "add", SanitizeMethodName("add"))
}

func TestTemplateAdapter_Generate(t *testing.T) {
	req := NewRequest("run-1", 1, addMethod)
	req.GeneratedDir = "src/test/java/generated"
	req.Package = "generated"

	candidates, err := NewTemplate().Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	got := candidates[0]
	assert.Equal(t, "src/test/java/generated/Generated_App_add_Test.java", got.FilePath)
	assert.Contains(t, got.SourceText, "package generated;")
	assert.Contains(t, got.SourceText, "import com.se333.agent.App;")
	assert.Contains(t, got.SourceText, "public class Generated_App_add_Test {")
	assert.Contains(t, got.SourceText, "void test_add()")
	assert.Contains(t, got.SourceText, "missed lines 9-10")
}

func TestTemplateAdapter_Constructor(t *testing.T) {
	m := addMethod
	m.MethodSignature = "<init>()V"

	candidates, err := NewTemplate().Generate(context.Background(), NewRequest("run-1", 1, m))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "src/test/java/generated/Generated_App_constructor_Test.java", candidates[0].FilePath)
	assert.NotContains(t, candidates[0].SourceText, "<init>")
	assert.Contains(t, candidates[0].SourceText, "// constructor missed lines 9-10")
}

func TestTemplateAdapter_RequiresMethod(t *testing.T) {
	_, err := NewTemplate().Generate(context.Background(), Request{})
	require.Error(t, err)
}

func TestSuggest(t *testing.T) {
	s := Suggest(addMethod)
	assert.Equal(t, "com.se333.agent.App", s.Class)
	assert.Equal(t, "add", s.Method)
	assert.Equal(t, "test_add", s.SuggestedTestName)
	assert.Contains(t, s.Template, "@Test\nvoid test_add() {")
}

type scriptedRunner struct {
	result runner.ExecResult
	err    error
	stdin  []byte
	args   []string
}

func (s *scriptedRunner) Run(ctx context.Context, cmd runner.Command) (runner.ExecResult, error) {
	s.args = cmd.Args
	if cmd.Stdin != nil {
		s.stdin, _ = io.ReadAll(cmd.Stdin)
	}
	return s.result, s.err
}

func TestCommandAdapter_Generate(t *testing.T) {
	fake := &scriptedRunner{result: runner.ExecResult{
		Stdout: `{"schema_version":1,"run_id":"run-1","candidates":[{"file_path":"src/test/java/generated/AddTest.java","source_text":"class AddTest {}"}]}`,
	}}
	adapter := NewCommandAdapter("gen", []string{"gen-tests", "--json"}, fake, 0)

	candidates, err := adapter.Generate(context.Background(), NewRequest("run-1", 2, addMethod))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "src/test/java/generated/AddTest.java", candidates[0].FilePath)
	assert.Equal(t, []string{"gen-tests", "--json"}, fake.args)

	var sent Request
	require.NoError(t, json.Unmarshal(fake.stdin, &sent))
	assert.Equal(t, "add(II)I", sent.MethodSignature)
	assert.Equal(t, 2, sent.Iteration)
	assert.Equal(t, SchemaVersion, sent.SchemaVersion)
}

func TestCommandAdapter_Failures(t *testing.T) {
	tests := []struct {
		name        string
		command     []string
		fake        *scriptedRunner
		unavailable bool
	}{
		{"not configured", nil, &scriptedRunner{}, true},
		{"non-zero exit", []string{"gen"}, &scriptedRunner{
			result: runner.ExecResult{ExitCode: 2, Stderr: "quota exceeded"},
			err:    runner.ErrCommandFailed,
		}, true},
		{"missing binary", []string{"gen"}, &scriptedRunner{err: errors.New("start gen: executable file not found")}, true},
		{"garbage output", []string{"gen"}, &scriptedRunner{result: runner.ExecResult{Stdout: "not json"}}, false},
		{"wrong run", []string{"gen"}, &scriptedRunner{result: runner.ExecResult{Stdout: `{"run_id":"run-9","candidates":[]}`}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewCommandAdapter("gen", tt.command, tt.fake, 0)
			_, err := adapter.Generate(context.Background(), NewRequest("run-1", 1, addMethod))
			require.Error(t, err)
			assert.Equal(t, tt.unavailable, errors.Is(err, ErrGeneratorUnavailable))
		})
	}
}

func TestOpenAIAdapter_RequiresKey(t *testing.T) {
	_, err := NewOpenAIAdapter(OpenAIConfig{})
	require.ErrorIs(t, err, ErrGeneratorUnavailable)
}

func TestOpenAIAdapter_Generate(t *testing.T) {
	content := "```json\n{\"candidates\":[{\"file_path\":\"src/test/java/generated/AppAddTest.java\",\"source_text\":\"class AppAddTest {}\"}]}\n```"
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  body.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	adapter, err := NewOpenAIAdapter(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Logger: logger})
	require.NoError(t, err)

	candidates, err := adapter.Generate(context.Background(), NewRequest("run-1", 1, addMethod))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "src/test/java/generated/AppAddTest.java", candidates[0].FilePath)
	assert.Equal(t, DefaultOpenAIModel, gotModel)
	assert.Contains(t, logs.String(), "requesting tests from chat completion")
	assert.Contains(t, logs.String(), "add(II)I")
}

func TestOpenAIAdapter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter, err := NewOpenAIAdapter(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = adapter.Generate(context.Background(), NewRequest("run-1", 1, addMethod))
	require.ErrorIs(t, err, ErrGeneratorUnavailable)
}
