package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

const defaultSystemPrompt = `You write JUnit 5 tests for Java methods that no test reaches yet.
Reply with a JSON object {"candidates":[{"file_path":"...","source_text":"..."}]}.
Each file_path is relative to the module directory and must be a new .java file
inside the generated tests directory given in the request.`

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// OpenAIAdapter asks an OpenAI-compatible chat completion endpoint for candidates.
type OpenAIAdapter struct {
	client       *openai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

func NewOpenAIAdapter(cfg OpenAIConfig) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrGeneratorUnavailable)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAdapter{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: prompt,
		logger:       logger,
	}, nil
}

func (a *OpenAIAdapter) Name() string {
	return "openai"
}

func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) ([]Candidate, error) {
	prompt, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, err
	}

	a.logger.Debug("requesting tests from chat completion", "model", a.model, "class", req.ClassName, "method", req.MethodSignature)
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(prompt)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: chat completion: %v", ErrGeneratorUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var out Response
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Message.Content)), &out); err != nil {
		return nil, fmt.Errorf("decode chat completion: %w", err)
	}
	return out.Candidates, nil
}

// stripFences drops a markdown code fence some models wrap JSON in.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx >= 0 {
		content = content[idx+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(content, "```"))
}
