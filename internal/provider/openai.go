package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"agentrelay/internal/domain"
)

// OpenAIConfig configures the chat-completions agent backend. Any
// OpenAI-compatible server (OpenRouter, Groq, vLLM, Ollama) works via APIBase.
type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
	Logger       *slog.Logger
}

// OpenAI implements domain.Agent over the chat completions API.
type OpenAI struct {
	client       openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(SharedHTTPClient(cfg.Timeout)),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &OpenAI{
		client:       openai.NewClient(opts...),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		logger:       cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Respond(ctx context.Context, history []domain.Turn, input string) (domain.AgentReply, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if o.systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(o.systemPrompt))
	}
	for _, t := range history {
		if t.Text == "" {
			continue
		}
		switch t.Role {
		case domain.RoleAgent:
			messages = append(messages, openai.AssistantMessage(t.Text))
		default:
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}
	messages = append(messages, openai.UserMessage(input))

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(o.model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(o.maxTokens)),
	})
	if err != nil {
		return domain.AgentReply{}, fmt.Errorf("openai chat: %w: %v", domain.ErrUpstream, err)
	}

	var text string
	if len(resp.Choices) > 0 {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	o.logger.Debug("openai reply",
		"model", o.model,
		"latency", time.Since(start),
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
	)
	return domain.AgentReply{Text: text}, nil
}
