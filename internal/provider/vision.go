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

const (
	visionTemperature = 0.2
	visionMaxTokens   = 1024
)

// VisionConfig configures image text extraction through a vision chat model.
type VisionConfig struct {
	APIBase string
	APIKey  string
	Model   string // e.g., "gpt-4o"
	Timeout time.Duration
	Logger  *slog.Logger

	MaxRetries int
}

// Vision extracts text from images by sending the image URL to an
// OpenAI-compatible chat completion model.
type Vision struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

func NewVision(cfg VisionConfig) *Vision {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
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
	return &Vision{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// ExtractText asks the model to read the text in the image at imageURL.
func (v *Vision) ExtractText(ctx context.Context, imageURL, prompt string) (string, error) {
	resp, err := v.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(v.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
			}),
		},
		Temperature: openai.Float(visionTemperature),
		MaxTokens:   openai.Int(visionMaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("vision request: %w: %v", domain.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision request: %w: no choices returned", domain.ErrUpstream)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	v.logger.Info("image text extracted", "model", v.model, "text_len", len(text))
	return text, nil
}
