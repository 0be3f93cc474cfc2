package provider

import (
	"fmt"
	"log/slog"
	"time"

	"agentrelay/internal/config"
	"agentrelay/internal/domain"
)

// AgentConstructor builds an agent backend from the agent config section.
type AgentConstructor func(cfg config.AgentConfig, systemPrompt string, logger *slog.Logger) domain.Agent

var agentConstructors = map[string]AgentConstructor{
	"openai": func(cfg config.AgentConfig, systemPrompt string, logger *slog.Logger) domain.Agent {
		return NewOpenAI(OpenAIConfig{
			APIKey:       cfg.APIKey,
			APIBase:      cfg.APIBase,
			Model:        cfg.Model,
			SystemPrompt: systemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
			MaxRetries:   2,
			Logger:       logger,
		})
	},
	"anthropic": func(cfg config.AgentConfig, systemPrompt string, logger *slog.Logger) domain.Agent {
		return NewAnthropic(AnthropicConfig{
			APIKey:       cfg.APIKey,
			APIBase:      cfg.APIBase,
			Model:        cfg.Model,
			SystemPrompt: systemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
			MaxRetries:   2,
			Logger:       logger,
		})
	},
}

// NewAgent builds the configured agent backend.
func NewAgent(cfg config.AgentConfig, systemPrompt string, logger *slog.Logger) (domain.Agent, error) {
	ctor, ok := agentConstructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown agent backend %q", cfg.Backend)
	}
	if cfg.APIKey == "" {
		logger.Warn("agent API key is empty", "backend", cfg.Backend)
	}
	return ctor(cfg, systemPrompt, logger.With("component", "agent", "backend", cfg.Backend)), nil
}

// NewTranscriber returns nil when speech transcription is disabled.
func NewTranscriber(cfg config.SpeechConfig, logger *slog.Logger) domain.Transcriber {
	if !cfg.Enabled {
		return nil
	}
	return NewWhisper(WhisperConfig{
		APIBase:  cfg.APIBase,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Language: cfg.Language,
		Logger:   logger.With("component", "stt"),
	})
}

// NewTextExtractor returns nil when image OCR is disabled.
func NewTextExtractor(cfg config.VisionConfig, logger *slog.Logger) domain.TextExtractor {
	if !cfg.Enabled {
		return nil
	}
	return NewVision(VisionConfig{
		APIBase:    cfg.APIBase,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		MaxRetries: 2,
		Logger:     logger.With("component", "ocr"),
	})
}

func NewSynthesizer(cfg config.TTSConfig, logger *slog.Logger) domain.Synthesizer {
	return NewTTS(TTSConfig{
		Enabled:  cfg.Enabled,
		Provider: cfg.Provider,
		APIBase:  cfg.APIBase,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Voice:    cfg.Voice,
		Logger:   logger.With("component", "tts"),
	})
}
