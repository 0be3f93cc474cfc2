package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"agentrelay/internal/domain"
)

const (
	defaultElevenLabsBase  = "https://api.elevenlabs.io/v1"
	defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
	maxTTSInput            = 4096
)

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	Enabled  bool
	Provider string // "openai" | "elevenlabs"
	APIBase  string
	APIKey   string
	Model    string // e.g., "tts-1" (OpenAI) or "eleven_multilingual_v2" (ElevenLabs)
	Voice    string // e.g., "alloy" (OpenAI) or a voice ID (ElevenLabs)
	Logger   *slog.Logger
}

// TTS synthesizes reply text into OGG/Opus audio, the format Telegram
// plays as a voice note. A disabled TTS returns nil audio and no error.
type TTS struct {
	enabled  bool
	provider string
	apiBase  string
	apiKey   string
	model    string
	voice    string
	client   *http.Client
	logger   *slog.Logger
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.APIBase == "" {
		if cfg.Provider == "elevenlabs" {
			cfg.APIBase = defaultElevenLabsBase
		} else {
			cfg.APIBase = "https://api.openai.com/v1"
		}
	}
	if cfg.Model == "" && cfg.Provider == "openai" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		if cfg.Provider == "elevenlabs" {
			cfg.Voice = defaultElevenLabsVoice
		} else {
			cfg.Voice = "alloy"
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTS{
		enabled:  cfg.Enabled,
		provider: cfg.Provider,
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		voice:    cfg.Voice,
		client:   SharedHTTPClient(60 * time.Second),
		logger:   cfg.Logger,
	}
}

func (t *TTS) Enabled() bool { return t != nil && t.enabled }

func (t *TTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if !t.Enabled() || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	text = truncateRunes(text, maxTTSInput)

	var (
		audio []byte
		err   error
	)
	switch t.provider {
	case "openai":
		audio, err = t.synthesizeOpenAI(ctx, text)
	case "elevenlabs":
		audio, err = t.synthesizeElevenLabs(ctx, text)
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", t.provider)
	}
	if err != nil {
		return nil, err
	}
	t.logger.Debug("speech synthesized", "provider", t.provider, "bytes", len(audio))
	return audio, nil
}

// truncateRunes cuts text to at most max bytes on a rune boundary.
func truncateRunes(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func (t *TTS) synthesizeOpenAI(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"model":           t.model,
		"input":           text,
		"voice":           t.voice,
		"response_format": "opus",
	})
	if err != nil {
		return nil, err
	}
	return t.post(ctx, t.apiBase+"/audio/speech", body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	})
}

func (t *TTS) synthesizeElevenLabs(ctx context.Context, text string) ([]byte, error) {
	payload := map[string]string{"text": text}
	if t.model != "" {
		payload["model_id"] = t.model
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=opus_48000_64", t.apiBase, t.voice)
	return t.post(ctx, url, body, func(req *http.Request) {
		req.Header.Set("xi-api-key", t.apiKey)
		req.Header.Set("Accept", "audio/ogg")
	})
}

func (t *TTS) post(ctx context.Context, url string, body []byte, auth func(*http.Request)) ([]byte, error) {
	resp, err := doWithRetry(ctx, t.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		auth(req)
		return req, nil
	}, t.logger)
	if err != nil {
		return nil, fmt.Errorf("%s TTS request: %w: %v", t.provider, domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s TTS error (status %d): %w: %s", t.provider, resp.StatusCode, domain.ErrUpstream, string(respBody))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read TTS audio: %w", err)
	}
	return audio, nil
}
