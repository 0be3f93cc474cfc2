package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the root configuration for agentrelay.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Telegram TelegramConfig `json:"telegram"`
	Server   ServerConfig   `json:"server"`
	Session  SessionConfig  `json:"session"`
	Agent    AgentConfig    `json:"agent"`
	Speech   SpeechConfig   `json:"speech"`
	TTS      TTSConfig      `json:"tts"`
	Vision   VisionConfig   `json:"vision"`
	History  HistoryConfig  `json:"history"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" env:"AGENTRELAY_LOG_LEVEL"`
}

type TelegramConfig struct {
	Token           string         `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	APIEndpoint     string         `json:"apiEndpoint,omitempty"` // override for self-hosted Bot API servers
	WebhookURL      string         `json:"webhookUrl,omitempty" env:"TELEGRAM_WEBHOOK_URL"`
	WebhookSecret   string         `json:"webhookSecret,omitempty" env:"TELEGRAM_WEBHOOK_SECRET"`
	RegisterOnStart bool           `json:"registerOnStart"`
	AllowFrom       FlexStringList `json:"allowFrom"`
	TimeoutSeconds  int            `json:"timeoutSeconds"`
}

type ServerConfig struct {
	Host        string `json:"host" env:"AGENTRELAY_HOST"`
	Port        int    `json:"port" env:"AGENTRELAY_PORT"`
	WebhookPath string `json:"webhookPath"`
}

type SessionConfig struct {
	Policy             string `json:"policy"` // "fixed" | "rotating"
	Prefix             string `json:"prefix"`
	IdleTimeoutMinutes int    `json:"idleTimeoutMinutes,omitempty"` // rotating only; 0 = never expire
}

type AgentConfig struct {
	Backend            string `json:"backend"` // "openai" | "anthropic"
	APIBase            string `json:"apiBase,omitempty"`
	APIKey             string `json:"apiKey,omitempty" env:"AGENT_API_KEY"`
	Model              string `json:"model"`
	SystemPrompt       string `json:"systemPrompt,omitempty"`
	PromptFile         string `json:"promptFile,omitempty"` // YAML persona file, overrides systemPrompt
	HistoryLimit       int    `json:"historyLimit"`
	MaxTokens          int    `json:"maxTokens"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute"`
	TimeoutSeconds     int    `json:"timeoutSeconds"`
}

type SpeechConfig struct {
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty" env:"STT_API_KEY"`
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type TTSConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"` // "openai" | "elevenlabs"
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty" env:"TTS_API_KEY"`
	Model    string `json:"model"`
	Voice    string `json:"voice"`
}

type VisionConfig struct {
	Enabled bool   `json:"enabled"`
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty" env:"VISION_API_KEY"`
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
}

type HistoryConfig struct {
	DBPath string `json:"dbPath" env:"AGENTRELAY_DB_PATH"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.agentrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentrelay"
	}
	return filepath.Join(home, ".agentrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Variables already set win.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := Finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRaw reads path over Defaults() without expanding ${VAR} references or
// applying env overrides. It is the form written back by Save.
func LoadRaw(path string) (*Config, error) {
	path = ExpandPath(path)
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// SetValue updates one dotted path in the file at path. The effective config
// (placeholders expanded, env applied) must validate, but the file keeps its
// ${VAR} references and never receives values that only live in the
// environment.
func SetValue(path, key string, value any) error {
	raw, err := LoadRaw(path)
	if err != nil {
		return err
	}
	if err := SetByPath(raw, key, value); err != nil {
		return fmt.Errorf("set value: %w", err)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	effective := Defaults()
	if err := json.Unmarshal([]byte(ExpandEnvVars(string(data))), effective); err != nil {
		return fmt.Errorf("cannot parse updated config: %w", err)
	}
	if err := Finalize(effective); err != nil {
		return err
	}
	return Save(ExpandPath(path), raw)
}

// LoadOrDefaults loads path when it exists and falls back to Defaults()
// (still applying env overrides) when it does not.
func LoadOrDefaults(path string) (*Config, bool, error) {
	if _, err := os.Stat(ExpandPath(path)); errors.Is(err, fs.ErrNotExist) {
		cfg := Defaults()
		if err := Finalize(cfg); err != nil {
			return nil, false, err
		}
		return cfg, false, nil
	}
	cfg, err := Load(path)
	return cfg, err == nil, err
}

// Finalize applies env overrides, expands paths and validates.
func Finalize(cfg *Config) error {
	if err := ApplyEnv(cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
	cfg.Agent.PromptFile = ExpandPath(cfg.Agent.PromptFile)

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields tagged with `env:"..."` from the environment.
// OPENAI_API_KEY fills any OpenAI-compatible key left empty.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return err
	}
	if shared := os.Getenv("OPENAI_API_KEY"); shared != "" {
		if cfg.Agent.APIKey == "" && cfg.Agent.Backend == "openai" {
			cfg.Agent.APIKey = shared
		}
		if cfg.Vision.APIKey == "" {
			cfg.Vision.APIKey = shared
		}
		if cfg.TTS.APIKey == "" && cfg.TTS.Provider == "openai" {
			cfg.TTS.APIKey = shared
		}
	}
	if cfg.Agent.APIKey == "" && cfg.Agent.Backend == "anthropic" {
		cfg.Agent.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Speech.APIKey == "" {
		cfg.Speech.APIKey = os.Getenv("GROQ_API_KEY")
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}
	if cfg.Telegram.TimeoutSeconds < 1 {
		errs = append(errs, "telegram.timeoutSeconds must be >= 1")
	}

	switch cfg.Session.Policy {
	case "fixed", "rotating":
	default:
		errs = append(errs, "session.policy must be one of: fixed, rotating")
	}
	if cfg.Session.IdleTimeoutMinutes < 0 {
		errs = append(errs, "session.idleTimeoutMinutes must be >= 0")
	}

	switch cfg.Agent.Backend {
	case "openai", "anthropic":
	default:
		errs = append(errs, "agent.backend must be one of: openai, anthropic")
	}
	if cfg.Agent.HistoryLimit < 0 {
		errs = append(errs, "agent.historyLimit must be >= 0")
	}
	if cfg.Agent.MaxTokens < 1 {
		errs = append(errs, "agent.maxTokens must be >= 1")
	}
	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}

	switch cfg.TTS.Provider {
	case "openai", "elevenlabs":
	default:
		errs = append(errs, "tts.provider must be one of: openai, elevenlabs")
	}

	if cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
