package config

const DefaultOCRPrompt = "Extract all text in reading order. If none, say 'No text found.'"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Telegram: TelegramConfig{
			TimeoutSeconds: 60,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5555,
			WebhookPath: "/webhook/",
		},
		Session: SessionConfig{
			Policy: "fixed",
			Prefix: "session_",
		},
		Agent: AgentConfig{
			Backend:            "openai",
			Model:              "gpt-4o-mini",
			SystemPrompt:       "You are a helpful assistant.",
			HistoryLimit:       20,
			MaxTokens:          1024,
			RateLimitPerMinute: 30,
			TimeoutSeconds:     120,
		},
		Speech: SpeechConfig{
			Enabled: true,
			APIBase: "https://api.groq.com/openai/v1",
			Model:   "whisper-large-v3",
		},
		TTS: TTSConfig{
			Enabled:  false,
			Provider: "openai",
			Model:    "tts-1",
			Voice:    "alloy",
		},
		Vision: VisionConfig{
			Enabled: true,
			Model:   "gpt-4o",
			Prompt:  DefaultOCRPrompt,
		},
		History: HistoryConfig{
			DBPath: "~/.agentrelay/history.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
