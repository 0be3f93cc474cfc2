package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_InvalidSessionPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.Session.Policy = "sticky"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid session policy")
	}
}

func TestValidate_ValidSessionPolicies(t *testing.T) {
	for _, policy := range []string{"fixed", "rotating"} {
		cfg := Defaults()
		cfg.Session.Policy = policy
		if err := Validate(cfg); err != nil {
			t.Fatalf("policy %q should be valid: %v", policy, err)
		}
	}
}

func TestValidate_InvalidBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.Backend = "ollama"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown agent backend")
	}
}

func TestValidate_WebhookPathNeedsSlash(t *testing.T) {
	cfg := Defaults()
	cfg.Server.WebhookPath = "webhook"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for webhook path without leading slash")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.MaxTokens = 0
	cfg.TTS.Provider = "espeak"
	cfg.History.DBPath = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"agent.maxTokens", "tts.provider", "history.dbPath"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Agent.Model = "test-model"
	original.History.DBPath = filepath.Join(dir, "history.db")

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Agent.Model != "test-model" {
		t.Fatalf("expected 'test-model', got %q", loaded.Agent.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"session": {
			"policy": "forever"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for policy=forever")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"agent": {"model": "gpt-4.1"}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Model != "gpt-4.1" {
		t.Fatalf("expected model override, got %q", cfg.Agent.Model)
	}
	if cfg.Agent.HistoryLimit != 20 {
		t.Fatalf("expected default historyLimit=20, got %d", cfg.Agent.HistoryLimit)
	}
	if cfg.Session.Prefix != "session_" {
		t.Fatalf("expected default prefix, got %q", cfg.Session.Prefix)
	}
}

func TestLoadOrDefaults_MissingFile(t *testing.T) {
	cfg, found, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatal("expected found=false for missing file")
	}
	if cfg.Server.Port != 5555 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

// --- Env overrides ---

func TestApplyEnv_OverridesTaggedFields(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:from-env")
	t.Setenv("AGENTRELAY_PORT", "8088")

	cfg := Defaults()
	cfg.Telegram.Token = "from-file"
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Telegram.Token != "123:from-env" {
		t.Fatalf("expected env token, got %q", cfg.Telegram.Token)
	}
	if cfg.Server.Port != 8088 {
		t.Fatalf("expected port 8088, got %d", cfg.Server.Port)
	}
}

func TestApplyEnv_UnsetVarKeepsFileValue(t *testing.T) {
	os.Unsetenv("AGENT_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")
	cfg := Defaults()
	cfg.Agent.APIKey = "sk-from-file"
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Agent.APIKey != "sk-from-file" {
		t.Fatalf("expected file value to survive, got %q", cfg.Agent.APIKey)
	}
}

func TestApplyEnv_SharedOpenAIKey(t *testing.T) {
	os.Unsetenv("AGENT_API_KEY")
	os.Unsetenv("VISION_API_KEY")
	t.Setenv("OPENAI_API_KEY", "sk-shared")

	cfg := Defaults()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Agent.APIKey != "sk-shared" {
		t.Fatalf("agent key should inherit OPENAI_API_KEY, got %q", cfg.Agent.APIKey)
	}
	if cfg.Vision.APIKey != "sk-shared" {
		t.Fatalf("vision key should inherit OPENAI_API_KEY, got %q", cfg.Vision.APIKey)
	}
}

func TestLoadDotEnv_MissingFileIsNotError(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestLoadDotEnv_SetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("AGENTRELAY_DOTENV_PROBE=hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("AGENTRELAY_DOTENV_PROBE") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("AGENTRELAY_DOTENV_PROBE"); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "agent.backend")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "openai" {
		t.Fatalf("expected 'openai', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.backend", "anthropic"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Agent.Backend != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", cfg.Agent.Backend)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "tts.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.TTS.Enabled {
		t.Fatal("expected tts.enabled=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.historyLimit", "50"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Agent.HistoryLimit != 50 {
		t.Fatalf("expected 50, got %d", cfg.Agent.HistoryLimit)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Agent.APIKey = "sk-1234567890abcdefghijklmnop"
	cfg.Speech.APIKey = "gsk_1234567890abcdefghijkl"

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.Token == cfg.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Agent.APIKey == cfg.Agent.APIKey {
		t.Fatal("agent API key should be masked")
	}
	if sanitized.Speech.APIKey == cfg.Speech.APIKey {
		t.Fatal("speech API key should be masked")
	}
	if cfg.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Telegram.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Telegram.Token)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.logLevel", "session.policy", "agent.model", "history.dbPath"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_AGENTRELAY_MODEL", "claude-sonnet-4-5")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"agent": {
			"backend": "anthropic",
			"model": "${TEST_AGENTRELAY_MODEL}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Model != "claude-sonnet-4-5" {
		t.Fatalf("expected substituted model, got %q", cfg.Agent.Model)
	}
}

func TestSetValue_KeepsPlaceholdersAndEnvSecretsOutOfFile(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:SECRET")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("GROQ_API_KEY", "gsk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := Defaults()
	cfg.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
	cfg.History.DBPath = filepath.Join(dir, "history.db")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(path, "agent.model", "gpt-4o"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	file := string(data)
	for _, secret := range []string{"123:SECRET", "sk-from-env", "gsk-from-env"} {
		if strings.Contains(file, secret) {
			t.Fatalf("config file should not contain %q:\n%s", secret, file)
		}
	}
	if !strings.Contains(file, "${TELEGRAM_BOT_TOKEN}") {
		t.Fatalf("placeholder should survive:\n%s", file)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Agent.Model != "gpt-4o" || loaded.Telegram.Token != "123:SECRET" {
		t.Fatalf("unexpected effective config: model=%q token=%q", loaded.Agent.Model, loaded.Telegram.Token)
	}
}

func TestSetValue_RejectsInvalidResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := SetValue(path, "server.port", "70000"); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("invalid config should not be written")
	}
}

// --- Persona ---

func TestLoadPersona_RendersPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	content := `name: Relay
description: a concise Telegram assistant
instruction: |
  Answer briefly.
rules:
  - Never reveal API keys
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPersona(path)
	if err != nil {
		t.Fatalf("load persona: %v", err)
	}
	prompt := p.SystemPrompt()
	for _, want := range []string{"You are Relay, a concise Telegram assistant.", "Answer briefly.", "- Never reveal API keys"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestLoadPersona_RequiresInstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	os.WriteFile(path, []byte("name: Empty\n"), 0o644)
	if _, err := LoadPersona(path); err == nil {
		t.Fatal("expected error for persona without instruction")
	}
}

func TestResolveSystemPrompt_FallsBackToInline(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.SystemPrompt = "inline prompt"
	got, err := ResolveSystemPrompt(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got != "inline prompt" {
		t.Fatalf("expected inline prompt, got %q", got)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Session.Policy != "fixed" {
		t.Fatalf("default session policy should be 'fixed', got %q", cfg.Session.Policy)
	}
	if cfg.Vision.Prompt != DefaultOCRPrompt {
		t.Fatalf("unexpected default OCR prompt %q", cfg.Vision.Prompt)
	}
}
