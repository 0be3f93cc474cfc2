package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona describes the agent's identity and standing instructions.
// It is read from the YAML file named by agent.promptFile.
type Persona struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Instruction string   `yaml:"instruction"`
	Rules       []string `yaml:"rules,omitempty"`
}

// LoadPersona reads a persona YAML file.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("read persona %s: %w", path, err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if strings.TrimSpace(p.Instruction) == "" {
		return nil, fmt.Errorf("persona %s: instruction is required", path)
	}
	return &p, nil
}

// SystemPrompt renders the persona as a single system prompt.
func (p *Persona) SystemPrompt() string {
	var sb strings.Builder
	if p.Name != "" {
		sb.WriteString("You are " + p.Name)
		if p.Description != "" {
			sb.WriteString(", " + p.Description)
		}
		sb.WriteString(".\n\n")
	}
	sb.WriteString(strings.TrimSpace(p.Instruction))
	if len(p.Rules) > 0 {
		sb.WriteString("\n\nRules:\n")
		for _, r := range p.Rules {
			sb.WriteString("- " + r + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ResolveSystemPrompt returns the persona prompt when a prompt file is
// configured, otherwise agent.systemPrompt.
func ResolveSystemPrompt(cfg *Config) (string, error) {
	if cfg.Agent.PromptFile == "" {
		return cfg.Agent.SystemPrompt, nil
	}
	p, err := LoadPersona(cfg.Agent.PromptFile)
	if err != nil {
		return "", err
	}
	return p.SystemPrompt(), nil
}
