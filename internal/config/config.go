// Package config provides configuration loading for grimoired.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration for the grimoire service.
type Config struct {
	Server ServerConfig `koanf:"server"`
	GitHub GitHubConfig `koanf:"github"`
	LLM    LLMConfig    `koanf:"llm"`
	Store  StoreConfig  `koanf:"store"`
	Match  MatchConfig  `koanf:"match"`
	Adapt  AdaptConfig  `koanf:"adapt"`
	Spells SpellsConfig `koanf:"spells"`
}

// SpellsConfig controls spell lifecycle behavior.
type SpellsConfig struct {
	// AutoGenerate drafts a new low-confidence spell when an incoming
	// error matches nothing. Off by default.
	AutoGenerate bool `koanf:"auto_generate"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// GitHubConfig holds webhook and API credentials.
type GitHubConfig struct {
	WebhookSecret Secret `koanf:"webhook_secret"`
	Token         Secret `koanf:"token"`
}

// LLMConfig selects and configures the text-completion provider.
type LLMConfig struct {
	// Provider is one of "anthropic", "openai", or "mock".
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
	// Timeout bounds a single completion call (default 30s).
	Timeout Duration `koanf:"timeout"`
}

// StoreConfig holds the spell store location.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// MatchConfig holds ranking weights. RepoBonus must be >= TypeBonus so
// same-repository spells are preferred over bare type matches.
type MatchConfig struct {
	TypeBonus float64 `koanf:"type_bonus"`
	RepoBonus float64 `koanf:"repo_bonus"`
}

// AdaptConfig holds default patch-adaptation constraints.
type AdaptConfig struct {
	MaxFiles         int      `koanf:"max_files"`
	ExcludedPatterns []string `koanf:"excluded_patterns"`
	PreserveStyle    bool     `koanf:"preserve_style"`
}

// Default returns the hardcoded defaults, overridden by file and env.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		LLM: LLMConfig{
			Provider: "mock",
			Timeout:  Duration(defaultLLMTimeout),
		},
		Store: StoreConfig{
			Path: "grimoire.db",
		},
		Match: MatchConfig{
			TypeBonus: 5,
			RepoBonus: 8,
		},
		Adapt: AdaptConfig{
			MaxFiles:         3,
			ExcludedPatterns: []string{"package.json", "*.lock"},
			PreserveStyle:    true,
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "anthropic", "openai", "mock":
	default:
		return fmt.Errorf("llm.provider must be anthropic, openai, or mock, got %q", c.LLM.Provider)
	}
	if c.LLM.Provider != "mock" && !c.LLM.APIKey.IsSet() {
		return fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Match.TypeBonus < 0 || c.Match.RepoBonus < 0 {
		return fmt.Errorf("match bonuses cannot be negative")
	}
	if c.Match.RepoBonus < c.Match.TypeBonus {
		return fmt.Errorf("match.repo_bonus (%v) must be >= match.type_bonus (%v)", c.Match.RepoBonus, c.Match.TypeBonus)
	}
	if c.Adapt.MaxFiles < 1 {
		return fmt.Errorf("adapt.max_files must be >= 1, got %d", c.Adapt.MaxFiles)
	}
	return nil
}
