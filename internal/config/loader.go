package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	defaultLLMTimeout = 30 * time.Second
	envPrefix         = "GRIMOIRE_"
)

// envKeyMap maps environment variable suffixes (after GRIMOIRE_) to
// config paths. Explicit mapping avoids ambiguity between section
// separators and compound field names (WEBHOOK_SECRET vs WEBHOOK.SECRET).
var envKeyMap = map[string]string{
	"SERVER_HOST":             "server.host",
	"SERVER_PORT":             "server.port",
	"GITHUB_WEBHOOK_SECRET":   "github.webhook_secret",
	"GITHUB_TOKEN":            "github.token",
	"LLM_PROVIDER":            "llm.provider",
	"LLM_MODEL":               "llm.model",
	"LLM_API_KEY":             "llm.api_key",
	"LLM_BASE_URL":            "llm.base_url",
	"LLM_TIMEOUT":             "llm.timeout",
	"STORE_PATH":              "store.path",
	"MATCH_TYPE_BONUS":        "match.type_bonus",
	"MATCH_REPO_BONUS":        "match.repo_bonus",
	"ADAPT_MAX_FILES":         "adapt.max_files",
	"ADAPT_PRESERVE_STYLE":    "adapt.preserve_style",
	"ADAPT_EXCLUDED_PATTERNS": "adapt.excluded_patterns",
	"SPELLS_AUTO_GENERATE":    "spells.auto_generate",
}

// Load reads configuration with the following precedence (highest first):
//
//  1. Environment variables (GRIMOIRE_SERVER_PORT, GRIMOIRE_LLM_API_KEY, ...)
//  2. YAML config file (configPath, skipped when empty or missing)
//  3. Hardcoded defaults
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			content, err := readConfigFile(configPath)
			if err != nil {
				return nil, err
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := s[len(envPrefix):]
		if path, ok := envKeyMap[key]; ok {
			return path
		}
		// Unknown keys are dropped rather than guessed.
		return ""
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// readConfigFile opens and reads the config file, enforcing the size cap
// using the already-open descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
