package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config controls logger output.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is json or console.
	Format string `koanf:"format"`
	// Caller enables caller annotation.
	Caller bool `koanf:"caller"`
	// Redaction controls sensitive-value scrubbing.
	Redaction RedactionConfig `koanf:"redaction"`
}

// RedactionConfig lists field names and value patterns to scrub.
type RedactionConfig struct {
	Enabled bool `koanf:"enabled"`
	// Fields are field names redacted regardless of value.
	Fields []string `koanf:"fields"`
	// Patterns are regexes; any string value matching one is redacted.
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns production defaults: JSON at info level with
// redaction of credential fields and common secret-prefix token shapes.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Redaction: RedactionConfig{
			Enabled: true,
			Fields:  []string{"api_key", "token", "webhook_secret", "authorization", "password"},
			Patterns: []string{
				`sk-[A-Za-z0-9_-]{10,}`,
				`ghp_[A-Za-z0-9]{20,}`,
				`github_pat_[A-Za-z0-9_]{20,}`,
				`xoxb-[A-Za-z0-9-]{10,}`,
				`(?i)bearer\s+[A-Za-z0-9._-]{10,}`,
			},
		},
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid format %q", c.Format)
	}
	return nil
}

func (c *Config) zapLevel() zapcore.Level {
	switch c.Level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
