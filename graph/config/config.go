// Package config loads engine deployment configuration from YAML:
// which checkpoint store backs runs, which chat model provider nodes
// talk to, where artifacts land, and default execution limits.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/rungraph/graph/model"
	"github.com/dshills/rungraph/graph/model/anthropic"
	"github.com/dshills/rungraph/graph/model/google"
	"github.com/dshills/rungraph/graph/model/openai"
	"github.com/dshills/rungraph/graph/store"
)

// Config is the root document.
//
//	store:
//	  backend: sqlite        # memory | sqlite | mysql
//	  dsn: runs.db
//	model:
//	  provider: openai       # mock | openai | anthropic | google
//	  name: gpt-4o-mini
//	  api_key_env: OPENAI_API_KEY
//	artifacts:
//	  root: ./artifacts
//	fanout:
//	  max_parallel: 8
//	wait_deadline: 24h
type Config struct {
	Store        StoreConfig    `yaml:"store"`
	Model        ModelConfig    `yaml:"model"`
	Artifacts    ArtifactConfig `yaml:"artifacts"`
	FanOut       FanOutConfig   `yaml:"fanout"`
	WaitDeadline Duration       `yaml:"wait_deadline"`
}

// Duration wraps time.Duration so YAML accepts "90s" style strings.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// StoreConfig selects the checkpoint store backend.
type StoreConfig struct {
	// Backend is memory, sqlite, or mysql. Defaults to memory.
	Backend string `yaml:"backend"`

	// DSN is the sqlite path or mysql DSN. Required for those backends.
	DSN string `yaml:"dsn"`
}

// ModelConfig selects the chat model provider.
type ModelConfig struct {
	// Provider is mock, openai, anthropic, or google. Defaults to mock.
	Provider string `yaml:"provider"`

	// Name is the provider's model name; empty uses the provider default.
	Name string `yaml:"name"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to the provider's conventional variable.
	APIKeyEnv string `yaml:"api_key_env"`
}

// ArtifactConfig locates the artifact store.
type ArtifactConfig struct {
	// Root directory for saved artifacts. Empty uses a temp directory.
	Root string `yaml:"root"`
}

// FanOutConfig carries fan-out defaults.
type FanOutConfig struct {
	// MaxParallel is the default branch cap for regions that declare
	// none. Zero means unbounded.
	MaxParallel int `yaml:"max_parallel"`
}

var defaultKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// Load parses and validates a YAML document.
func Load(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "mock"
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Open reads and parses a YAML config file.
func Open(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- caller-chosen config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(data)
}

// Validate checks field combinations.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store backend %q requires a dsn", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Model.Provider {
	case "mock", "openai", "anthropic", "google":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}

	if c.FanOut.MaxParallel < 0 {
		return fmt.Errorf("fanout max_parallel cannot be negative")
	}
	if c.WaitDeadline < 0 {
		return fmt.Errorf("wait_deadline cannot be negative")
	}
	return nil
}

// OpenStore constructs the configured checkpoint store.
func (c *Config) OpenStore() (store.Store, error) {
	switch c.Store.Backend {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(c.Store.DSN)
	case "mysql":
		return store.NewMySQLStore(c.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// NewChatModel constructs the configured chat model. API keys are read
// from the configured (or conventional) environment variable.
func (c *Config) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Model.Provider == "mock" {
		return &model.MockChatModel{}, nil
	}

	keyEnv := c.Model.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultKeyEnv[c.Model.Provider]
	}
	apiKey := os.Getenv(keyEnv)

	switch c.Model.Provider {
	case "openai":
		return openai.New(apiKey, c.Model.Name)
	case "anthropic":
		return anthropic.New(apiKey, c.Model.Name)
	case "google":
		return google.New(ctx, apiKey, c.Model.Name)
	default:
		return nil, fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
}
