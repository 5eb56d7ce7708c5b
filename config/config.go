// Package config loads the server configuration from YAML with
// first-match discovery and environment expansion.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "loom.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the declarative startup configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	LLM        LLMConfig        `yaml:"llm"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	CORSOrigin string `yaml:"corsOrigin"`
	MaxBodyMB  int64  `yaml:"maxBodyMb"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// StorageConfig controls the media blob store.
type StorageConfig struct {
	Root   string `yaml:"root"`
	Bucket string `yaml:"bucket"`
}

// LLMConfig configures the model provider used by llm nodes.
type LLMConfig struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"apiKey"`
	DefaultModel string        `yaml:"defaultModel"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ReconcilerConfig controls abandoned-batch recovery.
type ReconcilerConfig struct {
	StaleAfter time.Duration `yaml:"staleAfter"`
	Schedule   string        `yaml:"schedule"`
}

// TelemetryConfig toggles OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:       ":8080",
			CORSOrigin: "*",
			MaxBodyMB:  32,
		},
		Database: DatabaseConfig{DSN: "loom.db"},
		Storage:  StorageConfig{Root: "loom-media"},
		LLM:      LLMConfig{Timeout: 60 * time.Second},
		Reconciler: ReconcilerConfig{
			StaleAfter: 10 * time.Minute,
			Schedule:   "@every 1m",
		},
	}
}

// DiscoverPath resolves the config file location with first-match
// semantics: the explicit path when given, then ./loom.yaml, then
// ~/.loom/config.yaml. A missing explicit path is an error; missing
// fallbacks are not.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".loom", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses a config file, layering it over the defaults.
// String fields go through environment expansion.
func Load(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.expandEnv()
	return cfg, nil
}

// Discover resolves and loads the configuration in one step, falling
// back to defaults when no file exists.
func Discover(explicitPath string) (Config, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	if !found {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) expandEnv() {
	c.Server.Addr = os.ExpandEnv(c.Server.Addr)
	c.Server.CORSOrigin = os.ExpandEnv(c.Server.CORSOrigin)
	c.Database.DSN = os.ExpandEnv(c.Database.DSN)
	c.Storage.Root = os.ExpandEnv(c.Storage.Root)
	c.Storage.Bucket = os.ExpandEnv(c.Storage.Bucket)
	c.LLM.Provider = os.ExpandEnv(c.LLM.Provider)
	c.LLM.APIKey = os.ExpandEnv(c.LLM.APIKey)
	c.LLM.DefaultModel = os.ExpandEnv(c.LLM.DefaultModel)
}

// MaxBody returns the request body limit in bytes.
func (c ServerConfig) MaxBody() int64 {
	return c.MaxBodyMB << 20
}
