// Package config handles Pennywise configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pennywise/config.yaml, /etc/pennywise/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pennywise", "config.yaml"))
	}

	paths = append(paths, "/etc/pennywise/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Pennywise configuration.
type Config struct {
	Listen        ListenConfig    `yaml:"listen"`
	Planner       PlannerConfig   `yaml:"planner"`
	ExpenseServer ExpenseConfig   `yaml:"expense_server"`
	Agent         AgentConfig     `yaml:"agent"`
	Reconcile     ReconcileConfig `yaml:"reconcile"`
	DataDir       string          `yaml:"data_dir"`
	LogLevel      string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// PlannerConfig defines the planning model provider.
type PlannerConfig struct {
	Model   string `yaml:"model"`    // e.g. llama-3.3-70b-versatile
	BaseURL string `yaml:"base_url"` // OpenAI-compatible endpoint
	APIKey  string `yaml:"api_key"`
}

// ExpenseConfig defines the expense MCP server connection.
type ExpenseConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"` // sent as Authorization: Bearer
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	// MaxSteps caps plan/dispatch cycles per turn (default 8).
	MaxSteps int `yaml:"max_steps"`
	// ToolTimeoutSec is the per-dispatch timeout in seconds (default 15).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// ToolTimeout returns the per-dispatch timeout as a duration.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSec) * time.Second
}

// ReconcileConfig tunes the insert-vs-update resolver.
type ReconcileConfig struct {
	// RecencyWindowMin is how far back (in minutes) an expense record
	// remains a correction candidate (default 10).
	RecencyWindowMin int `yaml:"recency_window_min"`
	// SimilarityThreshold is the minimum score to propose an update
	// instead of an insert (default 0.6).
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// CorrectionMarkers override DefaultCorrectionMarkers when non-empty.
	CorrectionMarkers []string `yaml:"correction_markers"`
}

// RecencyWindow returns the candidate window as a duration.
func (r ReconcileConfig) RecencyWindow() time.Duration {
	return time.Duration(r.RecencyWindowMin) * time.Minute
}

// Markers returns the effective correction marker list.
func (r ReconcileConfig) Markers() []string {
	if len(r.CorrectionMarkers) > 0 {
		return r.CorrectionMarkers
	}
	return DefaultCorrectionMarkers()
}

// DefaultCorrectionMarkers are the phrases that signal the user is
// revising a previous statement rather than making a new one.
func DefaultCorrectionMarkers() []string {
	return []string{
		"actually",
		"correction",
		"i meant",
		"i mean",
		"it was",
		"should be",
		"change",
		"fix",
		"wrong",
		"instead",
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Planner: PlannerConfig{
			Model:   "llama-3.3-70b-versatile",
			BaseURL: "https://api.groq.com/openai/v1",
		},
		Agent: AgentConfig{
			MaxSteps:       8,
			ToolTimeoutSec: 15,
		},
		Reconcile: ReconcileConfig{
			RecencyWindowMin:    10,
			SimilarityThreshold: 0.6,
		},
		DataDir: ".",
	}
}
