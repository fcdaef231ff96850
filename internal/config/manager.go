// Package config loads and saves the user's persistent preferences as a
// JSON file under the platform config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EditorConfig controls the editor bridge.
type EditorConfig struct {
	Enabled      bool `json:"enabled"`
	Port         int  `json:"port,omitempty"`
	MaxFallbacks int  `json:"max_fallbacks,omitempty"`
}

// CompactionConfig controls history compaction between turns.
type CompactionConfig struct {
	Mode       string `json:"mode,omitempty"` // conservative, default, aggressive; empty disables
	KeepRecent int    `json:"keep_recent,omitempty"`
}

// Config holds the user's persistent configuration preferences.
type Config struct {
	LLMProvider string `json:"llm_provider,omitempty"`
	Model       string `json:"model,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`

	// DevelopmentMode is the default approval mode: normal, auto-accept,
	// or plan. Empty means normal. The -mode flag overrides it per run.
	DevelopmentMode string `json:"development_mode,omitempty"`
	NonInteractive  bool   `json:"non_interactive"`

	ContextWarnPercent     int `json:"context_warn_percent,omitempty"`
	ContextCriticalPercent int `json:"context_critical_percent,omitempty"`

	// DefaultApprovalRequired governs tools registered without an
	// explicit approval policy. Approval required is the safe default,
	// so only an explicit false disables it.
	DefaultApprovalRequired *bool `json:"default_approval_required,omitempty"`

	Editor     EditorConfig     `json:"editor"`
	Compaction CompactionConfig `json:"compaction"`
}

// ApprovalDefault resolves the default approval policy.
func (c *Config) ApprovalDefault() bool {
	if c.DefaultApprovalRequired == nil {
		return true
	}
	return *c.DefaultApprovalRequired
}

// Mode returns the configured approval mode, defaulting to normal.
func (c *Config) Mode() string {
	if c.DevelopmentMode == "" {
		return "normal"
	}
	return c.DevelopmentMode
}

// Validate rejects values that would silently change behavior at run
// time.
func (c *Config) Validate() error {
	switch c.DevelopmentMode {
	case "", "normal", "auto-accept", "plan":
	default:
		return fmt.Errorf("invalid development_mode %q (want normal, auto-accept, or plan)", c.DevelopmentMode)
	}
	switch c.Compaction.Mode {
	case "", "conservative", "default", "aggressive":
	default:
		return fmt.Errorf("invalid compaction mode %q", c.Compaction.Mode)
	}
	return nil
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a configuration manager rooted at the platform
// config directory.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "nanocoder")}, nil
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// DataDir returns the directory for databases and other state files,
// creating it if needed.
func (m *Manager) DataDir() (string, error) {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	return m.configDir, nil
}

// Load reads the configuration from disk. A missing file yields an
// empty Config and no error.
func (m *Manager) Load() (*Config, error) {
	path := m.GetConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to disk with owner-only permissions.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}
