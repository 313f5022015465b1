package client

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores user preferences persisted as YAML next to the binary.
type Settings struct {
	Nickname     string `yaml:"nickname,omitempty"`
	DefaultChat  int64  `yaml:"default_chat,omitempty"` // chat that plain lines are posted to
	ShowPresence bool   `yaml:"show_presence"`
	Timestamps   bool   `yaml:"timestamps"`
	LogLevel     string `yaml:"log_level,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		ShowPresence: true,
		Timestamps:   true,
		LogLevel:     "warn",
	}
}

// DefaultSettingsPath is settings.yaml next to the executable.
func DefaultSettingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "settings.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "settings.yaml")
}

// LoadSettings loads settings from path or returns defaults.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path chosen by the user
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "path", path, "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path as YAML.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("client: encode settings: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
