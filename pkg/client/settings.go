package client

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores the user's profile persisted as YAML next to the binary.
type Settings struct {
	ServerAddr  string   `yaml:"server_addr"`
	UserID      string   `yaml:"user_id,omitempty"`
	Token       string   `yaml:"token,omitempty"`
	TeachSkills []string `yaml:"teach_skills,omitempty"`
	LearnSkills []string `yaml:"learn_skills,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		ServerAddr: "localhost:9700",
	}
}

// SettingsPath returns the default settings file location.
func SettingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "settings.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "settings.yaml")
}

// LoadSettings loads settings from path or returns defaults.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
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
		return err
	}
	return os.WriteFile(path, data, 0600)
}
