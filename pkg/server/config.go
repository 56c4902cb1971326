package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	ControlAddr    string   // TCP/TLS bind address (e.g. ":9700")
	HTTPAddr       string   // HTTP bind address for /ws, /metrics and /healthz (empty = disabled)
	DBPath         string   // SQLite database path
	CertFile       string   // TLS certificate file path
	KeyFile        string   // TLS private key file path
	DataDir        string   // directory for generated certs and data
	Open           bool     // accept any user id without a token
	AllowedOrigins []string // WebSocket origins allowed in addition to same-origin
	ConfigFile     string   // optional YAML file, see LoadConfigFile

	Engine EngineConfig

	// CLI-only actions (run and exit)
	CreateUser  string // create a user with this name, print id and token, exit
	ExportUsers bool   // export all users as YAML and exit
}

// EngineConfig carries the matchmaking and session timings.
type EngineConfig struct {
	StalenessWindow    time.Duration `yaml:"staleness_window"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"` // 0 disables request expiry
	SessionDuration    time.Duration `yaml:"session_duration"`    // 0 disables the session limit
	DisconnectGrace    time.Duration `yaml:"disconnect_grace"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr: ":9700",
		HTTPAddr:    ":5000",
		DBPath:      "byteswap.db",
		DataDir:     ".",
		Engine: EngineConfig{
			StalenessWindow:    5 * time.Minute,
			NegotiationTimeout: 30 * time.Second,
			SessionDuration:    30 * time.Minute,
			DisconnectGrace:    time.Second,
			SweepInterval:      time.Minute,
			PollInterval:       4 * time.Second,
		},
	}
}

// fileConfig is the YAML layout of Config.ConfigFile.
type fileConfig struct {
	ControlAddr    string       `yaml:"control_addr"`
	HTTPAddr       string       `yaml:"http_addr"`
	DBPath         string       `yaml:"db"`
	CertFile       string       `yaml:"cert"`
	KeyFile        string       `yaml:"key"`
	DataDir        string       `yaml:"data_dir"`
	Open           bool         `yaml:"open"`
	AllowedOrigins []string     `yaml:"allowed_origins"`
	Engine         EngineConfig `yaml:"engine"`
}

// LoadConfigFile reads a YAML config file into cfg. Keys absent from the file
// keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, cfg)
}

// ParseConfig applies YAML config data to cfg.
func ParseConfig(data []byte, cfg *Config) error {
	fc := fileConfig{
		ControlAddr:    cfg.ControlAddr,
		HTTPAddr:       cfg.HTTPAddr,
		DBPath:         cfg.DBPath,
		CertFile:       cfg.CertFile,
		KeyFile:        cfg.KeyFile,
		DataDir:        cfg.DataDir,
		Open:           cfg.Open,
		AllowedOrigins: cfg.AllowedOrigins,
		Engine:         cfg.Engine,
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	cfg.ControlAddr = fc.ControlAddr
	cfg.HTTPAddr = fc.HTTPAddr
	cfg.DBPath = fc.DBPath
	cfg.CertFile = fc.CertFile
	cfg.KeyFile = fc.KeyFile
	cfg.DataDir = fc.DataDir
	cfg.Open = fc.Open
	cfg.AllowedOrigins = fc.AllowedOrigins
	cfg.Engine = fc.Engine
	return cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	e := c.Engine
	switch {
	case c.ControlAddr == "":
		return errors.New("config: control address must not be empty")
	case e.StalenessWindow <= 0:
		return errors.New("config: staleness_window must be positive")
	case e.NegotiationTimeout < 0:
		return errors.New("config: negotiation_timeout must not be negative")
	case e.SessionDuration < 0:
		return errors.New("config: session_duration must not be negative")
	case e.DisconnectGrace <= 0:
		return errors.New("config: disconnect_grace must be positive")
	case e.SweepInterval < time.Second:
		return errors.New("config: sweep_interval must be at least 1s")
	case e.PollInterval <= 0:
		return errors.New("config: poll_interval must be positive")
	}
	return nil
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name"`
	Active              bool     `yaml:"active"`
	TeachSkills         []string `yaml:"teach_skills,omitempty"`
	LearnSkills         []string `yaml:"learn_skills,omitempty"`
	LastMatchingAttempt string   `yaml:"last_matching_attempt,omitempty"`
	LastLogin           string   `yaml:"last_login,omitempty"`
	CreatedAt           string   `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	users, err := st.NonTx().ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:                  u.ID,
			Name:                u.Name,
			Active:              u.Active,
			TeachSkills:         u.TeachSkills,
			LearnSkills:         u.LearnSkills,
			LastMatchingAttempt: formatExportTime(u.LastMatchingAttempt),
			LastLogin:           formatExportTime(u.LastLogin),
			CreatedAt:           u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}

func formatExportTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
