package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/screenrelay/pkg/logging"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
	"github.com/NicolasHaas/screenrelay/pkg/relay"
)

// BootstrapAdmin is the account seeded into an empty credential store.
type BootstrapAdmin struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config holds server configuration.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`   // relay TCP bind address
	SSLEnabled   bool   `yaml:"ssl_enabled"`   // TLS-wrap accepted connections
	CertFile     string `yaml:"cert_file"`     // defaults to <data_dir>/server.crt
	KeyFile      string `yaml:"key_file"`      // defaults to <data_dir>/server.key
	GenerateCert bool   `yaml:"generate_cert"` // self-sign when both files are absent
	DataDir      string `yaml:"data_dir"`      // directory for generated files
	DBPath       string `yaml:"db_path"`       // SQLite credential store; empty = in-memory
	AdminAddr    string `yaml:"admin_addr"`    // HTTP bind for /metrics, /healthz, /sessions (empty = disabled)

	MaxMessageSize       int `yaml:"max_message_size"`
	ViewerQueueSize      int `yaml:"viewer_queue_size"`
	MaxSessions          int `yaml:"max_sessions"`
	MaxViewersPerSession int `yaml:"max_viewers_per_session"`

	AuthTimeout        time.Duration `yaml:"auth_timeout"`
	MaxAuthAttempts    int           `yaml:"max_auth_attempts"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"` // 0 disables the sweep

	BootstrapAdmin BootstrapAdmin `yaml:"bootstrap_admin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           ":8443",
		SSLEnabled:           true,
		GenerateCert:         true,
		DataDir:              ".",
		DBPath:               "relay.db",
		AdminAddr:            "127.0.0.1:8444",
		MaxMessageSize:       protocol.DefaultMaxMessageSize,
		ViewerQueueSize:      relay.DefaultQueueCapacity,
		MaxSessions:          256,
		MaxViewersPerSession: 32,
		AuthTimeout:          10 * time.Second,
		MaxAuthAttempts:      3,
		WriteTimeout:         10 * time.Second,
		BootstrapAdmin:       BootstrapAdmin{Username: "admin", Password: "admin123"},
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("server: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// maxMessageSizeLimit is the largest accepted max_message_size.
const maxMessageSizeLimit = 1 << 30

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must be set"))
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > maxMessageSizeLimit {
		errs = append(errs, fmt.Errorf("max_message_size must be between 1 and %d", maxMessageSizeLimit))
	}
	if c.ViewerQueueSize < 1 {
		errs = append(errs, errors.New("viewer_queue_size must be at least 1"))
	}
	if c.MaxSessions < 0 || c.MaxViewersPerSession < 0 {
		errs = append(errs, errors.New("max_sessions and max_viewers_per_session must not be negative"))
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, errors.New("auth_timeout must be positive"))
	}
	if c.MaxAuthAttempts < 1 {
		errs = append(errs, errors.New("max_auth_attempts must be at least 1"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, errors.New("session_idle_timeout must not be negative"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert_file and key_file must be set together"))
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}

// TLSPaths returns the certificate and key paths, defaulting into DataDir.
func (c Config) TLSPaths() (certPath, keyPath string) {
	certPath, keyPath = c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(c.DataDir, "server.key")
	}
	return certPath, keyPath
}
