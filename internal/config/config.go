// Package config loads liftlog's configuration and credential files.
//
// Settings live in ~/.config/liftlog/config.yaml, credentials in
// ~/.config/liftlog/auth.yaml. Environment variables override file values,
// file values override defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Defaults for sync behaviour.
const (
	DefaultServerURL    = "http://localhost:8080"
	DefaultPushBatch    = 25
	DefaultRetryCeiling = 5
	DefaultPollInterval = 30 * time.Second
)

// DefaultBackoff is the trigger-level retry schedule after failed flushes.
var DefaultBackoff = []time.Duration{
	2 * time.Second,
	10 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

// AutoSync holds the connectivity-monitor settings.
type AutoSync struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`  // nil = default true
	OnStart  *bool  `yaml:"on_start,omitempty"` // nil = default true
	Interval string `yaml:"interval,omitempty"` // duration string, default 30s
}

// Sync holds sync-engine settings.
type Sync struct {
	URL          string   `yaml:"url,omitempty"`
	PushBatch    int      `yaml:"push_batch,omitempty"`
	RetryCeiling int      `yaml:"retry_ceiling,omitempty"`
	Backoff      []string `yaml:"backoff,omitempty"` // duration strings
	Auto         AutoSync `yaml:"auto"`
}

// Config is the file at ~/.config/liftlog/config.yaml.
type Config struct {
	Sync Sync `yaml:"sync"`
}

// Auth is the file at ~/.config/liftlog/auth.yaml.
type Auth struct {
	Token     string `yaml:"token"`
	UserID    string `yaml:"user_id,omitempty"`
	DeviceID  string `yaml:"device_id"`
	ServerURL string `yaml:"server_url,omitempty"`
}

// Dir returns ~/.config/liftlog, creating it if necessary.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "liftlog")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// DataDir returns ~/.local/share/liftlog, creating it if necessary.
// The local database lives here.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".local", "share", "liftlog")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

// Load reads config.yaml. A missing file yields an empty config, not an error.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, "config.yaml"))
}

// LoadFrom reads a config file at an explicit path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes config.yaml.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// LoadAuth reads auth.yaml. Returns nil without error when absent.
func LoadAuth() (*Auth, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read auth: %w", err)
	}
	var a Auth
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse auth: %w", err)
	}
	return &a, nil
}

// SaveAuth writes auth.yaml with restrictive permissions.
func SaveAuth(a *Auth) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "auth.yaml"), data, 0600)
}

// ClearAuth removes auth.yaml. Missing file is not an error.
func ClearAuth() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.yaml"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ServerURL returns the backend base URL.
// Priority: LIFTLOG_SYNC_URL env > config.yaml > default.
func ServerURL() string {
	if v := os.Getenv("LIFTLOG_SYNC_URL"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return DefaultServerURL
}

// Token returns the auth token.
// Priority: LIFTLOG_AUTH_TOKEN env > auth.yaml.
func Token() string {
	if v := os.Getenv("LIFTLOG_AUTH_TOKEN"); v != "" {
		return v
	}
	a, err := LoadAuth()
	if err == nil && a != nil {
		return a.Token
	}
	return ""
}

// IsAuthenticated reports whether a token is available from any source.
func IsAuthenticated() bool {
	return Token() != ""
}

// DeviceID returns the persisted device ID, generating and saving one on
// first use so every queue push carries a stable device identity.
func DeviceID() (string, error) {
	a, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if a != nil && a.DeviceID != "" {
		return a.DeviceID, nil
	}
	id := uuid.NewString()
	if a == nil {
		a = &Auth{}
	}
	a.DeviceID = id
	if err := SaveAuth(a); err != nil {
		return "", err
	}
	return id, nil
}

// PushBatch returns how many queue entries one flush cycle attempts.
func PushBatch() int {
	if v := os.Getenv("LIFTLOG_SYNC_PUSH_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := Load()
	if err == nil && cfg.Sync.PushBatch > 0 {
		return cfg.Sync.PushBatch
	}
	return DefaultPushBatch
}

// RetryCeiling returns the attempts limit before a queue entry goes terminal.
func RetryCeiling() int {
	if v := os.Getenv("LIFTLOG_SYNC_RETRY_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := Load()
	if err == nil && cfg.Sync.RetryCeiling > 0 {
		return cfg.Sync.RetryCeiling
	}
	return DefaultRetryCeiling
}

// Backoff returns the trigger-level retry schedule.
func Backoff() []time.Duration {
	cfg, err := Load()
	if err != nil || len(cfg.Sync.Backoff) == 0 {
		return DefaultBackoff
	}
	var out []time.Duration
	for _, s := range cfg.Sync.Backoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return DefaultBackoff
		}
		out = append(out, d)
	}
	return out
}

// PollInterval returns the connectivity probe interval.
// Priority: LIFTLOG_SYNC_INTERVAL env > config.yaml sync.auto.interval > 30s.
func PollInterval() time.Duration {
	if v := os.Getenv("LIFTLOG_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := Load()
	if err == nil && cfg.Sync.Auto.Interval != "" {
		if d, err := time.ParseDuration(cfg.Sync.Auto.Interval); err == nil {
			return d
		}
	}
	return DefaultPollInterval
}

// AutoSyncEnabled reports whether the monitor should fire triggers at all.
// Priority: LIFTLOG_SYNC_AUTO env > config.yaml sync.auto.enabled > true.
func AutoSyncEnabled() bool {
	if v := parseBoolEnv("LIFTLOG_SYNC_AUTO"); v != nil {
		return *v
	}
	cfg, err := Load()
	if err == nil && cfg.Sync.Auto.Enabled != nil {
		return *cfg.Sync.Auto.Enabled
	}
	return true
}

// AutoSyncOnStart reports whether startup should fire a trigger.
// Priority: LIFTLOG_SYNC_AUTO_START env > config.yaml sync.auto.on_start > true.
func AutoSyncOnStart() bool {
	if v := parseBoolEnv("LIFTLOG_SYNC_AUTO_START"); v != nil {
		return *v
	}
	cfg, err := Load()
	if err == nil && cfg.Sync.Auto.OnStart != nil {
		return *cfg.Sync.Auto.OnStart
	}
	return true
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(key string) *bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true":
		b := true
		return &b
	case "0", "false":
		b := false
		return &b
	default:
		return nil
	}
}
