package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldline/fieldsync/internal/types"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Remote     RemoteConfig     `yaml:"remote"`
	Auth       AuthConfig       `yaml:"auth"`
	Sync       SyncConfig       `yaml:"sync"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Backup     BackupConfig     `yaml:"backup"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig contains admin HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains remote survey API settings.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains dispatcher and trigger settings.
type SyncConfig struct {
	Interval    Duration `yaml:"interval"`
	BatchSize   int      `yaml:"batch_size"`
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
	CallTimeout Duration `yaml:"call_timeout"`
}

// ResolutionConfig contains conflict resolution settings.
type ResolutionConfig struct {
	Policy types.Policy `yaml:"policy"`
}

// BackupConfig contains snapshot upload settings. Backup is disabled unless
// an endpoint and bucket are configured.
type BackupConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	DeviceID  string   `yaml:"device_id"`
	Interval  Duration `yaml:"interval"`
	WorkDir   string   `yaml:"work_dir"`
	UseSSL    bool     `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
}

// Enabled reports whether snapshot upload is configured.
func (b BackupConfig) Enabled() bool {
	return b.Endpoint != "" && b.Bucket != ""
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and when the caller already knows the path.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fieldsync.db",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Interval:    Duration(5 * time.Minute),
			BatchSize:   25,
			MaxAttempts: 5,
			BackoffBase: Duration(1 * time.Second),
			BackoffCap:  Duration(5 * time.Minute),
			CallTimeout: Duration(30 * time.Second),
		},
		Resolution: ResolutionConfig{
			Policy: types.Policy{
				Default: types.TargetWins,
			},
		},
		Backup: BackupConfig{
			Prefix:   "snapshots",
			Interval: Duration(6 * time.Hour),
			WorkDir:  os.TempDir(),
			UseSSL:   true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FIELDSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("FIELDSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}

	// Auth
	if v := os.Getenv("FIELDSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Sync
	if v := os.Getenv("FIELDSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("FIELDSYNC_SYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = n
		}
	}
	if v := os.Getenv("FIELDSYNC_SYNC_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffBase = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SYNC_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffCap = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_SYNC_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.CallTimeout = Duration(d)
		}
	}

	// Backup
	if v := os.Getenv("FIELDSYNC_BACKUP_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("FIELDSYNC_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("FIELDSYNC_BACKUP_PREFIX"); v != "" {
		cfg.Backup.Prefix = v
	}
	if v := os.Getenv("FIELDSYNC_DEVICE_ID"); v != "" {
		cfg.Backup.DeviceID = v
	}
	if v := os.Getenv("FIELDSYNC_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backup.Interval = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("FIELDSYNC_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}

	// Log
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (FIELDSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if err := c.Resolution.Policy.Validate(); err != nil {
		return fmt.Errorf("resolution policy: %w", err)
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return errors.New("sync.max_attempts must be positive")
	}
	if c.Backup.Enabled() && c.Backup.DeviceID == "" {
		return errors.New("backup.device_id is required when backup is configured")
	}

	// Dev mode bypasses API key validation
	if os.Getenv("FIELDSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("FIELDSYNC_REMOTE_URL or remote.base_url is required")
	}
	if c.Remote.APIKey == "" {
		return errors.New("FIELDSYNC_REMOTE_API_KEY is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("FIELDSYNC_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
