package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chittyapps/chittysync/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	if dir := os.Getenv("CHITTYSYNC_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".chittysync"), nil
}

// Config represents the application configuration. All durations are stored
// in milliseconds; policy values like the staleness multiple are deliberately
// configuration rather than constants.
type Config struct {
	// DataDir is where session, lock, claim and outbox records live. Empty
	// means <config dir>/state.
	DataDir string `json:"data_dir"`
	// HeartbeatIntervalMs is how often a registered session stamps its record.
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`
	// SessionTimeoutMs is the liveness window: a session whose last heartbeat
	// is older than this is no longer considered live.
	SessionTimeoutMs int `json:"session_timeout_ms"`
	// StaleMultiple scales SessionTimeoutMs for the reaper: a session is only
	// reaped once its heartbeat is StaleMultiple timeouts old.
	StaleMultiple int `json:"stale_multiple"`
	// RetentionPeriodMs is how long a cleanly terminated session record is
	// kept before physical deletion.
	RetentionPeriodMs int `json:"retention_period_ms"`
	// LockMaxRetries caps acquire attempts against a live holder.
	LockMaxRetries int `json:"lock_max_retries"`
	// LockBaseDelayMs is the linear backoff unit between acquire attempts.
	LockBaseDelayMs int `json:"lock_base_delay_ms"`
	// OutboxCapacity bounds each session's event outbox; oldest entries are
	// dropped beyond this.
	OutboxCapacity int `json:"outbox_capacity"`
	// ReapIntervalMs is the daemon's sweep cadence.
	ReapIntervalMs int `json:"reap_interval_ms"`
	// MetricsAddr, when non-empty, is where the daemon serves prometheus
	// metrics (e.g. "127.0.0.1:9480").
	MetricsAddr string `json:"metrics_addr"`
	// RegistryURL is the ChittyOS project registry endpoint. Empty disables
	// registry resolution and project contexts stay local.
	RegistryURL string `json:"registry_url"`
	// RegistryToken authenticates against the registry. The
	// CHITTY_REGISTRY_TOKEN environment variable takes precedence.
	RegistryToken string `json:"registry_token"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		HeartbeatIntervalMs: 5000,
		SessionTimeoutMs:    30000,
		StaleMultiple:       2,
		RetentionPeriodMs:   60000,
		LockMaxRetries:      10,
		LockBaseDelayMs:     100,
		OutboxCapacity:      100,
		ReapIntervalMs:      30000,
		RegistryURL:         os.Getenv("CHITTY_REGISTRY_URL"),
	}
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// SessionTimeout returns the liveness window as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// StaleAfter returns the age at which the reaper considers a heartbeat dead.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleMultiple) * c.SessionTimeout()
}

// RetentionPeriod returns the terminated-record retention window.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionPeriodMs) * time.Millisecond
}

// LockBaseDelay returns the linear backoff unit.
func (c *Config) LockBaseDelay() time.Duration {
	return time.Duration(c.LockBaseDelayMs) * time.Millisecond
}

// ReapInterval returns the sweep cadence.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalMs) * time.Millisecond
}

// Token returns the registry token, preferring the environment.
func (c *Config) Token() string {
	if t := os.Getenv("CHITTY_REGISTRY_TOKEN"); t != "" {
		return t
	}
	return c.RegistryToken
}

// StateDir returns the substrate directory, creating it if needed.
func (c *Config) StateDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(configDir, "state")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}
		log.WarningLog.Printf("failed to read config file: %v", err)
		return DefaultConfig()
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}
	applyDefaults(&cfg)

	return &cfg
}

// applyDefaults fills zero-valued policy fields so a hand-edited config with
// missing keys still behaves.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = def.HeartbeatIntervalMs
	}
	if cfg.SessionTimeoutMs <= 0 {
		cfg.SessionTimeoutMs = def.SessionTimeoutMs
	}
	if cfg.StaleMultiple <= 0 {
		cfg.StaleMultiple = def.StaleMultiple
	}
	if cfg.RetentionPeriodMs <= 0 {
		cfg.RetentionPeriodMs = def.RetentionPeriodMs
	}
	if cfg.LockMaxRetries <= 0 {
		cfg.LockMaxRetries = def.LockMaxRetries
	}
	if cfg.LockBaseDelayMs <= 0 {
		cfg.LockBaseDelayMs = def.LockBaseDelayMs
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = def.OutboxCapacity
	}
	if cfg.ReapIntervalMs <= 0 {
		cfg.ReapIntervalMs = def.ReapIntervalMs
	}
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = def.RegistryURL
	}
}

// SaveConfig saves the configuration to disk
func SaveConfig(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}
