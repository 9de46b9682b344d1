package modkernel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// KernelConfig holds the kernel's operating policy. Zero-valued fields are
// filled in by ApplyDefaults, so the zero KernelConfig is usable as-is.
//
// Example YAML configuration:
//
//	autoRecovery: true
//	recoveryBaseDelay: 5m
//	recoveryBackoffMultiplier: 3
//	defaultMaxFailures: 3
//	snapshotInterval: 1h
//	retentionWindow: 2160h
type KernelConfig struct {
	// AutoRecovery enables scheduled recovery attempts for auto-disabled
	// modules.
	AutoRecovery *bool `json:"autoRecovery,omitempty" yaml:"autoRecovery" toml:"autoRecovery" env:"AUTO_RECOVERY" default:"true"`

	// RecoveryBaseDelay is the delay before the first recovery attempt.
	RecoveryBaseDelay Duration `json:"recoveryBaseDelay,omitempty" yaml:"recoveryBaseDelay" toml:"recoveryBaseDelay" env:"RECOVERY_BASE_DELAY" default:"5m"`

	// RecoveryBackoffMultiplier grows the recovery delay across attempts.
	// Must be at least 1.
	RecoveryBackoffMultiplier float64 `json:"recoveryBackoffMultiplier,omitempty" yaml:"recoveryBackoffMultiplier" toml:"recoveryBackoffMultiplier" env:"RECOVERY_BACKOFF_MULTIPLIER" default:"3" validate:"min=1"`

	// DefaultMaxFailures is the failure threshold applied to modules that
	// do not declare their own.
	DefaultMaxFailures int `json:"defaultMaxFailures,omitempty" yaml:"defaultMaxFailures" toml:"defaultMaxFailures" env:"DEFAULT_MAX_FAILURES" default:"3" validate:"min=1"`

	// DefaultMaxRecoveryAttempts is the recovery-attempt cap applied to
	// modules that do not declare their own.
	DefaultMaxRecoveryAttempts int `json:"defaultMaxRecoveryAttempts,omitempty" yaml:"defaultMaxRecoveryAttempts" toml:"defaultMaxRecoveryAttempts" env:"DEFAULT_MAX_RECOVERY_ATTEMPTS" default:"3" validate:"min=1"`

	// DefaultHealthInterval is the probe interval for modules that enable
	// health checking without declaring one.
	DefaultHealthInterval Duration `json:"defaultHealthInterval,omitempty" yaml:"defaultHealthInterval" toml:"defaultHealthInterval" env:"DEFAULT_HEALTH_INTERVAL" default:"30s"`

	// DefaultHealthTimeout bounds a single probe for modules that enable
	// health checking without declaring a timeout.
	DefaultHealthTimeout Duration `json:"defaultHealthTimeout,omitempty" yaml:"defaultHealthTimeout" toml:"defaultHealthTimeout" env:"DEFAULT_HEALTH_TIMEOUT" default:"5s"`

	// SnapshotInterval is the periodic snapshot export schedule.
	SnapshotInterval Duration `json:"snapshotInterval,omitempty" yaml:"snapshotInterval" toml:"snapshotInterval" env:"SNAPSHOT_INTERVAL" default:"1h"`

	// MaintenanceInterval is the retention pruning schedule.
	MaintenanceInterval Duration `json:"maintenanceInterval,omitempty" yaml:"maintenanceInterval" toml:"maintenanceInterval" env:"MAINTENANCE_INTERVAL" default:"1h"`

	// RetentionWindow is the age past which snapshots and fallback events
	// are pruned. Default: 90 days.
	RetentionWindow Duration `json:"retentionWindow,omitempty" yaml:"retentionWindow" toml:"retentionWindow" env:"RETENTION_WINDOW" default:"2160h"`

	// MaxFallbackEvents bounds the in-memory fallback event store.
	MaxFallbackEvents int `json:"maxFallbackEvents,omitempty" yaml:"maxFallbackEvents" toml:"maxFallbackEvents" env:"MAX_FALLBACK_EVENTS" default:"1000" validate:"min=1"`
}

// ApplyDefaults fills zero-valued fields with the kernel defaults.
func (c *KernelConfig) ApplyDefaults() {
	if c.AutoRecovery == nil {
		enabled := true
		c.AutoRecovery = &enabled
	}
	if c.RecoveryBaseDelay <= 0 {
		c.RecoveryBaseDelay = Duration(5 * time.Minute)
	}
	if c.RecoveryBackoffMultiplier == 0 {
		c.RecoveryBackoffMultiplier = 3
	}
	if c.DefaultMaxFailures == 0 {
		c.DefaultMaxFailures = 3
	}
	if c.DefaultMaxRecoveryAttempts == 0 {
		c.DefaultMaxRecoveryAttempts = 3
	}
	if c.DefaultHealthInterval <= 0 {
		c.DefaultHealthInterval = Duration(30 * time.Second)
	}
	if c.DefaultHealthTimeout <= 0 {
		c.DefaultHealthTimeout = Duration(5 * time.Second)
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = Duration(time.Hour)
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = Duration(time.Hour)
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = Duration(90 * 24 * time.Hour)
	}
	if c.MaxFallbackEvents == 0 {
		c.MaxFallbackEvents = 1000
	}
}

// Validate checks the configuration for values defaults cannot repair.
func (c *KernelConfig) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.RecoveryBaseDelay < 0 {
		return ErrBackoffBaseInvalid
	}
	if c.RecoveryBackoffMultiplier != 0 && c.RecoveryBackoffMultiplier < 1 {
		return ErrBackoffMultiplierInvalid
	}
	if c.DefaultMaxFailures < 0 {
		return ErrMaxFailuresInvalid
	}
	if c.DefaultMaxRecoveryAttempts < 0 {
		return ErrMaxRecoveryInvalid
	}
	if c.SnapshotInterval < 0 {
		return ErrSnapshotIntervalInvalid
	}
	if c.RetentionWindow < 0 {
		return ErrRetentionInvalid
	}
	return nil
}

// AutoRecoveryEnabled reports the effective auto-recovery setting.
func (c *KernelConfig) AutoRecoveryEnabled() bool {
	return c.AutoRecovery == nil || *c.AutoRecovery
}

// LoadConfig reads a kernel configuration file, dispatching on extension:
// .yaml/.yml, .toml, and .json (decoded by the YAML parser, a superset)
// are supported. Defaults are applied and the result validated.
func LoadConfig(path string) (*KernelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &KernelConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file %q: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config file %q: %w", path, ErrUnsupportedConfigFormat)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return cfg, nil
}
