package modkernel

import (
	"fmt"
	"time"
)

// ModuleStatus represents the lifecycle state of an installed module.
type ModuleStatus int

const (
	// ModuleStatusActive indicates the module is enabled and serving calls.
	ModuleStatusActive ModuleStatus = iota

	// ModuleStatusDisabled indicates the module was disabled manually and
	// can be re-enabled at any time.
	ModuleStatusDisabled

	// ModuleStatusFailed indicates the module breached its failure
	// threshold and was disabled automatically. A failed module implies
	// enabled=false; it returns to Active only through a successful
	// recovery attempt or a manual re-enable.
	ModuleStatusFailed
)

// String returns the string representation of the module status.
func (s ModuleStatus) String() string {
	switch s {
	case ModuleStatusActive:
		return "active"
	case ModuleStatusDisabled:
		return "disabled"
	case ModuleStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseModuleStatus parses a string into a ModuleStatus.
func ParseModuleStatus(s string) (ModuleStatus, error) {
	switch s {
	case "active":
		return ModuleStatusActive, nil
	case "disabled":
		return ModuleStatusDisabled, nil
	case "failed":
		return ModuleStatusFailed, nil
	default:
		return 0, fmt.Errorf("invalid module status: %s", s)
	}
}

// MarshalJSON serializes the status as its string form so exported
// snapshots stay readable and stable across releases.
func (s ModuleStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the string form produced by MarshalJSON.
func (s *ModuleStatus) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	parsed, err := ParseModuleStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// VersionPolicy controls version enforcement for a module. When enabled,
// the router compares the module's active version against RequiredVersion
// before every invocation.
type VersionPolicy struct {
	// Enabled turns version enforcement on for this module.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// RequiredVersion is the version the module must be running.
	RequiredVersion string `json:"requiredVersion,omitempty" yaml:"requiredVersion"`

	// AllowFallback permits execution against FallbackVersion when the
	// active version mismatches or the primary execution fails.
	AllowFallback bool `json:"allowFallback" yaml:"allowFallback"`

	// FallbackVersion is the alternate version used for fallback execution.
	FallbackVersion string `json:"fallbackVersion,omitempty" yaml:"fallbackVersion"`

	// Strict rejects mismatched versions outright when no fallback is
	// permitted. Without Strict, a mismatch logs a warning and execution
	// proceeds on the mismatched version.
	Strict bool `json:"strict" yaml:"strict"`
}

// HealthPolicy controls periodic liveness probing for a module.
type HealthPolicy struct {
	// Enabled turns periodic health probing on for this module.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is the time between probes.
	Interval time.Duration `json:"interval,omitempty" yaml:"interval"`

	// Timeout bounds a single probe; a probe that does not complete
	// within it is treated as a failure.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// PerformanceMetrics accumulates execution statistics for a module.
type PerformanceMetrics struct {
	ExecutionCount     int64         `json:"executionCount"`
	SuccessCount       int64         `json:"successCount"`
	FailureCount       int64         `json:"failureCount"`
	TotalExecutionTime time.Duration `json:"totalExecutionTime"`
	LastExecutedAt     *time.Time    `json:"lastExecutedAt,omitempty"`
}

// AverageExecutionTime returns the running mean execution time, or zero
// when the module has never executed.
func (m PerformanceMetrics) AverageExecutionTime() time.Duration {
	if m.ExecutionCount == 0 {
		return 0
	}
	return m.TotalExecutionTime / time.Duration(m.ExecutionCount)
}

// ErrorRate returns the fraction of executions that failed, in [0, 1].
func (m PerformanceMetrics) ErrorRate() float64 {
	if m.ExecutionCount == 0 {
		return 0
	}
	return float64(m.FailureCount) / float64(m.ExecutionCount)
}

// ModuleRecord is the authoritative catalog record for one installed
// module. The catalog owns all records; other components mutate them only
// through catalog update operations, which serialize access per record.
type ModuleRecord struct {
	// ID is the unique, immutable module identifier.
	ID string `json:"id"`

	// Name is the human-readable module name.
	Name string `json:"name"`

	// Version is the currently active version.
	Version string `json:"version"`

	// Entry is the opaque entry reference resolved by the instance loader.
	Entry string `json:"entry"`

	// Capabilities lists the capability strings this module provides.
	Capabilities []string `json:"capabilities,omitempty"`

	// Dependencies lists the module ids this module requires.
	Dependencies []string `json:"dependencies,omitempty"`

	// Enabled reports whether the module may serve calls. Failed modules
	// are always disabled.
	Enabled bool `json:"enabled"`

	// Status is the module's lifecycle state.
	Status ModuleStatus `json:"status"`

	// FailureCount is the number of consecutive failures (execution and
	// health probe failures share this counter). It resets to zero when
	// the module returns to Active.
	FailureCount int `json:"failureCount"`

	// MaxFailures is the threshold at which the module is auto-disabled.
	MaxFailures int `json:"maxFailures"`

	// FallbackCount is the number of successful fallback executions.
	FallbackCount int `json:"fallbackCount"`

	// RecoveryAttempts is the number of failed recovery attempts in the
	// current failure episode. It resets to zero on re-enable.
	RecoveryAttempts int `json:"recoveryAttempts"`

	// MaxRecoveryAttempts caps scheduled recovery attempts; once reached
	// the module stays Failed until manually re-enabled.
	MaxRecoveryAttempts int `json:"maxRecoveryAttempts"`

	LastFailureAt         *time.Time `json:"lastFailureAt,omitempty"`
	LastRecoveryAttemptAt *time.Time `json:"lastRecoveryAttemptAt,omitempty"`

	VersionPolicy VersionPolicy      `json:"versionPolicy"`
	HealthPolicy  HealthPolicy       `json:"healthPolicy"`
	Metrics       PerformanceMetrics `json:"performanceMetrics"`

	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the record. Reads from the catalog return
// clones so no caller holds a reference into catalog-owned state.
func (r *ModuleRecord) Clone() *ModuleRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.Dependencies != nil {
		out.Dependencies = append([]string(nil), r.Dependencies...)
	}
	if r.LastFailureAt != nil {
		t := *r.LastFailureAt
		out.LastFailureAt = &t
	}
	if r.LastRecoveryAttemptAt != nil {
		t := *r.LastRecoveryAttemptAt
		out.LastRecoveryAttemptAt = &t
	}
	if r.Metrics.LastExecutedAt != nil {
		t := *r.Metrics.LastExecutedAt
		out.Metrics.LastExecutedAt = &t
	}
	return &out
}

// HasCapability reports whether the record declares the given capability.
func (r *ModuleRecord) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// FallbackEvent is an immutable record of one fallback execution attempt.
// Exactly one event is created per attempt; events are never mutated.
type FallbackEvent struct {
	ID          string        `json:"id"`
	ModuleID    string        `json:"moduleId"`
	Timestamp   time.Time     `json:"timestamp"`
	Reason      string        `json:"reason"`
	FromVersion string        `json:"fromVersion"`
	ToVersion   string        `json:"toVersion,omitempty"`
	Success     bool          `json:"success"`
	TraceID     string        `json:"traceId"`
	Caller      CallerContext `json:"callerContext"`
}

// SnapshotSchemaVersion is the schema version written into exported
// snapshots. Bump when the serialized layout changes incompatibly.
const SnapshotSchemaVersion = "1"

// SnapshotSummary aggregates catalog-wide statistics for a snapshot.
type SnapshotSummary struct {
	TotalExecutions       int64   `json:"totalExecutions"`
	AverageErrorRate      float64 `json:"averageErrorRate"`
	HealthyCount          int     `json:"healthyCount"`
	FailedCount           int     `json:"failedCount"`
	TotalFallbacks        int     `json:"totalFallbacks"`
	TotalRecoveryAttempts int     `json:"totalRecoveryAttempts"`
}

// CatalogSnapshot is an immutable point-in-time export of the full catalog
// plus recent fallback events. Snapshots are append-only and pruned by age.
// The serialized form is sufficient to reconstruct catalog state for audit
// or migration.
type CatalogSnapshot struct {
	ID                 string          `json:"id"`
	SchemaVersion      string          `json:"version"`
	Timestamp          time.Time       `json:"timestamp"`
	ModuleCount        int             `json:"moduleCount"`
	EnabledModuleCount int             `json:"enabledModuleCount"`
	Modules            []ModuleRecord  `json:"modules"`
	FallbackEvents     []FallbackEvent `json:"fallbackEvents,omitempty"`
	Summary            SnapshotSummary `json:"summary"`
}
