package modkernel

import (
	"context"
	"math"
	"sync"
	"time"
)

// FailureRecorder receives failure reports from the router, the health
// monitor, and the fallback executor. Execution and health failures share
// one per-module counter.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, moduleID, reason string)
}

// RecoveryConfig holds the failure-threshold and backoff policy shared by
// all modules. The per-module thresholds live on the ModuleRecord; this
// config controls scheduling.
type RecoveryConfig struct {
	// AutoRecovery enables scheduled recovery attempts after an
	// auto-disable. When false, failed modules stay down until manually
	// re-enabled.
	AutoRecovery bool

	// BaseDelay is the delay before the first recovery attempt.
	BaseDelay time.Duration

	// Multiplier grows the delay exponentially across attempts:
	// delay = BaseDelay * Multiplier^attempts.
	Multiplier float64
}

// RecoveryManager tracks module failures, enforces the auto-disable
// threshold, and schedules backoff recovery attempts. All counter updates
// and the threshold decision happen atomically under the catalog's
// per-record lock, so two concurrent failures can never both decide to
// disable and double-schedule recovery.
type RecoveryManager struct {
	catalog *Catalog
	loader  InstanceLoader
	health  *HealthMonitor
	logger  Logger

	cfgMu sync.RWMutex
	cfg   RecoveryConfig

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	// Kernel hooks, invoked after a state transition completes.
	onAutoDisable func(record *ModuleRecord, reason string)
	onRecovered   func(record *ModuleRecord)
	onExhausted   func(record *ModuleRecord)
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(catalog *Catalog, loader InstanceLoader, health *HealthMonitor, cfg RecoveryConfig, logger Logger) *RecoveryManager {
	if logger == nil {
		logger = NopLogger{}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Minute
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 3
	}
	return &RecoveryManager{
		catalog:       catalog,
		loader:        loader,
		health:        health,
		logger:        logger,
		cfg:           cfg,
		timers:        make(map[string]*time.Timer),
		onAutoDisable: func(record *ModuleRecord, reason string) {},
		onRecovered:   func(record *ModuleRecord) {},
		onExhausted:   func(record *ModuleRecord) {},
	}
}

// SetHooks installs the kernel's transition callbacks. Must be called
// before the manager receives failure reports.
func (m *RecoveryManager) SetHooks(onAutoDisable func(*ModuleRecord, string), onRecovered, onExhausted func(*ModuleRecord)) {
	if onAutoDisable != nil {
		m.onAutoDisable = onAutoDisable
	}
	if onRecovered != nil {
		m.onRecovered = onRecovered
	}
	if onExhausted != nil {
		m.onExhausted = onExhausted
	}
}

// Config returns the current recovery policy.
func (m *RecoveryManager) Config() RecoveryConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig replaces the recovery policy. Applies to transitions and
// attempts scheduled after the call; already-armed timers keep their delay.
func (m *RecoveryManager) SetConfig(cfg RecoveryConfig) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if cfg.BaseDelay > 0 {
		m.cfg.BaseDelay = cfg.BaseDelay
	}
	if cfg.Multiplier >= 1 {
		m.cfg.Multiplier = cfg.Multiplier
	}
	m.cfg.AutoRecovery = cfg.AutoRecovery
}

// RecordFailure increments the module's failure counter and, when the
// counter reaches the threshold while the module is Active, transitions it
// to Failed: health monitoring stops, the live instance is unloaded, and a
// recovery attempt is scheduled if auto-recovery is enabled.
func (m *RecoveryManager) RecordFailure(ctx context.Context, moduleID, reason string) {
	tripped := false
	record, err := m.catalog.Update(moduleID, func(r *ModuleRecord) error {
		now := time.Now()
		r.FailureCount++
		r.LastFailureAt = &now
		if r.FailureCount >= r.MaxFailures && r.Status == ModuleStatusActive {
			r.Status = ModuleStatusFailed
			r.Enabled = false
			tripped = true
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to record module failure", "module", moduleID, "error", err)
		return
	}

	m.logger.Debug("Module failure recorded",
		"module", moduleID, "reason", reason,
		"failureCount", record.FailureCount, "maxFailures", record.MaxFailures)

	if !tripped {
		return
	}

	m.logger.Error("Module auto-disabled after reaching failure threshold",
		"module", moduleID, "failureCount", record.FailureCount, "reason", reason)

	m.health.Stop(moduleID)
	m.catalog.SetInstance(moduleID, nil)
	if err := m.loader.Unload(ctx, moduleID); err != nil {
		m.logger.Error("Failed to unload module instance", "module", moduleID, "error", err)
	}

	m.onAutoDisable(record, reason)

	if m.Config().AutoRecovery {
		m.schedule(moduleID, record.RecoveryAttempts)
	}
}

// DelayFor returns the backoff delay for the given attempt number
// (0-based): BaseDelay * Multiplier^attempt.
func (m *RecoveryManager) DelayFor(attempt int) time.Duration {
	cfg := m.Config()
	if attempt <= 0 {
		return cfg.BaseDelay
	}
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// schedule arms the recovery timer for a module. Any previously armed
// timer for the same module is replaced.
func (m *RecoveryManager) schedule(moduleID string, attempt int) {
	delay := m.DelayFor(attempt)

	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if existing, ok := m.timers[moduleID]; ok {
		existing.Stop()
	}
	m.timers[moduleID] = time.AfterFunc(delay, func() {
		m.attemptRecovery(moduleID)
	})

	m.logger.Info("Recovery attempt scheduled", "module", moduleID, "attempt", attempt+1, "delay", delay)
}

// Cancel disarms any pending recovery timer for the module. Called on
// manual disable and on manual re-enable so no stale timer from a previous
// failure episode can fire.
func (m *RecoveryManager) Cancel(moduleID string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[moduleID]; ok {
		t.Stop()
		delete(m.timers, moduleID)
	}
}

// CancelAll disarms every pending recovery timer. Called on kernel stop.
func (m *RecoveryManager) CancelAll() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// attemptRecovery reloads the module instance. On success the module
// returns to Active with all counters reset and health monitoring
// restarted. On failure the attempt counter is incremented and either a
// later attempt is scheduled or, once attempts are exhausted, the module
// is left Failed until manual intervention.
func (m *RecoveryManager) attemptRecovery(moduleID string) {
	ctx := context.Background()

	m.timerMu.Lock()
	delete(m.timers, moduleID)
	m.timerMu.Unlock()

	record, err := m.catalog.Get(moduleID)
	if err != nil {
		m.logger.Debug("Recovery attempt skipped, module removed", "module", moduleID)
		return
	}
	if record.Status != ModuleStatusFailed {
		// Manually re-enabled (or disabled) while the timer was armed.
		m.logger.Debug("Recovery attempt skipped, module no longer failed",
			"module", moduleID, "status", record.Status.String())
		return
	}

	m.logger.Info("Attempting module recovery",
		"module", moduleID, "attempt", record.RecoveryAttempts+1, "maxAttempts", record.MaxRecoveryAttempts)

	instance, loadErr := m.loader.Load(ctx, record)
	now := time.Now()

	if loadErr == nil {
		updated, err := m.catalog.Update(moduleID, func(r *ModuleRecord) error {
			r.Status = ModuleStatusActive
			r.Enabled = true
			r.FailureCount = 0
			r.RecoveryAttempts = 0
			r.LastRecoveryAttemptAt = &now
			return nil
		})
		if err != nil {
			m.logger.Error("Failed to finalize module recovery", "module", moduleID, "error", err)
			return
		}
		m.catalog.SetInstance(moduleID, instance)
		m.health.Start(updated)
		m.logger.Info("Module recovered", "module", moduleID, "version", updated.Version)
		m.onRecovered(updated)
		return
	}

	exhausted := false
	updated, err := m.catalog.Update(moduleID, func(r *ModuleRecord) error {
		r.RecoveryAttempts++
		r.LastRecoveryAttemptAt = &now
		exhausted = r.RecoveryAttempts >= r.MaxRecoveryAttempts
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to record recovery attempt", "module", moduleID, "error", err)
		return
	}

	if exhausted {
		m.logger.Error("Module recovery exhausted, manual re-enable required",
			"module", moduleID, "attempts", updated.RecoveryAttempts, "error", loadErr)
		m.onExhausted(updated)
		return
	}

	m.logger.Warn("Module recovery attempt failed",
		"module", moduleID, "attempt", updated.RecoveryAttempts, "error", loadErr)
	m.schedule(moduleID, updated.RecoveryAttempts)
}
