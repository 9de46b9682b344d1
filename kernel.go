package modkernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ModuleHealth is one module's entry in a health overview.
type ModuleHealth struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Version          string       `json:"version"`
	Status           ModuleStatus `json:"status"`
	Enabled          bool         `json:"enabled"`
	Monitored        bool         `json:"monitored"`
	ProbeState       ProbeState   `json:"-"`
	FailureCount     int          `json:"failureCount"`
	FallbackCount    int          `json:"fallbackCount"`
	RecoveryAttempts int          `json:"recoveryAttempts"`
	LastFailureAt    *time.Time   `json:"lastFailureAt,omitempty"`
	ErrorRate        float64      `json:"errorRate"`
}

// HealthSummary aggregates module health counts. Healthy modules are
// enabled with a clean failure counter; warning covers enabled modules
// with recorded failures and manually disabled modules awaiting
// re-enable; failed counts modules in the Failed state.
type HealthSummary struct {
	Healthy               int `json:"healthy"`
	Warning               int `json:"warning"`
	Failed                int `json:"failed"`
	TotalFallbacks        int `json:"totalFallbacks"`
	TotalRecoveryAttempts int `json:"totalRecoveryAttempts"`
}

// HealthOverview is the kernel's aggregate health report.
type HealthOverview struct {
	Modules []ModuleHealth `json:"modules"`
	Summary HealthSummary  `json:"summary"`
}

// Kernel is the module lifecycle and execution routing kernel. It owns the
// catalog and coordinates the router, health monitor, recovery manager,
// and snapshot exporter. The kernel implements Subject: state transitions,
// fallback executions, and snapshots are emitted as CloudEvents to
// registered observers.
type Kernel struct {
	logger Logger
	loader InstanceLoader
	gate   AccessGate
	audit  AuditSink

	catalog        *Catalog
	router         *Router
	health         *HealthMonitor
	recovery       *RecoveryManager
	fallback       *FallbackExecutor
	fallbackEvents *FallbackEventStore
	snapshots      *SnapshotExporter
	observers      *observerSet

	cfgMu sync.RWMutex
	cfg   KernelConfig

	mu      sync.Mutex
	started bool
}

// NewKernel constructs a kernel from its external collaborators. The audit
// sink may be nil, in which case audit entries are dropped; the loader and
// gate are required.
func NewKernel(cfg KernelConfig, loader InstanceLoader, gate AccessGate, audit AuditSink, logger Logger) (*Kernel, error) {
	if loader == nil {
		return nil, ErrLoaderNil
	}
	if gate == nil {
		return nil, ErrAccessGateNil
	}
	if logger == nil {
		logger = NopLogger{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		logger:    logger,
		loader:    loader,
		gate:      gate,
		audit:     audit,
		cfg:       cfg,
		observers: newObserverSet(logger),
	}

	k.catalog = NewCatalog(logger)
	k.fallbackEvents = NewFallbackEventStore(cfg.MaxFallbackEvents)
	k.health = NewHealthMonitor(k.catalog, logger)
	k.recovery = NewRecoveryManager(k.catalog, loader, k.health, RecoveryConfig{
		AutoRecovery: cfg.AutoRecoveryEnabled(),
		BaseDelay:    cfg.RecoveryBaseDelay.Std(),
		Multiplier:   cfg.RecoveryBackoffMultiplier,
	}, logger)
	k.fallback = NewFallbackExecutor(k.catalog, loader, k.fallbackEvents, k.recovery, logger)
	k.router = NewRouter(k.catalog, gate, audit, k.fallback, k.recovery, logger)
	k.snapshots = NewSnapshotExporter(k.catalog, k.fallbackEvents,
		cfg.SnapshotInterval.Std(), cfg.MaintenanceInterval.Std(), cfg.RetentionWindow.Std(), logger)

	k.health.SetFailureRecorder(k.recovery)
	k.health.SetEmitter(k.emitEvent)
	k.fallback.SetEmitter(k.emitEvent)
	k.snapshots.SetEmitter(k.emitEvent)
	k.recovery.SetHooks(k.onAutoDisable, k.onRecovered, k.onRecoveryExhausted)

	return k, nil
}

// Start arms the kernel's background schedules (snapshot export and
// retention maintenance). Modules can be installed before or after Start.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started {
		return ErrKernelAlreadyStarted
	}
	if err := k.snapshots.Start(); err != nil {
		return err
	}
	k.started = true
	k.logger.Info("Kernel started", "modules", k.catalog.Len())
	return nil
}

// Stop cancels all background work: health probes, pending recovery
// timers, and the snapshot schedules. Installed modules stay in the
// catalog; their instances are not unloaded.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.started {
		return ErrKernelNotStarted
	}
	k.health.StopAll()
	k.recovery.CancelAll()
	k.snapshots.Stop()
	k.started = false
	k.logger.Info("Kernel stopped")
	return nil
}

// Catalog exposes read access to the module catalog.
func (k *Kernel) Catalog() *Catalog {
	return k.catalog
}

// InstallModule registers a module, loads its instance, and starts health
// monitoring per its policy. Zero-valued policy fields take the kernel
// defaults. Returns the installed module id.
func (k *Kernel) InstallModule(ctx context.Context, spec ModuleSpec, caller CallerContext, opts InstallOptions) (string, error) {
	if decision := k.gate.Authorize(ctx, caller, OperationInstall, spec.ID); !decision.Allowed {
		return "", fmt.Errorf("module %q: %w: %s", spec.ID, ErrUnauthorized, decision.Reason)
	}

	if opts.ForceInstall {
		// A replaced module must not inherit the old record's probe loop
		// or a pending recovery timer.
		k.health.Stop(spec.ID)
		k.recovery.Cancel(spec.ID)
	}

	record := k.recordFromSpec(spec)
	if err := k.catalog.Register(record, opts.ForceInstall, opts.SkipDependencyCheck); err != nil {
		return "", err
	}

	instance, err := k.loader.Load(ctx, record)
	if err != nil {
		// Roll the registration back so a failed install leaves no record.
		_ = k.catalog.Remove(record.ID)
		return "", fmt.Errorf("loading module %q: %w", record.ID, err)
	}
	k.catalog.SetInstance(record.ID, instance)
	k.health.Start(record)

	k.logger.Info("Module installed",
		"module", record.ID, "name", record.Name, "version", record.Version, "caller", caller.ID)
	k.emitEvent(ctx, EventTypeModuleInstalled, record)
	k.writeAudit(ctx, OperationInstall, record.ID, caller, true, "")
	return record.ID, nil
}

// recordFromSpec builds a catalog record from an install spec, applying
// configured defaults for zero-valued policy fields.
func (k *Kernel) recordFromSpec(spec ModuleSpec) *ModuleRecord {
	cfg := k.config()
	now := time.Now()

	record := &ModuleRecord{
		ID:                  spec.ID,
		Name:                spec.Name,
		Version:             spec.Version,
		Entry:               spec.Entry,
		Capabilities:        append([]string(nil), spec.Capabilities...),
		Dependencies:        append([]string(nil), spec.Dependencies...),
		Enabled:             true,
		Status:              ModuleStatusActive,
		MaxFailures:         spec.MaxFailures,
		MaxRecoveryAttempts: spec.MaxRecoveryAttempts,
		VersionPolicy:       spec.VersionPolicy,
		HealthPolicy:        spec.HealthPolicy,
		InstalledAt:         now,
		UpdatedAt:           now,
	}
	if record.MaxFailures <= 0 {
		record.MaxFailures = cfg.DefaultMaxFailures
	}
	if record.MaxRecoveryAttempts <= 0 {
		record.MaxRecoveryAttempts = cfg.DefaultMaxRecoveryAttempts
	}
	if record.HealthPolicy.Enabled {
		if record.HealthPolicy.Interval <= 0 {
			record.HealthPolicy.Interval = cfg.DefaultHealthInterval.Std()
		}
		if record.HealthPolicy.Timeout <= 0 {
			record.HealthPolicy.Timeout = cfg.DefaultHealthTimeout.Std()
		}
	}
	return record
}

// UninstallModule stops all background work for the module, unloads its
// instance, and removes its record.
func (k *Kernel) UninstallModule(ctx context.Context, moduleID string, caller CallerContext) error {
	if decision := k.gate.Authorize(ctx, caller, OperationUninstall, moduleID); !decision.Allowed {
		return fmt.Errorf("module %q: %w: %s", moduleID, ErrUnauthorized, decision.Reason)
	}

	if _, err := k.catalog.Get(moduleID); err != nil {
		return err
	}

	k.health.Stop(moduleID)
	k.recovery.Cancel(moduleID)
	k.catalog.SetInstance(moduleID, nil)
	if err := k.loader.Unload(ctx, moduleID); err != nil {
		k.logger.Error("Failed to unload module instance", "module", moduleID, "error", err)
	}
	if err := k.catalog.Remove(moduleID); err != nil {
		return err
	}

	k.logger.Info("Module uninstalled", "module", moduleID, "caller", caller.ID)
	k.emitEvent(ctx, EventTypeModuleUninstalled, map[string]any{"moduleId": moduleID})
	k.writeAudit(ctx, OperationUninstall, moduleID, caller, true, "")
	return nil
}

// SetEnabled transitions a module between Active and Disabled. Disabling
// cancels the module's health-probe loop and any pending recovery timer
// and unloads its instance. Re-enabling clears the failure and recovery
// counters, reloads the instance, and restarts health monitoring; a stale
// recovery timer from a previous failure episode is always disarmed.
func (k *Kernel) SetEnabled(ctx context.Context, moduleID string, enabled bool, caller CallerContext, reason string) error {
	operation := OperationDisable
	if enabled {
		operation = OperationEnable
	}
	if decision := k.gate.Authorize(ctx, caller, operation, moduleID); !decision.Allowed {
		return fmt.Errorf("module %q: %w: %s", moduleID, ErrUnauthorized, decision.Reason)
	}

	record, err := k.catalog.Update(moduleID, func(r *ModuleRecord) error {
		r.Enabled = enabled
		if enabled {
			r.Status = ModuleStatusActive
			r.FailureCount = 0
			r.RecoveryAttempts = 0
		} else {
			r.Status = ModuleStatusDisabled
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Either direction invalidates any armed recovery timer.
	k.recovery.Cancel(moduleID)

	if enabled {
		instance, err := k.loader.Load(ctx, record)
		if err != nil {
			// Roll the transition back so a failed re-enable never leaves
			// the module Active without a bound instance.
			if _, rbErr := k.catalog.Update(moduleID, func(r *ModuleRecord) error {
				r.Enabled = false
				r.Status = ModuleStatusDisabled
				return nil
			}); rbErr != nil {
				k.logger.Error("Failed to roll back re-enable", "module", moduleID, "error", rbErr)
			}
			return fmt.Errorf("reloading module %q: %w", moduleID, err)
		}
		k.catalog.SetInstance(moduleID, instance)
		k.health.Start(record)
		k.logger.Info("Module enabled", "module", moduleID, "reason", reason, "caller", caller.ID)
		k.emitEvent(ctx, EventTypeModuleEnabled, record)
	} else {
		k.health.Stop(moduleID)
		k.catalog.SetInstance(moduleID, nil)
		if err := k.loader.Unload(ctx, moduleID); err != nil {
			k.logger.Error("Failed to unload module instance", "module", moduleID, "error", err)
		}
		k.logger.Info("Module disabled", "module", moduleID, "reason", reason, "caller", caller.ID)
		k.emitEvent(ctx, EventTypeModuleDisabled, record)
	}

	k.writeAudit(ctx, operation, moduleID, caller, true, reason)
	k.snapshots.Snapshot()
	return nil
}

// Invoke routes one operation to a module through the operation router.
func (k *Kernel) Invoke(ctx context.Context, moduleID, method string, args map[string]any, caller CallerContext) *Result {
	return k.router.Invoke(ctx, moduleID, method, args, caller)
}

// GetModule returns a copy of one module's catalog record.
func (k *Kernel) GetModule(moduleID string) (*ModuleRecord, error) {
	return k.catalog.Get(moduleID)
}

// ListModules returns copies of all catalog records.
func (k *Kernel) ListModules() []*ModuleRecord {
	return k.catalog.List()
}

// GetHealth reports per-module health and an aggregate summary.
func (k *Kernel) GetHealth() HealthOverview {
	records := k.catalog.List()
	overview := HealthOverview{Modules: make([]ModuleHealth, 0, len(records))}

	for _, r := range records {
		overview.Modules = append(overview.Modules, ModuleHealth{
			ID:               r.ID,
			Name:             r.Name,
			Version:          r.Version,
			Status:           r.Status,
			Enabled:          r.Enabled,
			Monitored:        k.health.Monitored(r.ID),
			ProbeState:       k.health.ProbeState(r.ID),
			FailureCount:     r.FailureCount,
			FallbackCount:    r.FallbackCount,
			RecoveryAttempts: r.RecoveryAttempts,
			LastFailureAt:    r.LastFailureAt,
			ErrorRate:        r.Metrics.ErrorRate(),
		})

		switch {
		case r.Status == ModuleStatusFailed:
			overview.Summary.Failed++
		case r.Enabled && r.FailureCount == 0:
			overview.Summary.Healthy++
		default:
			overview.Summary.Warning++
		}
		overview.Summary.TotalFallbacks += r.FallbackCount
		overview.Summary.TotalRecoveryAttempts += r.RecoveryAttempts
	}
	return overview
}

// GetFallbackEvents returns fallback events matching the filter.
func (k *Kernel) GetFallbackEvents(filter FallbackEventFilter) []FallbackEvent {
	return k.fallbackEvents.List(filter)
}

// GetSnapshots returns up to limit of the most recent snapshots, oldest
// first. A non-positive limit returns all retained snapshots.
func (k *Kernel) GetSnapshots(limit int) []CatalogSnapshot {
	return k.snapshots.Snapshots(limit)
}

// CreateSnapshot triggers an immediate catalog snapshot.
func (k *Kernel) CreateSnapshot() CatalogSnapshot {
	return k.snapshots.Snapshot()
}

// Prune removes snapshots and fallback events older than the retention
// window, measured from now. The scheduled maintenance tick calls this;
// it is exposed for operational use.
func (k *Kernel) Prune(now time.Time) {
	k.snapshots.Prune(now)
}

// ApplyConfig applies the dynamic subset of a new configuration to the
// running kernel: recovery policy, snapshot and maintenance schedules,
// and the retention window. Module-default fields affect future installs
// only.
func (k *Kernel) ApplyConfig(cfg *KernelConfig) error {
	if cfg == nil {
		return ErrConfigNil
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	k.cfgMu.Lock()
	k.cfg = *cfg
	k.cfgMu.Unlock()

	k.recovery.SetConfig(RecoveryConfig{
		AutoRecovery: cfg.AutoRecoveryEnabled(),
		BaseDelay:    cfg.RecoveryBaseDelay.Std(),
		Multiplier:   cfg.RecoveryBackoffMultiplier,
	})
	if err := k.snapshots.Reschedule(cfg.SnapshotInterval.Std(), cfg.MaintenanceInterval.Std(), cfg.RetentionWindow.Std()); err != nil {
		return err
	}

	k.logger.Info("Kernel configuration applied",
		"autoRecovery", cfg.AutoRecoveryEnabled(),
		"snapshotInterval", cfg.SnapshotInterval.Std(),
		"retentionWindow", cfg.RetentionWindow.Std())
	k.emitEvent(context.Background(), EventTypeConfigReloaded, cfg)
	return nil
}

func (k *Kernel) config() KernelConfig {
	k.cfgMu.RLock()
	defer k.cfgMu.RUnlock()
	return k.cfg
}

// onAutoDisable is invoked by the recovery manager after a module crosses
// its failure threshold.
func (k *Kernel) onAutoDisable(record *ModuleRecord, reason string) {
	k.emitEvent(context.Background(), EventTypeModuleFailed, map[string]any{
		"moduleId":     record.ID,
		"failureCount": record.FailureCount,
		"reason":       reason,
	})
	k.writeAudit(context.Background(), OperationDisable, record.ID, CallerContext{ID: "kernel"}, true, reason)
	k.snapshots.Snapshot()
}

// onRecovered is invoked after a successful automatic recovery.
func (k *Kernel) onRecovered(record *ModuleRecord) {
	k.emitEvent(context.Background(), EventTypeModuleRecovered, record)
	k.snapshots.Snapshot()
}

// onRecoveryExhausted is invoked when a module runs out of recovery
// attempts and becomes terminally failed.
func (k *Kernel) onRecoveryExhausted(record *ModuleRecord) {
	k.emitEvent(context.Background(), EventTypeRecoveryExhausted, map[string]any{
		"moduleId":         record.ID,
		"recoveryAttempts": record.RecoveryAttempts,
	})
	k.snapshots.Snapshot()
}

// emitEvent wraps data in a CloudEvent and notifies observers without
// blocking the calling operation.
func (k *Kernel) emitEvent(ctx context.Context, eventType string, data any) {
	event := NewCloudEvent(eventType, eventSource, data, nil)
	go func() {
		if err := k.observers.notify(context.WithoutCancel(ctx), event); err != nil {
			k.logger.Error("Failed to notify observers", "event", eventType, "error", err)
		}
	}()
}

// writeAudit records a lifecycle operation. Audit failures are logged but
// never fail the operation.
func (k *Kernel) writeAudit(ctx context.Context, operation, moduleID string, caller CallerContext, success bool, detail string) {
	if k.audit == nil {
		return
	}
	entry := AuditEntry{
		Timestamp: time.Now(),
		Operation: operation,
		ModuleID:  moduleID,
		Caller:    caller,
		Success:   success,
		Error:     detail,
	}
	if err := k.audit.Record(ctx, entry); err != nil {
		k.logger.Error("Failed to write audit entry", "module", moduleID, "operation", operation, "error", err)
	}
}

// RegisterObserver implements Subject.
func (k *Kernel) RegisterObserver(observer Observer, eventTypes ...string) error {
	return k.observers.register(observer, eventTypes...)
}

// UnregisterObserver implements Subject.
func (k *Kernel) UnregisterObserver(observer Observer) error {
	return k.observers.unregister(observer)
}

// NotifyObservers implements Subject.
func (k *Kernel) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	return k.observers.notify(ctx, event)
}

// GetObservers implements Subject.
func (k *Kernel) GetObservers() []ObserverInfo {
	return k.observers.info()
}
