package modkernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// recentFallbackEventLimit bounds the fallback events copied into each
// snapshot.
const recentFallbackEventLimit = 100

// SnapshotStore is an append-only, in-memory store of catalog snapshots,
// pruned by age on maintenance ticks.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps []CatalogSnapshot
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Append stores one snapshot.
func (s *SnapshotStore) Append(snap CatalogSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

// List returns up to limit of the most recent snapshots, oldest first.
// A non-positive limit returns all snapshots.
func (s *SnapshotStore) List(limit int) []CatalogSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]CatalogSnapshot(nil), s.snaps...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// PruneBefore drops snapshots older than the cutoff and returns the
// number removed.
func (s *SnapshotStore) PruneBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snaps[:0]
	for _, snap := range s.snaps {
		if !snap.Timestamp.Before(cutoff) {
			kept = append(kept, snap)
		}
	}
	removed := len(s.snaps) - len(kept)
	s.snaps = append([]CatalogSnapshot(nil), kept...)
	return removed
}

// Len returns the number of stored snapshots.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// SnapshotExporter periodically serializes the full catalog plus recent
// fallback events into immutable point-in-time snapshots, and prunes
// snapshots and fallback events older than the retention window. Beyond
// the schedule, the kernel triggers an immediate snapshot after every
// state-changing event so transitions stay auditable.
type SnapshotExporter struct {
	catalog *Catalog
	events  *FallbackEventStore
	store   *SnapshotStore
	logger  Logger
	emit    EmitFunc

	mu          sync.Mutex
	cron        *cron.Cron
	snapEntry   cron.EntryID
	pruneEntry  cron.EntryID
	interval    time.Duration
	maintenance time.Duration
	retention   time.Duration
	started     bool
}

// NewSnapshotExporter creates a snapshot exporter. Intervals and retention
// fall back to hourly scheduling and a 90-day window when unset.
func NewSnapshotExporter(catalog *Catalog, events *FallbackEventStore, interval, maintenance, retention time.Duration, logger Logger) *SnapshotExporter {
	if logger == nil {
		logger = NopLogger{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if maintenance <= 0 {
		maintenance = time.Hour
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &SnapshotExporter{
		catalog:     catalog,
		events:      events,
		store:       NewSnapshotStore(),
		logger:      logger,
		emit:        func(ctx context.Context, eventType string, data any) {},
		interval:    interval,
		maintenance: maintenance,
		retention:   retention,
	}
}

// SetEmitter installs the kernel's event emitter.
func (e *SnapshotExporter) SetEmitter(emit EmitFunc) {
	if emit != nil {
		e.emit = emit
	}
}

// Start arms the periodic snapshot and maintenance schedules.
func (e *SnapshotExporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	e.cron = cron.New()
	if err := e.scheduleLocked(); err != nil {
		return err
	}
	e.cron.Start()
	e.started = true
	e.logger.Info("Snapshot exporter started",
		"interval", e.interval, "maintenanceInterval", e.maintenance, "retention", e.retention)
	return nil
}

// scheduleLocked registers both cron entries; the caller holds e.mu.
func (e *SnapshotExporter) scheduleLocked() error {
	snapEntry, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.interval), func() {
		e.Snapshot()
	})
	if err != nil {
		return fmt.Errorf("scheduling snapshot export: %w", err)
	}
	pruneEntry, err := e.cron.AddFunc(fmt.Sprintf("@every %s", e.maintenance), func() {
		e.Prune(time.Now())
	})
	if err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}
	e.snapEntry = snapEntry
	e.pruneEntry = pruneEntry
	return nil
}

// Stop disarms the schedules and waits for in-flight jobs.
func (e *SnapshotExporter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}
	<-e.cron.Stop().Done()
	e.started = false
	e.logger.Info("Snapshot exporter stopped")
}

// Reschedule applies new intervals and retention to a running exporter.
// Zero values leave the current setting unchanged.
func (e *SnapshotExporter) Reschedule(interval, maintenance, retention time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if interval > 0 {
		e.interval = interval
	}
	if maintenance > 0 {
		e.maintenance = maintenance
	}
	if retention > 0 {
		e.retention = retention
	}

	if !e.started {
		return nil
	}
	e.cron.Remove(e.snapEntry)
	e.cron.Remove(e.pruneEntry)
	return e.scheduleLocked()
}

// Retention returns the current retention window.
func (e *SnapshotExporter) Retention() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retention
}

// Snapshot produces one immutable point-in-time export of the catalog.
// Records are copied under their per-record locks, so no exported record
// reflects a half-applied transition.
func (e *SnapshotExporter) Snapshot() CatalogSnapshot {
	records := e.catalog.SnapshotRecords()

	snap := CatalogSnapshot{
		ID:            newID(),
		SchemaVersion: SnapshotSchemaVersion,
		Timestamp:     time.Now(),
		ModuleCount:   len(records),
		Modules:       records,
	}
	if e.events != nil {
		snap.FallbackEvents = e.events.Recent(recentFallbackEventLimit)
	}

	var totalExecutions, totalFailures int64
	for _, r := range records {
		if r.Enabled {
			snap.EnabledModuleCount++
		}
		if r.Status == ModuleStatusFailed {
			snap.Summary.FailedCount++
		} else if r.Enabled {
			snap.Summary.HealthyCount++
		}
		totalExecutions += r.Metrics.ExecutionCount
		totalFailures += r.Metrics.FailureCount
		snap.Summary.TotalFallbacks += r.FallbackCount
		snap.Summary.TotalRecoveryAttempts += r.RecoveryAttempts
	}
	snap.Summary.TotalExecutions = totalExecutions
	if totalExecutions > 0 {
		snap.Summary.AverageErrorRate = float64(totalFailures) / float64(totalExecutions)
	}

	e.store.Append(snap)
	e.logger.Debug("Catalog snapshot created",
		"snapshot", snap.ID, "modules", snap.ModuleCount, "enabled", snap.EnabledModuleCount)
	e.emit(context.Background(), EventTypeSnapshotCreated, map[string]any{
		"snapshotId":  snap.ID,
		"moduleCount": snap.ModuleCount,
	})
	return snap
}

// Snapshots returns up to limit of the most recent snapshots, oldest
// first. A non-positive limit returns all retained snapshots.
func (e *SnapshotExporter) Snapshots(limit int) []CatalogSnapshot {
	return e.store.List(limit)
}

// Prune removes snapshots and fallback events older than now minus the
// retention window.
func (e *SnapshotExporter) Prune(now time.Time) {
	cutoff := now.Add(-e.Retention())

	removedSnaps := e.store.PruneBefore(cutoff)
	removedEvents := 0
	if e.events != nil {
		removedEvents = e.events.PruneBefore(cutoff)
	}
	if removedSnaps > 0 || removedEvents > 0 {
		e.logger.Info("Retention pruning completed",
			"cutoff", cutoff, "snapshotsRemoved", removedSnaps, "fallbackEventsRemoved", removedEvents)
	}
}
