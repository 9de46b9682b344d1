package modkernel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExporter(t *testing.T) (*SnapshotExporter, *Catalog, *FallbackEventStore) {
	t.Helper()
	catalog := NewCatalog(NopLogger{})
	events := NewFallbackEventStore(100)
	exporter := NewSnapshotExporter(catalog, events, time.Hour, time.Hour, 90*24*time.Hour, NopLogger{})
	return exporter, catalog, events
}

func TestSnapshotCapturesCatalogState(t *testing.T) {
	exporter, catalog, events := newTestExporter(t)

	active := validRecord("alpha")
	active.Metrics = PerformanceMetrics{ExecutionCount: 10, SuccessCount: 8, FailureCount: 2}
	active.FallbackCount = 1
	failed := validRecord("beta")
	failed.Enabled = false
	failed.Status = ModuleStatusFailed
	failed.RecoveryAttempts = 2
	require.NoError(t, catalog.Register(active, false, false))
	require.NoError(t, catalog.Register(failed, false, false))

	events.Append(FallbackEvent{ID: newID(), ModuleID: "alpha", Timestamp: time.Now(), Success: true})

	snap := exporter.Snapshot()

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, SnapshotSchemaVersion, snap.SchemaVersion)
	assert.WithinDuration(t, time.Now(), snap.Timestamp, time.Second)
	assert.Equal(t, 2, snap.ModuleCount)
	assert.Equal(t, 1, snap.EnabledModuleCount)
	require.Len(t, snap.Modules, 2)
	require.Len(t, snap.FallbackEvents, 1)

	assert.Equal(t, int64(10), snap.Summary.TotalExecutions)
	assert.InDelta(t, 0.2, snap.Summary.AverageErrorRate, 1e-9)
	assert.Equal(t, 1, snap.Summary.HealthyCount)
	assert.Equal(t, 1, snap.Summary.FailedCount)
	assert.Equal(t, 1, snap.Summary.TotalFallbacks)
	assert.Equal(t, 2, snap.Summary.TotalRecoveryAttempts)

	assert.Equal(t, 1, exporter.store.Len())
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	exporter, catalog, _ := newTestExporter(t)
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	snap := exporter.Snapshot()

	// Later catalog mutations must not show up in the taken snapshot.
	_, err := catalog.Update("alpha", func(r *ModuleRecord) error {
		r.FailureCount = 7
		return nil
	})
	require.NoError(t, err)

	stored := exporter.Snapshots(0)
	require.Len(t, stored, 1)
	assert.Zero(t, stored[0].Modules[0].FailureCount)
	assert.Zero(t, snap.Modules[0].FailureCount)
}

func TestSnapshotSerializationRoundTrip(t *testing.T) {
	exporter, catalog, _ := newTestExporter(t)
	record := validRecord("alpha")
	record.Status = ModuleStatusActive
	require.NoError(t, catalog.Register(record, false, false))

	snap := exporter.Snapshot()

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"active"`)

	var decoded CatalogSnapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, snap.ID, decoded.ID)
	assert.Equal(t, snap.ModuleCount, decoded.ModuleCount)
	require.Len(t, decoded.Modules, 1)
	assert.Equal(t, ModuleStatusActive, decoded.Modules[0].Status)
}

func TestSnapshotsBackToBack(t *testing.T) {
	exporter, catalog, _ := newTestExporter(t)
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	first := exporter.Snapshot()
	second := exporter.Snapshot()

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ModuleCount, second.ModuleCount)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, 2, exporter.store.Len())
}

func TestSnapshotsLimit(t *testing.T) {
	exporter, catalog, _ := newTestExporter(t)
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, exporter.Snapshot().ID)
	}

	all := exporter.Snapshots(0)
	require.Len(t, all, 5)

	last2 := exporter.Snapshots(2)
	require.Len(t, last2, 2)
	assert.Equal(t, ids[3], last2[0].ID)
	assert.Equal(t, ids[4], last2[1].ID)
}

func TestPruneRetentionWindow(t *testing.T) {
	exporter, _, events := newTestExporter(t)
	now := time.Now()

	// Snapshots and events straddling the 90-day cutoff.
	exporter.store.Append(CatalogSnapshot{ID: "ancient", Timestamp: now.Add(-120 * 24 * time.Hour)})
	exporter.store.Append(CatalogSnapshot{ID: "edge", Timestamp: now.Add(-89 * 24 * time.Hour)})
	exporter.store.Append(CatalogSnapshot{ID: "fresh", Timestamp: now.Add(-time.Hour)})
	events.Append(FallbackEvent{ID: "old-event", Timestamp: now.Add(-91 * 24 * time.Hour)})
	events.Append(FallbackEvent{ID: "new-event", Timestamp: now.Add(-time.Minute)})

	exporter.Prune(now)

	kept := exporter.Snapshots(0)
	require.Len(t, kept, 2)
	assert.Equal(t, "edge", kept[0].ID)
	assert.Equal(t, "fresh", kept[1].ID)

	keptEvents := events.List(FallbackEventFilter{})
	require.Len(t, keptEvents, 1)
	assert.Equal(t, "new-event", keptEvents[0].ID)
}

func TestPruneIsIdempotent(t *testing.T) {
	exporter, _, _ := newTestExporter(t)
	now := time.Now()

	exporter.store.Append(CatalogSnapshot{ID: "old", Timestamp: now.Add(-100 * 24 * time.Hour)})
	exporter.store.Append(CatalogSnapshot{ID: "fresh", Timestamp: now})

	exporter.Prune(now)
	exporter.Prune(now)

	kept := exporter.Snapshots(0)
	require.Len(t, kept, 1)
	assert.Equal(t, "fresh", kept[0].ID)
}

func TestRescheduleUpdatesRetention(t *testing.T) {
	exporter, _, _ := newTestExporter(t)

	require.NoError(t, exporter.Reschedule(0, 0, 30*24*time.Hour))
	assert.Equal(t, 30*24*time.Hour, exporter.Retention())

	// Zero values leave existing settings untouched.
	require.NoError(t, exporter.Reschedule(0, 0, 0))
	assert.Equal(t, 30*24*time.Hour, exporter.Retention())
}

func TestExporterStartStop(t *testing.T) {
	exporter, catalog, _ := newTestExporter(t)
	require.NoError(t, catalog.Register(validRecord("alpha"), false, false))

	require.NoError(t, exporter.Start())
	// Starting twice is harmless.
	require.NoError(t, exporter.Start())
	exporter.Stop()
	exporter.Stop()
}
