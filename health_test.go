package modkernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyRecord(id string, interval, timeout time.Duration) *ModuleRecord {
	record := validRecord(id)
	record.HealthPolicy = HealthPolicy{Enabled: true, Interval: interval, Timeout: timeout}
	return record
}

func TestHealthMonitorProbesPeriodically(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	failures := &recordingFailures{}
	monitor := NewHealthMonitor(catalog, NopLogger{})
	monitor.SetFailureRecorder(failures)
	t.Cleanup(monitor.StopAll)

	record := healthyRecord("alpha", 5*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, catalog.Register(record, false, false))
	instance := &mockInstance{}
	catalog.SetInstance("alpha", instance)

	monitor.Start(record)
	assert.True(t, monitor.Monitored("alpha"))

	require.Eventually(t, func() bool {
		return instance.healthChecks() >= 3
	}, 2*time.Second, 2*time.Millisecond)

	assert.Zero(t, failures.count(), "passing probes must not report failures")
}

func TestHealthMonitorReportsProbeFailures(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	failures := &recordingFailures{}
	monitor := NewHealthMonitor(catalog, NopLogger{})
	monitor.SetFailureRecorder(failures)
	t.Cleanup(monitor.StopAll)

	record := healthyRecord("alpha", 5*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, catalog.Register(record, false, false))
	catalog.SetInstance("alpha", &mockInstance{
		healthFn: func(ctx context.Context) error {
			return errors.New("dependency unreachable")
		},
	})

	monitor.Start(record)

	require.Eventually(t, func() bool {
		return failures.count() >= 2
	}, 2*time.Second, 2*time.Millisecond)
}

func TestHealthMonitorTimeoutIsFailure(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	failures := &recordingFailures{}
	monitor := NewHealthMonitor(catalog, NopLogger{})
	monitor.SetFailureRecorder(failures)
	t.Cleanup(monitor.StopAll)

	record := healthyRecord("alpha", 5*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, catalog.Register(record, false, false))
	catalog.SetInstance("alpha", &mockInstance{
		healthFn: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	})

	monitor.Start(record)

	require.Eventually(t, func() bool {
		return failures.count() >= 1
	}, 2*time.Second, 2*time.Millisecond)
}

func TestHealthMonitorPanicIsFailure(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	failures := &recordingFailures{}
	monitor := NewHealthMonitor(catalog, NopLogger{})
	monitor.SetFailureRecorder(failures)
	t.Cleanup(monitor.StopAll)

	record := healthyRecord("alpha", 5*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, catalog.Register(record, false, false))
	catalog.SetInstance("alpha", &mockInstance{
		healthFn: func(ctx context.Context) error {
			panic("probe blew up")
		},
	})

	monitor.Start(record)

	require.Eventually(t, func() bool {
		return failures.count() >= 1
	}, 2*time.Second, 2*time.Millisecond)
}

func TestHealthMonitorMissingInstanceIsFailure(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	failures := &recordingFailures{}
	monitor := NewHealthMonitor(catalog, NopLogger{})
	monitor.SetFailureRecorder(failures)
	t.Cleanup(monitor.StopAll)

	record := healthyRecord("alpha", 5*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, catalog.Register(record, false, false))

	monitor.Start(record)

	require.Eventually(t, func() bool {
		return failures.count() >= 1
	}, 2*time.Second, 2*time.Millisecond)
}

func TestHealthMonitorDisabledPolicyIsNoop(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	monitor := NewHealthMonitor(catalog, NopLogger{})
	t.Cleanup(monitor.StopAll)

	record := validRecord("alpha")
	require.NoError(t, catalog.Register(record, false, false))

	monitor.Start(record)
	assert.False(t, monitor.Monitored("alpha"))
	assert.Equal(t, ProbeStateIdle, monitor.ProbeState("alpha"))
}

func TestHealthMonitorStop(t *testing.T) {
	catalog := NewCatalog(NopLogger{})
	monitor := NewHealthMonitor(catalog, NopLogger{})
	t.Cleanup(monitor.StopAll)

	record := healthyRecord("alpha", 5*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, catalog.Register(record, false, false))
	instance := &mockInstance{}
	catalog.SetInstance("alpha", instance)

	monitor.Start(record)
	require.Eventually(t, func() bool {
		return instance.healthChecks() >= 1
	}, 2*time.Second, 2*time.Millisecond)

	monitor.Stop("alpha")
	assert.False(t, monitor.Monitored("alpha"))

	checksAfterStop := instance.healthChecks()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, checksAfterStop, instance.healthChecks())

	// Stopping an unmonitored module is a no-op.
	monitor.Stop("alpha")
}

func TestHealthFailuresShareExecutionCounter(t *testing.T) {
	h := newRecoveryHarness(t, RecoveryConfig{AutoRecovery: false, BaseDelay: time.Minute, Multiplier: 3})

	record := healthyRecord("alpha", 5*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, h.catalog.Register(record, false, false))
	h.catalog.SetInstance("alpha", &mockInstance{
		healthFn: func(ctx context.Context) error {
			return errors.New("probe failed")
		},
	})

	// Two execution failures, then probe failures push the shared counter
	// over the threshold.
	h.manager.RecordFailure(context.Background(), "alpha", "execution failed")
	h.manager.RecordFailure(context.Background(), "alpha", "execution failed")

	h.health.Start(record)

	require.Eventually(t, func() bool {
		got, err := h.catalog.Get("alpha")
		return err == nil && got.Status == ModuleStatusFailed
	}, 2*time.Second, 2*time.Millisecond)

	got, err := h.catalog.Get("alpha")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.GreaterOrEqual(t, got.FailureCount, 3)

	// Auto-disable tears the probe loop down with the module.
	require.Eventually(t, func() bool {
		return !h.health.Monitored("alpha")
	}, 2*time.Second, 2*time.Millisecond)
}
