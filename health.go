package modkernel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ProbeState is the state of a module's health probe loop.
type ProbeState int

const (
	// ProbeStateIdle means the probe loop is waiting for the next tick.
	ProbeStateIdle ProbeState = iota

	// ProbeStateProbing means a probe is currently in flight.
	ProbeStateProbing
)

// String returns the string representation of the probe state.
func (s ProbeState) String() string {
	switch s {
	case ProbeStateProbing:
		return "probing"
	default:
		return "idle"
	}
}

// healthProbe is one module's probe loop handle.
type healthProbe struct {
	stop chan struct{}
	done chan struct{}

	mu    sync.Mutex
	state ProbeState
}

func (p *healthProbe) setState(s ProbeState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *healthProbe) State() ProbeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// HealthCheckFailureReason is the failure reason reported for probe
// failures; health and execution failures share one counter, so a string
// of probe failures walks the same auto-disable path as execution errors.
const HealthCheckFailureReason = "health check failed"

// HealthMonitor runs a periodic liveness probe per module with health
// checking enabled. Each probe is bounded by the module's configured
// timeout; a probe that errors, panics, or outlives the timeout is
// reported to the failure recorder.
type HealthMonitor struct {
	catalog  *Catalog
	logger   Logger
	failures FailureRecorder
	emit     EmitFunc

	mu     sync.Mutex
	probes map[string]*healthProbe
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(catalog *Catalog, logger Logger) *HealthMonitor {
	if logger == nil {
		logger = NopLogger{}
	}
	return &HealthMonitor{
		catalog: catalog,
		logger:  logger,
		probes:  make(map[string]*healthProbe),
		emit:    func(ctx context.Context, eventType string, data any) {},
	}
}

// SetFailureRecorder installs the failure recorder. Must be called before
// probes start.
func (h *HealthMonitor) SetFailureRecorder(failures FailureRecorder) {
	h.failures = failures
}

// SetEmitter installs the kernel's event emitter.
func (h *HealthMonitor) SetEmitter(emit EmitFunc) {
	if emit != nil {
		h.emit = emit
	}
}

// Start begins periodic probing for the module. A disabled health policy
// stops any probe loop left over from a previous record instead of
// starting one. Restarting an already-monitored module replaces its
// probe loop.
func (h *HealthMonitor) Start(record *ModuleRecord) {
	if record == nil {
		return
	}
	if !record.HealthPolicy.Enabled {
		h.Stop(record.ID)
		return
	}

	h.mu.Lock()
	if existing, ok := h.probes[record.ID]; ok {
		close(existing.stop)
	}
	probe := &healthProbe{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	h.probes[record.ID] = probe
	h.mu.Unlock()

	go h.run(record.ID, record.HealthPolicy, probe)
	h.logger.Debug("Health monitoring started",
		"module", record.ID, "interval", record.HealthPolicy.Interval, "timeout", record.HealthPolicy.Timeout)
}

// Stop cancels the module's probe loop, including any pending probe
// timer. A no-op when the module is not monitored.
func (h *HealthMonitor) Stop(moduleID string) {
	h.mu.Lock()
	probe, ok := h.probes[moduleID]
	if ok {
		delete(h.probes, moduleID)
	}
	h.mu.Unlock()

	if ok {
		close(probe.stop)
		<-probe.done
		h.logger.Debug("Health monitoring stopped", "module", moduleID)
	}
}

// StopAll cancels every probe loop. Called on kernel stop.
func (h *HealthMonitor) StopAll() {
	h.mu.Lock()
	probes := h.probes
	h.probes = make(map[string]*healthProbe)
	h.mu.Unlock()

	for _, probe := range probes {
		close(probe.stop)
	}
	for _, probe := range probes {
		<-probe.done
	}
}

// Monitored reports whether the module currently has a probe loop.
func (h *HealthMonitor) Monitored(moduleID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.probes[moduleID]
	return ok
}

// ProbeState returns the probe loop state for a module. Unmonitored
// modules report idle.
func (h *HealthMonitor) ProbeState(moduleID string) ProbeState {
	h.mu.Lock()
	probe, ok := h.probes[moduleID]
	h.mu.Unlock()
	if !ok {
		return ProbeStateIdle
	}
	return probe.State()
}

// run is the probe loop for one module.
func (h *HealthMonitor) run(moduleID string, policy HealthPolicy, probe *healthProbe) {
	defer close(probe.done)

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-probe.stop:
			return
		case <-ticker.C:
			probe.setState(ProbeStateProbing)
			h.probeOnce(moduleID, policy.Timeout)
			probe.setState(ProbeStateIdle)
		}
	}
}

// probeOnce runs one health check bounded by the policy timeout.
func (h *HealthMonitor) probeOnce(moduleID string, timeout time.Duration) {
	instance := h.catalog.Instance(moduleID)
	if instance == nil {
		h.reportFailure(moduleID, fmt.Errorf("%w", ErrInstanceNotLoaded))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("health check panicked: %v", r)
			}
		}()
		errCh <- instance.HealthCheck(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			h.reportFailure(moduleID, fmt.Errorf("%w: %w", ErrHealthCheckFailed, err))
			return
		}
		h.logger.Debug("Health probe passed", "module", moduleID)
	case <-ctx.Done():
		// A probe that does not complete within the timeout is a failure;
		// the in-flight check is abandoned to its context.
		h.reportFailure(moduleID, fmt.Errorf("%w: probe timed out after %s", ErrHealthCheckFailed, timeout))
	}
}

func (h *HealthMonitor) reportFailure(moduleID string, cause error) {
	h.logger.Warn("Health probe failed", "module", moduleID, "error", cause)
	h.emit(context.Background(), EventTypeHealthProbeFailed, map[string]any{
		"moduleId": moduleID,
		"error":    cause.Error(),
	})
	if h.failures != nil {
		// Reported off the probe goroutine: a threshold trip stops this
		// module's probe loop and waits for it, which would deadlock if
		// the loop itself were blocked inside the report.
		go h.failures.RecordFailure(context.Background(), moduleID, HealthCheckFailureReason)
	}
}
