package modkernel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockInstance is a scriptable module instance.
type mockInstance struct {
	mu          sync.Mutex
	callCount   int
	healthCount int
	callFn      func(ctx context.Context, method string, args map[string]any) (any, error)
	healthFn    func(ctx context.Context) error
}

func (m *mockInstance) Call(ctx context.Context, method string, args map[string]any) (any, error) {
	m.mu.Lock()
	m.callCount++
	fn := m.callFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, method, args)
	}
	return "ok", nil
}

func (m *mockInstance) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.healthCount++
	fn := m.healthFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *mockInstance) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *mockInstance) healthChecks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthCount
}

// mockLoader is a scriptable instance loader. By default every load
// succeeds with a fresh healthy instance; loadFn overrides that, and
// loaded versions and unloads are recorded for assertions.
type mockLoader struct {
	mu             sync.Mutex
	loadedVersions []string
	unloaded       []string
	loadFn         func(ctx context.Context, record *ModuleRecord) (ModuleInstance, error)
}

func (l *mockLoader) Load(ctx context.Context, record *ModuleRecord) (ModuleInstance, error) {
	l.mu.Lock()
	l.loadedVersions = append(l.loadedVersions, fmt.Sprintf("%s@%s", record.ID, record.Version))
	fn := l.loadFn
	l.mu.Unlock()

	if fn != nil {
		return fn(ctx, record)
	}
	return &mockInstance{}, nil
}

func (l *mockLoader) Unload(ctx context.Context, moduleID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloaded = append(l.unloaded, moduleID)
	return nil
}

func (l *mockLoader) loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loadedVersions...)
}

func (l *mockLoader) unloads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.unloaded...)
}

// mockGate allows everything unless a decide function is installed.
type mockGate struct {
	mu     sync.Mutex
	decide func(caller CallerContext, operation, target string) Decision
}

func (g *mockGate) Authorize(ctx context.Context, caller CallerContext, operation, target string) Decision {
	g.mu.Lock()
	fn := g.decide
	g.mu.Unlock()

	if fn != nil {
		return fn(caller, operation, target)
	}
	return Decision{Allowed: true}
}

func (g *mockGate) denyAll(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decide = func(CallerContext, string, string) Decision {
		return Decision{Allowed: false, Reason: reason}
	}
}

// mockAudit records every audit entry it receives.
type mockAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *mockAudit) Record(ctx context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *mockAudit) recorded() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries...)
}

// testCaller is the default caller identity used across the tests.
var testCaller = CallerContext{ID: "test-caller", Session: "session-1"}

// testSpec returns a minimal installable module spec.
func testSpec(id string) ModuleSpec {
	return ModuleSpec{
		ID:      id,
		Name:    "Test Module " + id,
		Version: "1.0.0",
		Entry:   "plugins/" + id,
	}
}

// fastConfig returns a kernel configuration with short delays so failure
// and recovery paths complete quickly in tests.
func fastConfig() KernelConfig {
	return KernelConfig{
		RecoveryBaseDelay:          Duration(10 * time.Millisecond),
		RecoveryBackoffMultiplier:  1,
		DefaultMaxFailures:         3,
		DefaultMaxRecoveryAttempts: 3,
		DefaultHealthInterval:      Duration(10 * time.Millisecond),
		DefaultHealthTimeout:       Duration(50 * time.Millisecond),
	}
}

// newTestKernel builds a started kernel around the given mocks.
func newTestKernel(t *testing.T, cfg KernelConfig, loader *mockLoader, gate *mockGate, audit *mockAudit) *Kernel {
	t.Helper()

	var sink AuditSink
	if audit != nil {
		sink = audit
	}
	kernel, err := NewKernel(cfg, loader, gate, sink, NopLogger{})
	require.NoError(t, err)
	require.NoError(t, kernel.Start(context.Background()))
	t.Cleanup(func() {
		_ = kernel.Stop(context.Background())
	})
	return kernel
}
