package modkernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FallbackEventFilter selects fallback events from the store.
// Zero-valued fields match everything.
type FallbackEventFilter struct {
	ModuleID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// FallbackEventStore is an append-only, in-memory store of fallback
// events. Events are immutable once appended; the store is pruned by age
// on maintenance ticks and bounded by a maximum event count.
type FallbackEventStore struct {
	mu        sync.RWMutex
	events    []FallbackEvent
	maxEvents int
}

// NewFallbackEventStore creates a store holding at most maxEvents events;
// when the bound is exceeded the oldest events are dropped first.
func NewFallbackEventStore(maxEvents int) *FallbackEventStore {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &FallbackEventStore{maxEvents: maxEvents}
}

// Append stores one event.
func (s *FallbackEventStore) Append(event FallbackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.maxEvents {
		overflow := len(s.events) - s.maxEvents
		s.events = append([]FallbackEvent(nil), s.events[overflow:]...)
	}
}

// List returns events matching the filter, oldest first.
func (s *FallbackEventStore) List(filter FallbackEventFilter) []FallbackEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FallbackEvent, 0, len(s.events))
	for _, e := range s.events {
		if filter.ModuleID != "" && e.ModuleID != filter.ModuleID {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Recent returns up to n of the most recent events, oldest first.
func (s *FallbackEventStore) Recent(n int) []FallbackEvent {
	return s.List(FallbackEventFilter{Limit: n})
}

// PruneBefore drops events older than the cutoff and returns the number
// removed.
func (s *FallbackEventStore) PruneBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, e := range s.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(s.events) - len(kept)
	s.events = append([]FallbackEvent(nil), kept...)
	return removed
}

// Len returns the number of stored events.
func (s *FallbackEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// FallbackExecutor runs a module operation against its declared fallback
// version. Every Execute call creates exactly one FallbackEvent, marked
// with the attempt's outcome. A fallback attempt that itself fails is also
// reported to the failure recorder, so the original failure signal is
// never suppressed.
type FallbackExecutor struct {
	catalog  *Catalog
	loader   InstanceLoader
	events   *FallbackEventStore
	failures FailureRecorder
	logger   Logger
	emit     EmitFunc
}

// NewFallbackExecutor creates a fallback executor.
func NewFallbackExecutor(catalog *Catalog, loader InstanceLoader, events *FallbackEventStore, failures FailureRecorder, logger Logger) *FallbackExecutor {
	if logger == nil {
		logger = NopLogger{}
	}
	return &FallbackExecutor{
		catalog:  catalog,
		loader:   loader,
		events:   events,
		failures: failures,
		logger:   logger,
		emit:     func(ctx context.Context, eventType string, data any) {},
	}
}

// SetEmitter installs the kernel's event emitter. Must be called before
// the executor serves traffic.
func (f *FallbackExecutor) SetEmitter(emit EmitFunc) {
	if emit != nil {
		f.emit = emit
	}
}

// Execute runs method against the module's fallback version. The trace id
// correlates the produced FallbackEvent with the returned Result and any
// audit entries written by the caller.
func (f *FallbackExecutor) Execute(ctx context.Context, moduleID, method string, args map[string]any, caller CallerContext, reason, traceID string) *Result {
	record, err := f.catalog.Get(moduleID)
	if err != nil {
		return &Result{Err: err, FallbackUsed: true, TraceID: traceID}
	}

	event := FallbackEvent{
		ID:          newID(),
		ModuleID:    moduleID,
		Timestamp:   time.Now(),
		Reason:      reason,
		FromVersion: record.Version,
		ToVersion:   record.VersionPolicy.FallbackVersion,
		TraceID:     traceID,
		Caller:      caller,
	}

	result := f.attempt(ctx, record, method, args, traceID)
	event.Success = result.Success

	f.events.Append(event)
	f.emit(ctx, EventTypeFallbackExecuted, event)

	if result.Success {
		if _, err := f.catalog.Update(moduleID, func(r *ModuleRecord) error {
			r.FallbackCount++
			return nil
		}); err != nil {
			f.logger.Error("Failed to update fallback count", "module", moduleID, "error", err)
		}
		f.logger.Info("Fallback execution succeeded",
			"module", moduleID, "method", method,
			"fromVersion", event.FromVersion, "toVersion", event.ToVersion, "reason", reason)
	} else {
		f.logger.Warn("Fallback execution failed",
			"module", moduleID, "method", method,
			"fromVersion", event.FromVersion, "toVersion", event.ToVersion,
			"reason", reason, "error", result.Err)
		f.failures.RecordFailure(ctx, moduleID, fmt.Sprintf("fallback execution failed: %v", result.Err))
	}

	return result
}

// attempt loads an instance at the fallback version and executes the call.
func (f *FallbackExecutor) attempt(ctx context.Context, record *ModuleRecord, method string, args map[string]any, traceID string) *Result {
	fallbackVersion := record.VersionPolicy.FallbackVersion
	if fallbackVersion == "" {
		return &Result{
			Err:          fmt.Errorf("module %q: %w", record.ID, ErrNoFallbackVersion),
			FallbackUsed: true,
			TraceID:      traceID,
		}
	}

	// The fallback instance is scoped to this one call; the primary
	// instance binding in the catalog is left untouched.
	fallbackRecord := record.Clone()
	fallbackRecord.Version = fallbackVersion

	instance, err := f.loader.Load(ctx, fallbackRecord)
	if err != nil {
		return &Result{
			Err:          fmt.Errorf("loading fallback version %q for module %q: %w", fallbackVersion, record.ID, err),
			FallbackUsed: true,
			TraceID:      traceID,
		}
	}

	start := time.Now()
	value, err := instance.Call(ctx, method, args)
	duration := time.Since(start)
	if err != nil {
		return &Result{
			Err:          fmt.Errorf("module %q fallback: %w: %w", record.ID, ErrExecutionFailure, err),
			FallbackUsed: true,
			TraceID:      traceID,
			Duration:     duration,
		}
	}

	return &Result{
		Success:      true,
		Value:        value,
		FallbackUsed: true,
		TraceID:      traceID,
		Duration:     duration,
	}
}

// newID generates a time-ordered unique identifier, falling back to a
// random one if UUIDv7 generation fails.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
