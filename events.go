package modkernel

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Event type constants for kernel CloudEvents.
// Following CloudEvents specification reverse domain notation.
const (
	// Module lifecycle events
	EventTypeModuleInstalled   = "com.modkernel.module.installed"
	EventTypeModuleUninstalled = "com.modkernel.module.uninstalled"
	EventTypeModuleEnabled     = "com.modkernel.module.enabled"
	EventTypeModuleDisabled    = "com.modkernel.module.disabled"

	// Failure and recovery events
	EventTypeModuleFailed      = "com.modkernel.module.failed"
	EventTypeModuleRecovered   = "com.modkernel.module.recovered"
	EventTypeRecoveryExhausted = "com.modkernel.module.recovery.exhausted"
	EventTypeHealthProbeFailed = "com.modkernel.health.probe.failed"

	// Execution events
	EventTypeFallbackExecuted = "com.modkernel.fallback.executed"

	// Snapshot and configuration events
	EventTypeSnapshotCreated = "com.modkernel.snapshot.created"
	EventTypeConfigReloaded  = "com.modkernel.config.reloaded"
)

// eventSource is the CloudEvents source attribute for kernel events.
const eventSource = "modkernel"

// EmitFunc emits a kernel event. Components receive an EmitFunc from the
// kernel instead of holding a reference to the observer set.
type EmitFunc func(ctx context.Context, eventType string, data any)

// NewCloudEvent creates a CloudEvent with the kernel's conventions: a
// time-ordered id, the given type and source, JSON-encoded data, and any
// metadata attached as extensions.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}
