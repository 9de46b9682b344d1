// Package modkernel provides the lifecycle and execution routing kernel for
// pluggable modules inside a larger host application. It owns the module
// catalog, routes operations to module instances, monitors module health,
// auto-disables modules that breach their failure threshold, recovers them
// with exponential backoff, enforces version policy with fallback execution,
// and periodically exports immutable catalog snapshots.
//
// The kernel is an explicitly constructed, dependency-injected instance; it
// keeps no global state, so multiple isolated kernels can coexist in one
// process (useful for tests).
//
// Basic usage:
//
//	kernel, err := modkernel.NewKernel(cfg, loader, gate, audit, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := kernel.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer kernel.Stop(ctx)
//
//	id, err := kernel.InstallModule(ctx, spec, caller, modkernel.InstallOptions{})
//	result := kernel.Invoke(ctx, id, "summarize", args, caller)
package modkernel

import (
	"context"
	"time"
)

// ModuleInstance is a live, loaded module. Instances are produced by an
// InstanceLoader and bound to a catalog record; the kernel invokes them
// through this fixed interface rather than reflective method dispatch.
type ModuleInstance interface {
	// Call executes the named method with the given arguments and returns
	// its result. The context bounds the execution; implementations should
	// honor cancellation. An error return counts toward the module's
	// failure threshold.
	Call(ctx context.Context, method string, args map[string]any) (any, error)

	// HealthCheck reports whether the instance is currently able to serve
	// calls. A nil return means healthy. The context carries the probe
	// timeout; a check that outlives it is treated as failed.
	HealthCheck(ctx context.Context) error
}

// InstanceLoader loads and unloads module instances. The loader is external
// to the kernel: it resolves a record's entry reference to a runnable
// instance (in-process plugin, subprocess adapter, remote stub, ...).
type InstanceLoader interface {
	// Load produces a live instance for the given record. The record's
	// Version field selects which version to load; fallback execution
	// passes a copy of the record with the fallback version set.
	Load(ctx context.Context, record *ModuleRecord) (ModuleInstance, error)

	// Unload releases any resources held by the module's live instance.
	// Unload is called when a module is disabled, auto-disabled, or
	// uninstalled. It must be safe to call for modules with no live
	// instance.
	Unload(ctx context.Context, moduleID string) error
}

// CallerContext identifies the caller of a kernel operation along with any
// routing tags. It is passed through to the access gate and recorded on
// audit entries and fallback events.
type CallerContext struct {
	// ID is the caller identity (user id, agent id, service account).
	ID string `json:"id"`

	// Session is an optional session identifier for correlation.
	Session string `json:"session,omitempty"`

	// Tags carries arbitrary routing metadata supplied by the caller.
	Tags map[string]string `json:"tags,omitempty"`
}

// Decision is the outcome of an access gate authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// AccessGate authorizes a caller for an operation against a target module.
// The gate is external; denials are surfaced to the caller unchanged and
// never count toward a module's failure threshold.
type AccessGate interface {
	Authorize(ctx context.Context, caller CallerContext, operation string, target string) Decision
}

// AuditEntry is one record written to the audit sink for a kernel operation.
type AuditEntry struct {
	Timestamp    time.Time     `json:"timestamp"`
	Operation    string        `json:"operation"`
	ModuleID     string        `json:"moduleId"`
	Method       string        `json:"method,omitempty"`
	Caller       CallerContext `json:"caller"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	FallbackUsed bool          `json:"fallbackUsed,omitempty"`
	TraceID      string        `json:"traceId,omitempty"`
}

// AuditSink receives audit entries. Writes are fire-and-forget from the
// kernel's perspective: a sink error is logged but never fails the primary
// operation.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// ModuleSpec describes a module to install. The kernel copies it into a
// ModuleRecord, applying configured defaults for zero-valued policy fields.
type ModuleSpec struct {
	// ID is the unique, immutable module identifier.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable module name.
	Name string `json:"name" yaml:"name"`

	// Version is the active version to install.
	Version string `json:"version" yaml:"version"`

	// Entry is the opaque entry reference resolved by the instance loader.
	Entry string `json:"entry" yaml:"entry"`

	// Capabilities lists the capability strings this module provides.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`

	// Dependencies lists module ids this module requires. Each must resolve
	// to an existing, enabled module unless dependency checking is skipped.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies"`

	// MaxFailures is the consecutive-failure threshold that triggers
	// auto-disable. Zero selects the kernel default.
	MaxFailures int `json:"maxFailures,omitempty" yaml:"maxFailures"`

	// MaxRecoveryAttempts caps scheduled recovery attempts after an
	// auto-disable. Zero selects the kernel default.
	MaxRecoveryAttempts int `json:"maxRecoveryAttempts,omitempty" yaml:"maxRecoveryAttempts"`

	VersionPolicy VersionPolicy `json:"versionPolicy,omitempty" yaml:"versionPolicy"`
	HealthPolicy  HealthPolicy  `json:"healthPolicy,omitempty" yaml:"healthPolicy"`
}

// InstallOptions adjust module installation behavior.
type InstallOptions struct {
	// ForceInstall replaces an existing record with the same id instead of
	// failing with an installation conflict.
	ForceInstall bool

	// SkipDependencyCheck installs the module without verifying that its
	// declared dependencies resolve to existing, enabled modules.
	SkipDependencyCheck bool
}

// Result is the outcome of routing one operation through the kernel.
type Result struct {
	// Success is true when the operation produced a value without error.
	Success bool `json:"success"`

	// Value is the module's return value on success.
	Value any `json:"value,omitempty"`

	// Err is the terminal error on failure.
	Err error `json:"-"`

	// FallbackUsed is true when the value (or final error) came from a
	// fallback execution attempt rather than the primary path.
	FallbackUsed bool `json:"fallbackUsed"`

	// TraceID correlates the result with audit entries and fallback events.
	TraceID string `json:"traceId,omitempty"`

	// Duration is the wall-clock execution time of the module call itself.
	Duration time.Duration `json:"duration,omitempty"`
}
