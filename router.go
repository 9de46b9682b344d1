package modkernel

import (
	"context"
	"fmt"
	"time"
)

// Operation names passed to the access gate and written to audit entries.
const (
	OperationInvoke    = "module.invoke"
	OperationInstall   = "module.install"
	OperationUninstall = "module.uninstall"
	OperationEnable    = "module.enable"
	OperationDisable   = "module.disable"
)

// Router is the single entry point for executing module operations. Each
// invocation walks a fixed pipeline: resolve the module, authorize the
// caller, enforce version policy, execute, then record metrics and an
// audit entry.
type Router struct {
	catalog  *Catalog
	gate     AccessGate
	audit    AuditSink
	fallback *FallbackExecutor
	failures FailureRecorder
	logger   Logger
}

// NewRouter creates an operation router.
func NewRouter(catalog *Catalog, gate AccessGate, audit AuditSink, fallback *FallbackExecutor, failures FailureRecorder, logger Logger) *Router {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Router{
		catalog:  catalog,
		gate:     gate,
		audit:    audit,
		fallback: fallback,
		failures: failures,
		logger:   logger,
	}
}

// Invoke routes one operation to a module instance.
//
// Rejections happen in a fixed order, each without later side effects:
// unknown module (ErrModuleNotFound), disabled module (ErrModuleDisabled),
// gate denial (ErrUnauthorized, never counted as a module failure), then
// version policy. Execution failures increment the failure counter and,
// when the module's policy allows it, trigger one fallback attempt before
// the error is returned.
func (r *Router) Invoke(ctx context.Context, moduleID, method string, args map[string]any, caller CallerContext) *Result {
	traceID := newID()

	record, err := r.catalog.Get(moduleID)
	if err != nil {
		return &Result{Err: err, TraceID: traceID}
	}
	if !record.Enabled {
		return &Result{Err: fmt.Errorf("module %q: %w", moduleID, ErrModuleDisabled), TraceID: traceID}
	}

	decision := r.gate.Authorize(ctx, caller, OperationInvoke, moduleID)
	if !decision.Allowed {
		// Gate denials pass the reason through unchanged and never touch
		// the module's failure counter.
		return &Result{
			Err:     fmt.Errorf("module %q: %w: %s", moduleID, ErrUnauthorized, decision.Reason),
			TraceID: traceID,
		}
	}

	if record.VersionPolicy.Enabled && record.Version != record.VersionPolicy.RequiredVersion {
		policy := record.VersionPolicy
		switch {
		case policy.AllowFallback && policy.FallbackVersion != "":
			reason := fmt.Sprintf("version mismatch: running %s, required %s", record.Version, policy.RequiredVersion)
			result := r.fallback.Execute(ctx, moduleID, method, args, caller, reason, traceID)
			r.writeAudit(ctx, moduleID, method, caller, result)
			return result
		case policy.Strict:
			return &Result{
				Err: fmt.Errorf("module %q running %s, required %s: %w",
					moduleID, record.Version, policy.RequiredVersion, ErrVersionMismatch),
				TraceID: traceID,
			}
		default:
			r.logger.Warn("Version mismatch, continuing with current version",
				"module", moduleID, "version", record.Version, "requiredVersion", policy.RequiredVersion)
		}
	}

	result := r.execute(ctx, record, method, args, caller, traceID)
	r.writeAudit(ctx, moduleID, method, caller, result)
	return result
}

// execute runs the module's bound instance and updates its metrics.
func (r *Router) execute(ctx context.Context, record *ModuleRecord, method string, args map[string]any, caller CallerContext, traceID string) *Result {
	moduleID := record.ID

	instance := r.catalog.Instance(moduleID)
	if instance == nil {
		err := fmt.Errorf("module %q: %w", moduleID, ErrInstanceNotLoaded)
		r.recordExecution(moduleID, 0, false)
		r.failures.RecordFailure(ctx, moduleID, err.Error())
		return &Result{Err: err, TraceID: traceID}
	}

	start := time.Now()
	value, callErr := func() (value any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("module panicked: %v", rec)
			}
		}()
		return instance.Call(ctx, method, args)
	}()
	duration := time.Since(start)

	if callErr == nil {
		r.recordExecution(moduleID, duration, true)
		r.logger.Debug("Module invocation succeeded",
			"module", moduleID, "method", method, "duration", duration)
		return &Result{Success: true, Value: value, TraceID: traceID, Duration: duration}
	}

	r.recordExecution(moduleID, duration, false)
	r.failures.RecordFailure(ctx, moduleID, callErr.Error())
	r.logger.Warn("Module invocation failed",
		"module", moduleID, "method", method, "duration", duration, "error", callErr)

	if record.VersionPolicy.AllowFallback {
		reason := fmt.Sprintf("execution failed: %v", callErr)
		fallbackResult := r.fallback.Execute(ctx, moduleID, method, args, caller, reason, traceID)
		if fallbackResult.Success {
			return fallbackResult
		}
		// The fallback also failed; surface the original failure with the
		// fallback marked so both are visible in the audit trail.
		return &Result{
			Err:          fmt.Errorf("module %q: %w: %w", moduleID, ErrExecutionFailure, callErr),
			FallbackUsed: true,
			TraceID:      traceID,
			Duration:     duration,
		}
	}

	return &Result{
		Err:      fmt.Errorf("module %q: %w: %w", moduleID, ErrExecutionFailure, callErr),
		TraceID:  traceID,
		Duration: duration,
	}
}

// recordExecution updates the module's performance counters.
func (r *Router) recordExecution(moduleID string, duration time.Duration, success bool) {
	if _, err := r.catalog.Update(moduleID, func(rec *ModuleRecord) error {
		now := time.Now()
		rec.Metrics.ExecutionCount++
		rec.Metrics.TotalExecutionTime += duration
		rec.Metrics.LastExecutedAt = &now
		if success {
			rec.Metrics.SuccessCount++
		} else {
			rec.Metrics.FailureCount++
		}
		return nil
	}); err != nil {
		r.logger.Error("Failed to record execution metrics", "module", moduleID, "error", err)
	}
}

// writeAudit records the invocation outcome. Audit failures are logged but
// never fail the invocation.
func (r *Router) writeAudit(ctx context.Context, moduleID, method string, caller CallerContext, result *Result) {
	if r.audit == nil {
		return
	}
	entry := AuditEntry{
		Timestamp:    time.Now(),
		Operation:    OperationInvoke,
		ModuleID:     moduleID,
		Method:       method,
		Caller:       caller,
		Success:      result.Success,
		Duration:     result.Duration,
		FallbackUsed: result.FallbackUsed,
		TraceID:      result.TraceID,
	}
	if result.Err != nil {
		entry.Error = result.Err.Error()
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		r.logger.Error("Failed to write audit entry",
			"module", moduleID, "operation", OperationInvoke, "error", err)
	}
}
