package modkernel

import (
	"errors"
)

// Kernel errors
var (
	// Routing errors
	ErrModuleNotFound  = errors.New("module not found")
	ErrModuleDisabled  = errors.New("module is disabled")
	ErrUnauthorized    = errors.New("operation not authorized")
	ErrVersionMismatch = errors.New("module version does not satisfy required version")

	// Execution and health errors
	ErrExecutionFailure  = errors.New("module execution failed")
	ErrHealthCheckFailed = errors.New("health check failed")
	ErrInstanceNotLoaded = errors.New("module instance not loaded")
	ErrNoFallbackVersion = errors.New("no fallback version declared")

	// Installation errors
	ErrInstallationConflict  = errors.New("module already installed")
	ErrDependencyUnsatisfied = errors.New("module dependency missing or disabled")
	ErrModuleIDEmpty         = errors.New("module id cannot be empty")
	ErrModuleNameEmpty       = errors.New("module name cannot be empty")
	ErrModuleVersionEmpty    = errors.New("module version cannot be empty")
	ErrModuleEntryEmpty      = errors.New("module entry reference cannot be empty")

	// Policy validation errors
	ErrMaxFailuresInvalid      = errors.New("max failures must be positive")
	ErrMaxRecoveryInvalid      = errors.New("max recovery attempts must be positive")
	ErrHealthIntervalInvalid   = errors.New("health probe interval must be positive")
	ErrHealthTimeoutInvalid    = errors.New("health probe timeout must be positive")
	ErrFallbackVersionRequired = errors.New("version policy allows fallback but declares no fallback version")

	// Kernel construction and lifecycle errors
	ErrLoaderNil            = errors.New("instance loader cannot be nil")
	ErrAccessGateNil        = errors.New("access gate cannot be nil")
	ErrKernelNil            = errors.New("kernel cannot be nil")
	ErrKernelAlreadyStarted = errors.New("kernel already started")
	ErrKernelNotStarted     = errors.New("kernel not started")

	// Configuration errors
	ErrConfigNil                = errors.New("config is nil")
	ErrRetentionInvalid         = errors.New("retention window must be positive")
	ErrSnapshotIntervalInvalid  = errors.New("snapshot interval must be positive")
	ErrBackoffBaseInvalid       = errors.New("recovery base delay must be positive")
	ErrBackoffMultiplierInvalid = errors.New("recovery backoff multiplier must be at least 1")
	ErrUnsupportedConfigFormat  = errors.New("unsupported config file format")
)
