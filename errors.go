// errors.go: structured error definitions for the plugin host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin host
const (
	// Registration errors (1000-1099)
	ErrCodeInvalidManifest  = "PLUGIN_1001"
	ErrCodeDuplicatePlugin  = "PLUGIN_1002"
	ErrCodeInvalidKind      = "PLUGIN_1003"
	ErrCodeMissingExecutor  = "PLUGIN_1004"
	ErrCodeManagerShutdown  = "PLUGIN_1005"
	ErrCodeInvalidPluginNil = "PLUGIN_1006"

	// Dependency errors (1100-1199)
	ErrCodeDependencyMissing = "DEPENDENCY_1101"
	ErrCodeDependencyCycle   = "DEPENDENCY_1102"
	ErrCodeDependencyUnknown = "DEPENDENCY_1103"

	// Plugin execution errors (1200-1299)
	ErrCodePluginNotFound        = "PLUGIN_1201"
	ErrCodePluginNotEnabled      = "PLUGIN_1202"
	ErrCodePluginExecutionFailed = "PLUGIN_1203"
	ErrCodePluginTimeout         = "PLUGIN_1204"
	ErrCodeNoRemoteTransport     = "PLUGIN_1205"
	ErrCodeExecutionCanceled     = "PLUGIN_1206"
	ErrCodeMessageHookFailed     = "PLUGIN_1207"

	// Lifecycle errors (1300-1399)
	ErrCodeLoadFailed        = "LIFECYCLE_1301"
	ErrCodeLoadTimeout       = "LIFECYCLE_1302"
	ErrCodeUnloadFailed      = "LIFECYCLE_1303"
	ErrCodeInitFailed        = "LIFECYCLE_1304"
	ErrCodeDeactivateFailed  = "LIFECYCLE_1305"
	ErrCodeInvalidTransition = "LIFECYCLE_1306"
	ErrCodeHookPanic         = "LIFECYCLE_1307"

	// Circuit breaker errors (1400-1499)
	ErrCodeCircuitBreakerOpen = "CIRCUIT_1401"

	// Transport errors (1600-1699)
	ErrCodeGRPCTransportError = "TRANSPORT_1601"
	ErrCodeForwarderError     = "TRANSPORT_1602"
	ErrCodeTransportConfig    = "TRANSPORT_1603"

	// Configuration management errors (1700-1799)
	ErrCodeConfigNotFound        = "CONFIG_1701"
	ErrCodeConfigParseError      = "CONFIG_1702"
	ErrCodeConfigValidationError = "CONFIG_1703"
	ErrCodeConfigWatcherError    = "CONFIG_1704"
	ErrCodeConfigUpdateFailed    = "CONFIG_1705"

	// Security errors (1800-1899)
	ErrCodeUnsafePlugin = "SECURITY_1801"
	ErrCodeAuditError   = "SECURITY_1806"
)

// HasErrorCode reports whether err, or any structured error in its cause
// chain, carries code.
func HasErrorCode(err error, code errors.ErrorCode) bool {
	for err != nil {
		var structured *errors.Error
		if !stderrors.As(err, &structured) {
			return false
		}
		if structured.ErrorCode() == code {
			return true
		}
		err = structured.Cause
	}
	return false
}

func newOrWrap(cause error, code errors.ErrorCode, msg string) *errors.Error {
	if cause != nil {
		return errors.Wrap(cause, code, msg)
	}
	return errors.New(code, msg)
}

// Registration error constructors

func NewInvalidManifestError(id, field string) *errors.Error {
	return errors.New(ErrCodeInvalidManifest, "Invalid plugin manifest").
		WithUserMessage("Plugin id, name and version are required").
		WithContext("plugin_id", id).
		WithContext("missing_field", field).
		WithSeverity("error")
}

func NewNilPluginError() *errors.Error {
	return errors.New(ErrCodeInvalidPluginNil, "Plugin is nil").
		WithUserMessage("A plugin instance is required").
		WithSeverity("error")
}

func NewDuplicatePluginError(id string) *errors.Error {
	return errors.New(ErrCodeDuplicatePlugin, "Plugin already registered").
		WithUserMessage("Plugin ids must be unique within the manager").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewInvalidKindError(id string, kind Kind) *errors.Error {
	return errors.New(ErrCodeInvalidKind, "Invalid plugin kind").
		WithUserMessage("Plugin kind must be native or remote-tool").
		WithContext("plugin_id", id).
		WithContext("kind", int(kind)).
		WithSeverity("error")
}

func NewMissingExecutorError(id string, kind Kind) *errors.Error {
	return errors.New(ErrCodeMissingExecutor, "Plugin does not implement its kind executor").
		WithUserMessage("Native plugins must implement Execute and remote tools must provide a tool binding").
		WithContext("plugin_id", id).
		WithContext("kind", kind.String()).
		WithSeverity("error")
}

func NewManagerShutdownError() *errors.Error {
	return errors.New(ErrCodeManagerShutdown, "Manager is shut down").
		WithUserMessage("The plugin manager no longer accepts requests").
		WithSeverity("warning")
}

// Dependency error constructors

func NewDependencyMissingError(id, dependency string) *errors.Error {
	return errors.New(ErrCodeDependencyMissing, "Required dependency not registered").
		WithUserMessage("Plugin "+id+" requires "+dependency+" to be registered first").
		WithContext("plugin_id", id).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

func NewDependencyCycleError(remaining []string) *errors.Error {
	return errors.New(ErrCodeDependencyCycle, "Circular plugin dependency").
		WithUserMessage("Plugin dependencies contain a cycle").
		WithContext("plugins", remaining).
		WithSeverity("error")
}

func NewDependencyUnknownError(id, dependency string) *errors.Error {
	return errors.New(ErrCodeDependencyUnknown, "Dependency not present in graph").
		WithUserMessage("Plugin dependency graph is inconsistent").
		WithContext("plugin_id", id).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

// Plugin execution error constructors

func NewPluginNotFoundError(id string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage("The requested plugin is not registered").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewPluginNotEnabledError(id string) *errors.Error {
	return errors.New(ErrCodePluginNotEnabled, "Plugin not enabled").
		WithUserMessage("The requested plugin is not enabled").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

func NewPluginExecutionFailedError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodePluginExecutionFailed, "Plugin execution failed").
		WithUserMessage("The plugin failed to execute the requested operation").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewPluginTimeoutError(id string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodePluginTimeout, "Plugin timeout").
		WithUserMessage("The plugin operation exceeded the configured timeout").
		WithContext("plugin_id", id).
		WithContext("timeout", timeout).
		WithSeverity("warning")
}

func NewNoRemoteTransportError(id string) *errors.Error {
	return errors.New(ErrCodeNoRemoteTransport, "No remote tool transport configured").
		WithUserMessage("Remote tool plugins require a transport").
		WithContext("plugin_id", id).
		WithSeverity("error")
}

func NewExecutionCanceledError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeExecutionCanceled, "Execution canceled").
		WithUserMessage("The execution was canceled before it completed").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

func NewMessageHookError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeMessageHookFailed, "Message hook failed").
		WithUserMessage("The plugin failed to handle a broadcast message").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

// Lifecycle error constructors

func NewLoadFailedError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeLoadFailed, "Plugin load failed").
		WithUserMessage("The plugin could not be loaded").
		WithContext("plugin_id", id).
		WithSeverity("error").
		AsRetryable()
}

func NewLoadTimeoutError(id string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeLoadTimeout, "Plugin load timeout").
		WithUserMessage("The plugin did not finish loading in time").
		WithContext("plugin_id", id).
		WithContext("timeout", timeout).
		WithSeverity("error").
		AsRetryable()
}

func NewUnloadFailedError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeUnloadFailed, "Plugin unload hook failed").
		WithUserMessage("The plugin reported an error while unloading").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

func NewInitFailedError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeInitFailed, "Plugin initialization failed").
		WithUserMessage("The plugin could not be enabled").
		WithContext("plugin_id", id).
		WithSeverity("error").
		AsRetryable()
}

func NewDeactivateFailedError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeDeactivateFailed, "Plugin deactivation hook failed").
		WithUserMessage("The plugin reported an error while being disabled").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

func NewInvalidTransitionError(id string, from State, operation string) *errors.Error {
	return errors.New(ErrCodeInvalidTransition, "Invalid lifecycle transition").
		WithUserMessage("Plugin in state "+from.String()+" cannot "+operation+"; unload it first").
		WithContext("plugin_id", id).
		WithContext("state", from.String()).
		WithContext("operation", operation).
		WithSeverity("error")
}

func NewHookPanicError(id, hook string, recovered interface{}) *errors.Error {
	return errors.New(ErrCodeHookPanic, "Plugin panicked").
		WithUserMessage("The plugin panicked and was isolated").
		WithContext("plugin_id", id).
		WithContext("hook", hook).
		WithContext("panic", recovered).
		WithSeverity("critical")
}

// Circuit breaker error constructors

func NewCircuitBreakerOpenError(id string) *errors.Error {
	return errors.New(ErrCodeCircuitBreakerOpen, "Circuit breaker open").
		WithUserMessage("Circuit breaker is open, failing fast to prevent cascading failures").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

// Transport error constructors

func NewGRPCTransportError(cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeGRPCTransportError, "gRPC transport error").
		WithUserMessage("gRPC transport operation failed").
		WithSeverity("error").
		AsRetryable()
}

// NewGRPCCallError reports a remote tool call rejected with a gRPC status.
func NewGRPCCallError(cause error, grpcCode, tool string, retryable bool) *errors.Error {
	err := newOrWrap(cause, ErrCodeGRPCTransportError, "Remote tool call failed").
		WithUserMessage("The remote tool server rejected the call").
		WithContext("grpc_code", grpcCode).
		WithContext("tool", tool).
		WithSeverity("error")
	if retryable {
		return err.AsRetryable()
	}
	return err
}

func NewForwarderError(sink string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeForwarderError, "Event forwarding failed").
		WithUserMessage("Failed to forward plugin event").
		WithContext("sink", sink).
		WithSeverity("warning").
		AsRetryable()
}

func NewTransportConfigError(message string) *errors.Error {
	return errors.New(ErrCodeTransportConfig, "Transport configuration error: "+message).
		WithUserMessage("Invalid remote tool transport configuration").
		WithSeverity("error")
}

// Configuration management error constructors

func NewConfigNotFoundError(path string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file could not be found").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

func NewConfigUpdateFailedError(id string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeConfigUpdateFailed, "Plugin configuration update rejected").
		WithUserMessage("The plugin rejected the configuration change").
		WithContext("plugin_id", id).
		WithSeverity("warning")
}

// Security error constructors

func NewUnsafePluginError(id string, reasons []string) *errors.Error {
	return errors.New(ErrCodeUnsafePlugin, "Plugin rejected by safety policy").
		WithUserMessage("The plugin requests capabilities that are not allowed").
		WithContext("plugin_id", id).
		WithContext("reasons", reasons).
		WithSeverity("error")
}

func NewAuditError(message string, cause error) *errors.Error {
	return newOrWrap(cause, ErrCodeAuditError, "Audit error: "+message).
		WithUserMessage("Security audit logging failed").
		WithSeverity("warning")
}
