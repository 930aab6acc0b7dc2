// types.go: Common data types and structures for the plugin host
//
// This file contains the shared data model of the host: plugin kinds and
// lifecycle states, runtime status records, the plugin error taxonomy and the
// derived manager statistics. Plugin-facing interfaces live in plugin.go.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"time"
)

// Kind identifies how a plugin is executed.
//
// The set of kinds is closed:
//   - KindNative: in-process plugin implementing NativeExecutor
//   - KindRemoteTool: plugin backed by a remote tool server, implementing
//     ToolProvider and executed through the manager's RemoteToolTransport
type Kind int

const (
	KindNative Kind = iota + 1
	KindRemoteTool
)

// String returns a human-readable representation of the plugin kind.
func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindRemoteTool:
		return "remote-tool"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindNative || k == KindRemoteTool
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "native":
		return KindNative, true
	case "remote-tool", "remote_tool", "remote":
		return KindRemoteTool, true
	default:
		return 0, false
	}
}

// State is a step of the plugin lifecycle state machine.
//
//	unloaded -> loading -> loaded -> initializing -> active
//	active -> suspended -> loaded -> unloading -> unloaded
//
// Any transition may fall into StateError. From StateError only Unload and
// Unregister are accepted.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateInitializing
	StateActive
	StateSuspended
	StateUnloading
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateUnloading:
		return "unloading"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Health is the derived health of a plugin.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthFailed
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a PluginError by the operation that produced it.
type ErrorKind string

const (
	ErrorKindLoad    ErrorKind = "load"
	ErrorKindInit    ErrorKind = "init"
	ErrorKindExecute ErrorKind = "execute"
	ErrorKindConfig  ErrorKind = "config"
)

// ErrorSeverity ranks the impact of a PluginError.
type ErrorSeverity string

const (
	SeverityLow    ErrorSeverity = "low"
	SeverityMedium ErrorSeverity = "medium"
	SeverityHigh   ErrorSeverity = "high"
)

// PluginError is an entry of a plugin's error log.
type PluginError struct {
	ID          string        `json:"id"`
	PluginID    string        `json:"plugin_id"`
	Kind        ErrorKind     `json:"kind"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	Severity    ErrorSeverity `json:"severity"`
	Recoverable bool          `json:"recoverable"`
}

// Dependency declares that a plugin needs another plugin to be registered first.
type Dependency struct {
	ID       string `json:"id" yaml:"id"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// PluginConfig is the free-form configuration of a single plugin.
type PluginConfig map[string]any

// Clone returns a shallow copy of the configuration.
func (c PluginConfig) Clone() PluginConfig {
	out := make(PluginConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a copy of c with every key of partial applied on top.
func (c PluginConfig) Merge(partial PluginConfig) PluginConfig {
	out := c.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// PluginRegistration is the registration-time record of a plugin.
type PluginRegistration struct {
	Plugin       Plugin       `json:"-"`
	RegisteredAt time.Time    `json:"registered_at"`
	RegisteredBy string       `json:"registered_by"`
	Config       PluginConfig `json:"config"`
	Dependencies []string     `json:"dependencies"`
}

// PerformanceStats holds the execution statistics of a plugin.
type PerformanceStats struct {
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	TotalExecutions      int64         `json:"total_executions"`
	SuccessRate          float64       `json:"success_rate"`
	ErrorCount           int64         `json:"error_count"`
}

// ResourceUsage is the resource footprint reported by a plugin.
type ResourceUsage struct {
	MemoryUsage uint64  `json:"memory_usage"`
	CPUUsage    float64 `json:"cpu_usage"`
}

// PluginStatus is a snapshot of the runtime state of a plugin.
//
// Invariants:
//   - State == StateActive implies Enabled and Loaded
//   - State == StateUnloaded implies !Enabled and !Loaded
type PluginStatus struct {
	PluginID    string           `json:"plugin_id"`
	State       State            `json:"state"`
	Enabled     bool             `json:"enabled"`
	Loaded      bool             `json:"loaded"`
	Health      Health           `json:"health"`
	Performance PerformanceStats `json:"performance"`
	Resources   ResourceUsage    `json:"resources"`
	Errors      []PluginError    `json:"errors"`
	LastChange  time.Time        `json:"last_change"`
}

// ExecutionContext carries the per-invocation payload supplied by the caller.
//
// Fields:
//   - RequestID: correlation id, generated by the manager when empty
//   - Input: request data handed to the plugin
//   - SessionID: caller session, if any
//   - Permissions: permissions granted to the caller
//   - Timeout: per-call timeout overriding ManagerConfig.ExecutionTimeout
//   - Metadata: string metadata propagated to transports as headers
type ExecutionContext struct {
	RequestID   string            `json:"request_id"`
	Input       map[string]any    `json:"input,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ExecutionResult is the settled outcome of one scheduled execution.
type ExecutionResult struct {
	PluginID  string        `json:"plugin_id"`
	RequestID string        `json:"request_id"`
	Output    any           `json:"output,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Message is a payload broadcast to every enabled native plugin.
type Message struct {
	Type    string         `json:"type"`
	From    string         `json:"from,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// MessageResult is the response of a single plugin to a broadcast message.
type MessageResult struct {
	PluginID string `json:"plugin_id"`
	Response any    `json:"response,omitempty"`
}

// ManagerStats is a read-only aggregate computed from all plugin status records.
type ManagerStats struct {
	TotalPlugins         int           `json:"total_plugins"`
	EnabledPlugins       int           `json:"enabled_plugins"`
	LoadedPlugins        int           `json:"loaded_plugins"`
	ActivePlugins        int           `json:"active_plugins"`
	ErrorPlugins         int           `json:"error_plugins"`
	TotalExecutions      int64         `json:"total_executions"`
	TotalErrors          int64         `json:"total_errors"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
	Resources            ResourceUsage `json:"resources"`
}
