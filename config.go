// config.go: Manager configuration, validation and defaults
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"encoding/json"
	"runtime"
	"time"
)

// DefaultToolMethod is the unary gRPC method invoked by the gRPC tool transport.
const DefaultToolMethod = "/pluginhost.v1.ToolService/CallTool"

// ManagerConfig is the complete configuration of a Manager.
//
// Fields:
//   - LoadTimeout: bound on OnLoad
//   - InitTimeout: bound on OnInit plus OnActivate
//   - ExecutionTimeout: default per-call execution timeout
//   - DrainTimeout: how long Disable waits for in-flight executions
//   - MaxConcurrentExecutions: batch size of the execution scheduler
//   - MaxErrorsPerPlugin: size of each plugin's error log
//   - DegradedSuccessRate: success rate (percent) below which a plugin is degraded
//   - AllowUnsafePlugins: register plugins the safety policy rejects, with a warning
//   - Plugins: per-plugin configuration merged over each plugin's defaults
type ManagerConfig struct {
	LoadTimeout             time.Duration `json:"load_timeout" yaml:"load_timeout"`
	InitTimeout             time.Duration `json:"init_timeout" yaml:"init_timeout"`
	ExecutionTimeout        time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
	DrainTimeout            time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	MaxConcurrentExecutions int           `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`
	MaxErrorsPerPlugin      int           `json:"max_errors_per_plugin" yaml:"max_errors_per_plugin"`
	DegradedSuccessRate     float64       `json:"degraded_success_rate" yaml:"degraded_success_rate"`
	AllowUnsafePlugins      bool          `json:"allow_unsafe_plugins" yaml:"allow_unsafe_plugins"`

	Host           HostConfig              `json:"host" yaml:"host"`
	CircuitBreaker CircuitBreakerConfig    `json:"circuit_breaker" yaml:"circuit_breaker"`
	Security       SecurityConfig          `json:"security" yaml:"security"`
	RemoteTool     RemoteToolConfig        `json:"remote_tool" yaml:"remote_tool"`
	Plugins        map[string]PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty"`
}

// HostConfig describes the host to plugins through InitContext.
type HostConfig struct {
	Version            string   `json:"version" yaml:"version"`
	Platform           string   `json:"platform" yaml:"platform"`
	Features           []string `json:"features,omitempty" yaml:"features,omitempty"`
	GrantedPermissions []string `json:"granted_permissions,omitempty" yaml:"granted_permissions,omitempty"`
}

// CircuitBreakerConfig configures the per-plugin circuit breakers.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
}

// SecurityConfig configures the default safety policy.
// Empty allow lists allow everything.
type SecurityConfig struct {
	AllowedPermissions []string    `json:"allowed_permissions,omitempty" yaml:"allowed_permissions,omitempty"`
	AllowedKinds       []string    `json:"allowed_kinds,omitempty" yaml:"allowed_kinds,omitempty"`
	Audit              AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig enables the security audit trail.
type AuditConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	OutputFile    string        `json:"output_file" yaml:"output_file"`
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// RemoteToolConfig configures the gRPC remote tool transport.
type RemoteToolConfig struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`
	Method         string            `json:"method" yaml:"method"`
	TLS            TLSConfig         `json:"tls" yaml:"tls"`
	APIKey         string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BearerToken    string            `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	MaxMessageSize int               `json:"max_message_size" yaml:"max_message_size"`
}

// TLSConfig holds client TLS material for the remote tool transport.
type TLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CAFile     string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
}

// DefaultManagerConfig returns a ManagerConfig with production defaults:
// 30s load, init and execution timeouts, 5 concurrent executions, the last
// 100 errors kept per plugin and a circuit breaker tripping after 5
// consecutive failures.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LoadTimeout:             30 * time.Second,
		InitTimeout:             30 * time.Second,
		ExecutionTimeout:        30 * time.Second,
		DrainTimeout:            5 * time.Second,
		MaxConcurrentExecutions: 5,
		MaxErrorsPerPlugin:      100,
		DegradedSuccessRate:     80,
		Host: HostConfig{
			Version:  "1.0.0",
			Platform: runtime.GOOS + "/" + runtime.GOARCH,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
		},
		RemoteTool: RemoteToolConfig{
			Method:         DefaultToolMethod,
			MaxMessageSize: 4 * 1024 * 1024,
		},
	}
}

// ApplyDefaults fills every zero field with its default value.
func (mc *ManagerConfig) ApplyDefaults() {
	def := DefaultManagerConfig()

	if mc.LoadTimeout <= 0 {
		mc.LoadTimeout = def.LoadTimeout
	}
	if mc.InitTimeout <= 0 {
		mc.InitTimeout = def.InitTimeout
	}
	if mc.ExecutionTimeout <= 0 {
		mc.ExecutionTimeout = def.ExecutionTimeout
	}
	if mc.DrainTimeout <= 0 {
		mc.DrainTimeout = def.DrainTimeout
	}
	if mc.MaxConcurrentExecutions <= 0 {
		mc.MaxConcurrentExecutions = def.MaxConcurrentExecutions
	}
	if mc.MaxErrorsPerPlugin <= 0 {
		mc.MaxErrorsPerPlugin = def.MaxErrorsPerPlugin
	}
	if mc.DegradedSuccessRate <= 0 {
		mc.DegradedSuccessRate = def.DegradedSuccessRate
	}
	if mc.Host.Version == "" {
		mc.Host.Version = def.Host.Version
	}
	if mc.Host.Platform == "" {
		mc.Host.Platform = def.Host.Platform
	}
	if mc.CircuitBreaker.FailureThreshold <= 0 {
		mc.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if mc.CircuitBreaker.RecoveryTimeout <= 0 {
		mc.CircuitBreaker.RecoveryTimeout = def.CircuitBreaker.RecoveryTimeout
	}
	if mc.CircuitBreaker.SuccessThreshold <= 0 {
		mc.CircuitBreaker.SuccessThreshold = def.CircuitBreaker.SuccessThreshold
	}
	if mc.RemoteTool.Method == "" {
		mc.RemoteTool.Method = def.RemoteTool.Method
	}
	if mc.RemoteTool.MaxMessageSize <= 0 {
		mc.RemoteTool.MaxMessageSize = def.RemoteTool.MaxMessageSize
	}
	if mc.Security.Audit.Enabled {
		if mc.Security.Audit.BufferSize <= 0 {
			mc.Security.Audit.BufferSize = 1000
		}
		if mc.Security.Audit.FlushInterval <= 0 {
			mc.Security.Audit.FlushInterval = 5 * time.Second
		}
	}
}

// Validate checks the configuration. Call ApplyDefaults first when starting
// from a partial configuration.
func (mc *ManagerConfig) Validate() error {
	if mc.LoadTimeout <= 0 {
		return NewConfigValidationError("load_timeout must be positive", nil)
	}
	if mc.InitTimeout <= 0 {
		return NewConfigValidationError("init_timeout must be positive", nil)
	}
	if mc.ExecutionTimeout <= 0 {
		return NewConfigValidationError("execution_timeout must be positive", nil)
	}
	if mc.DrainTimeout < 0 {
		return NewConfigValidationError("drain_timeout cannot be negative", nil)
	}
	if mc.MaxConcurrentExecutions <= 0 {
		return NewConfigValidationError("max_concurrent_executions must be positive", nil)
	}
	if mc.MaxErrorsPerPlugin <= 0 {
		return NewConfigValidationError("max_errors_per_plugin must be positive", nil)
	}
	if mc.DegradedSuccessRate < 0 || mc.DegradedSuccessRate > 100 {
		return NewConfigValidationError("degraded_success_rate must be between 0 and 100", nil)
	}
	if mc.CircuitBreaker.Enabled {
		if mc.CircuitBreaker.FailureThreshold <= 0 || mc.CircuitBreaker.SuccessThreshold <= 0 {
			return NewConfigValidationError("circuit breaker thresholds must be positive", nil)
		}
	}
	for _, k := range mc.Security.AllowedKinds {
		if _, ok := ParseKind(k); !ok {
			return NewConfigValidationError("unknown plugin kind in security.allowed_kinds: "+k, nil)
		}
	}
	if mc.Security.Audit.Enabled && mc.Security.Audit.OutputFile == "" {
		return NewConfigValidationError("security.audit.output_file is required when auditing is enabled", nil)
	}
	if mc.RemoteTool.TLS.CertFile != "" && mc.RemoteTool.TLS.KeyFile == "" {
		return NewConfigValidationError("remote_tool.tls.key_file is required with cert_file", nil)
	}
	for id := range mc.Plugins {
		if id == "" {
			return NewConfigValidationError("plugin configuration with empty id", nil)
		}
	}
	return nil
}

// PluginOverrides returns the configured overrides for a plugin.
func (mc *ManagerConfig) PluginOverrides(id string) PluginConfig {
	if mc.Plugins == nil {
		return nil
	}
	return mc.Plugins[id]
}

// ToJSON converts the configuration to JSON
func (mc *ManagerConfig) ToJSON() ([]byte, error) {
	return json.MarshalIndent(mc, "", "  ")
}
