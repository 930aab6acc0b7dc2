// plugin.go: Core plugin interfaces and lifecycle hooks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
)

// Manifest is the declared identity of a plugin. It is read once at
// registration time and treated as immutable afterwards.
type Manifest struct {
	ID            string       `json:"id" yaml:"id"`
	Name          string       `json:"name" yaml:"name"`
	Version       string       `json:"version" yaml:"version"`
	Kind          Kind         `json:"kind" yaml:"kind"`
	Description   string       `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies  []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	DefaultConfig PluginConfig `json:"default_config,omitempty" yaml:"default_config,omitempty"`
	Permissions   []string     `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Plugin is the minimal contract of every extension. A plugin must also
// implement the executor interface of its kind: NativeExecutor for KindNative,
// ToolProvider for KindRemoteTool.
type Plugin interface {
	Manifest() Manifest
}

// NativeExecutor is implemented by in-process plugins.
// Context must be honored for timeouts and cancellation.
type NativeExecutor interface {
	Execute(ctx context.Context, execCtx ExecutionContext) (any, error)
}

// ToolBinding locates a tool on a remote tool server.
type ToolBinding struct {
	Tool     string            `json:"tool" yaml:"tool"`
	Server   string            `json:"server,omitempty" yaml:"server,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ToolProvider is implemented by RemoteTool plugins.
type ToolProvider interface {
	ToolBinding() ToolBinding
}

// Optional lifecycle hooks. The manager invokes a hook only when the plugin
// implements the corresponding interface.

type LoadHook interface {
	OnLoad(ctx context.Context) error
}

type UnloadHook interface {
	OnUnload(ctx context.Context) error
}

type InitHook interface {
	OnInit(ctx context.Context, initCtx InitContext) error
}

type ActivateHook interface {
	OnActivate(ctx context.Context) error
}

type DeactivateHook interface {
	OnDeactivate(ctx context.Context) error
}

type ConfigChangeHook interface {
	OnConfigChange(ctx context.Context, oldConfig, newConfig PluginConfig) error
}

// MessageHook receives broadcast messages. Only enabled native plugins are
// reached by BroadcastMessage.
type MessageHook interface {
	OnMessage(ctx context.Context, msg Message, execCtx ExecutionContext) (any, error)
}

// ResourceReporter lets a plugin report its own resource footprint.
type ResourceReporter interface {
	ResourceUsage() ResourceUsage
}

// InitContext is handed to OnInit when a plugin is enabled.
type InitContext struct {
	HostVersion        string
	Platform           string
	GrantedPermissions []string
	AvailableFeatures  []string
	SharedResources    map[string]any
	Config             PluginConfig
	Logger             Logger
}

// HasPermission reports whether perm was granted to the plugin.
func (ic InitContext) HasPermission(perm string) bool {
	for _, p := range ic.GrantedPermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// NativeFunc adapts a plain function to NativeExecutor.
type NativeFunc func(ctx context.Context, execCtx ExecutionContext) (any, error)

// FuncPlugin is a native plugin built from a manifest and a function. It is
// convenient for small extensions that need no lifecycle hooks.
type FuncPlugin struct {
	manifest Manifest
	fn       NativeFunc
}

// NewFuncPlugin creates a native plugin executing fn.
func NewFuncPlugin(manifest Manifest, fn NativeFunc) *FuncPlugin {
	manifest.Kind = KindNative
	return &FuncPlugin{manifest: manifest, fn: fn}
}

func (p *FuncPlugin) Manifest() Manifest { return p.manifest }

func (p *FuncPlugin) Execute(ctx context.Context, execCtx ExecutionContext) (any, error) {
	return p.fn(ctx, execCtx)
}

// RemoteTool is a RemoteTool plugin described entirely by data.
type RemoteTool struct {
	manifest Manifest
	binding  ToolBinding
}

// NewRemoteTool creates a RemoteTool plugin bound to the given tool.
func NewRemoteTool(manifest Manifest, binding ToolBinding) *RemoteTool {
	manifest.Kind = KindRemoteTool
	return &RemoteTool{manifest: manifest, binding: binding}
}

func (r *RemoteTool) Manifest() Manifest { return r.manifest }

func (r *RemoteTool) ToolBinding() ToolBinding { return r.binding }

// PluginHost is the public surface of the manager.
type PluginHost interface {
	Register(ctx context.Context, plugin Plugin, opts ...RegisterOption) error
	Unregister(ctx context.Context, id string) error

	Load(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id string) error

	GetPlugin(id string) (Plugin, bool)
	GetAllPlugins() []Plugin
	GetPluginsByKind(kind Kind) []Plugin
	GetEnabledPlugins() []Plugin

	ExecutePlugin(ctx context.Context, id string, execCtx ExecutionContext) (any, error)
	BroadcastMessage(ctx context.Context, msg Message, execCtx ExecutionContext) []MessageResult
	UpdatePluginConfig(ctx context.Context, id string, partial PluginConfig) error

	GetPluginStatus(id string) (PluginStatus, error)
	GetManagerStats() ManagerStats

	On(event EventType, handler EventHandler) SubscriptionID
	Off(event EventType, id SubscriptionID) bool

	Shutdown(ctx context.Context) error
}
