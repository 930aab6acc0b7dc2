// manager_registry.go: Plugin registration, dependency resolution and accessors
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"strings"
)

// RegisterOption customises a single registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	registeredBy string
	config       PluginConfig
}

// WithRegisteredBy records the principal registering the plugin.
func WithRegisteredBy(principal string) RegisterOption {
	return func(o *registerOptions) {
		o.registeredBy = principal
	}
}

// WithPluginConfig merges cfg over the plugin defaults and configured overrides.
func WithPluginConfig(cfg PluginConfig) RegisterOption {
	return func(o *registerOptions) {
		o.config = cfg
	}
}

// Register validates plugin and adds it in state unloaded.
//
// Registration fails when the manifest lacks id, name or version, when the
// kind is unknown or the plugin does not implement its kind's executor, when
// the id is taken, when a required dependency is not registered, or when the
// safety policy rejects the plugin and unsafe plugins are not allowed. A
// failed registration leaves the manager unchanged.
func (m *Manager) Register(ctx context.Context, plugin Plugin, opts ...RegisterOption) error {
	if m.shutdown.Load() {
		return NewManagerShutdownError()
	}
	if plugin == nil {
		return NewNilPluginError()
	}

	options := registerOptions{registeredBy: "host"}
	for _, opt := range opts {
		opt(&options)
	}

	manifest := plugin.Manifest()
	if err := validateManifest(manifest, plugin); err != nil {
		return err
	}
	id := manifest.ID

	if m.safety != nil {
		verdict := m.safety.Evaluate(manifest)
		if !verdict.Safe {
			if !m.config.AllowUnsafePlugins {
				m.logger.Warn("Plugin rejected by safety policy", "plugin", id, "reasons", verdict.Reasons)
				return NewUnsafePluginError(id, verdict.Reasons)
			}
			m.logger.Warn("Registering unsafe plugin", "plugin", id, "reasons", verdict.Reasons)
		}
	}

	var pending []Event
	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return NewDuplicatePluginError(id)
	}

	present := make([]string, 0, len(manifest.Dependencies))
	for _, dep := range manifest.Dependencies {
		_, registered := m.entries[dep.ID]
		if !registered && !dep.Optional {
			pending = append(pending, Event{
				Type:     EventDependencyMissing,
				PluginID: id,
				Data:     map[string]any{"dependency": dep.ID, "optional": false},
			})
			m.mu.Unlock()
			m.emitAll(pending)
			m.logger.Warn("Plugin registration failed: missing dependency", "plugin", id, "dependency", dep.ID)
			return NewDependencyMissingError(id, dep.ID)
		}
		if registered {
			present = append(present, dep.ID)
		}
		pending = append(pending, Event{
			Type:     EventDependencyResolved,
			PluginID: id,
			Data:     map[string]any{"dependency": dep.ID, "optional": dep.Optional, "present": registered},
		})
	}

	config := manifest.DefaultConfig.Merge(m.overrides[id]).Merge(options.config)
	breaker := NewCircuitBreaker(m.config.CircuitBreaker)
	entry := newPluginEntry(plugin, manifest, config, options.registeredBy, breaker, m.logger.With("plugin", id), m.config.MaxErrorsPerPlugin)
	m.entries[id] = entry
	m.graph.AddPlugin(id, present)
	m.linkDependents(id)
	m.mu.Unlock()

	pending = append(pending, Event{
		Type:     EventPluginRegistered,
		PluginID: id,
		Data: map[string]any{
			"name":          manifest.Name,
			"version":       manifest.Version,
			"kind":          manifest.Kind.String(),
			"registered_by": options.registeredBy,
		},
	})
	m.emitAll(pending)

	m.logger.Info("Plugin registered successfully",
		"plugin", id,
		"version", manifest.Version,
		"kind", manifest.Kind.String(),
		"dependencies", len(manifest.Dependencies))
	return nil
}

// linkDependents restores the graph edges of registered plugins that declare
// id as a dependency. Optional dependents may predate id, and required ones
// lose their edge when id is unregistered. Called with m.mu held.
func (m *Manager) linkDependents(id string) {
	for otherID, other := range m.entries {
		if otherID == id {
			continue
		}
		for _, dep := range other.manifest.Dependencies {
			if dep.ID == id {
				m.graph.AddPlugin(otherID, m.presentDependencies(other.manifest))
				break
			}
		}
	}
}

// presentDependencies lists the declared dependencies that are registered.
// Called with m.mu held.
func (m *Manager) presentDependencies(manifest Manifest) []string {
	var present []string
	for _, dep := range manifest.Dependencies {
		if _, ok := m.entries[dep.ID]; ok {
			present = append(present, dep.ID)
		}
	}
	return present
}

func validateManifest(manifest Manifest, plugin Plugin) error {
	switch {
	case strings.TrimSpace(manifest.ID) == "":
		return NewInvalidManifestError(manifest.ID, "id")
	case strings.TrimSpace(manifest.Name) == "":
		return NewInvalidManifestError(manifest.ID, "name")
	case strings.TrimSpace(manifest.Version) == "":
		return NewInvalidManifestError(manifest.ID, "version")
	}

	switch manifest.Kind {
	case KindNative:
		if _, ok := plugin.(NativeExecutor); !ok {
			return NewMissingExecutorError(manifest.ID, manifest.Kind)
		}
	case KindRemoteTool:
		if _, ok := plugin.(ToolProvider); !ok {
			return NewMissingExecutorError(manifest.ID, manifest.Kind)
		}
	default:
		return NewInvalidKindError(manifest.ID, manifest.Kind)
	}
	return nil
}

// Unregister unloads the plugin if needed and removes it. Plugins that
// depend on it stay registered; they are reported in a warning.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()

	if entry.isLoaded() || entry.state() == StateError {
		if err := m.unload(ctx, entry); err != nil {
			m.logger.Warn("Unload reported an error during unregister", "plugin", id, "error", err)
		}
	}

	if dependents := m.graph.GetDependents(id); len(dependents) > 0 {
		m.logger.Warn("Unregistering plugin with registered dependents",
			"plugin", id,
			"dependents", dependents)
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	m.graph.RemovePlugin(id)

	m.emit(EventPluginUnregistered, id, nil)
	m.logger.Info("Plugin unregistered", "plugin", id)
	return nil
}

// SetPluginOverrides stores configuration applied to id when it is next
// registered. It does not change a registered plugin; use UpdatePluginConfig.
func (m *Manager) SetPluginOverrides(id string, overrides PluginConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[id] = overrides.Clone()
}

// GetPlugin returns the plugin registered under id.
func (m *Manager) GetPlugin(id string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, exists := m.entries[id]
	if !exists {
		return nil, false
	}
	return entry.plugin, true
}

// GetRegistration returns the registration record of id.
func (m *Manager) GetRegistration(id string) (PluginRegistration, error) {
	entry, err := m.getEntry(id)
	if err != nil {
		return PluginRegistration{}, err
	}
	return entry.registration(), nil
}

// GetAllPlugins returns every registered plugin ordered by id.
func (m *Manager) GetAllPlugins() []Plugin {
	return m.selectPlugins(func(*pluginEntry) bool { return true })
}

// GetPluginsByKind returns the plugins of kind ordered by id.
func (m *Manager) GetPluginsByKind(kind Kind) []Plugin {
	return m.selectPlugins(func(e *pluginEntry) bool { return e.manifest.Kind == kind })
}

// GetEnabledPlugins returns the enabled plugins ordered by id.
func (m *Manager) GetEnabledPlugins() []Plugin {
	return m.selectPlugins(func(e *pluginEntry) bool { return e.isEnabled() })
}

func (m *Manager) selectPlugins(match func(*pluginEntry) bool) []Plugin {
	entries := m.sortedEntries()
	plugins := make([]Plugin, 0, len(entries))
	for _, entry := range entries {
		if match(entry) {
			plugins = append(plugins, entry.plugin)
		}
	}
	return plugins
}

func (m *Manager) sortedEntries() []*pluginEntry {
	m.mu.RLock()
	entries := make([]*pluginEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id() < entries[j].id() })
	return entries
}

func (m *Manager) emitAll(events []Event) {
	for _, event := range events {
		m.events.Emit(event)
	}
}
