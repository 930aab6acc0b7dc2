// manager_config.go: Runtime configuration updates of registered plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
)

// UpdatePluginConfig merges partial over the plugin configuration, key by
// key, and hands old and new configuration to OnConfigChange when the plugin
// implements it. A rejected change is reverted, recorded and returned.
func (m *Manager) UpdatePluginConfig(ctx context.Context, id string, partial PluginConfig) error {
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()

	oldConfig := entry.currentConfig()
	newConfig := oldConfig.Merge(partial)
	entry.setConfig(newConfig.Clone())

	if hook, ok := entry.plugin.(ConfigChangeHook); ok {
		hookCtx, cancel := context.WithTimeout(ctx, m.config.InitTimeout)
		err := m.callHook(hookCtx, entry, "OnConfigChange", func(c context.Context) error {
			return hook.OnConfigChange(c, oldConfig.Clone(), newConfig.Clone())
		})
		cancel()

		if err != nil {
			entry.setConfig(oldConfig)
			updateErr := NewConfigUpdateFailedError(id, err)
			m.recordFailure(entry, ErrorKindConfig, SeverityMedium, true, updateErr)
			return updateErr
		}
	}

	m.emit(EventConfigChanged, id, map[string]any{
		"old_config": oldConfig,
		"new_config": newConfig,
	})
	m.logger.Info("Plugin configuration updated", "plugin", id, "keys", len(partial))
	return nil
}
