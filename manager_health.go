// manager_health.go: Plugin status snapshots and manager-wide statistics
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"time"
)

// GetPluginStatus returns a copy of the plugin's runtime status.
func (m *Manager) GetPluginStatus(id string) (PluginStatus, error) {
	entry, err := m.getEntry(id)
	if err != nil {
		return PluginStatus{}, err
	}
	return entry.snapshot(m.config.DegradedSuccessRate), nil
}

// GetAllPluginStatus returns the status of every plugin keyed by id.
func (m *Manager) GetAllPluginStatus() map[string]PluginStatus {
	entries := m.sortedEntries()
	statuses := make(map[string]PluginStatus, len(entries))
	for _, entry := range entries {
		statuses[entry.id()] = entry.snapshot(m.config.DegradedSuccessRate)
	}
	return statuses
}

// GetManagerStats aggregates the current status of every plugin. Nothing is
// cached: each call recomputes from the per-plugin records.
func (m *Manager) GetManagerStats() ManagerStats {
	var stats ManagerStats
	var weightedTime time.Duration

	for _, entry := range m.sortedEntries() {
		status := entry.snapshot(m.config.DegradedSuccessRate)

		stats.TotalPlugins++
		if status.Enabled {
			stats.EnabledPlugins++
		}
		if status.Loaded {
			stats.LoadedPlugins++
		}
		switch status.State {
		case StateActive:
			stats.ActivePlugins++
		case StateError:
			stats.ErrorPlugins++
		}

		perf := status.Performance
		stats.TotalExecutions += perf.TotalExecutions
		stats.TotalErrors += perf.ErrorCount
		weightedTime += perf.AverageExecutionTime * time.Duration(perf.TotalExecutions)

		stats.Resources.MemoryUsage += status.Resources.MemoryUsage
		stats.Resources.CPUUsage += status.Resources.CPUUsage
	}

	stats.SuccessRate = 100
	if stats.TotalExecutions > 0 {
		stats.AverageExecutionTime = weightedTime / time.Duration(stats.TotalExecutions)
		stats.SuccessRate = float64(stats.TotalExecutions-stats.TotalErrors) / float64(stats.TotalExecutions) * 100
	}
	return stats
}

// deriveHealth maps a status to a health value: the error state is failed,
// an open circuit or a success rate below degradedSuccessRate is degraded.
func deriveHealth(status PluginStatus, breaker *CircuitBreaker, degradedSuccessRate float64) Health {
	if status.State == StateError {
		return HealthFailed
	}
	if breaker != nil && breaker.GetState() == BreakerOpen {
		return HealthDegraded
	}
	if status.Performance.TotalExecutions > 0 && status.Performance.SuccessRate < degradedSuccessRate {
		return HealthDegraded
	}
	return HealthHealthy
}
