// status.go: Per-plugin runtime records
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// pluginEntry is everything the manager keeps for one registered plugin.
//
// lifecycle serialises Load, Unload, Enable and Disable for the plugin. mu
// guards status and config; it is never held while plugin code runs.
type pluginEntry struct {
	plugin       Plugin
	manifest     Manifest
	registeredAt time.Time
	registeredBy string
	dependencies []string

	breaker *CircuitBreaker
	logger  Logger

	lifecycle sync.Mutex

	mu        sync.RWMutex
	status    PluginStatus
	config    PluginConfig
	maxErrors int
}

func newPluginEntry(plugin Plugin, manifest Manifest, config PluginConfig, registeredBy string, breaker *CircuitBreaker, logger Logger, maxErrors int) *pluginEntry {
	now := timecache.CachedTime()

	dependencies := make([]string, 0, len(manifest.Dependencies))
	for _, dep := range manifest.Dependencies {
		dependencies = append(dependencies, dep.ID)
	}

	return &pluginEntry{
		plugin:       plugin,
		manifest:     manifest,
		registeredAt: now,
		registeredBy: registeredBy,
		dependencies: dependencies,
		breaker:      breaker,
		logger:       logger,
		config:       config,
		maxErrors:    maxErrors,
		status: PluginStatus{
			PluginID:    manifest.ID,
			State:       StateUnloaded,
			Health:      HealthHealthy,
			Performance: PerformanceStats{SuccessRate: 100},
			LastChange:  now,
		},
	}
}

func (e *pluginEntry) id() string { return e.manifest.ID }

// setState moves the entry to state and updates the lifecycle flags with it.
func (e *pluginEntry) setState(state State, enabled, loaded bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = state
	e.status.Enabled = enabled
	e.status.Loaded = loaded
	e.status.LastChange = timecache.CachedTime()
}

func (e *pluginEntry) state() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.State
}

func (e *pluginEntry) isEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Enabled
}

func (e *pluginEntry) isLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status.Loaded
}

func (e *pluginEntry) currentConfig() PluginConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Clone()
}

func (e *pluginEntry) setConfig(config PluginConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = config
}

// recordError appends to the error log, dropping the oldest entries beyond
// maxErrors.
func (e *pluginEntry) recordError(kind ErrorKind, severity ErrorSeverity, recoverable bool, cause error) PluginError {
	pluginErr := PluginError{
		ID:          uuid.NewString(),
		PluginID:    e.id(),
		Kind:        kind,
		Message:     cause.Error(),
		Timestamp:   timecache.CachedTime(),
		Severity:    severity,
		Recoverable: recoverable,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Errors = append(e.status.Errors, pluginErr)
	if overflow := len(e.status.Errors) - e.maxErrors; e.maxErrors > 0 && overflow > 0 {
		e.status.Errors = append([]PluginError(nil), e.status.Errors[overflow:]...)
	}
	return pluginErr
}

// recordExecution folds one dispatched execution into the running stats.
func (e *pluginEntry) recordExecution(elapsed time.Duration, failed bool) PerformanceStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	perf := &e.status.Performance
	perf.TotalExecutions++
	n := perf.TotalExecutions
	perf.AverageExecutionTime = (perf.AverageExecutionTime*time.Duration(n-1) + elapsed) / time.Duration(n)
	if failed {
		perf.ErrorCount++
	}
	perf.SuccessRate = float64(n-perf.ErrorCount) / float64(n) * 100
	return *perf
}

// snapshot returns a deep copy of the status with resources and health filled in.
func (e *pluginEntry) snapshot(degradedSuccessRate float64) PluginStatus {
	resources := e.resourceUsage()

	e.mu.RLock()
	status := e.status
	status.Errors = append([]PluginError(nil), e.status.Errors...)
	e.mu.RUnlock()

	status.Resources = resources
	status.Health = deriveHealth(status, e.breaker, degradedSuccessRate)
	return status
}

func (e *pluginEntry) resourceUsage() (usage ResourceUsage) {
	reporter, ok := e.plugin.(ResourceReporter)
	if !ok {
		return ResourceUsage{}
	}
	defer withCustomRecoveryHandler(func(recovered interface{}, _ []byte) {
		e.logger.Warn("Resource reporter panicked", "panic", fmt.Sprint(recovered))
		usage = ResourceUsage{}
	})()
	return reporter.ResourceUsage()
}

func (e *pluginEntry) registration() PluginRegistration {
	return PluginRegistration{
		Plugin:       e.plugin,
		RegisteredAt: e.registeredAt,
		RegisteredBy: e.registeredBy,
		Config:       e.currentConfig(),
		Dependencies: append([]string(nil), e.dependencies...),
	}
}
