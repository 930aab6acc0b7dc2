// manager_lifecycle.go: Lifecycle state machine of registered plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"time"
)

// Load runs the plugin's OnLoad hook, bounded by LoadTimeout, and moves it to
// loaded. Loading a loaded plugin is a no-op. A failed load leaves the plugin
// in the error state; only Unload and Unregister are accepted from there.
func (m *Manager) Load(ctx context.Context, id string) error {
	if m.shutdown.Load() {
		return NewManagerShutdownError()
	}
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()
	return m.load(ctx, entry)
}

func (m *Manager) load(ctx context.Context, entry *pluginEntry) error {
	id := entry.id()
	if state := entry.state(); state == StateError {
		return NewInvalidTransitionError(id, state, "load")
	}
	if entry.isLoaded() {
		m.logger.Warn("Plugin already loaded", "plugin", id)
		return nil
	}

	m.emit(EventPluginLoading, id, nil)
	entry.setState(StateLoading, false, false)
	start := time.Now()

	hookCtx, cancel := context.WithTimeout(ctx, m.config.LoadTimeout)
	defer cancel()

	err := m.callHook(hookCtx, entry, "OnLoad", func(c context.Context) error {
		if hook, ok := entry.plugin.(LoadHook); ok {
			return hook.OnLoad(c)
		}
		return nil
	})
	if err != nil {
		var loadErr error
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			loadErr = NewLoadTimeoutError(id, m.config.LoadTimeout)
		} else {
			loadErr = NewLoadFailedError(id, err)
		}
		entry.setState(StateError, false, false)
		m.recordFailure(entry, ErrorKindLoad, SeverityHigh, true, loadErr)
		return loadErr
	}

	entry.setState(StateLoaded, false, true)
	m.recordTransition(id, "load")
	m.emit(EventPluginLoaded, id, map[string]any{"duration": time.Since(start)})
	m.logger.Info("Plugin loaded", "plugin", id, "duration", time.Since(start))
	return nil
}

// Unload disables the plugin if needed, runs OnUnload and moves it to
// unloaded. The state settles even when the hook fails; the hook error is
// recorded and returned. Unloading from the error state always settles to
// unloaded.
func (m *Manager) Unload(ctx context.Context, id string) error {
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()
	return m.unload(ctx, entry)
}

func (m *Manager) unload(ctx context.Context, entry *pluginEntry) error {
	id := entry.id()
	fromError := entry.state() == StateError
	if !fromError && !entry.isLoaded() {
		m.logger.Warn("Plugin not loaded", "plugin", id)
		return nil
	}

	var errs []error
	if entry.isEnabled() {
		if err := m.disable(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}

	m.emit(EventPluginUnloading, id, nil)
	wasLoaded := entry.isLoaded()
	entry.setState(StateUnloading, false, wasLoaded)

	if wasLoaded {
		hookCtx, cancel := context.WithTimeout(ctx, m.config.LoadTimeout)
		err := m.callHook(hookCtx, entry, "OnUnload", func(c context.Context) error {
			if hook, ok := entry.plugin.(UnloadHook); ok {
				return hook.OnUnload(c)
			}
			return nil
		})
		cancel()
		if err != nil {
			unloadErr := NewUnloadFailedError(id, err)
			m.recordFailure(entry, ErrorKindLoad, SeverityMedium, true, unloadErr)
			errs = append(errs, unloadErr)
		}
	}

	entry.setState(StateUnloaded, false, false)
	m.recordTransition(id, "unload")
	m.emit(EventPluginUnloaded, id, map[string]any{"from_error": fromError})
	m.logger.Info("Plugin unloaded", "plugin", id)
	return errors.Join(errs...)
}

// Enable loads the plugin if needed, then runs OnInit and OnActivate within
// InitTimeout. The plugin is active, and executable, only once both hooks
// returned. Enabling an enabled plugin is a no-op.
func (m *Manager) Enable(ctx context.Context, id string) error {
	if m.shutdown.Load() {
		return NewManagerShutdownError()
	}
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()
	return m.enable(ctx, entry)
}

func (m *Manager) enable(ctx context.Context, entry *pluginEntry) error {
	id := entry.id()
	if state := entry.state(); state == StateError {
		return NewInvalidTransitionError(id, state, "enable")
	}
	if entry.isEnabled() {
		m.logger.Warn("Plugin already enabled", "plugin", id)
		return nil
	}
	if !entry.isLoaded() {
		if err := m.load(ctx, entry); err != nil {
			return err
		}
	}

	m.emit(EventPluginEnabling, id, nil)
	entry.setState(StateInitializing, false, true)
	start := time.Now()

	initCtx := m.buildInitContext(entry)
	hookCtx, cancel := context.WithTimeout(ctx, m.config.InitTimeout)
	err := m.callHook(hookCtx, entry, "OnInit", func(c context.Context) error {
		if hook, ok := entry.plugin.(InitHook); ok {
			return hook.OnInit(c, initCtx)
		}
		return nil
	})
	if err == nil {
		err = m.callHook(hookCtx, entry, "OnActivate", func(c context.Context) error {
			if hook, ok := entry.plugin.(ActivateHook); ok {
				return hook.OnActivate(c)
			}
			return nil
		})
	}
	cancel()

	if err != nil {
		initErr := NewInitFailedError(id, err)
		entry.setState(StateError, false, true)
		m.recordFailure(entry, ErrorKindInit, SeverityHigh, true, initErr)
		return initErr
	}

	entry.breaker.Reset()
	entry.setState(StateActive, true, true)
	m.recordTransition(id, "enable")
	m.emit(EventPluginEnabled, id, map[string]any{"duration": time.Since(start)})
	m.logger.Info("Plugin enabled", "plugin", id, "duration", time.Since(start))
	return nil
}

// Disable stops new executions, waits up to DrainTimeout for in-flight ones
// (canceling what remains), runs OnDeactivate and settles in loaded. The state
// settles even when the hook fails; the hook error is recorded and returned.
func (m *Manager) Disable(ctx context.Context, id string) error {
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()
	return m.disable(ctx, entry)
}

func (m *Manager) disable(ctx context.Context, entry *pluginEntry) error {
	id := entry.id()
	if !entry.isEnabled() {
		m.logger.Warn("Plugin not enabled", "plugin", id)
		return nil
	}

	m.emit(EventPluginDisabling, id, nil)
	entry.setState(StateSuspended, false, true)

	if err := m.requestTracker.GracefulDrain(ctx, id, m.config.DrainTimeout); err != nil {
		m.logger.Warn("Plugin did not drain in time", "plugin", id, "error", err)
	}

	hookCtx, cancel := context.WithTimeout(ctx, m.config.InitTimeout)
	err := m.callHook(hookCtx, entry, "OnDeactivate", func(c context.Context) error {
		if hook, ok := entry.plugin.(DeactivateHook); ok {
			return hook.OnDeactivate(c)
		}
		return nil
	})
	cancel()

	entry.setState(StateLoaded, false, true)
	m.recordTransition(id, "disable")

	var deactivateErr error
	if err != nil {
		deactivateErr = NewDeactivateFailedError(id, err)
		m.recordFailure(entry, ErrorKindExecute, SeverityMedium, true, deactivateErr)
	}
	m.emit(EventPluginDisabled, id, nil)
	m.logger.Info("Plugin disabled", "plugin", id)
	return deactivateErr
}

// EnableAll enables every registered plugin, dependencies first. A failing
// plugin does not stop the others; all errors are joined.
func (m *Manager) EnableAll(ctx context.Context) error {
	order, err := m.graph.CalculateLoadOrder()
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.Enable(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) buildInitContext(entry *pluginEntry) InitContext {
	shared := make(map[string]any, len(m.sharedResources))
	for k, v := range m.sharedResources {
		shared[k] = v
	}

	return InitContext{
		HostVersion:        m.config.Host.Version,
		Platform:           m.config.Host.Platform,
		GrantedPermissions: grantedPermissions(entry.manifest.Permissions, m.config.Host.GrantedPermissions),
		AvailableFeatures:  append([]string(nil), m.config.Host.Features...),
		SharedResources:    shared,
		Config:             entry.currentConfig(),
		Logger:             m.loggerFactory(entry.id()),
	}
}

// callHook runs plugin code in its own goroutine and returns when it finishes
// or ctx is done, whichever comes first. Panics become errors. A hook that
// ignores ctx keeps running in the background after a timeout.
func (m *Manager) callHook(ctx context.Context, entry *pluginEntry, hook string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- callPluginCode(entry.logger, entry.id(), hook, func() error {
			return fn(ctx)
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.logger.Warn("Plugin hook did not complete in time", "plugin", entry.id(), "hook", hook)
		return ctx.Err()
	}
}

func (m *Manager) recordTransition(id, transition string) {
	m.metrics.IncrementCounter(MetricLifecycleTransitions, map[string]string{
		"plugin_id":  id,
		"transition": transition,
	}, 1)
}
