// manager.go: Plugin manager construction, options and shutdown
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// Manager registers, drives and executes plugins.
//
// A Manager owns every plugin registered with it for the plugin's lifetime.
// Lifecycle calls for the same plugin are serialised; executions go through a
// bounded-concurrency scheduler with one consuming goroutine per manager.
//
// Core capabilities:
//   - Registration with manifest, safety and dependency validation
//   - Explicit lifecycle state machine with hook timeouts and panic isolation
//   - Batched execution with per-call timeouts and per-plugin circuit breakers
//   - Synchronous event bus for observers
//   - Health and statistics derived from the per-plugin records
//
// Example usage:
//
//	manager, err := NewManager(DefaultManagerConfig(), WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Shutdown(context.Background())
//
//	if err := manager.Register(ctx, NewFuncPlugin(manifest, handler)); err != nil {
//	    log.Fatal(err)
//	}
//	if err := manager.Enable(ctx, manifest.ID); err != nil {
//	    log.Fatal(err)
//	}
//	result, err := manager.ExecutePlugin(ctx, manifest.ID, ExecutionContext{
//	    Input: map[string]any{"op": "add", "a": 2, "b": 3},
//	})
type Manager struct {
	config          ManagerConfig
	logger          Logger
	loggerFactory   LoggerFactory
	events          *EventBus
	graph           *DependencyGraph
	safety          SafetyPolicy
	ownedPolicy     *PermissionPolicy
	transport       RemoteToolTransport
	metrics         MetricsCollector
	requestTracker  *RequestTracker
	sharedResources map[string]any

	mu        sync.RWMutex
	entries   map[string]*pluginEntry
	overrides map[string]PluginConfig

	scheduler *executionScheduler

	shutdown     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger. Any value accepted by NewLogger works.
func WithLogger(logger any) Option {
	return func(m *Manager) {
		m.logger = NewLogger(logger)
	}
}

// WithLoggerFactory sets the factory of the loggers handed to plugins.
func WithLoggerFactory(factory LoggerFactory) Option {
	return func(m *Manager) {
		m.loggerFactory = factory
	}
}

// WithRemoteToolTransport sets the transport used by RemoteTool plugins.
func WithRemoteToolTransport(transport RemoteToolTransport) Option {
	return func(m *Manager) {
		m.transport = transport
	}
}

// WithSafetyPolicy replaces the policy built from ManagerConfig.Security.
func WithSafetyPolicy(policy SafetyPolicy) Option {
	return func(m *Manager) {
		m.safety = policy
	}
}

// WithMetricsCollector sets the collector receiving manager metrics.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithSharedResource exposes value to plugins through InitContext.SharedResources.
func WithSharedResource(name string, value any) Option {
	return func(m *Manager) {
		m.sharedResources[name] = value
	}
}

// WithEventBus makes the manager emit on an existing bus.
func WithEventBus(bus *EventBus) Option {
	return func(m *Manager) {
		m.events = bus
	}
}

// NewManager validates config and starts the execution scheduler.
//
// Zero fields of config are replaced by their defaults. When no safety policy
// is given and config.Security restricts permissions, kinds or enables
// auditing, a PermissionPolicy is built from it.
func NewManager(config ManagerConfig, opts ...Option) (*Manager, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		config:          config,
		logger:          NewNoOpLogger(),
		graph:           NewDependencyGraph(),
		sharedResources: make(map[string]any),
		entries:         make(map[string]*pluginEntry),
		overrides:       make(map[string]PluginConfig, len(config.Plugins)),
	}
	for id, cfg := range config.Plugins {
		m.overrides[id] = cfg.Clone()
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.loggerFactory == nil {
		m.loggerFactory = scopedLoggerFactory(m.logger)
	}
	if m.events == nil {
		m.events = NewEventBus(m.logger)
	}
	if m.metrics == nil {
		m.metrics = noopMetricsCollector{}
	}
	if m.safety == nil && needsPermissionPolicy(config.Security) {
		policy, err := NewPermissionPolicy(config.Security, m.logger)
		if err != nil {
			return nil, err
		}
		m.safety = policy
		m.ownedPolicy = policy
	}

	m.requestTracker = NewRequestTracker(m.metrics, "pluginhost")
	m.scheduler = newExecutionScheduler(config.MaxConcurrentExecutions, m.runTask, m.rejectTask, m.metrics)
	m.scheduler.start()

	m.logger.Info("Plugin manager started",
		"max_concurrent_executions", config.MaxConcurrentExecutions,
		"execution_timeout", config.ExecutionTimeout,
		"circuit_breaker", config.CircuitBreaker.Enabled)
	return m, nil
}

func needsPermissionPolicy(security SecurityConfig) bool {
	return len(security.AllowedPermissions) > 0 || len(security.AllowedKinds) > 0 || security.Audit.Enabled
}

// Config returns the effective configuration.
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// Events returns the bus the manager emits on.
func (m *Manager) Events() *EventBus {
	return m.events
}

// On subscribes handler to one event type.
func (m *Manager) On(event EventType, handler EventHandler) SubscriptionID {
	return m.events.On(event, handler)
}

// OnAll subscribes handler to every event.
func (m *Manager) OnAll(handler EventHandler) SubscriptionID {
	return m.events.OnAll(handler)
}

// Off removes a subscription made with On, or with OnAll when event is empty.
func (m *Manager) Off(event EventType, id SubscriptionID) bool {
	return m.events.Off(event, id)
}

// GetMetrics returns the metrics of the configured collector.
func (m *Manager) GetMetrics() map[string]interface{} {
	return m.metrics.GetMetrics()
}

// Shutdown stops the scheduler, rejecting queued executions, then disables
// and unloads every plugin in reverse dependency order. Calling it again
// returns the result of the first call.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdown.Store(true)
		m.logger.Info("Plugin manager shutting down")

		var errs []error
		if err := m.scheduler.stop(ctx); err != nil {
			errs = append(errs, err)
		}

		for _, id := range m.teardownOrder() {
			entry, err := m.getEntry(id)
			if err != nil {
				continue
			}
			entry.lifecycle.Lock()
			if err := m.unload(ctx, entry); err != nil {
				errs = append(errs, err)
			}
			entry.lifecycle.Unlock()
		}

		if m.ownedPolicy != nil {
			if err := m.ownedPolicy.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		m.shutdownErr = errors.Join(errs...)
		if m.shutdownErr != nil {
			m.logger.Warn("Plugin manager shut down with errors", "error", m.shutdownErr)
		} else {
			m.logger.Info("Plugin manager shut down")
		}
	})
	return m.shutdownErr
}

// teardownOrder is the dependency order reversed, so dependents go first.
// Without a valid order the ids are torn down in reverse alphabetical order.
func (m *Manager) teardownOrder() []string {
	order, err := m.graph.CalculateLoadOrder()
	if err != nil {
		m.logger.Warn("Falling back to alphabetical teardown order", "error", err)
		order = m.pluginIDs()
	}
	reversed := make([]string, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		reversed = append(reversed, order[i])
	}
	return reversed
}

func (m *Manager) pluginIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) getEntry(id string) (*pluginEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, exists := m.entries[id]
	if !exists {
		return nil, NewPluginNotFoundError(id)
	}
	return entry, nil
}

// emit publishes an event. It must not be called with m.mu or an entry lock held.
func (m *Manager) emit(eventType EventType, pluginID string, data map[string]any) {
	m.events.Emit(Event{Type: eventType, PluginID: pluginID, Data: data})
}

// recordFailure logs cause, appends it to the plugin's error log and emits
// plugin-error.
func (m *Manager) recordFailure(entry *pluginEntry, kind ErrorKind, severity ErrorSeverity, recoverable bool, cause error) PluginError {
	pluginErr := entry.recordError(kind, severity, recoverable, cause)
	m.metrics.IncrementCounter(MetricPluginErrors, map[string]string{
		"plugin_id": entry.id(),
		"kind":      string(kind),
	}, 1)

	m.logger.Error("Plugin error recorded",
		"plugin", entry.id(),
		"kind", string(kind),
		"severity", string(severity),
		"error", cause)

	m.events.Emit(Event{
		Type:     EventPluginError,
		PluginID: entry.id(),
		Data:     map[string]any{"kind": string(kind), "severity": string(severity)},
		Error:    &pluginErr,
	})
	return pluginErr
}

// Compile-time check that Manager implements PluginHost.
var _ PluginHost = (*Manager)(nil)
