// testing_helpers_test.go: Shared mocks and helpers for the plugin host tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockPlugin is a native plugin implementing every optional hook. Hook
// functions must be set before registration; unset hooks succeed.
type mockPlugin struct {
	manifest Manifest

	executeFn    func(ctx context.Context, execCtx ExecutionContext) (any, error)
	loadFn       func(ctx context.Context) error
	unloadFn     func(ctx context.Context) error
	initFn       func(ctx context.Context, initCtx InitContext) error
	activateFn   func(ctx context.Context) error
	deactivateFn func(ctx context.Context) error
	configFn     func(ctx context.Context, oldConfig, newConfig PluginConfig) error
	messageFn    func(ctx context.Context, msg Message, execCtx ExecutionContext) (any, error)
	resources    ResourceUsage

	executeCalls    atomic.Int64
	loadCalls       atomic.Int64
	unloadCalls     atomic.Int64
	initCalls       atomic.Int64
	activateCalls   atomic.Int64
	deactivateCalls atomic.Int64
	configCalls     atomic.Int64
	messageCalls    atomic.Int64

	mu       sync.Mutex
	lastInit InitContext
}

func newMockPlugin(id string, deps ...Dependency) *mockPlugin {
	return &mockPlugin{
		manifest: Manifest{
			ID:           id,
			Name:         "Mock " + id,
			Version:      "1.0.0",
			Kind:         KindNative,
			Dependencies: deps,
		},
	}
}

func (p *mockPlugin) Manifest() Manifest { return p.manifest }

func (p *mockPlugin) Execute(ctx context.Context, execCtx ExecutionContext) (any, error) {
	p.executeCalls.Add(1)
	if p.executeFn != nil {
		return p.executeFn(ctx, execCtx)
	}
	return map[string]any{"plugin": p.manifest.ID, "request_id": execCtx.RequestID}, nil
}

func (p *mockPlugin) OnLoad(ctx context.Context) error {
	p.loadCalls.Add(1)
	if p.loadFn != nil {
		return p.loadFn(ctx)
	}
	return nil
}

func (p *mockPlugin) OnUnload(ctx context.Context) error {
	p.unloadCalls.Add(1)
	if p.unloadFn != nil {
		return p.unloadFn(ctx)
	}
	return nil
}

func (p *mockPlugin) OnInit(ctx context.Context, initCtx InitContext) error {
	p.initCalls.Add(1)
	p.mu.Lock()
	p.lastInit = initCtx
	p.mu.Unlock()
	if p.initFn != nil {
		return p.initFn(ctx, initCtx)
	}
	return nil
}

func (p *mockPlugin) OnActivate(ctx context.Context) error {
	p.activateCalls.Add(1)
	if p.activateFn != nil {
		return p.activateFn(ctx)
	}
	return nil
}

func (p *mockPlugin) OnDeactivate(ctx context.Context) error {
	p.deactivateCalls.Add(1)
	if p.deactivateFn != nil {
		return p.deactivateFn(ctx)
	}
	return nil
}

func (p *mockPlugin) OnConfigChange(ctx context.Context, oldConfig, newConfig PluginConfig) error {
	p.configCalls.Add(1)
	if p.configFn != nil {
		return p.configFn(ctx, oldConfig, newConfig)
	}
	return nil
}

func (p *mockPlugin) OnMessage(ctx context.Context, msg Message, execCtx ExecutionContext) (any, error) {
	p.messageCalls.Add(1)
	if p.messageFn != nil {
		return p.messageFn(ctx, msg, execCtx)
	}
	return p.manifest.ID + " received " + msg.Type, nil
}

func (p *mockPlugin) ResourceUsage() ResourceUsage { return p.resources }

func (p *mockPlugin) initContext() InitContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastInit
}

// manifestOnlyPlugin implements no executor at all.
type manifestOnlyPlugin struct {
	manifest Manifest
}

func (p manifestOnlyPlugin) Manifest() Manifest { return p.manifest }

// gate blocks executions until released and reports when they start.
type gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 64), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func (g *gate) awaitStart(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not start")
	}
}

// newTestManager creates a manager with short timeouts and a capturing
// logger. The manager is shut down when the test ends.
func newTestManager(t *testing.T, mutate func(*ManagerConfig), opts ...Option) (*Manager, *TestLogger) {
	t.Helper()

	config := DefaultManagerConfig()
	config.LoadTimeout = 2 * time.Second
	config.InitTimeout = 2 * time.Second
	config.ExecutionTimeout = 2 * time.Second
	config.DrainTimeout = time.Second
	if mutate != nil {
		mutate(&config)
	}

	logger := NewTestLogger()
	opts = append([]Option{WithLogger(logger)}, opts...)
	manager, err := NewManager(config, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return manager, logger
}

func registerAndEnable(t *testing.T, m *Manager, plugins ...Plugin) {
	t.Helper()
	ctx := context.Background()
	for _, p := range plugins {
		require.NoError(t, m.Register(ctx, p))
		require.NoError(t, m.Enable(ctx, p.Manifest().ID))
	}
}

// eventRecorder captures every event emitted on a bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(m *Manager) *eventRecorder {
	r := &eventRecorder{}
	m.OnAll(func(event Event) error {
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
		return nil
	})
	return r
}

// types returns the event types emitted for pluginID, in order.
func (r *eventRecorder) types(pluginID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		if e.PluginID == pluginID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *eventRecorder) ofType(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// TestAssertions provides assertion helpers with a context message.
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions creates new test assertion helper
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertNoError asserts that error is nil, with context
func (ta *TestAssertions) AssertNoError(err error, context string) {
	ta.t.Helper()
	if err != nil {
		ta.t.Fatalf("Expected no error in %s, got: %v", context, err)
	}
}

// AssertError asserts that error is not nil, with context
func (ta *TestAssertions) AssertError(err error, context string) {
	ta.t.Helper()
	if err == nil {
		ta.t.Fatalf("Expected error in %s, got nil", context)
	}
}

// AssertEqual asserts that two values are equal
func (ta *TestAssertions) AssertEqual(expected, actual interface{}, context string) {
	ta.t.Helper()
	if expected != actual {
		ta.t.Fatalf("Expected %v in %s, got %v", expected, context, actual)
	}
}

// AssertTrue asserts that condition is true
func (ta *TestAssertions) AssertTrue(condition bool, context string) {
	ta.t.Helper()
	if !condition {
		ta.t.Fatalf("Expected true condition in %s", context)
	}
}

// AssertFalse asserts that condition is false
func (ta *TestAssertions) AssertFalse(condition bool, context string) {
	ta.t.Helper()
	if condition {
		ta.t.Fatalf("Expected false condition in %s", context)
	}
}
