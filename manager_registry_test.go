// manager_registry_test.go: Tests for plugin registration and lookup
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"testing"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Register_StartsUnloaded(t *testing.T) {
	m, _ := newTestManager(t, nil)
	events := recordEvents(m)

	p := newMockPlugin("alpha")
	require.NoError(t, m.Register(context.Background(), p))

	got, ok := m.GetPlugin("alpha")
	require.True(t, ok)
	assert.Same(t, p, got)

	status, err := m.GetPluginStatus("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateUnloaded, status.State)
	assert.False(t, status.Enabled)
	assert.False(t, status.Loaded)
	assert.Equal(t, HealthHealthy, status.Health)
	assert.Equal(t, int64(0), status.Performance.TotalExecutions)
	assert.Equal(t, float64(100), status.Performance.SuccessRate)
	assert.Empty(t, status.Errors)

	reg, err := m.GetRegistration("alpha")
	require.NoError(t, err)
	assert.Equal(t, "host", reg.RegisteredBy)
	assert.Empty(t, reg.Dependencies)
	assert.False(t, reg.RegisteredAt.IsZero())

	assert.Equal(t, []EventType{EventPluginRegistered}, events.types("alpha"))
	registered := events.ofType(EventPluginRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, "native", registered[0].Data["kind"])
	assert.Equal(t, "1.0.0", registered[0].Data["version"])
	assert.Equal(t, int64(0), p.loadCalls.Load(), "registration must not load")
}

func TestManager_Register_DuplicateLeavesOriginal(t *testing.T) {
	m, _ := newTestManager(t, nil)
	original := newMockPlugin("alpha")
	registerAndEnable(t, m, original)

	impostor := newMockPlugin("alpha")
	impostor.manifest.Name = "Impostor"
	err := m.Register(context.Background(), impostor)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeDuplicatePlugin))

	got, ok := m.GetPlugin("alpha")
	require.True(t, ok)
	assert.Same(t, original, got)
	assert.Len(t, m.GetAllPlugins(), 1)

	status, err := m.GetPluginStatus("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateActive, status.State)
	assert.Equal(t, int64(0), impostor.loadCalls.Load())
}

func TestManager_Register_RejectsInvalidPlugins(t *testing.T) {
	testCases := []struct {
		name   string
		plugin Plugin
		code   goerrors.ErrorCode
	}{
		{"nil plugin", nil, ErrCodeInvalidPluginNil},
		{"missing id", withManifest(func(mf *Manifest) { mf.ID = "" }), ErrCodeInvalidManifest},
		{"blank name", withManifest(func(mf *Manifest) { mf.Name = "  " }), ErrCodeInvalidManifest},
		{"missing version", withManifest(func(mf *Manifest) { mf.Version = "" }), ErrCodeInvalidManifest},
		{"unknown kind", withManifest(func(mf *Manifest) { mf.Kind = Kind(42) }), ErrCodeInvalidKind},
		{"remote tool without binding", withManifest(func(mf *Manifest) { mf.Kind = KindRemoteTool }), ErrCodeMissingExecutor},
		{"native without executor", manifestOnlyPlugin{manifest: Manifest{ID: "bare", Name: "Bare", Version: "1.0.0", Kind: KindNative}}, ErrCodeMissingExecutor},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestManager(t, nil)
			events := recordEvents(m)

			err := m.Register(context.Background(), tc.plugin)
			require.Error(t, err)
			assert.True(t, HasErrorCode(err, tc.code), "unexpected error: %v", err)
			assert.Empty(t, m.GetAllPlugins())
			assert.Empty(t, events.ofType(EventPluginRegistered))
		})
	}
}

func withManifest(mutate func(*Manifest)) *mockPlugin {
	p := newMockPlugin("broken")
	mutate(&p.manifest)
	return p
}

func TestManager_Register_MissingRequiredDependency(t *testing.T) {
	m, _ := newTestManager(t, nil)
	events := recordEvents(m)
	ctx := context.Background()

	child := newMockPlugin("child", Dependency{ID: "parent"})
	err := m.Register(ctx, child)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeDependencyMissing))
	_, ok := m.GetPlugin("child")
	assert.False(t, ok)

	missing := events.ofType(EventDependencyMissing)
	require.Len(t, missing, 1)
	assert.Equal(t, "child", missing[0].PluginID)
	assert.Equal(t, "parent", missing[0].Data["dependency"])

	require.NoError(t, m.Register(ctx, newMockPlugin("parent")))
	require.NoError(t, m.Register(ctx, child))

	resolved := events.ofType(EventDependencyResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "child", resolved[0].PluginID)
	assert.Equal(t, true, resolved[0].Data["present"])

	reg, err := m.GetRegistration("child")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent"}, reg.Dependencies)
	assert.Equal(t, []string{"child"}, m.graph.GetDependents("parent"))
}

func TestManager_Register_OptionalDependency(t *testing.T) {
	m, _ := newTestManager(t, nil)
	events := recordEvents(m)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, newMockPlugin("reporter", Dependency{ID: "metrics", Optional: true})))

	resolved := events.ofType(EventDependencyResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, false, resolved[0].Data["present"])
	assert.Empty(t, m.graph.GetDependencies("reporter"))

	// Registering the optional dependency later links it into the load order.
	require.NoError(t, m.Register(ctx, newMockPlugin("metrics")))
	assert.Equal(t, []string{"metrics"}, m.graph.GetDependencies("reporter"))

	order, err := m.graph.CalculateLoadOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"metrics", "reporter"}, order)
}

func TestManager_Register_ConfigMerge(t *testing.T) {
	m, _ := newTestManager(t, func(c *ManagerConfig) {
		c.Plugins = map[string]PluginConfig{
			"cache": {"size": 256, "ttl": "1m"},
		}
	})

	p := newMockPlugin("cache")
	p.manifest.DefaultConfig = PluginConfig{"size": 64, "ttl": "30s", "eviction": "lru"}

	err := m.Register(context.Background(), p,
		WithRegisteredBy("admin"),
		WithPluginConfig(PluginConfig{"ttl": "5m"}))
	require.NoError(t, err)

	reg, err := m.GetRegistration("cache")
	require.NoError(t, err)
	assert.Equal(t, "admin", reg.RegisteredBy)
	assert.Equal(t, PluginConfig{"size": 256, "ttl": "5m", "eviction": "lru"}, reg.Config)

	// The manifest defaults are never mutated.
	assert.Equal(t, 64, p.manifest.DefaultConfig["size"])
}

func TestManager_Register_SafetyPolicy(t *testing.T) {
	rejectNetwork := SafetyPolicyFunc(func(mf Manifest) SafetyVerdict {
		for _, perm := range mf.Permissions {
			if perm == "network" {
				return SafetyVerdict{Safe: false, Reasons: []string{"network access"}}
			}
		}
		return SafetyVerdict{Safe: true}
	})

	t.Run("rejected", func(t *testing.T) {
		m, _ := newTestManager(t, nil, WithSafetyPolicy(rejectNetwork))

		p := newMockPlugin("fetcher")
		p.manifest.Permissions = []string{"network"}
		err := m.Register(context.Background(), p)
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeUnsafePlugin))
		assert.Empty(t, m.GetAllPlugins())

		require.NoError(t, m.Register(context.Background(), newMockPlugin("local")))
	})

	t.Run("allowed with warning", func(t *testing.T) {
		m, logger := newTestManager(t, func(c *ManagerConfig) {
			c.AllowUnsafePlugins = true
		}, WithSafetyPolicy(rejectNetwork))

		p := newMockPlugin("fetcher")
		p.manifest.Permissions = []string{"network"}
		require.NoError(t, m.Register(context.Background(), p))
		assert.True(t, logger.HasMessage("WARN", "Registering unsafe plugin"))
	})

	t.Run("policy from config", func(t *testing.T) {
		m, _ := newTestManager(t, func(c *ManagerConfig) {
			c.Security.AllowedKinds = []string{"native"}
		})

		tool := NewRemoteTool(Manifest{ID: "search", Name: "Search", Version: "1.0.0"}, ToolBinding{Tool: "search"})
		err := m.Register(context.Background(), tool)
		assert.True(t, HasErrorCode(err, ErrCodeUnsafePlugin))
	})
}

func TestManager_Unregister(t *testing.T) {
	m, logger := newTestManager(t, nil)
	events := recordEvents(m)
	ctx := context.Background()

	err := m.Unregister(ctx, "ghost")
	assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))

	parent := newMockPlugin("parent")
	child := newMockPlugin("child", Dependency{ID: "parent"})
	registerAndEnable(t, m, parent, child)
	events.reset()

	require.NoError(t, m.Unregister(ctx, "parent"))

	assert.Equal(t, int64(1), parent.deactivateCalls.Load())
	assert.Equal(t, int64(1), parent.unloadCalls.Load())
	_, ok := m.GetPlugin("parent")
	assert.False(t, ok)
	assert.False(t, m.graph.Contains("parent"))
	assert.True(t, logger.HasMessage("WARN", "Unregistering plugin with registered dependents"))

	assert.Equal(t, []EventType{
		EventPluginDisabling, EventPluginDisabled,
		EventPluginUnloading, EventPluginUnloaded,
		EventPluginUnregistered,
	}, events.types("parent"))

	// Dependents are not cascaded.
	status, err := m.GetPluginStatus("child")
	require.NoError(t, err)
	assert.Equal(t, StateActive, status.State)
}

func TestManager_Unregister_ReRegisterSameID(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	registerAndEnable(t, m, newMockPlugin("alpha"))
	require.NoError(t, m.Unregister(ctx, "alpha"))

	replacement := newMockPlugin("alpha")
	require.NoError(t, m.Register(ctx, replacement))
	got, _ := m.GetPlugin("alpha")
	assert.Same(t, replacement, got)
}

func TestManager_Unregister_ReRegisteredDependencyKeepsOrder(t *testing.T) {
	m, _ := newTestManager(t, nil)
	events := recordEvents(m)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, newMockPlugin("parent")))
	require.NoError(t, m.Register(ctx, newMockPlugin("child", Dependency{ID: "parent"})))

	require.NoError(t, m.Unregister(ctx, "parent"))
	assert.Empty(t, m.graph.GetDependencies("child"))

	require.NoError(t, m.Register(ctx, newMockPlugin("parent")))
	assert.Equal(t, []string{"parent"}, m.graph.GetDependencies("child"), "required edge restored")

	require.NoError(t, m.EnableAll(ctx))
	var enabled []string
	for _, e := range events.ofType(EventPluginEnabled) {
		enabled = append(enabled, e.PluginID)
	}
	assert.Equal(t, []string{"parent", "child"}, enabled)

	require.NoError(t, m.Shutdown(ctx))
	var unloaded []string
	for _, e := range events.ofType(EventPluginUnloaded) {
		unloaded = append(unloaded, e.PluginID)
	}
	assert.Equal(t, []string{"child", "parent"}, unloaded)
}

func TestManager_PluginQueries(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	tool := NewRemoteTool(Manifest{ID: "b-tool", Name: "Tool", Version: "1.0.0"}, ToolBinding{Tool: "lookup"})
	require.NoError(t, m.Register(ctx, tool))
	require.NoError(t, m.Register(ctx, newMockPlugin("c-native")))
	registerAndEnable(t, m, newMockPlugin("a-native"))

	ids := func(plugins []Plugin) []string {
		out := make([]string, 0, len(plugins))
		for _, p := range plugins {
			out = append(out, p.Manifest().ID)
		}
		return out
	}

	assert.Equal(t, []string{"a-native", "b-tool", "c-native"}, ids(m.GetAllPlugins()))
	assert.Equal(t, []string{"a-native", "c-native"}, ids(m.GetPluginsByKind(KindNative)))
	assert.Equal(t, []string{"b-tool"}, ids(m.GetPluginsByKind(KindRemoteTool)))
	assert.Equal(t, []string{"a-native"}, ids(m.GetEnabledPlugins()))

	_, ok := m.GetPlugin("missing")
	assert.False(t, ok)
}

func TestManager_SetPluginOverrides_AppliesOnNextRegistration(t *testing.T) {
	m, _ := newTestManager(t, nil)

	m.SetPluginOverrides("late", PluginConfig{"mode": "strict"})
	require.NoError(t, m.Register(context.Background(), newMockPlugin("late")))

	reg, err := m.GetRegistration("late")
	require.NoError(t, err)
	assert.Equal(t, "strict", reg.Config["mode"])
}
