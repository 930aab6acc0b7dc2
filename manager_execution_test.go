// manager_execution_test.go: Tests for scheduled execution, broadcasts and shutdown
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalculatorPlugin() *FuncPlugin {
	return NewFuncPlugin(Manifest{ID: "calc", Name: "Calculator", Version: "1.0.0"},
		func(ctx context.Context, execCtx ExecutionContext) (any, error) {
			a, _ := execCtx.Input["a"].(int)
			b, _ := execCtx.Input["b"].(int)
			switch execCtx.Input["op"] {
			case "add":
				return a + b, nil
			case "div":
				if b == 0 {
					return nil, errors.New("division by zero")
				}
				return a / b, nil
			default:
				return nil, fmt.Errorf("unsupported operation %v", execCtx.Input["op"])
			}
		})
}

func TestManager_ExecutePlugin_Calculator(t *testing.T) {
	m, _ := newTestManager(t, nil)
	events := recordEvents(m)
	ctx := context.Background()
	registerAndEnable(t, m, newCalculatorPlugin())

	result, err := m.ExecutePlugin(ctx, "calc", ExecutionContext{
		Input: map[string]any{"op": "add", "a": 2, "b": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, result)

	status, err := m.GetPluginStatus("calc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Performance.TotalExecutions)
	assert.Equal(t, int64(0), status.Performance.ErrorCount)
	assert.Equal(t, float64(100), status.Performance.SuccessRate)

	executed := events.ofType(EventPluginExecuted)
	require.Len(t, executed, 1)
	assert.NotEmpty(t, executed[0].Data["request_id"])
	assert.Equal(t, int64(1), executed[0].Data["total_executions"])

	_, err = m.ExecutePlugin(ctx, "calc", ExecutionContext{
		Input: map[string]any{"op": "div", "a": 1, "b": 0},
	})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodePluginExecutionFailed))

	status, _ = m.GetPluginStatus("calc")
	assert.Equal(t, int64(2), status.Performance.TotalExecutions)
	assert.Equal(t, int64(1), status.Performance.ErrorCount)
	assert.InDelta(t, 50.0, status.Performance.SuccessRate, 0.001)
	require.Len(t, status.Errors, 1)
	assert.Equal(t, ErrorKindExecute, status.Errors[0].Kind)
	assert.Equal(t, SeverityMedium, status.Errors[0].Severity)
}

func TestManager_ExecutePlugin_RejectedWithoutTouchingStats(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	p := newMockPlugin("idle")
	require.NoError(t, m.Register(ctx, p))

	_, err := m.ExecutePlugin(ctx, "idle", ExecutionContext{})
	assert.True(t, HasErrorCode(err, ErrCodePluginNotEnabled))

	_, err = m.ExecutePlugin(ctx, "ghost", ExecutionContext{})
	assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))

	status, _ := m.GetPluginStatus("idle")
	assert.Equal(t, int64(0), status.Performance.TotalExecutions)
	assert.Equal(t, float64(100), status.Performance.SuccessRate)
	assert.Empty(t, status.Errors)
	assert.Equal(t, int64(0), p.executeCalls.Load())
	assert.Equal(t, int64(0), m.GetSchedulerStats().TasksProcessed)
}

func TestManager_ExecutePlugin_SuccessRate(t *testing.T) {
	m, _ := newTestManager(t, func(c *ManagerConfig) {
		c.CircuitBreaker.Enabled = false
	})
	ctx := context.Background()

	var calls atomic.Int64
	p := newMockPlugin("flaky")
	p.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		switch calls.Add(1) {
		case 2, 5, 8:
			return nil, errors.New("transient")
		}
		return "ok", nil
	}
	registerAndEnable(t, m, p)

	for i := 0; i < 10; i++ {
		_, _ = m.ExecutePlugin(ctx, "flaky", ExecutionContext{})
	}

	status, _ := m.GetPluginStatus("flaky")
	assert.Equal(t, int64(10), status.Performance.TotalExecutions)
	assert.Equal(t, int64(3), status.Performance.ErrorCount)
	assert.InDelta(t, 70.0, status.Performance.SuccessRate, 0.001)
	assert.GreaterOrEqual(t, status.Performance.AverageExecutionTime, time.Duration(0))
	assert.Equal(t, HealthDegraded, status.Health, "70% is below the degraded threshold")
}

func TestManager_ExecutePlugin_BatchesAndIsolation(t *testing.T) {
	const maxConcurrent = 3
	const tasks = 7

	m, _ := newTestManager(t, func(c *ManagerConfig) {
		c.MaxConcurrentExecutions = maxConcurrent
		c.CircuitBreaker.Enabled = false
	})
	ctx := context.Background()

	g := newGate()
	blocker := newMockPlugin("blocker")
	blocker.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		return "released", g.wait(ctx)
	}

	var running, peak atomic.Int64
	worker := newMockPlugin("worker")
	worker.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		current := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		n := execCtx.Input["n"].(int)
		if n%3 == 0 {
			return nil, fmt.Errorf("task %d failed", n)
		}
		return n * 10, nil
	}
	registerAndEnable(t, m, blocker, worker)

	blocked := m.ExecutePluginAsync(ctx, "blocker", ExecutionContext{})
	g.awaitStart(t)

	results := make([]<-chan ExecutionResult, tasks)
	for i := 0; i < tasks; i++ {
		results[i] = m.ExecutePluginAsync(ctx, "worker", ExecutionContext{
			RequestID: fmt.Sprintf("req-%d", i),
			Input:     map[string]any{"n": i},
		})
	}
	stats := m.GetSchedulerStats()
	assert.Equal(t, tasks, stats.Queued)
	assert.Equal(t, maxConcurrent, stats.MaxConcurrent)

	g.open()
	require.NoError(t, (<-blocked).Err)

	for i, ch := range results {
		select {
		case result := <-ch:
			assert.Equal(t, fmt.Sprintf("req-%d", i), result.RequestID)
			if i%3 == 0 {
				assert.True(t, HasErrorCode(result.Err, ErrCodePluginExecutionFailed), "task %d", i)
			} else {
				require.NoError(t, result.Err, "task %d", i)
				assert.Equal(t, i*10, result.Output)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never settled", i)
		}
	}

	assert.LessOrEqual(t, peak.Load(), int64(maxConcurrent))

	// One batch for the blocker, then ceil(7/3) = 3 batches of workers.
	require.Eventually(t, func() bool {
		return m.GetSchedulerStats().BatchesProcessed == 4
	}, 2*time.Second, 5*time.Millisecond)
	stats = m.GetSchedulerStats()
	assert.Equal(t, int64(tasks+1), stats.TasksProcessed)
	assert.Equal(t, 0, stats.Queued)

	status, _ := m.GetPluginStatus("worker")
	assert.Equal(t, int64(tasks), status.Performance.TotalExecutions)
	assert.Equal(t, int64(3), status.Performance.ErrorCount)
}

func TestManager_ExecutePlugin_Timeout(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	p := newMockPlugin("sleepy")
	p.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	registerAndEnable(t, m, p)

	start := time.Now()
	_, err := m.ExecutePlugin(ctx, "sleepy", ExecutionContext{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodePluginTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)

	status, _ := m.GetPluginStatus("sleepy")
	assert.Equal(t, int64(1), status.Performance.TotalExecutions)
	assert.Equal(t, int64(1), status.Performance.ErrorCount)
	require.Len(t, status.Errors, 1)
	assert.Equal(t, ErrorKindExecute, status.Errors[0].Kind)
}

func TestManager_ExecutePlugin_IgnoredContextIsAbandoned(t *testing.T) {
	m, _ := newTestManager(t, nil)
	block := make(chan struct{})
	defer close(block)

	p := newMockPlugin("deaf")
	p.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		<-block
		return nil, nil
	}
	registerAndEnable(t, m, p)

	_, err := m.ExecutePlugin(context.Background(), "deaf", ExecutionContext{Timeout: 30 * time.Millisecond})
	assert.True(t, HasErrorCode(err, ErrCodePluginTimeout))
}

func TestManager_ExecutePlugin_PanicIsIsolated(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	var calls atomic.Int64
	p := newMockPlugin("volatile")
	p.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return "recovered", nil
	}
	registerAndEnable(t, m, p)

	_, err := m.ExecutePlugin(ctx, "volatile", ExecutionContext{})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeHookPanic))

	result, err := m.ExecutePlugin(ctx, "volatile", ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
}

func TestManager_ExecutePlugin_CallerCanceled(t *testing.T) {
	m, _ := newTestManager(t, nil)

	p := newMockPlugin("alpha")
	registerAndEnable(t, m, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ExecutePlugin(ctx, "alpha", ExecutionContext{})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeExecutionCanceled))

	// A canceled caller never reaches the plugin nor its stats.
	require.Eventually(t, func() bool {
		return m.GetSchedulerStats().Queued == 0 && m.GetSchedulerStats().Running == 0
	}, 2*time.Second, 5*time.Millisecond)
	status, _ := m.GetPluginStatus("alpha")
	assert.Equal(t, int64(0), status.Performance.TotalExecutions)
	assert.Equal(t, int64(0), p.executeCalls.Load())
}

func TestManager_ExecutePlugin_CircuitBreaker(t *testing.T) {
	m, _ := newTestManager(t, func(c *ManagerConfig) {
		c.CircuitBreaker = CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			RecoveryTimeout:  time.Hour,
			SuccessThreshold: 1,
		}
	})
	ctx := context.Background()

	p := newMockPlugin("failing")
	p.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		return nil, errors.New("backend down")
	}
	registerAndEnable(t, m, p)

	for i := 0; i < 2; i++ {
		_, err := m.ExecutePlugin(ctx, "failing", ExecutionContext{})
		assert.True(t, HasErrorCode(err, ErrCodePluginExecutionFailed))
	}

	_, err := m.ExecutePlugin(ctx, "failing", ExecutionContext{})
	assert.True(t, HasErrorCode(err, ErrCodeCircuitBreakerOpen))
	assert.Equal(t, int64(2), p.executeCalls.Load())

	status, _ := m.GetPluginStatus("failing")
	assert.Equal(t, int64(2), status.Performance.TotalExecutions)
	assert.Equal(t, HealthDegraded, status.Health)

	// Re-enabling resets the breaker.
	require.NoError(t, m.Disable(ctx, "failing"))
	require.NoError(t, m.Enable(ctx, "failing"))
	_, err = m.ExecutePlugin(ctx, "failing", ExecutionContext{})
	assert.True(t, HasErrorCode(err, ErrCodePluginExecutionFailed))
	assert.Equal(t, int64(3), p.executeCalls.Load())
}

func TestManager_ExecutePlugin_RemoteTool(t *testing.T) {
	var captured ToolCall
	transport := RemoteToolTransportFunc(func(ctx context.Context, call ToolCall) (*ToolResult, error) {
		captured = call
		if call.Arguments["query"] == "fail" {
			return nil, errors.New("tool server unavailable")
		}
		return &ToolResult{Content: map[string]any{"hits": 3}}, nil
	})

	m, _ := newTestManager(t, nil, WithRemoteToolTransport(transport))
	ctx := context.Background()

	tool := NewRemoteTool(Manifest{ID: "search", Name: "Search", Version: "1.0.0"}, ToolBinding{
		Tool:     "web_search",
		Server:   "tools-1",
		Metadata: map[string]string{"x-tenant": "acme"},
	})
	registerAndEnable(t, m, tool)

	result, err := m.ExecutePlugin(ctx, "search", ExecutionContext{
		RequestID: "req-42",
		SessionID: "sess-7",
		Input:     map[string]any{"query": "golang"},
		Metadata:  map[string]string{"x-trace": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hits": 3}, result)

	assert.Equal(t, "search", captured.PluginID)
	assert.Equal(t, "req-42", captured.RequestID)
	assert.Equal(t, "web_search", captured.Binding.Tool)
	assert.Equal(t, "golang", captured.Arguments["query"])
	assert.Equal(t, map[string]string{
		"x-tenant":     "acme",
		"x-trace":      "abc",
		"x-session-id": "sess-7",
	}, captured.Metadata)

	_, err = m.ExecutePlugin(ctx, "search", ExecutionContext{Input: map[string]any{"query": "fail"}})
	assert.True(t, HasErrorCode(err, ErrCodePluginExecutionFailed))
}

func TestManager_ExecutePlugin_RemoteToolWithoutTransport(t *testing.T) {
	m, _ := newTestManager(t, nil)
	tool := NewRemoteTool(Manifest{ID: "search", Name: "Search", Version: "1.0.0"}, ToolBinding{Tool: "web_search"})
	registerAndEnable(t, m, tool)

	_, err := m.ExecutePlugin(context.Background(), "search", ExecutionContext{})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeNoRemoteTransport))
}

func TestManager_ExecutePluginAsync_SingleResult(t *testing.T) {
	m, _ := newTestManager(t, nil)
	registerAndEnable(t, m, newMockPlugin("alpha"))

	ch := m.ExecutePluginAsync(context.Background(), "alpha", ExecutionContext{})
	result := <-ch
	require.NoError(t, result.Err)
	assert.Equal(t, "alpha", result.PluginID)
	assert.NotEmpty(t, result.RequestID)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected second result: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_BroadcastMessage(t *testing.T) {
	m, _ := newTestManager(t, nil)
	events := recordEvents(m)
	ctx := context.Background()

	ok := newMockPlugin("a-ok")
	failing := newMockPlugin("b-failing")
	failing.messageFn = func(ctx context.Context, msg Message, execCtx ExecutionContext) (any, error) {
		return nil, errors.New("cannot handle")
	}
	panicking := newMockPlugin("c-panicking")
	panicking.messageFn = func(ctx context.Context, msg Message, execCtx ExecutionContext) (any, error) {
		panic("bad message")
	}
	echo := newMockPlugin("d-echo")
	echo.messageFn = func(ctx context.Context, msg Message, execCtx ExecutionContext) (any, error) {
		return msg.Payload["value"], nil
	}
	disabled := newMockPlugin("e-disabled")

	registerAndEnable(t, m, ok, failing, panicking, echo)
	require.NoError(t, m.Register(ctx, disabled))

	tool := NewRemoteTool(Manifest{ID: "f-tool", Name: "Tool", Version: "1.0.0"}, ToolBinding{Tool: "t"})
	registerAndEnable(t, m, tool)

	results := m.BroadcastMessage(ctx, Message{Type: "ping", Payload: map[string]any{"value": 7}}, ExecutionContext{})
	require.Len(t, results, 2)
	assert.Equal(t, MessageResult{PluginID: "a-ok", Response: "a-ok received ping"}, results[0])
	assert.Equal(t, MessageResult{PluginID: "d-echo", Response: 7}, results[1])

	assert.Equal(t, int64(0), disabled.messageCalls.Load())
	for _, p := range []*mockPlugin{failing, panicking} {
		status, _ := m.GetPluginStatus(p.manifest.ID)
		require.Len(t, status.Errors, 1)
		assert.Equal(t, ErrorKindExecute, status.Errors[0].Kind)
		assert.Equal(t, SeverityLow, status.Errors[0].Severity)
		assert.Equal(t, StateActive, status.State, "a failed broadcast does not change state")
	}
	assert.Len(t, events.ofType(EventPluginError), 2)
}

func TestManager_BroadcastMessage_NoReceivers(t *testing.T) {
	m, _ := newTestManager(t, nil)
	results := m.BroadcastMessage(context.Background(), Message{Type: "ping"}, ExecutionContext{})
	require.NotNil(t, results)
	assert.Empty(t, results)
}

func TestManager_Shutdown(t *testing.T) {
	m, _ := newTestManager(t, nil)
	events := recordEvents(m)
	ctx := context.Background()

	g := newGate()
	defer g.open()
	base := newMockPlugin("base")
	base.executeFn = func(ctx context.Context, execCtx ExecutionContext) (any, error) {
		return "finished", g.wait(ctx)
	}
	top := newMockPlugin("top", Dependency{ID: "base"})
	registerAndEnable(t, m, base, top)

	running := m.ExecutePluginAsync(ctx, "base", ExecutionContext{})
	g.awaitStart(t)
	queued := []<-chan ExecutionResult{
		m.ExecutePluginAsync(ctx, "top", ExecutionContext{}),
		m.ExecutePluginAsync(ctx, "top", ExecutionContext{}),
	}
	events.reset()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- m.Shutdown(ctx) }()

	for i, ch := range queued {
		select {
		case result := <-ch:
			assert.True(t, HasErrorCode(result.Err, ErrCodeManagerShutdown), "queued task %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("queued task %d was not rejected", i)
		}
	}

	g.open()
	require.NoError(t, (<-running).Err)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	assert.Equal(t, int64(0), top.executeCalls.Load())
	for _, p := range []*mockPlugin{base, top} {
		status, _ := m.GetPluginStatus(p.manifest.ID)
		assert.Equal(t, StateUnloaded, status.State)
		assert.Equal(t, int64(1), p.unloadCalls.Load())
	}

	// Dependents are torn down before their dependencies.
	unloaded := events.ofType(EventPluginUnloaded)
	require.Len(t, unloaded, 2)
	assert.Equal(t, "top", unloaded[0].PluginID)
	assert.Equal(t, "base", unloaded[1].PluginID)

	assert.True(t, HasErrorCode(m.Register(ctx, newMockPlugin("late")), ErrCodeManagerShutdown))
	assert.True(t, HasErrorCode(m.Enable(ctx, "base"), ErrCodeManagerShutdown))
	_, err := m.ExecutePlugin(ctx, "base", ExecutionContext{})
	assert.True(t, HasErrorCode(err, ErrCodeManagerShutdown))

	assert.NoError(t, m.Shutdown(ctx), "second shutdown returns the first result")
}
