// manager_execution.go: Execution scheduler, plugin dispatch and broadcasts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SchedulerStats describes the execution queue.
type SchedulerStats struct {
	Queued           int   `json:"queued"`
	Running          int   `json:"running"`
	BatchesProcessed int64 `json:"batches_processed"`
	TasksProcessed   int64 `json:"tasks_processed"`
	MaxConcurrent    int   `json:"max_concurrent"`
}

type executionTask struct {
	ctx      context.Context
	pluginID string
	execCtx  ExecutionContext
	result   chan ExecutionResult
}

// executionScheduler runs queued tasks in batches of at most maxBatch. A
// single goroutine consumes the queue and waits for a whole batch to settle
// before taking the next one.
type executionScheduler struct {
	maxBatch int
	run      func(*executionTask) ExecutionResult
	reject   func(*executionTask)
	metrics  MetricsCollector

	mu      sync.Mutex
	queue   []*executionTask
	running int
	closed  bool

	notify   chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	batches   atomic.Int64
	processed atomic.Int64
}

func newExecutionScheduler(maxBatch int, run func(*executionTask) ExecutionResult, reject func(*executionTask), metrics MetricsCollector) *executionScheduler {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if metrics == nil {
		metrics = noopMetricsCollector{}
	}
	return &executionScheduler{
		maxBatch: maxBatch,
		run:      run,
		reject:   reject,
		metrics:  metrics,
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *executionScheduler) start() {
	go s.loop()
}

// enqueue appends task to the queue. It returns false once the scheduler
// has been stopped.
func (s *executionScheduler) enqueue(task *executionTask) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *executionScheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.notify:
		}

		for {
			batch := s.nextBatch()
			if len(batch) == 0 {
				break
			}
			s.runBatch(batch)
		}
	}
}

func (s *executionScheduler) nextBatch() []*executionTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return nil
	}

	n := len(s.queue)
	if n > s.maxBatch {
		n = s.maxBatch
	}
	batch := make([]*executionTask, n)
	copy(batch, s.queue[:n])
	s.queue = append([]*executionTask(nil), s.queue[n:]...)
	s.running = n
	return batch
}

func (s *executionScheduler) runBatch(batch []*executionTask) {
	var wg sync.WaitGroup
	for _, task := range batch {
		wg.Add(1)
		go func(task *executionTask) {
			defer wg.Done()
			delivered := false
			defer withCustomRecoveryHandler(func(recovered interface{}, _ []byte) {
				if !delivered {
					task.result <- ExecutionResult{
						PluginID:  task.pluginID,
						RequestID: task.execCtx.RequestID,
						Err:       NewHookPanicError(task.pluginID, "execute", fmt.Sprint(recovered)),
					}
				}
			})()
			result := s.run(task)
			delivered = true
			task.result <- result
		}(task)
	}
	wg.Wait()

	s.mu.Lock()
	s.running = 0
	s.mu.Unlock()
	s.batches.Add(1)
	s.processed.Add(int64(len(batch)))
	s.metrics.IncrementCounter(MetricBatchesTotal, nil, 1)
}

// stop rejects every queued task and waits for the running batch, or ctx.
func (s *executionScheduler) stop(ctx context.Context) error {
	var pending []*executionTask
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending = s.queue
		s.queue = nil
		s.mu.Unlock()
		close(s.quit)
	})

	for _, task := range pending {
		s.reject(task)
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *executionScheduler) stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Queued:           len(s.queue),
		Running:          s.running,
		BatchesProcessed: s.batches.Load(),
		TasksProcessed:   s.processed.Load(),
		MaxConcurrent:    s.maxBatch,
	}
}

// ExecutePlugin runs the plugin through the scheduler and waits for the result.
func (m *Manager) ExecutePlugin(ctx context.Context, id string, execCtx ExecutionContext) (any, error) {
	select {
	case result := <-m.ExecutePluginAsync(ctx, id, execCtx):
		return result.Output, result.Err
	case <-ctx.Done():
		return nil, NewExecutionCanceledError(id, ctx.Err())
	}
}

// ExecutePluginAsync queues an execution. The returned channel yields exactly
// one result. Unknown and disabled plugins are rejected before queuing; the
// check is repeated when the task is dequeued.
func (m *Manager) ExecutePluginAsync(ctx context.Context, id string, execCtx ExecutionContext) <-chan ExecutionResult {
	result := make(chan ExecutionResult, 1)
	if execCtx.RequestID == "" {
		execCtx.RequestID = uuid.NewString()
	}

	if err := m.checkExecutable(id); err != nil {
		result <- ExecutionResult{PluginID: id, RequestID: execCtx.RequestID, Err: err}
		return result
	}

	task := &executionTask{ctx: ctx, pluginID: id, execCtx: execCtx, result: result}
	if !m.scheduler.enqueue(task) {
		result <- ExecutionResult{PluginID: id, RequestID: execCtx.RequestID, Err: NewManagerShutdownError()}
		return result
	}
	m.metrics.SetGauge(MetricQueueDepth, nil, float64(m.scheduler.stats().Queued))
	return result
}

// GetSchedulerStats returns the state of the execution queue.
func (m *Manager) GetSchedulerStats() SchedulerStats {
	return m.scheduler.stats()
}

func (m *Manager) checkExecutable(id string) error {
	if m.shutdown.Load() {
		return NewManagerShutdownError()
	}
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}
	if !entry.isEnabled() {
		m.logger.Debug("Rejected execution of disabled plugin", "plugin", id)
		return NewPluginNotEnabledError(id)
	}
	return nil
}

func (m *Manager) rejectTask(task *executionTask) {
	task.result <- ExecutionResult{
		PluginID:  task.pluginID,
		RequestID: task.execCtx.RequestID,
		Err:       NewManagerShutdownError(),
	}
}

// runTask executes one dequeued task. Only executions that reach the plugin
// are counted in its performance stats.
func (m *Manager) runTask(task *executionTask) ExecutionResult {
	id := task.pluginID
	result := ExecutionResult{PluginID: id, RequestID: task.execCtx.RequestID}

	if err := task.ctx.Err(); err != nil {
		result.Err = NewExecutionCanceledError(id, err)
		return result
	}
	if err := m.checkExecutable(id); err != nil {
		result.Err = err
		return result
	}
	entry, err := m.getEntry(id)
	if err != nil {
		result.Err = err
		return result
	}

	timeout := task.execCtx.Timeout
	if timeout <= 0 {
		timeout = m.config.ExecutionTimeout
	}
	execCtx, cancel := context.WithTimeout(task.ctx, timeout)
	defer cancel()

	// The request is tracked before the enabled state is read again, so a
	// concurrent Disable either drains this execution or is seen here.
	token := m.requestTracker.StartRequest(id, cancel)
	if !entry.isEnabled() {
		m.requestTracker.EndRequest(id, token)
		result.Err = NewPluginNotEnabledError(id)
		return result
	}
	if !entry.breaker.AllowRequest() {
		m.requestTracker.EndRequest(id, token)
		m.logger.Warn("Circuit breaker open, execution rejected", "plugin", id, "request_id", result.RequestID)
		result.Err = NewCircuitBreakerOpenError(id)
		return result
	}

	start := time.Now()
	output, err := m.dispatch(execCtx, entry, task.execCtx)
	elapsed := time.Since(start)
	m.requestTracker.EndRequest(id, token)

	result.Duration = elapsed
	perf := entry.recordExecution(elapsed, err != nil)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.metrics.IncrementCounter(MetricExecutionsTotal, map[string]string{"plugin_id": id, "status": outcome}, 1)
	m.metrics.RecordHistogram(MetricExecutionDuration, map[string]string{"plugin_id": id}, elapsed.Seconds())

	if err != nil {
		entry.breaker.RecordFailure()
		execErr := classifyExecutionError(id, err, task.ctx, execCtx, timeout)
		m.recordFailure(entry, ErrorKindExecute, SeverityMedium, true, execErr)
		result.Err = execErr
		return result
	}

	entry.breaker.RecordSuccess()
	result.Output = output
	m.emit(EventPluginExecuted, id, map[string]any{
		"request_id":       result.RequestID,
		"duration":         elapsed,
		"total_executions": perf.TotalExecutions,
		"success_rate":     perf.SuccessRate,
	})
	return result
}

func classifyExecutionError(id string, err error, callerCtx, execCtx context.Context, timeout time.Duration) error {
	switch {
	case callerCtx.Err() != nil:
		return NewExecutionCanceledError(id, err)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return NewPluginTimeoutError(id, timeout)
	case errors.Is(execCtx.Err(), context.Canceled):
		return NewExecutionCanceledError(id, err)
	default:
		return NewPluginExecutionFailedError(id, err)
	}
}

type dispatchOutcome struct {
	output any
	err    error
}

// dispatch runs the kind-specific executor and returns when it finishes or
// ctx is done. An executor that ignores ctx is abandoned, not waited for.
func (m *Manager) dispatch(ctx context.Context, entry *pluginEntry, execCtx ExecutionContext) (any, error) {
	done := make(chan dispatchOutcome, 1)
	go func() {
		var output any
		err := callPluginCode(entry.logger, entry.id(), "execute", func() error {
			var err error
			output, err = m.invoke(ctx, entry, execCtx)
			return err
		})
		done <- dispatchOutcome{output: output, err: err}
	}()

	select {
	case outcome := <-done:
		return outcome.output, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) invoke(ctx context.Context, entry *pluginEntry, execCtx ExecutionContext) (any, error) {
	switch entry.manifest.Kind {
	case KindNative:
		executor, ok := entry.plugin.(NativeExecutor)
		if !ok {
			return nil, NewMissingExecutorError(entry.id(), entry.manifest.Kind)
		}
		return executor.Execute(ctx, execCtx)

	case KindRemoteTool:
		provider, ok := entry.plugin.(ToolProvider)
		if !ok {
			return nil, NewMissingExecutorError(entry.id(), entry.manifest.Kind)
		}
		if m.transport == nil {
			return nil, NewNoRemoteTransportError(entry.id())
		}
		toolResult, err := m.transport.CallTool(ctx, newToolCall(entry.id(), provider.ToolBinding(), execCtx))
		if err != nil {
			return nil, err
		}
		if toolResult == nil {
			return nil, nil
		}
		return toolResult.Content, nil

	default:
		return nil, NewInvalidKindError(entry.id(), entry.manifest.Kind)
	}
}

// BroadcastMessage delivers msg to every enabled native plugin implementing
// MessageHook, one at a time in id order. A failing hook is logged, recorded
// and skipped; only successful responses are returned.
func (m *Manager) BroadcastMessage(ctx context.Context, msg Message, execCtx ExecutionContext) []MessageResult {
	if execCtx.RequestID == "" {
		execCtx.RequestID = uuid.NewString()
	}

	results := make([]MessageResult, 0)
	for _, entry := range m.sortedEntries() {
		if ctx.Err() != nil {
			m.logger.Warn("Broadcast interrupted", "type", msg.Type, "error", ctx.Err())
			break
		}
		if entry.manifest.Kind != KindNative || !entry.isEnabled() {
			continue
		}
		hook, ok := entry.plugin.(MessageHook)
		if !ok {
			continue
		}

		var response any
		hookCtx, cancel := context.WithTimeout(ctx, m.config.ExecutionTimeout)
		err := m.callHook(hookCtx, entry, "OnMessage", func(c context.Context) error {
			var err error
			response, err = hook.OnMessage(c, msg, execCtx)
			return err
		})
		cancel()

		if err != nil {
			hookErr := NewMessageHookError(entry.id(), err)
			m.logger.Warn("Plugin failed to handle broadcast message",
				"plugin", entry.id(),
				"type", msg.Type,
				"error", err)
			m.recordFailure(entry, ErrorKindExecute, SeverityLow, true, hookErr)
			continue
		}
		results = append(results, MessageResult{PluginID: entry.id(), Response: response})
	}
	return results
}
