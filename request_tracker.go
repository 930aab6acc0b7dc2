// request_tracker.go: in-flight execution tracking and graceful draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RequestTracker counts in-flight executions per plugin so that a plugin can
// be drained before it is disabled.
type RequestTracker struct {
	mu       sync.Mutex
	active   map[string]map[uint64]context.CancelFunc
	nextID   atomic.Uint64
	inFlight atomic.Int64

	metricsCollector MetricsCollector
	metricsPrefix    string
}

// NewRequestTracker creates a tracker. collector may be nil.
func NewRequestTracker(collector MetricsCollector, prefix string) *RequestTracker {
	if prefix == "" {
		prefix = "pluginhost"
	}
	return &RequestTracker{
		active:           make(map[string]map[uint64]context.CancelFunc),
		metricsCollector: collector,
		metricsPrefix:    prefix,
	}
}

// StartRequest records an execution of pluginID. cancel aborts the execution
// when the plugin is force-drained. The returned token must be passed to
// EndRequest.
func (rt *RequestTracker) StartRequest(pluginID string, cancel context.CancelFunc) uint64 {
	token := rt.nextID.Add(1)

	rt.mu.Lock()
	requests, exists := rt.active[pluginID]
	if !exists {
		requests = make(map[uint64]context.CancelFunc)
		rt.active[pluginID] = requests
	}
	requests[token] = cancel
	current := len(requests)
	rt.mu.Unlock()

	rt.inFlight.Add(1)
	rt.recordGauge(pluginID, current)
	return token
}

// EndRequest removes an execution recorded by StartRequest.
func (rt *RequestTracker) EndRequest(pluginID string, token uint64) {
	rt.mu.Lock()
	requests := rt.active[pluginID]
	if _, ok := requests[token]; !ok {
		rt.mu.Unlock()
		return
	}
	delete(requests, token)
	current := len(requests)
	if current == 0 {
		delete(rt.active, pluginID)
	}
	rt.mu.Unlock()

	rt.inFlight.Add(-1)
	rt.recordGauge(pluginID, current)
}

// GetActiveRequestCount returns the number of in-flight executions of pluginID.
func (rt *RequestTracker) GetActiveRequestCount(pluginID string) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return int64(len(rt.active[pluginID]))
}

// TotalActive returns the number of in-flight executions across plugins.
func (rt *RequestTracker) TotalActive() int64 {
	return rt.inFlight.Load()
}

// WaitForDrain polls until pluginID has no in-flight executions or ctx is done.
func (rt *RequestTracker) WaitForDrain(ctx context.Context, pluginID string) bool {
	if rt.GetActiveRequestCount(pluginID) == 0 {
		return true
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return rt.GetActiveRequestCount(pluginID) == 0
		case <-ticker.C:
			if rt.GetActiveRequestCount(pluginID) == 0 {
				return true
			}
		}
	}
}

// ForceCancel cancels every in-flight execution of pluginID and returns how
// many were canceled.
func (rt *RequestTracker) ForceCancel(pluginID string) int {
	rt.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(rt.active[pluginID]))
	for _, cancel := range rt.active[pluginID] {
		cancels = append(cancels, cancel)
	}
	rt.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
	return len(cancels)
}

// GracefulDrain waits up to timeout for pluginID to drain and cancels the
// remaining executions afterwards.
func (rt *RequestTracker) GracefulDrain(ctx context.Context, pluginID string, timeout time.Duration) error {
	start := time.Now()

	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if rt.WaitForDrain(drainCtx, pluginID) {
		return nil
	}

	remaining := rt.GetActiveRequestCount(pluginID)
	return &DrainTimeoutError{
		PluginID:          pluginID,
		RemainingRequests: remaining,
		CanceledRequests:  rt.ForceCancel(pluginID),
		DrainDuration:     time.Since(start),
	}
}

// DrainTimeoutError indicates that graceful draining timed out
type DrainTimeoutError struct {
	PluginID          string
	RemainingRequests int64
	CanceledRequests  int
	DrainDuration     time.Duration
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("drain timeout for plugin %s: %d executions canceled after %v",
		e.PluginID, e.CanceledRequests, e.DrainDuration)
}

func (rt *RequestTracker) recordGauge(pluginID string, current int) {
	if rt.metricsCollector == nil {
		return
	}
	rt.metricsCollector.SetGauge(rt.metricsPrefix+"_active_executions",
		map[string]string{"plugin_id": pluginID}, float64(current))
}
