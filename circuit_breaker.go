// circuit_breaker.go: Per-plugin circuit breaker for the execution path
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// CircuitBreakerState represents the current operational state of a circuit breaker.
//
//   - BreakerClosed: executions pass through
//   - BreakerOpen: executions are rejected without reaching the plugin
//   - BreakerHalfOpen: a limited number of trial executions probe recovery
type CircuitBreakerState int32

const (
	BreakerClosed CircuitBreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the executions of a single plugin. Consecutive
// failures beyond FailureThreshold open the circuit; after RecoveryTimeout a
// half-open probe phase closes it again once SuccessThreshold trials succeed.
//
// Usage example:
//
//	cb := NewCircuitBreaker(config.CircuitBreaker)
//	if !cb.AllowRequest() {
//	    return NewCircuitBreakerOpenError(id)
//	}
//	if err != nil {
//	    cb.RecordFailure()
//	} else {
//	    cb.RecordSuccess()
//	}
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           atomic.Int32 // CircuitBreakerState
	failureCount    atomic.Int64
	successCount    atomic.Int64
	requestCount    atomic.Int64
	lastFailureTime atomic.Int64 // Unix nanoseconds

	// Mutex for state transitions
	mu sync.Mutex
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{config: config}
	cb.state.Store(int32(BreakerClosed))
	return cb
}

// AllowRequest reports whether an execution may proceed. It may move an open
// breaker to half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.config.Enabled {
		return true
	}

	switch CircuitBreakerState(cb.state.Load()) {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if !cb.shouldAttemptRecovery() {
			return false
		}
		cb.mu.Lock()
		if CircuitBreakerState(cb.state.Load()) == BreakerOpen && cb.shouldAttemptRecovery() {
			cb.state.Store(int32(BreakerHalfOpen))
			cb.resetCounters()
		}
		cb.mu.Unlock()
		return cb.allowTrial()

	case BreakerHalfOpen:
		return cb.allowTrial()

	default:
		return false
	}
}

func (cb *CircuitBreaker) allowTrial() bool {
	if CircuitBreakerState(cb.state.Load()) != BreakerHalfOpen {
		return CircuitBreakerState(cb.state.Load()) == BreakerClosed
	}
	return cb.requestCount.Add(1) <= int64(cb.config.SuccessThreshold)
}

// RecordSuccess records a successful execution.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch CircuitBreakerState(cb.state.Load()) {
	case BreakerClosed:
		cb.failureCount.Store(0)
	case BreakerHalfOpen:
		if cb.successCount.Add(1) >= int64(cb.config.SuccessThreshold) {
			cb.state.Store(int32(BreakerClosed))
			cb.resetCounters()
		}
	}
}

// RecordFailure records a failed execution and may open the circuit.
// Any failure during the half-open phase reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.lastFailureTime.Store(timecache.CachedTimeNano())

	cb.mu.Lock()
	defer cb.mu.Unlock()

	failures := cb.failureCount.Add(1)
	switch CircuitBreakerState(cb.state.Load()) {
	case BreakerHalfOpen:
		cb.state.Store(int32(BreakerOpen))
	case BreakerClosed:
		if failures >= int64(cb.config.FailureThreshold) {
			cb.state.Store(int32(BreakerOpen))
		}
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetStats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	stats := CircuitBreakerStats{
		State:        cb.GetState(),
		FailureCount: cb.failureCount.Load(),
		SuccessCount: cb.successCount.Load(),
		RequestCount: cb.requestCount.Load(),
	}
	if last := cb.lastFailureTime.Load(); last != 0 {
		stats.LastFailure = time.Unix(0, last)
	}
	return stats
}

// Reset forcibly closes the circuit breaker and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.Store(int32(BreakerClosed))
	cb.resetCounters()
}

func (cb *CircuitBreaker) shouldAttemptRecovery() bool {
	lastFailure := cb.lastFailureTime.Load()
	if lastFailure == 0 {
		return true
	}
	return time.Since(time.Unix(0, lastFailure)) >= cb.config.RecoveryTimeout
}

// resetCounters resets all counters (should be called with lock held)
func (cb *CircuitBreaker) resetCounters() {
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	cb.requestCount.Store(0)
}

// CircuitBreakerStats contains statistics about circuit breaker operation.
type CircuitBreakerStats struct {
	State        CircuitBreakerState `json:"state"`
	FailureCount int64               `json:"failure_count"`
	SuccessCount int64               `json:"success_count"`
	RequestCount int64               `json:"request_count"`
	LastFailure  time.Time           `json:"last_failure,omitempty"`
}
