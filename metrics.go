// metrics.go: Pluggable metrics collection for executions and lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Metric names recorded by the manager.
const (
	MetricExecutionsTotal      = "pluginhost_executions_total"
	MetricPluginErrors         = "pluginhost_plugin_errors_total"
	MetricExecutionDuration    = "pluginhost_execution_duration_seconds"
	MetricLifecycleTransitions = "pluginhost_lifecycle_transitions_total"
	MetricQueueDepth           = "pluginhost_queue_depth"
	MetricBatchesTotal         = "pluginhost_scheduler_batches_total"
)

// MetricsCollector receives the manager's metrics. Implementations must be
// safe for concurrent use.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string, value int64)
	SetGauge(name string, labels map[string]string, value float64)
	RecordHistogram(name string, labels map[string]string, value float64)
	GetMetrics() map[string]interface{}
}

// MetricSample is one exported series of DefaultMetricsCollector.
type MetricSample struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels,omitempty"`
	Value       interface{}       `json:"value"`
}

type metricSeries struct {
	name   string
	kind   string
	labels map[string]string
	value  interface{}
}

// DefaultMetricsCollector keeps metrics in memory.
type DefaultMetricsCollector struct {
	mu     sync.RWMutex
	series map[string]*metricSeries
}

// NewDefaultMetricsCollector creates a new in-memory collector.
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{series: make(map[string]*metricSeries)}
}

func (dmc *DefaultMetricsCollector) lookup(name, kind string, labels map[string]string) *metricSeries {
	key := buildMetricKey(name, labels)
	s, exists := dmc.series[key]
	if !exists {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		s = &metricSeries{name: name, kind: kind, labels: copied}
		dmc.series[key] = s
	}
	return s
}

func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	s := dmc.lookup(name, "counter", labels)
	current, _ := s.value.(int64)
	s.value = current + value
}

func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.lookup(name, "gauge", labels).value = value
}

func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	s := dmc.lookup(name, "histogram", labels)
	values, _ := s.value.([]float64)
	s.value = append(values, value)
}

// GetMetrics returns every series keyed by name and sorted labels.
func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	result := make(map[string]interface{}, len(dmc.series))
	for key, s := range dmc.series {
		if values, ok := s.value.([]float64); ok {
			result[key] = append([]float64(nil), values...)
			continue
		}
		result[key] = s.value
	}
	return result
}

// Snapshot returns the series sorted by key with a generated description.
func (dmc *DefaultMetricsCollector) Snapshot() []MetricSample {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	keys := make([]string, 0, len(dmc.series))
	for key := range dmc.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	title := cases.Title(language.English)
	samples := make([]MetricSample, 0, len(keys))
	for _, key := range keys {
		s := dmc.series[key]
		value := s.value
		if values, ok := value.([]float64); ok {
			value = append([]float64(nil), values...)
		}
		samples = append(samples, MetricSample{
			Name:        s.name,
			Type:        s.kind,
			Description: fmt.Sprintf("%s metric for %s", title.String(s.kind), s.name),
			Labels:      s.labels,
			Value:       value,
		})
	}
	return samples
}

func buildMetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s{%s}", name, strings.Join(parts, ","))
}

// noopMetricsCollector is used when no collector is configured.
type noopMetricsCollector struct{}

func (noopMetricsCollector) IncrementCounter(string, map[string]string, int64)  {}
func (noopMetricsCollector) SetGauge(string, map[string]string, float64)        {}
func (noopMetricsCollector) RecordHistogram(string, map[string]string, float64) {}
func (noopMetricsCollector) GetMetrics() map[string]interface{}                 { return map[string]interface{}{} }
