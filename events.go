// events.go: In-process event bus for plugin lifecycle notifications
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// EventType names an event of the fixed catalogue below.
type EventType string

const (
	EventPluginRegistered   EventType = "plugin-registered"
	EventPluginUnregistered EventType = "plugin-unregistered"
	EventPluginLoading      EventType = "plugin-loading"
	EventPluginLoaded       EventType = "plugin-loaded"
	EventPluginUnloading    EventType = "plugin-unloading"
	EventPluginUnloaded     EventType = "plugin-unloaded"
	EventPluginEnabling     EventType = "plugin-enabling"
	EventPluginEnabled      EventType = "plugin-enabled"
	EventPluginDisabling    EventType = "plugin-disabling"
	EventPluginDisabled     EventType = "plugin-disabled"
	EventPluginError        EventType = "plugin-error"
	EventPluginExecuted     EventType = "plugin-executed"
	EventConfigChanged      EventType = "config-changed"
	EventDependencyResolved EventType = "dependency-resolved"
	EventDependencyMissing  EventType = "dependency-missing"
)

// AllEventTypes lists the catalogue in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventPluginRegistered, EventPluginUnregistered,
		EventPluginLoading, EventPluginLoaded,
		EventPluginUnloading, EventPluginUnloaded,
		EventPluginEnabling, EventPluginEnabled,
		EventPluginDisabling, EventPluginDisabled,
		EventPluginError, EventPluginExecuted,
		EventConfigChanged,
		EventDependencyResolved, EventDependencyMissing,
	}
}

// Event is delivered to subscribers of its Type.
type Event struct {
	Type      EventType      `json:"type"`
	PluginID  string         `json:"plugin_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *PluginError   `json:"error,omitempty"`
}

// EventHandler receives events. A returned error is logged by the bus and
// never reaches the emitter.
type EventHandler func(event Event) error

// SubscriptionID identifies a handler registered with On or OnAll.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// EventBusStats exposes delivery counters.
type EventBusStats struct {
	EventsEmitted    uint64 `json:"events_emitted"`
	HandlersExecuted uint64 `json:"handlers_executed"`
	HandlerErrors    uint64 `json:"handler_errors"`
	HandlerPanics    uint64 `json:"handler_panics"`
}

// EventBus is a synchronous publish/subscribe hub. Handlers run on the
// emitting goroutine in subscription order; wildcard handlers run after the
// type-specific ones.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	wildcard []subscription
	nextID   atomic.Uint64
	logger   Logger

	eventsEmitted    atomic.Uint64
	handlersExecuted atomic.Uint64
	handlerErrors    atomic.Uint64
	handlerPanics    atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus(logger any) *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
		logger:   NewLogger(logger),
	}
}

// On registers handler for one event type.
func (b *EventBus) On(eventType EventType, handler EventHandler) SubscriptionID {
	id := SubscriptionID(b.nextID.Add(1))
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// OnAll registers handler for every event type.
func (b *EventBus) OnAll(handler EventHandler) SubscriptionID {
	id := SubscriptionID(b.nextID.Add(1))
	b.mu.Lock()
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// Off removes a subscription. For wildcard subscriptions pass an empty
// event type. It reports whether a handler was removed.
func (b *EventBus) Off(eventType EventType, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		var removed bool
		b.wildcard, removed = removeSubscription(b.wildcard, id)
		return removed
	}

	subs, removed := removeSubscription(b.handlers[eventType], id)
	if len(subs) == 0 {
		delete(b.handlers, eventType)
	} else {
		b.handlers[eventType] = subs
	}
	return removed
}

func removeSubscription(subs []subscription, id SubscriptionID) ([]subscription, bool) {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...), true
		}
	}
	return subs, false
}

// HandlerCount returns the number of handlers that would receive eventType.
func (b *EventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) + len(b.wildcard)
}

// Emit delivers event to its subscribers. Handler errors and panics are
// logged and counted.
func (b *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = timecache.CachedTime()
	}

	b.mu.RLock()
	specific := b.handlers[event.Type]
	subs := make([]subscription, 0, len(specific)+len(b.wildcard))
	subs = append(subs, specific...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	b.eventsEmitted.Add(1)
	for _, s := range subs {
		b.dispatch(s, event)
	}
}

func (b *EventBus) dispatch(s subscription, event Event) {
	defer withCustomRecoveryHandler(func(recovered interface{}, stack []byte) {
		b.handlerPanics.Add(1)
		b.logger.Error("Event handler panicked",
			"event", string(event.Type),
			"subscription", uint64(s.id),
			"panic", fmt.Sprint(recovered),
			"stack", string(stack))
	})()

	b.handlersExecuted.Add(1)
	if err := s.handler(event); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("Event handler returned error",
			"event", string(event.Type),
			"subscription", uint64(s.id),
			"error", err)
	}
}

// Stats returns the delivery counters.
func (b *EventBus) Stats() EventBusStats {
	return EventBusStats{
		EventsEmitted:    b.eventsEmitted.Load(),
		HandlersExecuted: b.handlersExecuted.Load(),
		HandlerErrors:    b.handlerErrors.Load(),
		HandlerPanics:    b.handlerPanics.Load(),
	}
}
