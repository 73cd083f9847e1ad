// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter is a function that determines if an event should be handled.
type Filter func(event *Event) bool

// Subscription represents a subscription to events.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter determines which events to handle (nil = all events).
	Filter Filter

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Emitter broadcasts session events to subscribers and keeps a bounded
// replay buffer for late-joining observers.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.buffer = make([]Event, 0, e.bufferSize)

	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (nil = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
//
// Inputs:
//
//	handler - Function to call for matching events.
//	filter - Custom filter function (nil = no filter).
//	types - Event types to subscribe to (nil = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}

	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription.
//
// Inputs:
//
//	id - The subscription ID to remove.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers.
//
// Description:
//
//	Builds the event, appends it to the replay buffer (evicting the oldest
//	entry when full), then invokes every matching handler synchronously in
//	the caller's goroutine. Handler panics are recovered so one failing
//	subscriber cannot crash the session manager or starve other handlers.
//
// Inputs:
//
//	eventType - The type of event.
//	sessionID - The session the event belongs to.
//	data - Event payload (use the typed data structs from types.go).
//
// Thread Safety: This method is safe for concurrent use.
func (e *Emitter) Emit(eventType Type, sessionID string, data any) {
	e.mu.RLock()
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	e.mu.Unlock()

	for _, sub := range subs {
		if e.shouldHandle(sub, &event) {
			e.safeInvokeHandler(sub.Handler, &event)
		}
	}
}

// safeInvokeHandler invokes a handler with panic recovery.
func (e *Emitter) safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// shouldHandle determines if a subscription should handle an event.
func (e *Emitter) shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 {
		typeMatch := false
		for _, t := range sub.Types {
			if t == event.Type {
				typeMatch = true
				break
			}
		}
		if !typeMatch {
			return false
		}
	}

	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}

	return true
}

// Buffer returns a copy of buffered events.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	events := make([]Event, len(e.buffer))
	copy(events, e.buffer)
	return events
}

// BufferSince returns buffered events emitted after the given instant.
func (e *Emitter) BufferSince(since time.Time) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []Event
	for _, event := range e.buffer {
		if event.Timestamp.After(since) {
			events = append(events, event)
		}
	}
	return events
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Recorder collects events for assertions in tests and for the CLI's
// session table. It subscribes like any other handler.
//
// Thread Safety: Recorder is safe for concurrent use.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make([]Event, 0)}
}

// Handle appends the event; pass it to Emitter.Subscribe.
func (r *Recorder) Handle(event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
}

// Events returns all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)
	return events
}

// EventsByType returns recorded events of a specific type.
func (r *Recorder) EventsByType(eventType Type) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []Event
	for _, e := range r.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}
	return events
}

// Count returns the number of recorded events.
func (r *Recorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Clear removes all recorded events.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}
