package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Status values published on counter_status_event.
const (
	StatusStarted = "started"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// Notification levels, matching the UI alert classes.
const (
	NotifyPrimary = "primary"
	NotifySuccess = "success"
	NotifyWarning = "warning"
	NotifyDanger  = "danger"
)

// StatusEventName is the shared channel for engine state transitions.
const StatusEventName = "counter_status_event"

// Event is one published message. Name follows the wire convention:
// "{location}_count", "{location}_notification", or "counter_status_event".
type Event struct {
	Name     string         `json:"event"`
	Location string         `json:"-"`
	Data     map[string]any `json:"data"`
}

// NewCountEvent builds the per-frame count update for a location.
func NewCountEvent(location string, total, current, defect, correct int) *Event {
	return &Event{
		Name:     location + "_count",
		Location: location,
		Data: map[string]any{
			"total":   total,
			"current": current,
			"defect":  defect,
			"correct": correct,
		},
	}
}

// NewNotification builds an operator-facing notification for a location.
func NewNotification(location, level, message string) *Event {
	return &Event{
		Name:     location + "_notification",
		Location: location,
		Data: map[string]any{
			"type":    level,
			"message": message,
		},
	}
}

// NewStatusEvent builds a state-transition event.
func NewStatusEvent(location, status string) *Event {
	return &Event{
		Name:     StatusEventName,
		Location: location,
		Data: map[string]any{
			"status":   status,
			"location": location,
		},
	}
}

// Handler receives published events synchronously.
type Handler func(*Event)

// Bus provides pub/sub for counter events. Delivery is fan-out and
// best-effort: channel subscribers that fall behind lose events rather than
// block the ingestion loop. Per subscriber, events of one kind arrive in
// publish order.
type Bus struct {
	subscribers map[uuid.UUID]*subscription
	mu          sync.RWMutex
}

type subscription struct {
	locationFilter string // empty means all locations
	channel        chan *Event
	handler        Handler
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[uuid.UUID]*subscription)}
}

// Subscribe registers a handler for all events. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(handler Handler) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeLocation registers a handler for events from one location.
func (b *Bus) SubscribeLocation(location string, handler Handler) func() {
	return b.add(&subscription{locationFilter: location, handler: handler})
}

// SubscribeChannel returns a buffered channel receiving all events and an
// unsubscribe function. Unsubscribing closes the channel.
func (b *Bus) SubscribeChannel(bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	sub := &subscription{channel: make(chan *Event, bufferSize)}
	remove := b.add(sub)
	return sub.channel, remove
}

// SubscribeLocationChannel is SubscribeChannel restricted to one location.
func (b *Bus) SubscribeLocationChannel(location string, bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	sub := &subscription{locationFilter: location, channel: make(chan *Event, bufferSize)}
	remove := b.add(sub)
	return sub.channel, remove
}

func (b *Bus) add(sub *subscription) func() {
	id := uuid.New()

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			if s.channel != nil {
				close(s.channel)
			}
		}
		b.mu.Unlock()
	}
}

// Publish fans the event out to all matching subscribers. Handlers run
// synchronously so one subscriber sees events in publish order; full
// channels drop the event.
func (b *Bus) Publish(ev *Event) {
	if ev == nil {
		return
	}
	if ev.Location == "" {
		panic(fmt.Sprintf("events: publish without location (event %q)", ev.Name))
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.locationFilter != "" && sub.locationFilter != ev.Location {
			continue
		}
		if sub.handler != nil {
			sub.handler(ev)
		} else if sub.channel != nil {
			select {
			case sub.channel <- ev:
			default:
				// Subscriber is slow, drop the event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, id)
	}
}
