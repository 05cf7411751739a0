package core

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/cache"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

// EventKind names the UI-facing events the core emits.
type EventKind string

const (
	EventChanged   EventKind = "change"
	EventStale     EventKind = "stale"
	EventConflict  EventKind = "conflict"
	EventExhausted EventKind = "exhausted"
	EventNetwork   EventKind = "network"
)

// Event is delivered to SubscribeToChanges callbacks.
type Event struct {
	Kind      EventKind
	Scope     records.Scope
	Snapshot  *cache.Snapshot
	Warning   *cache.StaleDataWarning
	Conflict  *queue.WriteConflict
	Exhausted *queue.ExhaustedError
	Online    bool
	At        time.Time
}

type eventSubscriber struct {
	scope  records.Scope
	notify func(Event)
}

// eventBus fans out non-snapshot events. An empty subscriber scope receives
// every event.
type eventBus struct {
	mu          sync.RWMutex
	subscribers map[int64]eventSubscriber
	nextID      int64
}

func newEventBus() *eventBus {
	return &eventBus{subscribers: make(map[int64]eventSubscriber)}
}

func (b *eventBus) subscribe(scope records.Scope, notify func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = eventSubscriber{scope: scope, notify: notify}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

func (b *eventBus) publish(event Event) {
	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		if subscriber.scope == "" || event.Scope == "" || subscriber.scope == event.Scope {
			targets = append(targets, subscriber.notify)
		}
	}
	b.mu.RUnlock()
	for _, notify := range targets {
		notify(event)
	}
}
