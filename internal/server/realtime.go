package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/core"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

const (
	eventHeartbeat       = "heartbeat"
	defaultStreamBuffer  = 16
	defaultHeartbeatTick = 25 * time.Second
)

// ChangeSource is the part of the core the dispatcher listens to.
type ChangeSource interface {
	SubscribeToChanges(scope records.Scope, notify func(core.Event)) func()
}

// EventMessage is one server-sent event.
type EventMessage struct {
	Scope     string
	EventType string
	Data      any
	Timestamp time.Time
}

// EventDispatcher fans core events out to stream subscribers. It holds one
// core subscription per scope while that scope has at least one subscriber.
// Slow subscribers drop messages instead of blocking the core.
type EventDispatcher struct {
	source     ChangeSource
	bufferSize int

	mu     sync.Mutex
	scopes map[records.Scope]*scopeFanout
	nextID int64
}

type scopeFanout struct {
	subscribers map[int64]chan EventMessage
	release     func()
}

// NewEventDispatcher constructs a dispatcher over source.
func NewEventDispatcher(source ChangeSource) *EventDispatcher {
	return &EventDispatcher{
		source:     source,
		bufferSize: defaultStreamBuffer,
		scopes:     make(map[records.Scope]*scopeFanout),
	}
}

// Subscribe returns a stream of events for scope. The stream is closed and
// the subscription released when ctx is done or cleanup is called.
func (d *EventDispatcher) Subscribe(ctx context.Context, scope records.Scope) (<-chan EventMessage, func()) {
	stream := make(chan EventMessage, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	fanout, ok := d.scopes[scope]
	if !ok {
		fanout = &scopeFanout{subscribers: make(map[int64]chan EventMessage)}
		d.scopes[scope] = fanout
	}
	fanout.subscribers[id] = stream
	d.mu.Unlock()

	if !ok {
		release := d.source.SubscribeToChanges(scope, func(event core.Event) {
			d.publish(scope, newEventMessage(event))
		})
		d.mu.Lock()
		if current, live := d.scopes[scope]; live && current == fanout {
			fanout.release = release
			release = nil
		}
		d.mu.Unlock()
		if release != nil {
			release()
		}
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(scope, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// SubscriberCount reports the open streams for scope.
func (d *EventDispatcher) SubscriberCount(scope records.Scope) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fanout, ok := d.scopes[scope]; ok {
		return len(fanout.subscribers)
	}
	return 0
}

func (d *EventDispatcher) publish(scope records.Scope, message EventMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fanout, ok := d.scopes[scope]
	if !ok {
		return
	}
	for _, stream := range fanout.subscribers {
		select {
		case stream <- message:
		default:
		}
	}
}

func (d *EventDispatcher) unsubscribe(scope records.Scope, id int64) {
	d.mu.Lock()
	fanout, ok := d.scopes[scope]
	if !ok {
		d.mu.Unlock()
		return
	}
	stream, ok := fanout.subscribers[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(fanout.subscribers, id)
	close(stream)
	var release func()
	if len(fanout.subscribers) == 0 {
		delete(d.scopes, scope)
		release = fanout.release
	}
	d.mu.Unlock()
	if release != nil {
		release()
	}
}

type changePayload struct {
	Generation uint64    `json:"generation"`
	Count      int       `json:"count"`
	FetchedAt  time.Time `json:"fetched_at"`
}

type stalePayload struct {
	FetchedAt time.Time `json:"fetched_at"`
}

type conflictPayload struct {
	CorrelationID  string `json:"correlation_id"`
	Target         string `json:"target"`
	BaseVersion    int64  `json:"base_version"`
	ServerVersion  int64  `json:"server_version"`
	AppliedVersion int64  `json:"applied_version"`
}

type exhaustedPayload struct {
	CorrelationID string `json:"correlation_id"`
	Target        string `json:"target"`
	Attempts      int    `json:"attempts"`
}

type networkPayload struct {
	Online bool `json:"online"`
}

func newEventMessage(event core.Event) EventMessage {
	message := EventMessage{
		Scope:     event.Scope.String(),
		EventType: string(event.Kind),
		Timestamp: event.At,
	}
	switch event.Kind {
	case core.EventChanged:
		if event.Snapshot != nil {
			message.Data = changePayload{
				Generation: event.Snapshot.Generation(),
				Count:      event.Snapshot.Len(),
				FetchedAt:  event.Snapshot.FetchedAt(),
			}
		}
	case core.EventStale:
		if event.Warning != nil {
			message.Data = stalePayload{FetchedAt: event.Warning.FetchedAt}
		}
	case core.EventConflict:
		if event.Conflict != nil {
			message.Data = conflictPayload{
				CorrelationID:  event.Conflict.CorrelationID,
				Target:         event.Conflict.Target.String(),
				BaseVersion:    event.Conflict.BaseVersion,
				ServerVersion:  event.Conflict.ServerVersion,
				AppliedVersion: event.Conflict.AppliedVersion,
			}
		}
	case core.EventExhausted:
		if event.Exhausted != nil {
			message.Data = exhaustedPayload{
				CorrelationID: event.Exhausted.CorrelationID,
				Target:        event.Exhausted.Target.String(),
				Attempts:      event.Exhausted.Attempts,
			}
		}
	case core.EventNetwork:
		message.Data = networkPayload{Online: event.Online}
	}
	return message
}
