package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/core"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

type fakeChangeSource struct {
	mu        sync.Mutex
	callbacks map[records.Scope]func(core.Event)
	opened    int
	released  int
}

func newFakeChangeSource() *fakeChangeSource {
	return &fakeChangeSource{callbacks: make(map[records.Scope]func(core.Event))}
}

func (s *fakeChangeSource) SubscribeToChanges(scope records.Scope, notify func(core.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[scope] = notify
	s.opened++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.callbacks, scope)
		s.released++
	}
}

func (s *fakeChangeSource) emit(event core.Event) {
	s.mu.Lock()
	notify := s.callbacks[event.Scope]
	s.mu.Unlock()
	if notify != nil {
		notify(event)
	}
}

func (s *fakeChangeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.released
}

func receiveMessage(t *testing.T, stream <-chan EventMessage) EventMessage {
	t.Helper()
	select {
	case message, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed unexpectedly")
		}
		return message
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event message")
	}
	return EventMessage{}
}

func TestEventDispatcherDeliversScopedEvents(t *testing.T) {
	source := newFakeChangeSource()
	dispatcher := NewEventDispatcher(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appointments, cleanupAppointments := dispatcher.Subscribe(ctx, "appointments")
	defer cleanupAppointments()
	nursing, cleanupNursing := dispatcher.Subscribe(ctx, "nursing")
	defer cleanupNursing()

	conflict := &queue.WriteConflict{
		CorrelationID:  "write-1",
		Scope:          "appointments",
		Target:         "r-1",
		BaseVersion:    3,
		ServerVersion:  4,
		AppliedVersion: 5,
	}
	source.emit(core.Event{Kind: core.EventConflict, Scope: "appointments", Conflict: conflict})

	message := receiveMessage(t, appointments)
	if message.EventType != string(core.EventConflict) {
		t.Fatalf("expected conflict event, got %s", message.EventType)
	}
	payload, ok := message.Data.(conflictPayload)
	if !ok {
		t.Fatalf("expected conflict payload, got %T", message.Data)
	}
	if payload.CorrelationID != "write-1" || payload.ServerVersion != 4 || payload.AppliedVersion != 5 {
		t.Fatalf("unexpected conflict payload %+v", payload)
	}

	select {
	case leaked := <-nursing:
		t.Fatalf("expected no event for other scope, got %+v", leaked)
	default:
	}
}

func TestEventDispatcherSharesOneCoreSubscriptionPerScope(t *testing.T) {
	source := newFakeChangeSource()
	dispatcher := NewEventDispatcher(source)

	first, cleanupFirst := dispatcher.Subscribe(context.Background(), "appointments")
	second, cleanupSecond := dispatcher.Subscribe(context.Background(), "appointments")

	if opened, _ := source.counts(); opened != 1 {
		t.Fatalf("expected one core subscription, got %d", opened)
	}
	if count := dispatcher.SubscriberCount("appointments"); count != 2 {
		t.Fatalf("expected two subscribers, got %d", count)
	}

	source.emit(core.Event{Kind: core.EventNetwork, Scope: "appointments", Online: true})
	for _, stream := range []<-chan EventMessage{first, second} {
		message := receiveMessage(t, stream)
		if payload, ok := message.Data.(networkPayload); !ok || !payload.Online {
			t.Fatalf("unexpected network payload %+v", message.Data)
		}
	}

	cleanupFirst()
	if _, released := source.counts(); released != 0 {
		t.Fatalf("expected core subscription to stay open, released %d", released)
	}
	cleanupSecond()
	if _, released := source.counts(); released != 1 {
		t.Fatalf("expected core subscription released once, got %d", released)
	}
	if _, open := <-second; open {
		t.Fatalf("expected stream to be closed after cleanup")
	}
}

func TestEventDispatcherReleasesOnContextCancel(t *testing.T) {
	source := newFakeChangeSource()
	dispatcher := NewEventDispatcher(source)

	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx, "appointments")
	cancel()

	select {
	case _, open := <-stream:
		if open {
			t.Fatalf("expected closed stream after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream was not closed after cancel")
	}
	if count := dispatcher.SubscriberCount("appointments"); count != 0 {
		t.Fatalf("expected no subscribers, got %d", count)
	}
}

func TestEventDispatcherDropsWhenBufferFull(t *testing.T) {
	source := newFakeChangeSource()
	dispatcher := NewEventDispatcher(source)
	dispatcher.bufferSize = 1

	stream, cleanup := dispatcher.Subscribe(context.Background(), "appointments")
	defer cleanup()

	source.emit(core.Event{Kind: core.EventNetwork, Scope: "appointments", Online: false})
	source.emit(core.Event{Kind: core.EventNetwork, Scope: "appointments", Online: true})

	message := receiveMessage(t, stream)
	if payload := message.Data.(networkPayload); payload.Online {
		t.Fatalf("expected first message to be retained")
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected overflow to be dropped, got %+v", extra)
	default:
	}
}
