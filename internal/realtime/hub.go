package realtime

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

const defaultHubBufferSize = 64

// Hub is an in-process Source. Published notifications fan out to every
// subscriber of the scope; a subscriber whose buffer is full misses the
// notification and catches up on the next refresh.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[records.Scope]map[int64]*hubSubscription
	nextID      int64
	bufferSize  int
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[records.Scope]map[int64]*hubSubscription),
		bufferSize:  defaultHubBufferSize,
	}
}

type hubSubscription struct {
	id     int64
	scope  records.Scope
	hub    *Hub
	stream chan Notification
	closed bool
}

func (s *hubSubscription) Notifications() <-chan Notification {
	return s.stream
}

func (s *hubSubscription) Close() error {
	s.hub.unregister(s.scope, s.id)
	return nil
}

// Subscribe registers a subscriber for scope. It is unregistered when ctx is
// done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, scope records.Scope) (Subscription, error) {
	if _, err := records.NewScope(scope.String()); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.nextID++
	subscription := &hubSubscription{
		id:     h.nextID,
		scope:  scope,
		hub:    h,
		stream: make(chan Notification, h.bufferSize),
	}
	if _, ok := h.subscribers[scope]; !ok {
		h.subscribers[scope] = make(map[int64]*hubSubscription)
	}
	h.subscribers[scope][subscription.id] = subscription
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unregister(scope, subscription.id)
	}()
	return subscription, nil
}

// Publish delivers notification to the subscribers of its scope without
// blocking.
func (h *Hub) Publish(notification Notification) {
	if notification.Scope == "" || notification.Record.Key == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subscription := range h.subscribers[notification.Scope] {
		select {
		case subscription.stream <- notification:
		default:
		}
	}
}

// Disconnect drops every subscription of scope, as a lost connection would.
func (h *Hub) Disconnect(scope records.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, subscription := range h.subscribers[scope] {
		subscription.closed = true
		close(subscription.stream)
		delete(h.subscribers[scope], id)
	}
	delete(h.subscribers, scope)
}

// SubscriberCount reports the active subscribers of scope.
func (h *Hub) SubscriberCount(scope records.Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[scope])
}

func (h *Hub) unregister(scope records.Scope, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[scope]
	subscription, ok := subscribers[id]
	if !ok || subscription.closed {
		return
	}
	subscription.closed = true
	close(subscription.stream)
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(h.subscribers, scope)
	}
}
