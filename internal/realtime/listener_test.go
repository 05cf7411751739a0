package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/cache"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

const testScope = records.Scope("appointments")

type recordingReconciler struct {
	mu         sync.Mutex
	known      map[records.Key]bool
	reconciled []records.Record
	gets       []bool
	getGate    chan struct{}
}

func newRecordingReconciler(keys ...records.Key) *recordingReconciler {
	known := make(map[records.Key]bool)
	for _, key := range keys {
		known[key] = true
	}
	return &recordingReconciler{known: known}
}

func (r *recordingReconciler) Reconcile(_ records.Scope, record records.Record, _ time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[record.Key] {
		return false
	}
	r.reconciled = append(r.reconciled, record)
	return true
}

func (r *recordingReconciler) Get(_ context.Context, _ records.Scope, forceRefresh bool) (*cache.Snapshot, error) {
	r.mu.Lock()
	r.gets = append(r.gets, forceRefresh)
	gate := r.getGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil, nil
}

func (r *recordingReconciler) snapshot() ([]records.Record, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]records.Record(nil), r.reconciled...), append([]bool(nil), r.gets...)
}

type versionLog struct {
	mu       sync.Mutex
	versions map[records.Key]int64
}

func (v *versionLog) ObserveVersion(target records.Key, version int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.versions == nil {
		v.versions = make(map[records.Key]int64)
	}
	v.versions[target] = version
}

func (v *versionLog) get(target records.Key) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.versions[target]
}

type flakySource struct {
	failures atomic.Int32
	attempts atomic.Int32
	delegate Source
}

func (s *flakySource) Subscribe(ctx context.Context, scope records.Scope) (Subscription, error) {
	s.attempts.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	return s.delegate.Subscribe(ctx, scope)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func newTestListener(t *testing.T, source Source, reconciler Reconciler, observer VersionObserver) *Listener {
	t.Helper()
	listener, err := NewListener(ListenerConfig{
		Source:        source,
		Cache:         reconciler,
		Observer:      observer,
		Scope:         testScope,
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected listener error: %v", err)
	}
	t.Cleanup(listener.Stop)
	return listener
}

func TestListenerReconcilesKnownKeysOnly(t *testing.T) {
	hub := NewHub()
	reconciler := newRecordingReconciler("p-1")
	versions := &versionLog{}
	listener := newTestListener(t, hub, reconciler, versions)

	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return listener.State() == StateSubscribed })

	hub.Publish(Notification{Scope: testScope, Record: records.Record{Key: "p-1", Status: "confirmado", Version: 4}})
	hub.Publish(Notification{Scope: testScope, Record: records.Record{Key: "p-404", Version: 2}})
	hub.Publish(Notification{Scope: "billing", Record: records.Record{Key: "p-1", Version: 9}})

	waitFor(t, "reconciliation", func() bool {
		reconciled, _ := reconciler.snapshot()
		return len(reconciled) == 1
	})
	waitFor(t, "version observation", func() bool { return versions.get("p-404") == 2 })
	if versions.get("p-1") != 4 {
		t.Fatalf("expected version 4 to be observed for p-1, got %d", versions.get("p-1"))
	}

	_, gets := reconciler.snapshot()
	if len(gets) != 0 {
		t.Fatalf("absent keys must not trigger a fetch, got %v", gets)
	}
}

func TestListenerResubscribesAfterDropAndRevalidates(t *testing.T) {
	hub := NewHub()
	source := &flakySource{delegate: hub}
	reconciler := newRecordingReconciler("p-1")

	var statesMu sync.Mutex
	var states []State
	listener, err := NewListener(ListenerConfig{
		Source:        source,
		Cache:         reconciler,
		Scope:         testScope,
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		OnStateChange: func(state State) {
			statesMu.Lock()
			states = append(states, state)
			statesMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("unexpected listener error: %v", err)
	}
	t.Cleanup(listener.Stop)

	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return listener.State() == StateSubscribed })
	source.failures.Store(2)
	hub.Disconnect(testScope)

	waitFor(t, "revalidating get", func() bool {
		_, gets := reconciler.snapshot()
		return len(gets) == 1
	})
	_, gets := reconciler.snapshot()
	if gets[0] {
		t.Fatalf("expected a non-forced get after reconnect")
	}
	if listener.State() != StateSubscribed {
		t.Fatalf("expected subscribed after reconnect, got %s", listener.State())
	}
	if attempts := source.attempts.Load(); attempts != 4 {
		t.Fatalf("expected initial subscribe plus three reconnect attempts, got %d", attempts)
	}

	statesMu.Lock()
	observed := append([]State(nil), states...)
	statesMu.Unlock()
	expected := []State{StateSubscribed, StateReconnecting, StateSubscribed}
	if len(observed) != len(expected) {
		t.Fatalf("expected transitions %v, got %v", expected, observed)
	}
	for index := range expected {
		if observed[index] != expected[index] {
			t.Fatalf("expected transitions %v, got %v", expected, observed)
		}
	}

	hub.Publish(Notification{Scope: testScope, Record: records.Record{Key: "p-1"}})
	waitFor(t, "reconciliation after reconnect", func() bool {
		reconciled, _ := reconciler.snapshot()
		return len(reconciled) == 1
	})
}

func TestListenerRetriesFailedInitialSubscribe(t *testing.T) {
	hub := NewHub()
	source := &flakySource{delegate: hub}
	source.failures.Store(1)
	listener := newTestListener(t, source, newRecordingReconciler(), nil)

	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return listener.State() == StateSubscribed })
	if hub.SubscriberCount(testScope) != 1 {
		t.Fatalf("expected one hub subscriber")
	}
}

func TestListenerStopUnsubscribes(t *testing.T) {
	hub := NewHub()
	listener := newTestListener(t, hub, newRecordingReconciler(), nil)
	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := listener.Start(context.Background()); !errors.Is(err, errAlreadyStarted) {
		t.Fatalf("expected second start to fail, got %v", err)
	}

	listener.Stop()
	if listener.State() != StateUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", listener.State())
	}
	waitFor(t, "hub cleanup", func() bool { return hub.SubscriberCount(testScope) == 0 })

	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
}

func TestListenerReconcilesIntoCache(t *testing.T) {
	fetcher := cacheFetcher{collection: []records.Record{{Key: "p-1", Name: "Ana"}}}
	store, err := cache.New(cache.Config{Fetcher: fetcher})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	defer store.Close()
	if _, err := store.Get(context.Background(), testScope, false); err != nil {
		t.Fatalf("initial get failed: %v", err)
	}

	hub := NewHub()
	listener := newTestListener(t, hub, store, nil)
	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return hub.SubscriberCount(testScope) == 1 })
	hub.Publish(Notification{Scope: testScope, Record: records.Record{Key: "p-1", Name: "Ana", Status: "atendido"}})

	waitFor(t, "cache update", func() bool {
		record, ok := store.Peek(testScope).Lookup("p-1")
		return ok && record.Status == "atendido"
	})
}

func TestListenerDrainsWhileRevalidating(t *testing.T) {
	hub := NewHub()
	reconciler := newRecordingReconciler("p-1")
	gate := make(chan struct{})
	reconciler.getGate = gate
	defer close(gate)
	listener := newTestListener(t, hub, reconciler, nil)

	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "subscription", func() bool { return hub.SubscriberCount(testScope) == 1 })
	hub.Disconnect(testScope)

	waitFor(t, "revalidating get", func() bool {
		_, gets := reconciler.snapshot()
		return len(gets) == 1
	})
	waitFor(t, "resubscription", func() bool { return hub.SubscriberCount(testScope) == 1 })

	hub.Publish(Notification{Scope: testScope, Record: records.Record{Key: "p-1", Status: "atendido", Version: 5}})
	waitFor(t, "reconciliation during revalidation", func() bool {
		reconciled, _ := reconciler.snapshot()
		return len(reconciled) == 1
	})
}

func TestListenerStartDoesNotWaitForSource(t *testing.T) {
	source := &blockingSource{release: make(chan struct{})}
	defer close(source.release)
	listener := newTestListener(t, source, newRecordingReconciler(), nil)

	started := make(chan error, 1)
	go func() { started <- listener.Start(context.Background()) }()
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("start blocked on a slow subscribe")
	}
	if listener.State() == StateSubscribed {
		t.Fatalf("expected listener to still be connecting")
	}
}

// blockingSource never completes a subscribe until released or cancelled.
type blockingSource struct {
	release chan struct{}
}

func (s *blockingSource) Subscribe(ctx context.Context, _ records.Scope) (Subscription, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return nil, errors.New("released")
	}
}

type cacheFetcher struct {
	collection []records.Record
}

func (f cacheFetcher) FetchRecords(context.Context, records.Scope) ([]records.Record, error) {
	return append([]records.Record(nil), f.collection...), nil
}
