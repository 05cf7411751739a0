package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "queue.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&QueuedWrite{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestGormStoreRoundTrip(t *testing.T) {
	store := NewGormStore(openTestDatabase(t))
	enqueuedAt := time.Date(2024, 5, 7, 8, 0, 0, 0, time.UTC)
	writes := []Write{
		{
			CorrelationID: "write-2",
			Scope:         "patients",
			Target:        "a",
			Operation:     OperationUpdate,
			Payload:       json.RawMessage(`{"status":"atendido"}`),
			BaseVersion:   4,
			Sequence:      2,
			Attempts:      3,
			NextAttemptAt: enqueuedAt.Add(8 * time.Second),
			State:         StateExhausted,
			LastError:     "rejected",
			EnqueuedAt:    enqueuedAt.Add(time.Second),
		},
		{
			CorrelationID: "write-1",
			Scope:         "patients",
			Target:        "a",
			Operation:     OperationCreate,
			Payload:       json.RawMessage(`{"name":"Ana"}`),
			Sequence:      1,
			State:         StatePending,
			EnqueuedAt:    enqueuedAt,
		},
	}
	if err := store.SaveQueued(context.Background(), writes); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.LoadQueued(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected two writes, got %d", len(loaded))
	}
	if loaded[0].CorrelationID != "write-1" || loaded[1].CorrelationID != "write-2" {
		t.Fatalf("expected writes ordered by sequence, got %s then %s", loaded[0].CorrelationID, loaded[1].CorrelationID)
	}
	exhausted := loaded[1]
	if exhausted.State != StateExhausted || exhausted.Attempts != 3 || exhausted.LastError != "rejected" {
		t.Fatalf("unexpected exhausted write %+v", exhausted)
	}
	if !exhausted.NextAttemptAt.Equal(writes[0].NextAttemptAt) || !exhausted.EnqueuedAt.Equal(writes[0].EnqueuedAt) {
		t.Fatalf("timestamps did not round trip: %+v", exhausted)
	}
	if string(exhausted.Payload) != `{"status":"atendido"}` {
		t.Fatalf("payload did not round trip: %s", exhausted.Payload)
	}
	if !loaded[0].NextAttemptAt.IsZero() {
		t.Fatalf("expected zero next attempt for fresh write")
	}

	if err := store.SaveQueued(context.Background(), loaded[:1]); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := store.LoadQueued(context.Background())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(reloaded) != 1 || reloaded[0].CorrelationID != "write-1" {
		t.Fatalf("expected save to replace the queue, got %+v", reloaded)
	}
}

func TestQueueRestoresFromGormStore(t *testing.T) {
	database := openTestDatabase(t)
	clock := newFakeClock()
	first := newTestQueue(t, NewGormStore(database), &recordingSender{}, clock, nil)
	id := enqueue(t, first, "a", 2)

	sender := &recordingSender{}
	restored := newTestQueue(t, NewGormStore(database), sender, clock, nil)
	pending := restored.Pending()
	if len(pending) != 1 || pending[0].CorrelationID != id || pending[0].BaseVersion != 2 {
		t.Fatalf("expected write to survive restart, got %+v", pending)
	}
	if _, err := restored.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if sent := sender.sentIDs(); len(sent) != 1 || sent[0] != id {
		t.Fatalf("expected restored write to be replayed with its correlation id, got %v", sent)
	}
}
