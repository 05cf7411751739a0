package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsGuardsQueuedWriteState(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&queue.QueuedWrite{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	valid := queue.QueuedWrite{
		CorrelationID:    "write-1",
		Scope:            "appointments",
		TargetKey:        "r-1",
		Sequence:         1,
		Operation:        "update",
		PayloadJSON:      `{"status":"confirmado"}`,
		State:            string(queue.StateExhausted),
		EnqueuedAtMillis: 1_760_000_000_000,
	}
	if err := database.Create(&valid).Error; err != nil {
		testContext.Fatalf("expected exhausted row to be accepted: %v", err)
	}

	invalid := valid
	invalid.CorrelationID = "write-2"
	invalid.Sequence = 2
	invalid.State = "sent"
	if err := database.Create(&invalid).Error; err == nil {
		testContext.Fatalf("expected insert with unknown state to be rejected")
	}

	if err := database.Exec("UPDATE queued_writes SET state = 'sent' WHERE correlation_id = ?", valid.CorrelationID).Error; err == nil {
		testContext.Fatalf("expected update to unknown state to be rejected")
	}
	if err := database.Exec("UPDATE queued_writes SET state = ? WHERE correlation_id = ?", string(queue.StatePending), valid.CorrelationID).Error; err != nil {
		testContext.Fatalf("expected update to pending to be accepted: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationGuardQueuedWriteState).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestGormStoreRoundTripsThroughGuardedSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "guarded.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	store := queue.NewGormStore(database)
	writes := []queue.Write{
		{CorrelationID: "w-1", Scope: "appointments", Target: "r-1", Operation: queue.OperationUpdate, Payload: []byte(`{}`), Sequence: 1, State: queue.StatePending},
		{CorrelationID: "w-2", Scope: "appointments", Target: "r-2", Operation: queue.OperationUpdate, Payload: []byte(`{}`), Sequence: 1, State: queue.StateExhausted},
	}
	if err := store.SaveQueued(context.Background(), writes); err != nil {
		testContext.Fatalf("failed to save queue: %v", err)
	}
	loaded, err := store.LoadQueued(context.Background())
	if err != nil {
		testContext.Fatalf("failed to load queue: %v", err)
	}
	if len(loaded) != 2 || loaded[1].State != queue.StateExhausted {
		testContext.Fatalf("unexpected loaded queue %+v", loaded)
	}
}

func TestOpenSQLiteCreatesQueueSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "queue.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&queue.QueuedWrite{}) {
		testContext.Fatalf("expected queued_writes table")
	}
	if !database.Migrator().HasIndex(&queue.QueuedWrite{}, "idx_queued_writes_target_sequence") {
		testContext.Fatalf("expected target sequence index")
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
