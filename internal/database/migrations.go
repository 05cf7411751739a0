package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationGuardQueuedWriteState = "2026-10-01_guard_queued_write_state"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationGuardQueuedWriteState, apply: guardQueuedWriteState},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// guardQueuedWriteState rejects rows whose state the queue cannot replay.
// SQLite cannot add a CHECK constraint to an existing table, so triggers
// enforce it on insert and update.
func guardQueuedWriteState(db *gorm.DB) error {
	allowed := fmt.Sprintf("'%s', '%s'", queue.StatePending, queue.StateExhausted)
	statements := []string{
		"CREATE TRIGGER IF NOT EXISTS queued_writes_state_insert BEFORE INSERT ON queued_writes " +
			"WHEN NEW.state NOT IN (" + allowed + ") " +
			"BEGIN SELECT RAISE(ABORT, 'queued write state invalid'); END;",
		"CREATE TRIGGER IF NOT EXISTS queued_writes_state_update BEFORE UPDATE OF state ON queued_writes " +
			"WHEN NEW.state NOT IN (" + allowed + ") " +
			"BEGIN SELECT RAISE(ABORT, 'queued write state invalid'); END;",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
