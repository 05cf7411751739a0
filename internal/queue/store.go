package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"gorm.io/gorm"
)

// Store persists the queue so that it survives process restarts.
type Store interface {
	LoadQueued(ctx context.Context) ([]Write, error)
	SaveQueued(ctx context.Context, writes []Write) error
}

// QueuedWrite is the persisted row for a buffered write.
type QueuedWrite struct {
	CorrelationID       string `gorm:"column:correlation_id;primaryKey;size:190;not null"`
	Scope               string `gorm:"column:scope;size:190;not null"`
	TargetKey           string `gorm:"column:target_key;size:190;not null;index:idx_queued_writes_target_sequence,priority:1"`
	Sequence            int64  `gorm:"column:sequence;not null;index:idx_queued_writes_target_sequence,priority:2"`
	Operation           string `gorm:"column:op;size:16;not null"`
	PayloadJSON         string `gorm:"column:payload_json;type:text;not null"`
	BaseVersion         int64  `gorm:"column:base_version;not null;default:0"`
	Attempts            int    `gorm:"column:attempts;not null;default:0"`
	NextAttemptAtMillis int64  `gorm:"column:next_attempt_at_ms;not null;default:0"`
	State               string `gorm:"column:state;size:16;not null;default:'pending'"`
	LastError           string `gorm:"column:last_error;type:text;not null;default:''"`
	EnqueuedAtMillis    int64  `gorm:"column:enqueued_at_ms;not null"`
}

// TableName stores queued writes under queued_writes.
func (QueuedWrite) TableName() string {
	return "queued_writes"
}

// GormStore persists the queue in a relational table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a Store backed by db. The queued_writes table must
// already be migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// LoadQueued returns every persisted write ordered by target and sequence.
func (s *GormStore) LoadQueued(ctx context.Context) ([]Write, error) {
	var rows []QueuedWrite
	if err := s.db.WithContext(ctx).Order("target_key ASC, sequence ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	writes := make([]Write, 0, len(rows))
	for _, row := range rows {
		write, err := row.toWrite()
		if err != nil {
			return nil, fmt.Errorf("queued write %s: %w", row.CorrelationID, err)
		}
		writes = append(writes, write)
	}
	return writes, nil
}

// SaveQueued replaces the persisted queue with writes.
func (s *GormStore) SaveQueued(ctx context.Context, writes []Write) error {
	rows := make([]QueuedWrite, 0, len(writes))
	for _, write := range writes {
		rows = append(rows, newQueuedWrite(write))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&QueuedWrite{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func newQueuedWrite(write Write) QueuedWrite {
	var nextAttempt int64
	if !write.NextAttemptAt.IsZero() {
		nextAttempt = write.NextAttemptAt.UTC().UnixMilli()
	}
	return QueuedWrite{
		CorrelationID:       write.CorrelationID,
		Scope:               write.Scope.String(),
		TargetKey:           write.Target.String(),
		Sequence:            write.Sequence,
		Operation:           string(write.Operation),
		PayloadJSON:         string(write.Payload),
		BaseVersion:         write.BaseVersion,
		Attempts:            write.Attempts,
		NextAttemptAtMillis: nextAttempt,
		State:               string(write.State),
		LastError:           write.LastError,
		EnqueuedAtMillis:    write.EnqueuedAt.UTC().UnixMilli(),
	}
}

func (row QueuedWrite) toWrite() (Write, error) {
	scope, err := records.NewScope(row.Scope)
	if err != nil {
		return Write{}, err
	}
	target, err := records.NewKey(row.TargetKey)
	if err != nil {
		return Write{}, err
	}
	operation, ok := parseOperation(row.Operation)
	if !ok {
		return Write{}, fmt.Errorf("%w: %q", errInvalidOperation, row.Operation)
	}
	if !json.Valid([]byte(row.PayloadJSON)) {
		return Write{}, errInvalidPayload
	}
	state := State(row.State)
	if state != StateExhausted {
		state = StatePending
	}
	var nextAttempt time.Time
	if row.NextAttemptAtMillis > 0 {
		nextAttempt = time.UnixMilli(row.NextAttemptAtMillis).UTC()
	}
	return Write{
		CorrelationID: row.CorrelationID,
		Scope:         scope,
		Target:        target,
		Operation:     operation,
		Payload:       json.RawMessage(row.PayloadJSON),
		BaseVersion:   row.BaseVersion,
		Sequence:      row.Sequence,
		Attempts:      row.Attempts,
		NextAttemptAt: nextAttempt,
		State:         state,
		LastError:     row.LastError,
		EnqueuedAt:    time.UnixMilli(row.EnqueuedAtMillis).UTC(),
	}, nil
}

// MemoryStore keeps the queue in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	writes []Write
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadQueued(context.Context) ([]Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneWrites(s.writes), nil
}

func (s *MemoryStore) SaveQueued(_ context.Context, writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = cloneWrites(writes)
	return nil
}

func cloneWrites(writes []Write) []Write {
	cloned := make([]Write, len(writes))
	for index, write := range writes {
		write.Payload = append(json.RawMessage(nil), write.Payload...)
		cloned[index] = write
	}
	sort.SliceStable(cloned, func(i, j int) bool {
		return cloned[i].EnqueuedAt.Before(cloned[j].EnqueuedAt)
	})
	return cloned
}
