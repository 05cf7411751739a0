package cache

import (
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

// Snapshot is an immutable view of one scope's records. A published
// snapshot is never modified; refreshes and reconciliation publish a new one.
type Snapshot struct {
	scope      records.Scope
	records    []records.Record
	appliedAt  []time.Time
	index      map[records.Key]int
	fetchedAt  time.Time
	generation uint64
}

func newSnapshot(scope records.Scope, fetched []records.Record, completedAt time.Time, generation uint64) *Snapshot {
	snapshot := &Snapshot{
		scope:      scope,
		records:    make([]records.Record, len(fetched)),
		appliedAt:  make([]time.Time, len(fetched)),
		index:      make(map[records.Key]int, len(fetched)),
		fetchedAt:  completedAt,
		generation: generation,
	}
	copy(snapshot.records, fetched)
	for position, record := range snapshot.records {
		snapshot.appliedAt[position] = completedAt
		if _, exists := snapshot.index[record.Key]; !exists {
			snapshot.index[record.Key] = position
		}
	}
	return snapshot
}

// withRecord returns a copy with the record at position replaced.
func (s *Snapshot) withRecord(position int, record records.Record, appliedAt time.Time, generation uint64) *Snapshot {
	next := &Snapshot{
		scope:      s.scope,
		records:    make([]records.Record, len(s.records)),
		appliedAt:  make([]time.Time, len(s.appliedAt)),
		index:      s.index,
		fetchedAt:  s.fetchedAt,
		generation: generation,
	}
	copy(next.records, s.records)
	copy(next.appliedAt, s.appliedAt)
	next.records[position] = record
	next.appliedAt[position] = appliedAt
	return next
}

// Scope returns the partition key of the snapshot.
func (s *Snapshot) Scope() records.Scope {
	return s.scope
}

// Records returns the cached collection. Callers must treat it as read-only.
func (s *Snapshot) Records() []records.Record {
	return s.records
}

// Len returns the number of cached records.
func (s *Snapshot) Len() int {
	return len(s.records)
}

// Lookup returns the cached record for key.
func (s *Snapshot) Lookup(key records.Key) (records.Record, bool) {
	position, ok := s.index[key]
	if !ok {
		return records.Record{}, false
	}
	return s.records[position], true
}

// FetchedAt returns the completion time of the fetch that produced the entry.
// Realtime reconciliation does not move it.
func (s *Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// Age reports how old the entry is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.fetchedAt)
}

// Generation increases with every snapshot published by the cache.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}
