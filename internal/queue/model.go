package queue

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

// Operation enumerates the mutations a client may queue.
type Operation string

const (
	// OperationCreate inserts a new record.
	OperationCreate Operation = "create"
	// OperationUpdate modifies an existing record.
	OperationUpdate Operation = "update"
)

// State tracks where a queued write is in its lifecycle.
type State string

const (
	// StatePending writes are waiting for replay.
	StatePending State = "pending"
	// StateExhausted writes failed past the retry budget and wait for the user.
	StateExhausted State = "exhausted"
)

// WriteRequest is the caller-supplied part of a queued write.
type WriteRequest struct {
	Scope       records.Scope
	Target      records.Key
	Operation   Operation
	Payload     json.RawMessage
	BaseVersion int64
}

// Write is a locally buffered mutation awaiting backend acknowledgment.
type Write struct {
	CorrelationID string
	Scope         records.Scope
	Target        records.Key
	Operation     Operation
	Payload       json.RawMessage
	BaseVersion   int64
	Sequence      int64
	Attempts      int
	NextAttemptAt time.Time
	State         State
	LastError     string
	EnqueuedAt    time.Time
}

// Ack is the backend acknowledgment of a replayed write.
type Ack struct {
	Record          records.Record
	PreviousVersion int64
	Duplicate       bool
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Applied   int
	Failed    int
	Deferred  int
	Blocked   int
	Exhausted int
	Conflicts int
}

func (r *FlushResult) merge(other FlushResult) {
	r.Applied += other.Applied
	r.Failed += other.Failed
	r.Deferred += other.Deferred
	r.Blocked += other.Blocked
	r.Exhausted += other.Exhausted
	r.Conflicts += other.Conflicts
}

func parseOperation(value string) (Operation, bool) {
	switch Operation(value) {
	case OperationCreate, OperationUpdate:
		return Operation(value), true
	default:
		return "", false
	}
}
