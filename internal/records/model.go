package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidKey indicates that a record key is empty or exceeds storage bounds.
	ErrInvalidKey = errors.New("records: invalid key")
	// ErrInvalidScope indicates that a scope is empty or exceeds storage bounds.
	ErrInvalidScope = errors.New("records: invalid scope")
)

// Key is the backend-owned opaque identifier of a record.
type Key string

// NewKey validates raw input and returns a Key.
func NewKey(rawInput string) (Key, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxIdentifierLength)
	}
	return Key(trimmed), nil
}

// String returns the underlying identifier.
func (k Key) String() string {
	return string(k)
}

// Scope names a query context such as "patients" or "nursing:patient-42".
// It partitions the cache.
type Scope string

// NewScope validates raw input and returns a Scope.
func NewScope(rawInput string) (Scope, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidScope)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidScope, maxIdentifierLength)
	}
	return Scope(trimmed), nil
}

// String returns the underlying scope name.
func (s Scope) String() string {
	return string(s)
}

// Record is a patient, appointment or nursing entry as persisted by the backend.
// The status-relevant raw fields come in different combinations depending on
// the entry point (reception, scheduling, walk-in).
type Record struct {
	Key           Key             `json:"id"`
	Name          string          `json:"name"`
	Identifier    string          `json:"identifier"`
	Specialty     string          `json:"specialty"`
	Professional  string          `json:"professional"`
	Reception     string          `json:"reception"`
	Date          string          `json:"date"`
	Time          string          `json:"time"`
	Status        string          `json:"status"`
	Confirmed     bool            `json:"confirmed"`
	ProcedureDone bool            `json:"procedure_done"`
	CheckedInAt   *time.Time      `json:"checked_in_at,omitempty"`
	SeenAt        *time.Time      `json:"seen_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int64           `json:"version"`
	Attributes    json.RawMessage `json:"attributes,omitempty"`
}
