package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
)

var (
	// ErrTransientFetch marks a fetch that failed because the backend or
	// network was unavailable. It is retried by the periodic and focus
	// triggers, never specially.
	ErrTransientFetch = errors.New("cache: transient fetch failure")
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")

	errMissingFetcher = errors.New("fetch collaborator is required")
	errFetchTimeout   = errors.New("fetch did not complete in time")
)

// FetchError wraps a failed collaborator call for a scope.
type FetchError struct {
	Scope records.Scope
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("cache: fetch %s: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports FetchError as ErrTransientFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrTransientFetch
}

// StaleDataWarning accompanies a snapshot served after a failed refresh.
// FetchedAt is the last-updated time the UI should display.
type StaleDataWarning struct {
	Scope     records.Scope
	FetchedAt time.Time
	Err       error
}

func (w *StaleDataWarning) Error() string {
	return fmt.Sprintf("cache: serving %s fetched at %s: %v", w.Scope, w.FetchedAt.UTC().Format(time.RFC3339), w.Err)
}

func (w *StaleDataWarning) Unwrap() error {
	return w.Err
}
