package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultStaleness bounds reuse of cached data for navigation and focus reloads.
	DefaultStaleness = 10 * time.Second
	// DefaultRefreshInterval forces a refresh of live scopes without user interaction.
	DefaultRefreshInterval = 60 * time.Second
	// DefaultFetchTimeout bounds a single collaborator call.
	DefaultFetchTimeout = 15 * time.Second
)

const (
	opGet       = "cache.get"
	opRefresh   = "cache.refresh"
	opReconcile = "cache.reconcile"
)

// Fetcher abstracts the remote backend query for a scope.
type Fetcher interface {
	FetchRecords(ctx context.Context, scope records.Scope) ([]records.Record, error)
}

// RefreshHook runs after every successful fetch.
type RefreshHook func(ctx context.Context, scope records.Scope)

// Config describes the dependencies and bounds of a Cache.
type Config struct {
	Fetcher         Fetcher
	Staleness       time.Duration
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Cache is the process-wide freshness-gated store of scope snapshots.
type Cache struct {
	fetcher         Fetcher
	staleness       time.Duration
	refreshInterval time.Duration
	fetchTimeout    time.Duration
	clock           func() time.Time
	logger          *zap.Logger
	flights         singleflight.Group

	mu         sync.RWMutex
	entries    map[records.Scope]*Snapshot
	generation uint64
	retained   map[records.Scope]int
	listeners  map[records.Scope]map[int64]*listener
	nextID     int64
	hooks      []RefreshHook
	closed     bool
}

type listener struct {
	notify        func(*Snapshot)
	lastDelivered atomic.Uint64
}

// New constructs a Cache. Zero durations fall back to the package defaults.
func New(cfg Config) (*Cache, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	staleness := cfg.Staleness
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher:         cfg.Fetcher,
		staleness:       staleness,
		refreshInterval: refreshInterval,
		fetchTimeout:    fetchTimeout,
		clock:           clock,
		logger:          logger,
		entries:         make(map[records.Scope]*Snapshot),
		retained:        make(map[records.Scope]int),
		listeners:       make(map[records.Scope]map[int64]*listener),
	}, nil
}

// Get returns the snapshot for scope. Without forceRefresh a snapshot younger
// than the staleness bound is returned as is. Otherwise the collaborator is
// called once per scope no matter how many callers are waiting.
//
// On fetch failure the previous snapshot, if any, is returned together with a
// *StaleDataWarning; without a previous snapshot the *FetchError is returned.
func (c *Cache) Get(ctx context.Context, scope records.Scope, forceRefresh bool) (*Snapshot, error) {
	if scope == "" {
		return nil, fmt.Errorf("%s: %w", opGet, records.ErrInvalidScope)
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	if !forceRefresh {
		if snapshot := c.Peek(scope); snapshot != nil && c.IsFresh(snapshot) {
			return snapshot, nil
		}
	}

	resultCh := c.flights.DoChan(scope.String(), func() (interface{}, error) {
		return c.fetch(ctx, scope)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return c.serveAfterFailure(scope, result.Err)
		}
		return result.Val.(*Snapshot), nil
	}
}

// Peek returns the current snapshot for scope without fetching.
func (c *Cache) Peek(scope records.Scope) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[scope]
}

// IsFresh reports whether snapshot is younger than the staleness bound.
func (c *Cache) IsFresh(snapshot *Snapshot) bool {
	if snapshot == nil {
		return false
	}
	return snapshot.Age(c.clock()) < c.staleness
}

// Staleness returns the configured staleness bound.
func (c *Cache) Staleness() time.Duration {
	return c.staleness
}

type fetchResult struct {
	records []records.Record
	err     error
}

func (c *Cache) fetch(ctx context.Context, scope records.Scope) (*Snapshot, error) {
	// the flight outlives the caller that started it: other views share the scope
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		fetched, err := c.fetcher.FetchRecords(fetchCtx, scope)
		done <- fetchResult{records: fetched, err: err}
	}()

	var result fetchResult
	select {
	case result = <-done:
	case <-fetchCtx.Done():
		result = fetchResult{err: fmt.Errorf("%w after %s", errFetchTimeout, c.fetchTimeout)}
	}
	if result.err != nil {
		c.logger.Warn("scope fetch failed",
			zap.String("operation", opRefresh),
			zap.String("scope", scope.String()),
			zap.Error(result.err))
		return nil, &FetchError{Scope: scope, Err: result.err}
	}

	snapshot := c.install(scope, result.records, c.clock())
	c.logger.Debug("scope refreshed",
		zap.String("scope", scope.String()),
		zap.Int("records", snapshot.Len()))
	for _, hook := range c.refreshHooks() {
		hook(fetchCtx, scope)
	}
	return snapshot, nil
}

func (c *Cache) serveAfterFailure(scope records.Scope, err error) (*Snapshot, error) {
	previous := c.Peek(scope)
	if previous == nil {
		return nil, err
	}
	return previous, &StaleDataWarning{Scope: scope, FetchedAt: previous.FetchedAt(), Err: err}
}

// install publishes a fetched collection. Records reconciled after the fetch
// completed keep their newer value.
func (c *Cache) install(scope records.Scope, fetched []records.Record, completedAt time.Time) *Snapshot {
	c.mu.Lock()
	c.generation++
	snapshot := newSnapshot(scope, fetched, completedAt, c.generation)
	if previous := c.entries[scope]; previous != nil {
		for position, record := range previous.records {
			if !previous.appliedAt[position].After(completedAt) {
				continue
			}
			if target, ok := snapshot.index[record.Key]; ok {
				snapshot.records[target] = record
				snapshot.appliedAt[target] = previous.appliedAt[position]
			}
		}
	}
	c.entries[scope] = snapshot
	targets := c.listenersLocked(scope)
	c.mu.Unlock()

	deliver(targets, snapshot)
	return snapshot
}

// Reconcile merges a pushed record into the scope's snapshot. It returns
// false when the scope is not cached, the key is not part of the snapshot,
// or the cached value was written after arrivedAt.
func (c *Cache) Reconcile(scope records.Scope, record records.Record, arrivedAt time.Time) bool {
	c.mu.Lock()
	current := c.entries[scope]
	if current == nil {
		c.mu.Unlock()
		return false
	}
	position, ok := current.index[record.Key]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("notification for uncached record ignored",
			zap.String("operation", opReconcile),
			zap.String("scope", scope.String()),
			zap.String("record_id", record.Key.String()))
		return false
	}
	if current.appliedAt[position].After(arrivedAt) {
		c.mu.Unlock()
		return false
	}
	c.generation++
	next := current.withRecord(position, record, arrivedAt, c.generation)
	c.entries[scope] = next
	targets := c.listenersLocked(scope)
	c.mu.Unlock()

	deliver(targets, next)
	return true
}

// Retain marks scope as live so the periodic refresher and Focus cover it.
// The returned release func is idempotent.
func (c *Cache) Retain(scope records.Scope) func() {
	c.mu.Lock()
	c.retained[scope]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.retained[scope]--
			if c.retained[scope] <= 0 {
				delete(c.retained, scope)
			}
		})
	}
}

// LiveScopes returns the retained scopes in lexical order.
func (c *Cache) LiveScopes() []records.Scope {
	c.mu.RLock()
	scopes := make([]records.Scope, 0, len(c.retained))
	for scope := range c.retained {
		scopes = append(scopes, scope)
	}
	c.mu.RUnlock()
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	return scopes
}

// Focus revalidates every live scope through the staleness bound. It is
// called when the application window regains focus.
func (c *Cache) Focus(ctx context.Context) error {
	return c.each(ctx, false)
}

// RefreshAll forces a refresh of every live scope.
func (c *Cache) RefreshAll(ctx context.Context) error {
	return c.each(ctx, true)
}

func (c *Cache) each(ctx context.Context, force bool) error {
	var errs []error
	for _, scope := range c.LiveScopes() {
		if _, err := c.Get(ctx, scope, force); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run force-refreshes live scopes every refresh interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.RefreshAll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("periodic refresh incomplete",
					zap.String("operation", opRefresh),
					zap.Error(err))
			}
		}
	}
}

// OnRefresh registers hook to run after each successful fetch.
func (c *Cache) OnRefresh(hook RefreshHook) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

func (c *Cache) refreshHooks() []RefreshHook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RefreshHook(nil), c.hooks...)
}

// Subscribe calls notify with every snapshot published for scope. A listener
// never receives a snapshot older than one it has already been given.
func (c *Cache) Subscribe(scope records.Scope, notify func(*Snapshot)) func() {
	if notify == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[scope] == nil {
		c.listeners[scope] = make(map[int64]*listener)
	}
	c.listeners[scope][id] = &listener{notify: notify}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subscribers := c.listeners[scope]
		if subscribers == nil {
			return
		}
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(c.listeners, scope)
		}
	}
}

func (c *Cache) listenersLocked(scope records.Scope) []*listener {
	subscribers := c.listeners[scope]
	if len(subscribers) == 0 {
		return nil
	}
	copies := make([]*listener, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	return copies
}

func deliver(targets []*listener, snapshot *Snapshot) {
	for _, target := range targets {
		for {
			last := target.lastDelivered.Load()
			if snapshot.generation <= last {
				break
			}
			if target.lastDelivered.CompareAndSwap(last, snapshot.generation) {
				target.notify(snapshot)
				break
			}
		}
	}
}

// Close drops listeners and hooks. Snapshots already handed out stay valid.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.listeners = make(map[records.Scope]map[int64]*listener)
	c.hooks = nil
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
