package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxAttempts    = 5
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = time.Minute
	defaultAttemptTimeout = 15 * time.Second

	flushFlightKey = "flush"
)

var noOpLogger = zap.NewNop()

// Sender replays a queued write against the backend. Implementations must
// treat Write.CorrelationID as an idempotency key.
type Sender interface {
	SendWrite(ctx context.Context, write Write) (Ack, error)
}

// Config wires a Queue to its collaborators.
type Config struct {
	Store          Store
	Sender         Sender
	IDProvider     IDProvider
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger

	OnApplied   func(Write, Ack)
	OnConflict  func(WriteConflict)
	OnExhausted func(*ExhaustedError)
}

// Queue buffers writes and replays them in per-target order. A write leaves
// the queue only after the backend acknowledges it or the user discards it.
type Queue struct {
	store          Store
	sender         Sender
	ids            IDProvider
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	attemptTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	onApplied   func(Write, Ack)
	onConflict  func(WriteConflict)
	onExhausted func(*ExhaustedError)

	flights singleflight.Group

	mu        sync.Mutex
	writes    []Write
	sequences map[records.Key]int64
	observed  map[records.Key]int64
	applied   map[records.Key]int64
}

// New restores the persisted queue and returns a ready Queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opQueueNew, "missing_store", errMissingStore)
	}
	if cfg.Sender == nil {
		return nil, newServiceError(opQueueNew, "missing_sender", errMissingSender)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffMax := cfg.BackoffMax
	if backoffMax < backoffBase {
		backoffMax = defaultBackoffMax
		if backoffMax < backoffBase {
			backoffMax = backoffBase
		}
	}
	attemptTimeout := cfg.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	restored, err := cfg.Store.LoadQueued(ctx)
	if err != nil {
		return nil, newServiceError(opQueueNew, "load_failed", err)
	}

	queue := &Queue{
		store:          cfg.Store,
		sender:         cfg.Sender,
		ids:            cfg.IDProvider,
		maxAttempts:    maxAttempts,
		backoffBase:    backoffBase,
		backoffMax:     backoffMax,
		attemptTimeout: attemptTimeout,
		clock:          clock,
		logger:         logger,
		onApplied:      cfg.OnApplied,
		onConflict:     cfg.OnConflict,
		onExhausted:    cfg.OnExhausted,
		writes:         cloneWrites(restored),
		sequences:      make(map[records.Key]int64),
		observed:       make(map[records.Key]int64),
		applied:        make(map[records.Key]int64),
	}
	for _, write := range queue.writes {
		if write.Sequence > queue.sequences[write.Target] {
			queue.sequences[write.Target] = write.Sequence
		}
	}
	if len(restored) > 0 {
		logger.Info("restored queued writes", zap.Int("count", len(restored)))
	}
	return queue, nil
}

// Enqueue durably buffers a write and returns its correlation id. It never
// touches the network.
func (q *Queue) Enqueue(ctx context.Context, request WriteRequest) (string, error) {
	scope, err := records.NewScope(request.Scope.String())
	if err != nil {
		return "", newServiceError(opEnqueue, "invalid_scope", err)
	}
	target, err := records.NewKey(request.Target.String())
	if err != nil {
		return "", newServiceError(opEnqueue, "invalid_target", err)
	}
	operation, ok := parseOperation(string(request.Operation))
	if !ok {
		return "", newServiceError(opEnqueue, "invalid_operation", errInvalidOperation)
	}
	if !json.Valid(request.Payload) {
		return "", newServiceError(opEnqueue, "invalid_payload", errInvalidPayload)
	}

	correlationID, err := q.ids.NewID()
	if err != nil {
		q.logError(opEnqueue, "id_generation_failed", err, zap.String("target", target.String()))
		return "", newServiceError(opEnqueue, "id_generation_failed", err)
	}

	q.mu.Lock()
	sequence := q.sequences[target] + 1
	write := Write{
		CorrelationID: correlationID,
		Scope:         scope,
		Target:        target,
		Operation:     operation,
		Payload:       append(json.RawMessage(nil), request.Payload...),
		BaseVersion:   request.BaseVersion,
		Sequence:      sequence,
		State:         StatePending,
		EnqueuedAt:    q.clock().UTC(),
	}
	q.writes = append(q.writes, write)
	if err := q.store.SaveQueued(ctx, q.writes); err != nil {
		q.writes = q.writes[:len(q.writes)-1]
		q.mu.Unlock()
		q.logError(opEnqueue, "persist_failed", err, zap.String("target", target.String()))
		return "", newServiceError(opEnqueue, "persist_failed", err)
	}
	q.sequences[target] = sequence
	q.mu.Unlock()

	q.logger.Debug("write queued",
		zap.String("correlation_id", correlationID),
		zap.String("target", target.String()),
		zap.Int64("sequence", sequence))
	return correlationID, nil
}

// Flush replays every ready write. Concurrent calls share one pass. Writes
// for the same target go out strictly in sequence order; distinct targets
// are replayed in parallel.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	resultChannel := q.flights.DoChan(flushFlightKey, func() (interface{}, error) {
		return q.flush(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	case outcome := <-resultChannel:
		result, _ := outcome.Val.(FlushResult)
		return result, outcome.Err
	}
}

func (q *Queue) flush(ctx context.Context) (FlushResult, error) {
	var (
		total   FlushResult
		totalMu sync.Mutex
		visited = make(map[records.Key]struct{})
	)
	for {
		targets := q.unvisitedTargets(visited)
		if len(targets) == 0 {
			break
		}
		var group errgroup.Group
		for _, target := range targets {
			visited[target] = struct{}{}
			group.Go(func() error {
				result, err := q.flushTarget(ctx, target)
				totalMu.Lock()
				total.merge(result)
				totalMu.Unlock()
				return err
			})
		}
		if err := group.Wait(); err != nil {
			q.logError(opFlush, "persist_failed", err)
			return total, newServiceError(opFlush, "persist_failed", err)
		}
	}
	if total.Applied > 0 || total.Failed > 0 {
		q.logger.Info("queue flushed",
			zap.Int("applied", total.Applied),
			zap.Int("failed", total.Failed),
			zap.Int("deferred", total.Deferred),
			zap.Int("blocked", total.Blocked),
			zap.Int("conflicts", total.Conflicts))
	}
	return total, nil
}

func (q *Queue) unvisitedTargets(visited map[records.Key]struct{}) []records.Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[records.Key]struct{})
	var targets []records.Key
	for _, write := range q.writes {
		if _, done := visited[write.Target]; done {
			continue
		}
		if _, dup := seen[write.Target]; dup {
			continue
		}
		seen[write.Target] = struct{}{}
		targets = append(targets, write.Target)
	}
	return targets
}

type headState int

const (
	headEmpty headState = iota
	headReady
	headDeferred
	headBlocked
)

func (q *Queue) flushTarget(ctx context.Context, target records.Key) (FlushResult, error) {
	var result FlushResult
	for {
		write, state := q.head(target)
		switch state {
		case headEmpty:
			return result, nil
		case headDeferred:
			result.Deferred++
			return result, nil
		case headBlocked:
			result.Blocked++
			return result, nil
		}

		ack, sendErr := q.send(ctx, write)
		if sendErr != nil {
			result.Failed++
			exhausted, err := q.recordFailure(ctx, write, sendErr)
			if exhausted != nil {
				result.Exhausted++
				if q.onExhausted != nil {
					q.onExhausted(exhausted)
				}
			}
			return result, err
		}

		conflict, err := q.recordSuccess(ctx, write, ack)
		result.Applied++
		if q.onApplied != nil {
			q.onApplied(write, ack)
		}
		if conflict != nil {
			result.Conflicts++
			if q.onConflict != nil {
				q.onConflict(*conflict)
			}
		}
		if err != nil {
			return result, err
		}
	}
}

// head returns the lowest-sequence write for target and whether it may be sent now.
func (q *Queue) head(target records.Key) (Write, headState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := -1
	for candidate := range q.writes {
		if q.writes[candidate].Target != target {
			continue
		}
		if index < 0 || q.writes[candidate].Sequence < q.writes[index].Sequence {
			index = candidate
		}
	}
	if index < 0 {
		return Write{}, headEmpty
	}
	write := q.writes[index]
	if write.State == StateExhausted {
		return write, headBlocked
	}
	if !write.NextAttemptAt.IsZero() && write.NextAttemptAt.After(q.clock()) {
		return write, headDeferred
	}
	return write, headReady
}

func (q *Queue) send(ctx context.Context, write Write) (Ack, error) {
	attemptContext, cancel := context.WithTimeout(ctx, q.attemptTimeout)
	defer cancel()

	type outcome struct {
		ack Ack
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ack, err := q.sender.SendWrite(attemptContext, write)
		done <- outcome{ack: ack, err: err}
	}()
	select {
	case <-attemptContext.Done():
		return Ack{}, errAttemptTimeout
	case result := <-done:
		return result.ack, result.err
	}
}

func (q *Queue) recordFailure(ctx context.Context, write Write, cause error) (*ExhaustedError, error) {
	q.mu.Lock()
	index := q.indexLocked(write.CorrelationID)
	if index < 0 {
		q.mu.Unlock()
		return nil, nil
	}
	stored := &q.writes[index]
	stored.Attempts++
	stored.LastError = cause.Error()

	var exhausted *ExhaustedError
	if stored.Attempts >= q.maxAttempts {
		stored.State = StateExhausted
		stored.NextAttemptAt = time.Time{}
		exhausted = &ExhaustedError{
			CorrelationID: stored.CorrelationID,
			Scope:         stored.Scope,
			Target:        stored.Target,
			Attempts:      stored.Attempts,
			Err:           cause,
		}
	} else {
		stored.NextAttemptAt = q.clock().UTC().Add(backoffDelay(q.backoffBase, q.backoffMax, stored.Attempts))
	}
	attempts := stored.Attempts
	nextAttempt := stored.NextAttemptAt
	err := q.store.SaveQueued(ctx, q.writes)
	q.mu.Unlock()

	if exhausted != nil {
		q.logError(opFlush, "retry_budget_exhausted", cause,
			zap.String("correlation_id", write.CorrelationID),
			zap.String("target", write.Target.String()),
			zap.Int("attempts", attempts))
	} else {
		q.logger.Warn("write replay failed",
			zap.String("correlation_id", write.CorrelationID),
			zap.String("target", write.Target.String()),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", nextAttempt),
			zap.Error(cause))
	}
	return exhausted, err
}

func (q *Queue) recordSuccess(ctx context.Context, write Write, ack Ack) (*WriteConflict, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index := q.indexLocked(write.CorrelationID); index >= 0 {
		q.writes = append(q.writes[:index], q.writes[index+1:]...)
	}

	target := write.Target
	expected := write.BaseVersion
	if q.applied[target] > expected {
		expected = q.applied[target]
	}
	serverVersion := ack.PreviousVersion
	if observed := q.observed[target]; observed > serverVersion && (ack.Record.Version == 0 || observed < ack.Record.Version) {
		serverVersion = observed
	}

	var conflict *WriteConflict
	if !ack.Duplicate && expected > 0 && serverVersion > expected {
		conflict = &WriteConflict{
			CorrelationID:  write.CorrelationID,
			Scope:          write.Scope,
			Target:         target,
			BaseVersion:    expected,
			ServerVersion:  serverVersion,
			AppliedVersion: ack.Record.Version,
			DetectedAt:     q.clock().UTC(),
		}
		q.logger.Warn("write applied over concurrent change",
			zap.String("correlation_id", write.CorrelationID),
			zap.String("target", target.String()),
			zap.Int64("base_version", expected),
			zap.Int64("server_version", serverVersion))
	}

	if ack.Record.Version > q.applied[target] {
		q.applied[target] = ack.Record.Version
	}
	if q.observed[target] <= ack.Record.Version {
		delete(q.observed, target)
	}
	if !q.hasTargetLocked(target) {
		delete(q.applied, target)
		delete(q.observed, target)
	}
	return conflict, q.store.SaveQueued(ctx, q.writes)
}

// ObserveVersion records a server-side version seen for target, typically
// from a realtime notification. It only matters while writes for target are
// queued.
func (q *Queue) ObserveVersion(target records.Key, version int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasTargetLocked(target) {
		return
	}
	if version > q.observed[target] {
		q.observed[target] = version
	}
}

// Acknowledge discards an exhausted write, unblocking its target.
func (q *Queue) Acknowledge(ctx context.Context, correlationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := q.indexLocked(correlationID)
	if index < 0 {
		return newServiceError(opAcknowledge, "not_found", ErrWriteNotFound)
	}
	if q.writes[index].State != StateExhausted {
		return newServiceError(opAcknowledge, "not_exhausted", ErrWriteNotExhausted)
	}
	removed := q.writes[index]
	q.writes = append(q.writes[:index], q.writes[index+1:]...)
	if err := q.store.SaveQueued(ctx, q.writes); err != nil {
		q.writes = append(q.writes, removed)
		return newServiceError(opAcknowledge, "persist_failed", err)
	}
	q.logger.Info("exhausted write discarded",
		zap.String("correlation_id", correlationID),
		zap.String("target", removed.Target.String()))
	return nil
}

// Retry resets an exhausted write to pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, correlationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := q.indexLocked(correlationID)
	if index < 0 {
		return newServiceError(opRetry, "not_found", ErrWriteNotFound)
	}
	stored := &q.writes[index]
	if stored.State != StateExhausted {
		return newServiceError(opRetry, "not_exhausted", ErrWriteNotExhausted)
	}
	previous := *stored
	stored.State = StatePending
	stored.Attempts = 0
	stored.NextAttemptAt = time.Time{}
	if err := q.store.SaveQueued(ctx, q.writes); err != nil {
		q.writes[index] = previous
		return newServiceError(opRetry, "persist_failed", err)
	}
	return nil
}

// Pending returns a copy of every queued write in enqueue order.
func (q *Queue) Pending() []Write {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneWrites(q.writes)
}

// Len reports how many writes are queued, exhausted ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.writes)
}

// Targets returns the distinct keys that have queued writes.
func (q *Queue) Targets() []records.Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[records.Key]struct{})
	var targets []records.Key
	for _, write := range q.writes {
		if _, ok := seen[write.Target]; ok {
			continue
		}
		seen[write.Target] = struct{}{}
		targets = append(targets, write.Target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

func (q *Queue) indexLocked(correlationID string) int {
	for index := range q.writes {
		if q.writes[index].CorrelationID == correlationID {
			return index
		}
	}
	return -1
}

func (q *Queue) hasTargetLocked(target records.Key) bool {
	for index := range q.writes {
		if q.writes[index].Target == target {
			return true
		}
	}
	return false
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("write queue error", attrs...)
}

// IsExhausted reports whether err marks a write that ran out of retries.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrQueueExhausted)
}
