package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/cache"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/network"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetrySweep = time.Second

	opServiceNew = "core.service.new"
	opWatch      = "core.watch"
	opFlush      = "core.flush"
)

var (
	errMissingFetcher = errors.New("fetch collaborator is required")
	errMissingSender  = errors.New("write collaborator is required")
	errMissingStore   = errors.New("persistence collaborator is required")
	// ErrClosed is returned by operations on a closed Service.
	ErrClosed = errors.New("core: service closed")
)

// CacheSettings bounds the freshness cache.
type CacheSettings struct {
	Staleness       time.Duration
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
}

// QueueSettings bounds write replay.
type QueueSettings struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

// RealtimeSettings bounds realtime reconnection.
type RealtimeSettings struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Config wires the Service to its collaborators. Source and Network are
// optional: without a Source no realtime listeners run, and without a
// Network monitor connectivity is assumed until SetOnline says otherwise.
type Config struct {
	Fetcher    cache.Fetcher
	Sender     queue.Sender
	Store      queue.Store
	IDProvider queue.IDProvider
	Source     realtime.Source
	Network    *network.Monitor

	Cache    CacheSettings
	Queue    QueueSettings
	Realtime RealtimeSettings

	Clock  func() time.Time
	Logger *zap.Logger
}

// Service is the UI-facing freshness and offline-tolerance core.
type Service struct {
	cache    *cache.Cache
	queue    *queue.Queue
	network  *network.Monitor
	source   realtime.Source
	realtime RealtimeSettings
	clock    func() time.Time
	logger   *zap.Logger
	events   *eventBus

	flushRequests  chan struct{}
	retrySweep     time.Duration
	lifetime       context.Context
	cancelLifetime context.CancelFunc
	releaseNetwork func()

	mu      sync.Mutex
	watches map[records.Scope]*watch
	closed  bool
}

type watch struct {
	refs     int
	release  func()
	listener *realtime.Listener
}

// New assembles the cache, the write queue and their triggers.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = queue.NewUUIDProvider()
	}
	monitor := cfg.Network
	if monitor == nil {
		monitor = network.NewMonitor(network.MonitorConfig{InitialOnline: true, Logger: logger.Named("network")})
	}
	retrySweep := cfg.Queue.BackoffBase
	if retrySweep <= 0 {
		retrySweep = defaultRetrySweep
	}

	lifetime, cancel := context.WithCancel(context.Background())
	service := &Service{
		network:        monitor,
		source:         cfg.Source,
		realtime:       cfg.Realtime,
		clock:          clock,
		logger:         logger,
		events:         newEventBus(),
		flushRequests:  make(chan struct{}, 1),
		retrySweep:     retrySweep,
		lifetime:       lifetime,
		cancelLifetime: cancel,
		watches:        make(map[records.Scope]*watch),
	}

	freshness, err := cache.New(cache.Config{
		Fetcher:         cfg.Fetcher,
		Staleness:       cfg.Cache.Staleness,
		RefreshInterval: cfg.Cache.RefreshInterval,
		FetchTimeout:    cfg.Cache.FetchTimeout,
		Clock:           clock,
		Logger:          logger.Named("cache"),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	writes, err := queue.New(ctx, queue.Config{
		Store:          cfg.Store,
		Sender:         cfg.Sender,
		IDProvider:     ids,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffMax:     cfg.Queue.BackoffMax,
		AttemptTimeout: cfg.Queue.AttemptTimeout,
		Clock:          clock,
		Logger:         logger.Named("queue"),
		OnApplied:      service.handleApplied,
		OnConflict:     service.handleConflict,
		OnExhausted:    service.handleExhausted,
	})
	if err != nil {
		cancel()
		freshness.Close()
		logger.Error("core service error",
			zap.String("operation", opServiceNew),
			zap.String("reason", "queue_init_failed"),
			zap.Error(err))
		return nil, err
	}

	service.cache = freshness
	service.queue = writes
	freshness.OnRefresh(service.handleRefresh)
	service.releaseNetwork = monitor.Subscribe(service.handleNetwork)
	return service, nil
}

// Get returns the records of scope through the freshness cache. A
// *cache.StaleDataWarning comes back alongside served data when the refresh
// failed.
func (s *Service) Get(ctx context.Context, scope records.Scope, forceRefresh bool) (*cache.Snapshot, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	snapshot, err := s.cache.Get(ctx, scope, forceRefresh)
	var warning *cache.StaleDataWarning
	if errors.As(err, &warning) {
		s.events.publish(Event{Kind: EventStale, Scope: scope, Snapshot: snapshot, Warning: warning, At: s.clock()})
	}
	return snapshot, err
}

// DeriveStatus projects a record onto its display status.
func (s *Service) DeriveStatus(record records.Record) records.DerivedStatus {
	return records.DeriveStatus(record)
}

// Filter returns the records matching every active criterion, in input order.
func (s *Service) Filter(collection []records.Record, criteria records.Criteria) []records.Record {
	return records.NewFilter(criteria, s.logger.Named("filter")).Apply(collection)
}

// Enqueue buffers a write and, when online, schedules a flush. An update
// without a base version is stamped with the version of the cached record so
// later edits on the backend are still reported as conflicts.
func (s *Service) Enqueue(ctx context.Context, request queue.WriteRequest) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if request.BaseVersion == 0 && request.Operation == queue.OperationUpdate {
		if snapshot := s.cache.Peek(request.Scope); snapshot != nil {
			if cached, ok := snapshot.Lookup(request.Target); ok {
				request.BaseVersion = cached.Version
			}
		}
	}
	correlationID, err := s.queue.Enqueue(ctx, request)
	if err != nil {
		return "", err
	}
	if s.network.Online() {
		s.requestFlush()
	}
	return correlationID, nil
}

// SubscribeToChanges delivers new snapshots of scope and the conflict,
// exhaustion, staleness and network events that concern it. The returned
// func unsubscribes.
func (s *Service) SubscribeToChanges(scope records.Scope, notify func(Event)) func() {
	cancelSnapshots := s.cache.Subscribe(scope, func(snapshot *cache.Snapshot) {
		notify(Event{Kind: EventChanged, Scope: scope, Snapshot: snapshot, At: s.clock()})
	})
	cancelEvents := s.events.subscribe(scope, notify)
	return func() {
		cancelSnapshots()
		cancelEvents()
	}
}

// Watch keeps scope live for periodic and focus refreshes and, with a
// realtime source, reconciles pushed changes until released.
func (s *Service) Watch(scope records.Scope) (func(), error) {
	validated, err := records.NewScope(scope.String())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	current, ok := s.watches[validated]
	if !ok {
		current = &watch{release: s.cache.Retain(validated)}
		if s.source != nil {
			listener, err := realtime.NewListener(realtime.ListenerConfig{
				Source:        s.source,
				Cache:         s.cache,
				Observer:      s.queue,
				Scope:         validated,
				ReconnectBase: s.realtime.ReconnectBase,
				ReconnectMax:  s.realtime.ReconnectMax,
				Clock:         s.clock,
				Logger:        s.logger.Named("realtime"),
			})
			if err == nil {
				err = listener.Start(s.lifetime)
			}
			if err != nil {
				current.release()
				s.logger.Error("core service error",
					zap.String("operation", opWatch),
					zap.String("reason", "listener_start_failed"),
					zap.String("scope", validated.String()),
					zap.Error(err))
				return nil, err
			}
			current.listener = listener
		}
		s.watches[validated] = current
	}
	current.refs++

	var once sync.Once
	return func() {
		once.Do(func() { s.unwatch(validated) })
	}, nil
}

func (s *Service) unwatch(scope records.Scope) {
	s.mu.Lock()
	current, ok := s.watches[scope]
	if !ok {
		s.mu.Unlock()
		return
	}
	current.refs--
	if current.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.watches, scope)
	s.mu.Unlock()

	if current.listener != nil {
		current.listener.Stop()
	}
	current.release()
}

// Focus revalidates live scopes when the window regains focus.
func (s *Service) Focus(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.cache.Focus(ctx)
}

// Flush replays queued writes now.
func (s *Service) Flush(ctx context.Context) (queue.FlushResult, error) {
	return s.queue.Flush(ctx)
}

// Pending lists queued writes, exhausted ones included.
func (s *Service) Pending() []queue.Write {
	return s.queue.Pending()
}

// Acknowledge discards an exhausted write.
func (s *Service) Acknowledge(ctx context.Context, correlationID string) error {
	return s.queue.Acknowledge(ctx, correlationID)
}

// Retry gives an exhausted write a fresh retry budget and schedules a flush.
func (s *Service) Retry(ctx context.Context, correlationID string) error {
	if err := s.queue.Retry(ctx, correlationID); err != nil {
		return err
	}
	s.requestFlush()
	return nil
}

// Online reports the last known connectivity.
func (s *Service) Online() bool {
	return s.network.Online()
}

// SetOnline records a connectivity change reported by the host.
func (s *Service) SetOnline(online bool) {
	s.network.Set(online)
}

// Run drives periodic refresh, connectivity probing and write replay until
// ctx is done.
func (s *Service) Run(ctx context.Context) error {
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error { return s.cache.Run(groupContext) })
	group.Go(func() error { return s.network.Run(groupContext) })
	group.Go(func() error { return s.replayLoop(groupContext) })

	if s.network.Online() && s.queue.Len() > 0 {
		s.requestFlush()
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) replayLoop(ctx context.Context) error {
	sweep := time.NewTicker(s.retrySweep)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.flushRequests:
		case <-sweep.C:
			if s.queue.Len() == 0 {
				continue
			}
		}
		if !s.network.Online() {
			continue
		}
		if _, err := s.queue.Flush(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("core service error",
				zap.String("operation", opFlush),
				zap.String("reason", "flush_failed"),
				zap.Error(err))
		}
	}
}

// Close stops listeners and releases watched scopes. Snapshots already
// handed out stay valid.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watches := s.watches
	s.watches = make(map[records.Scope]*watch)
	s.mu.Unlock()

	for _, current := range watches {
		if current.listener != nil {
			current.listener.Stop()
		}
		current.release()
	}
	if s.releaseNetwork != nil {
		s.releaseNetwork()
	}
	s.cancelLifetime()
	s.cache.Close()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) requestFlush() {
	select {
	case s.flushRequests <- struct{}{}:
	default:
	}
}

func (s *Service) handleRefresh(_ context.Context, _ records.Scope) {
	s.network.Set(true)
	if s.queue.Len() > 0 {
		s.requestFlush()
	}
}

func (s *Service) handleNetwork(online bool) {
	s.events.publish(Event{Kind: EventNetwork, Online: online, At: s.clock()})
	if online {
		s.requestFlush()
	}
}

func (s *Service) handleApplied(write queue.Write, ack queue.Ack) {
	if ack.Record.Key == "" {
		return
	}
	s.cache.Reconcile(write.Scope, ack.Record, s.clock())
}

func (s *Service) handleConflict(conflict queue.WriteConflict) {
	s.events.publish(Event{Kind: EventConflict, Scope: conflict.Scope, Conflict: &conflict, At: s.clock()})
}

func (s *Service) handleExhausted(exhausted *queue.ExhaustedError) {
	s.events.publish(Event{Kind: EventExhausted, Scope: exhausted.Scope, Exhausted: exhausted, At: s.clock()})
}
