package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/cache"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultReconnectBase = 500 * time.Millisecond
	defaultReconnectMax  = 30 * time.Second
)

var (
	errMissingSource     = errors.New("realtime source is required")
	errMissingReconciler = errors.New("cache is required")
	errAlreadyStarted    = errors.New("listener already started")
)

// State is the connection state of a Listener.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unsubscribed"
	}
}

// Reconciler is the cache surface the listener writes into.
type Reconciler interface {
	Reconcile(scope records.Scope, record records.Record, arrivedAt time.Time) bool
	Get(ctx context.Context, scope records.Scope, forceRefresh bool) (*cache.Snapshot, error)
}

// VersionObserver receives server versions seen on the realtime channel.
type VersionObserver interface {
	ObserveVersion(target records.Key, version int64)
}

// ListenerConfig wires a Listener for one scope.
type ListenerConfig struct {
	Source        Source
	Cache         Reconciler
	Observer      VersionObserver
	Scope         records.Scope
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	OnStateChange func(State)
}

// Listener merges pushed changes for one scope into the cache and recovers
// from dropped connections.
type Listener struct {
	source        Source
	cache         Reconciler
	observer      VersionObserver
	scope         records.Scope
	reconnectBase time.Duration
	reconnectMax  time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	onStateChange func(State)

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener validates cfg and returns an unsubscribed Listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Cache == nil {
		return nil, errMissingReconciler
	}
	scope, err := records.NewScope(cfg.Scope.String())
	if err != nil {
		return nil, err
	}
	base := cfg.ReconnectBase
	if base <= 0 {
		base = defaultReconnectBase
	}
	ceiling := cfg.ReconnectMax
	if ceiling < base {
		ceiling = defaultReconnectMax
		if ceiling < base {
			ceiling = base
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		source:        cfg.Source,
		cache:         cfg.Cache,
		observer:      cfg.Observer,
		scope:         scope,
		reconnectBase: base,
		reconnectMax:  ceiling,
		clock:         clock,
		logger:        logger.With(zap.String("scope", scope.String())),
		onStateChange: cfg.OnStateChange,
	}, nil
}

// Start begins subscribing and reconciling in the background and returns
// without waiting for the source. A failed first subscribe is retried like a
// dropped connection.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return errAlreadyStarted
	}
	runContext, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		subscription, err := l.source.Subscribe(runContext, l.scope)
		if err != nil {
			if runContext.Err() != nil {
				l.setState(StateUnsubscribed)
				return
			}
			l.logger.Warn("realtime subscribe failed", zap.Error(err))
			subscription = nil
		} else {
			l.setState(StateSubscribed)
		}
		l.run(runContext, subscription)
	}()
	return nil
}

// Stop unsubscribes and waits for the listener to wind down. Fetches already
// in flight are left to complete.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	l.mu.Lock()
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Scope returns the scope this listener reconciles.
func (l *Listener) Scope() records.Scope {
	return l.scope
}

func (l *Listener) run(ctx context.Context, subscription Subscription) {
	defer l.setState(StateUnsubscribed)
	for {
		if subscription != nil {
			l.consume(ctx, subscription)
			_ = subscription.Close()
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("realtime connection dropped")
		}

		l.setState(StateReconnecting)
		next, err := l.resubscribe(ctx)
		if err != nil {
			return
		}
		subscription = next
		l.setState(StateSubscribed)
		l.logger.Info("realtime connection restored")

		go l.revalidate(ctx)
	}
}

// revalidate covers changes missed while disconnected. It runs beside the
// consumer so the new subscription keeps draining during the fetch.
func (l *Listener) revalidate(ctx context.Context) {
	if _, err := l.cache.Get(ctx, l.scope, false); err != nil {
		l.logger.Warn("post-reconnect refresh failed", zap.Error(err))
	}
}

func (l *Listener) consume(ctx context.Context, subscription Subscription) {
	stream := subscription.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-stream:
			if !ok {
				return
			}
			l.apply(notification)
		}
	}
}

func (l *Listener) apply(notification Notification) {
	if notification.Scope != "" && notification.Scope != l.scope {
		return
	}
	record := notification.Record
	if record.Key == "" {
		return
	}
	if l.observer != nil && record.Version > 0 {
		l.observer.ObserveVersion(record.Key, record.Version)
	}
	if l.cache.Reconcile(l.scope, record, l.clock()) {
		l.logger.Debug("realtime change reconciled", zap.String("record_id", record.Key.String()))
	}
}

func (l *Listener) resubscribe(ctx context.Context) (Subscription, error) {
	backoff := retry.WithCappedDuration(l.reconnectMax, retry.NewExponential(l.reconnectBase))
	var subscription Subscription
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		opened, err := l.source.Subscribe(ctx, l.scope)
		if err != nil {
			l.logger.Debug("realtime resubscribe attempt failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		subscription = opened
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

func (l *Listener) setState(state State) {
	l.mu.Lock()
	changed := l.state != state
	l.state = state
	l.mu.Unlock()
	if changed && l.onStateChange != nil {
		l.onStateChange(state)
	}
}
