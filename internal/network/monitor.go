package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Prober checks whether the backend is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Prober        Prober
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	InitialOnline bool
	Logger        *zap.Logger
}

// Monitor tracks connectivity and notifies subscribers on transitions only.
type Monitor struct {
	prober        Prober
	probeInterval time.Duration
	probeTimeout  time.Duration
	logger        *zap.Logger

	mu          sync.Mutex
	online      bool
	subscribers map[int64]func(bool)
	nextID      int64

	notifyMu sync.Mutex
}

// NewMonitor constructs a Monitor. Without a Prober only Set changes state.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:        cfg.Prober,
		probeInterval: interval,
		probeTimeout:  timeout,
		logger:        logger,
		online:        cfg.InitialOnline,
		subscribers:   make(map[int64]func(bool)),
	}
}

// Online reports the last known connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records connectivity and notifies subscribers if it changed.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	targets := make([]func(bool), 0, len(m.subscribers))
	for _, notify := range m.subscribers {
		targets = append(targets, notify)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("network online")
	} else {
		m.logger.Warn("network offline")
	}
	for _, notify := range targets {
		notify(online)
	}
}

// Subscribe registers notify for transitions. The returned func unregisters.
func (m *Monitor) Subscribe(notify func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = notify
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Probe checks the backend once and records the outcome.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	probeContext, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.prober.Probe(probeContext)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.logger.Debug("backend probe failed", zap.Error(err))
	}
	m.Set(err == nil)
	return err == nil
}

// Run probes immediately and then every probe interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	m.Probe(ctx)
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
