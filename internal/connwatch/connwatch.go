// Package connwatch tracks the health of the services agrifarm depends
// on: the backend API (seen from the proxy), the MQTT broker and Ollama.
//
// A Watcher probes one service. At startup it retries with exponential
// backoff; afterwards it polls on a fixed interval and fires OnReady and
// OnDown on state transitions. Transport-level retries for single
// requests live in httpkit.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/agrifarm/internal/httpkit"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries is the number of startup probes before falling back to
	// PollInterval.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig probes at 2s, 4s, 8s ... up to 60s for ten
// attempts, then every 60 seconds.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	pick := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}
	b.InitialDelay = pick(b.InitialDelay, d.InitialDelay)
	b.MaxDelay = pick(b.MaxDelay, d.MaxDelay)
	b.PollInterval = pick(b.PollInterval, d.PollInterval)
	b.ProbeTimeout = pick(b.ProbeTimeout, d.ProbeTimeout)
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and health output ("backend",
	// "mqtt", "ollama").
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on transitions.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the JSON shape reported by the health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures,omitempty"`
	// DownSince is when the service was last seen going unreachable.
	DownSince *time.Time `json:"down_since,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
	// connected is set after the first successful probe; until then
	// failures are retried with backoff instead of PollInterval.
	connected bool
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Ready = w.ready.Load()
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.config.Backoff
	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		startup := w.record(err, attempt)

		wait := b.PollInterval
		if startup && attempt < b.MaxRetries {
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// record stores a probe result, logs and fires callbacks on
// transitions. It reports whether the watcher is still in its startup
// phase (never connected).
func (w *Watcher) record(err error, attempt int) bool {
	now := time.Now()
	w.mu.Lock()
	w.status.LastCheck = now
	wasReady := w.ready.Load()
	first := !w.connected
	if err == nil {
		w.status.LastError = ""
		w.status.Failures = 0
		w.status.DownSince = nil
		w.connected = true
	} else {
		w.status.LastError = err.Error()
		w.status.Failures++
		if wasReady || w.status.DownSince == nil {
			w.status.DownSince = &now
		}
	}
	w.mu.Unlock()

	switch {
	case err == nil && first:
		w.logger.Info("service connected", "after_attempts", attempt)
		w.transition(true, nil)
	case err == nil && !wasReady:
		w.logger.Info("service recovered")
		w.transition(true, nil)
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "error", err)
		w.transition(false, err)
	case err != nil && first && attempt == w.config.Backoff.MaxRetries:
		w.logger.Warn("service unreachable at startup, polling in background",
			"attempts", attempt, "error", err)
	case err != nil:
		w.logger.Debug("probe failed", "attempt", attempt, "error", err)
	}
	return first && err != nil
}

func (w *Watcher) transition(ready bool, err error) {
	w.ready.Store(ready)
	if ready && w.config.OnReady != nil {
		go w.config.OnReady()
	}
	if !ready && w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// HTTPProbe returns a probe that GETs url and treats any status below
// 500 as healthy. The backend answers unauthenticated requests with
// 401, which still proves it is up.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		httpkit.DrainAndClose(resp.Body, 4096)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// Manager owns the watchers for one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Zero backoff fields take their defaults. Panics on an empty
// name or nil probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: cfg.Logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns the health of every watched service keyed by name.
// A nil Manager reports nothing.
func (m *Manager) Status() map[string]ServiceStatus {
	status := make(map[string]ServiceStatus)
	if m == nil {
		return status
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
