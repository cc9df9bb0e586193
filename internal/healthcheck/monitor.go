package healthcheck

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/angeloszaimis/reverse-proxy/internal/upstream"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 10 * time.Second
)

var (
	ErrNoTargets       = errors.New("healthcheck: target set cannot be empty")
	ErrIntervalTooLow  = errors.New("healthcheck: interval must be at least one second")
	ErrTimeoutTooLow   = errors.New("healthcheck: timeout must be at least one second")
	ErrDestroyed       = errors.New("healthcheck: monitor has been destroyed")
)

// State is the lifecycle state of a Monitor.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateDestroyed
)

// Monitor owns an upstream registry and keeps per-origin liveness and
// latency fresh by running a recurring concurrent probe cycle. The
// snapshot is replaced whole on every cycle completion, never merged.
type Monitor struct {
	registry *upstream.Set
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	client     *http.Client
	ownsClient bool

	mu         sync.RWMutex
	state      State
	status     map[string]float64
	lastUpdate time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// Options configures a Monitor. Zero values pick the defaults; a nil
// Client makes the monitor create and own a pooled fallback client that
// is released on Destroy.
type Options struct {
	Interval  time.Duration
	Timeout   time.Duration
	Client    *http.Client
	Autostart bool
	Logger    *slog.Logger
}

// New builds a Monitor over the registry. All origins start as healthy
// with zero latency until the first probe cycle completes.
func New(registry *upstream.Set, opts Options) (*Monitor, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, ErrNoTargets
	}

	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval < time.Second {
		return nil, ErrIntervalTooLow
	}
	if opts.Timeout < time.Second {
		return nil, ErrTimeoutTooLow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Monitor{
		registry: registry,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		client:   opts.Client,
	}

	if m.client == nil {
		m.client = cleanhttp.DefaultPooledClient()
		m.ownsClient = true
	}

	m.status = make(map[string]float64, registry.Len())
	for _, origin := range registry.Origins() {
		m.status[origin] = 0
	}

	if opts.Autostart {
		if err := m.Start(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Start launches the background probe loop. An immediate cycle runs
// first, then one every interval. Starting a running monitor is a
// no-op; starting a destroyed one fails.
func (m *Monitor) Start() error {
	m.mu.Lock()
	switch m.state {
	case StateDestroyed:
		m.mu.Unlock()
		return ErrDestroyed
	case StateRunning:
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.state = StateRunning
	m.mu.Unlock()

	go m.run(ctx, done)
	return nil
}

// Stop cancels the probe loop and waits for its termination. In-flight
// probes are abandoned. Idempotent; the monitor can be started again.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.state = StateStopped
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	cancel()
	<-done
}

// Destroy stops the monitor and releases the owned transport client.
// Terminal and idempotent: the monitor cannot be restarted afterwards.
func (m *Monitor) Destroy() {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDestroyed {
		return
	}
	if m.ownsClient {
		m.client.CloseIdleConnections()
	}
	m.state = StateDestroyed
}

// Scoped starts the monitor, runs fn and destroys the monitor on the
// way out regardless of how fn returns.
func (m *Monitor) Scoped(fn func(*Monitor) error) error {
	if err := m.Start(); err != nil {
		return err
	}
	defer m.Destroy()
	return fn(m)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every origin concurrently and, once every probe has
// resolved, swaps the whole snapshot and advances the last-update
// timestamp. A cancelled cycle publishes nothing.
func (m *Monitor) CheckAll(ctx context.Context) {
	origins := m.registry.Origins()
	next := make(map[string]float64, len(origins))

	var (
		wg     sync.WaitGroup
		nextMu sync.Mutex
	)

	for _, origin := range origins {
		wg.Add(1)
		go func(origin string) {
			defer wg.Done()
			latency, up := m.probe(ctx, origin)
			if up {
				nextMu.Lock()
				next[origin] = latency
				nextMu.Unlock()
			}
		}(origin)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	m.status = next
	m.lastUpdate = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context, origin string) (latencyMs float64, up bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// HEAD keeps probes cheap on the wire.
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, origin+m.registry.ProbePath(origin), nil)
	if err != nil {
		m.logger.Warn("invalid probe target",
			slog.String("target", origin),
			slog.String("error", err.Error()))
		return 0, false
	}

	start := time.Now()
	res, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("target is down",
			slog.String("target", origin),
			slog.String("error", err.Error()))
		return 0, false
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		m.logger.Warn("target is down",
			slog.String("target", origin),
			slog.Int("status", res.StatusCode))
		return 0, false
	}

	return float64(time.Since(start)) / float64(time.Millisecond), true
}

// HealthyOrigins returns the origins currently marked up, in registry
// order.
func (m *Monitor) HealthyOrigins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	healthy := make([]string, 0, len(m.status))
	for _, origin := range m.registry.Origins() {
		if _, up := m.status[origin]; up {
			healthy = append(healthy, origin)
		}
	}
	return healthy
}

// ResponseTimes returns the latest latency in milliseconds for every
// origin currently up.
func (m *Monitor) ResponseTimes() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.status))
	for origin, latency := range m.status {
		out[origin] = latency
	}
	return out
}

// Fastest returns the up origin with the lowest latency. Ties resolve
// to the origin appearing first in registry order.
func (m *Monitor) Fastest() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		fastest string
		best    float64
		found   bool
	)
	for _, origin := range m.registry.Origins() {
		latency, up := m.status[origin]
		if !up {
			continue
		}
		if !found || latency < best {
			fastest, best, found = origin, latency, true
		}
	}
	return fastest, found
}

// IsHealthy reports whether the origin is currently up. Unknown origins
// are not healthy.
func (m *Monitor) IsHealthy(origin string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, up := m.status[origin]
	return up
}

// LastUpdate returns the completion time of the most recent probe
// cycle. The zero time means no cycle has completed yet.
func (m *Monitor) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// Registry returns the upstream set the monitor was built from.
func (m *Monitor) Registry() *upstream.Set {
	return m.registry
}

// CurrentState returns the lifecycle state.
func (m *Monitor) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
