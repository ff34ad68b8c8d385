package badge

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/perchdesk/perch/internal/schedule"
	"github.com/pterm/pterm"
)

// DefaultPermissionGrace is how long after construction the startup
// permission check runs.
const DefaultPermissionGrace = 2 * time.Second

// DefaultPermissionTimeout bounds each permission query or request. A browser
// prompt nobody answers never resolves on its own.
const DefaultPermissionTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	// Strategy is the platform renderer. Nil means NoopStrategy.
	Strategy Strategy
	// Baseline is called on every change alongside Strategy. Optional.
	Baseline CountSetter
	// Permission gates badges behind notification permission. Nil treats the
	// permission as granted.
	Permission Permission
	// AssumeGrantedOnError treats a failed startup permission check as granted.
	AssumeGrantedOnError bool
	// PermissionGrace delays the startup permission check. Zero means the
	// default; negative means immediately.
	PermissionGrace time.Duration
	// PermissionTimeout bounds each Query and Request. Zero means the default.
	PermissionTimeout time.Duration
	Clock             clockwork.Clock
	Logger            *pterm.Logger
}

// Manager keeps the rendered badge in step with the latest unread count.
type Manager struct {
	strategy    Strategy
	baseline    CountSetter
	assumeOnErr bool
	timeout     time.Duration
	clk         clockwork.Clock
	logger      *pterm.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	startup     chan struct{}

	// render serializes UpdateBadge calls so platform calls apply in order.
	// Permission requests never run under it.
	render sync.Mutex

	// pending tracks the lazy permission request goroutine.
	pending sync.WaitGroup

	mu         sync.Mutex
	permission Permission
	granted    bool
	requesting bool
	current    int
	destroyed  bool
}

// New returns a Manager and schedules the startup permission check.
func New(opts Options) *Manager {
	if opts.Strategy == nil {
		opts.Strategy = NoopStrategy{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = DefaultPermissionTimeout
	}
	switch {
	case opts.PermissionGrace == 0:
		opts.PermissionGrace = DefaultPermissionGrace
	case opts.PermissionGrace < 0:
		opts.PermissionGrace = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		strategy:    opts.Strategy,
		baseline:    opts.Baseline,
		assumeOnErr: opts.AssumeGrantedOnError,
		timeout:     opts.PermissionTimeout,
		clk:         opts.Clock,
		logger:      logging.OrDiscard(opts.Logger),
		ctx:         ctx,
		cancel:      cancel,
		startup:     make(chan struct{}),
		permission:  opts.Permission,
		granted:     opts.Permission == nil,
	}

	go func() {
		defer close(m.startup)
		if err := schedule.Sleep(ctx, m.clk, opts.PermissionGrace); err != nil {
			return
		}
		m.checkPermission()
	}()
	return m
}

// StartupDone is closed once the startup permission check has finished or
// been cancelled.
func (m *Manager) StartupDone() <-chan struct{} {
	return m.startup
}

func (m *Manager) checkPermission() {
	m.mu.Lock()
	p := m.permission
	m.mu.Unlock()
	if p == nil {
		return
	}

	state, err := m.bounded(p.Query)
	if err == nil && state == Undetermined {
		state, err = m.bounded(p.Request)
	}
	if err != nil {
		m.logger.Warn("notification permission check failed", m.logger.Args(
			"error", err.Error(),
			"assumeGranted", m.assumeOnErr,
		))
		m.setGranted(m.assumeOnErr)
		return
	}
	m.logger.Info("notification permission", m.logger.Args("state", string(state)))
	m.setGranted(state.Allows())
}

// bounded runs a permission call under the manager's context and timeout.
func (m *Manager) bounded(call func(context.Context) (PermissionState, error)) (PermissionState, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()
	return call(ctx)
}

// startRequest launches a lazy permission request unless one is already
// running. Callers hold m.mu.
func (m *Manager) startRequest() {
	if m.requesting || m.destroyed || m.permission == nil {
		return
	}
	m.requesting = true
	p := m.permission
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.requestPermission(p)
	}()
}

func (m *Manager) requestPermission(p Permission) {
	defer func() {
		m.mu.Lock()
		m.requesting = false
		m.mu.Unlock()
	}()
	if m.ctx.Err() != nil {
		return
	}

	state, err := m.bounded(p.Request)
	if err != nil {
		m.logger.Warn("notification permission request failed", m.logger.Args("error", err.Error()))
		return
	}
	m.logger.Info("notification permission requested", m.logger.Args("state", string(state)))
	m.setGranted(state.Allows())
}

func (m *Manager) setGranted(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = v
}

// UpdateBadge renders n if it differs from the current count. Rendering
// failures are logged; the current count is updated regardless. Without
// permission, a positive count also starts a permission request in the
// background; rendering does not wait for it.
func (m *Manager) UpdateBadge(ctx context.Context, n int) {
	if n < 0 {
		n = 0
	}

	m.render.Lock()
	defer m.render.Unlock()

	m.mu.Lock()
	if m.destroyed || n == m.current {
		m.mu.Unlock()
		return
	}
	m.current = n
	if !m.granted && n > 0 {
		m.startRequest()
	}
	m.mu.Unlock()

	m.apply(ctx, n)
}

func (m *Manager) apply(ctx context.Context, n int) {
	m.logger.Debug("updating badge", m.logger.Args("count", n, "strategy", m.strategy.Name()))
	if m.baseline != nil {
		if err := m.baseline.SetCount(ctx, n); err != nil {
			m.logger.Warn("failed to set badge count", m.logger.Args("count", n, "error", err.Error()))
		}
	}
	if err := m.strategy.Render(ctx, n); err != nil {
		m.logger.Warn("failed to render badge", m.logger.Args(
			"count", n,
			"strategy", m.strategy.Name(),
			"error", err.Error(),
		))
	}
}

// ClearBadge is UpdateBadge(ctx, 0).
func (m *Manager) ClearBadge(ctx context.Context) {
	m.UpdateBadge(ctx, 0)
}

// CurrentCount is the last count passed to UpdateBadge.
func (m *Manager) CurrentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// HasPermission reports whether notification permission is known to allow
// badges.
func (m *Manager) HasPermission() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted
}

// StrategyName names the platform strategy in use.
func (m *Manager) StrategyName() string {
	return m.strategy.Name()
}

// Destroy cancels any pending permission call, clears the badge and releases
// the permission source. Later calls are no-ops.
func (m *Manager) Destroy(ctx context.Context) {
	m.cancel()
	m.ClearBadge(ctx)

	m.mu.Lock()
	m.destroyed = true
	m.permission = nil
	m.mu.Unlock()

	m.pending.Wait()
}
