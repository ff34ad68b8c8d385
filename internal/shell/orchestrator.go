// Package shell wires the auth detector, message counter and badge manager
// around one primary content surface.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/perchdesk/perch/internal/auth"
	"github.com/perchdesk/perch/internal/badge"
	"github.com/perchdesk/perch/internal/counter"
	"github.com/perchdesk/perch/internal/events"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/perchdesk/perch/internal/notify"
	"github.com/perchdesk/perch/internal/probe"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pterm/pterm"
)

var (
	// ErrNotAuthenticated is returned by ForceRecount while signed out.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrClosed is returned by operations on a closed Orchestrator.
	ErrClosed = errors.New("orchestrator closed")
)

// Options configures an Orchestrator. Clock and Logger are passed down to
// components that do not set their own.
type Options struct {
	Primary surface.Surface
	Factory surface.Factory
	Badge   badge.Options
	Auth    auth.Options
	Counter counter.Options
	// Notifier, when set, is told whenever a successful count rises.
	Notifier notify.Notifier
	Clock    clockwork.Clock
	Logger   *pterm.Logger
}

// Snapshot is a point-in-time view of the pipeline.
type Snapshot struct {
	Authenticated bool          `json:"authenticated"`
	LastChecked   time.Time     `json:"lastChecked"`
	UnreadCount   int           `json:"unreadCount"`
	Polling       bool          `json:"polling"`
	Phase         counter.Phase `json:"-"`
	PhaseName     string        `json:"phase"`
	BadgeCount    int           `json:"badgeCount"`
	BadgeStrategy string        `json:"badgeStrategy"`
	HasPermission bool          `json:"hasPermission"`
}

// Orchestrator owns the badge pipeline for one primary surface.
type Orchestrator struct {
	logger   *pterm.Logger
	notifier notify.Notifier
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	badge   *badge.Manager
	auth    *auth.Detector
	counter *counter.Counter
	subs    []events.Subscription
	closed  bool
}

// New builds the badge manager, auth detector and message counter, wires them
// together and starts auth detection.
func New(opts Options) (*Orchestrator, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("primary surface is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("surface factory is required")
	}
	logger := logging.OrDiscard(opts.Logger)
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Badge.Clock == nil {
		opts.Badge.Clock = opts.Clock
	}
	if opts.Badge.Logger == nil {
		opts.Badge.Logger = logger
	}
	if opts.Badge.Permission == nil {
		opts.Badge.Permission = badge.SurfacePermission{Surface: opts.Primary}
	}
	if opts.Auth.Clock == nil {
		opts.Auth.Clock = opts.Clock
	}
	if opts.Auth.Logger == nil {
		opts.Auth.Logger = logger
	}
	if opts.Counter.Clock == nil {
		opts.Counter.Clock = opts.Clock
	}
	if opts.Counter.Logger == nil {
		opts.Counter.Logger = logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:   logger,
		notifier: opts.Notifier,
		ctx:      ctx,
		cancel:   cancel,
		badge:    badge.New(opts.Badge),
		auth:     auth.New(opts.Primary, opts.Auth),
		counter:  counter.New(opts.Primary, opts.Factory, opts.Counter),
	}

	o.subs = append(o.subs,
		o.auth.OnAuthStateChange(o.authChanged),
		o.counter.OnCountChange(o.countChanged),
	)
	o.auth.Start()
	logger.Info("message services initialized", logger.Args("badge", o.badge.StrategyName()))
	return o, nil
}

func (o *Orchestrator) components() (*auth.Detector, *counter.Counter, *badge.Manager) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.auth, o.counter, o.badge
}

func (o *Orchestrator) authChanged(state auth.State) {
	_, c, b := o.components()
	if c == nil || b == nil {
		return
	}
	if state.Authenticated {
		if !c.IsPolling() {
			o.logger.Info("user authenticated, starting message count polling")
			c.Start()
		}
		return
	}
	if c.IsPolling() {
		o.logger.Info("user signed out, stopping message count polling")
		c.Stop()
	}
	b.ClearBadge(o.ctx)
}

func (o *Orchestrator) countChanged(count counter.Count) {
	a, _, b := o.components()
	if a == nil || b == nil {
		return
	}
	if !count.Success {
		o.logger.Warn("failed to get message count", o.logger.Args("error", count.Error))
		return
	}
	// A cycle that started before sign-out can finish after it.
	if !a.IsUserAuthenticated() {
		o.logger.Debug("ignoring count while signed out", o.logger.Args("count", count.Unread))
		return
	}

	previous := b.CurrentCount()
	b.UpdateBadge(o.ctx, count.Unread)
	if o.notifier != nil && count.Unread > previous {
		title := fmt.Sprintf("%d unread %s", count.Unread, plural(count.Unread, "message", "messages"))
		if err := o.notifier.Notify(o.ctx, title, "New messages are waiting."); err != nil {
			o.logger.Warn("failed to show notification", o.logger.Args("error", err.Error()))
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// UnreadCount is the last successfully counted value.
func (o *Orchestrator) UnreadCount() int {
	_, c, _ := o.components()
	if c == nil {
		return 0
	}
	return c.CurrentCount()
}

// AuthState is the current authentication snapshot.
func (o *Orchestrator) AuthState() auth.State {
	a, _, _ := o.components()
	if a == nil {
		return auth.State{}
	}
	return a.CurrentState()
}

// ForceRecount runs a counting cycle now. It fails with ErrNotAuthenticated
// while signed out.
func (o *Orchestrator) ForceRecount(ctx context.Context) (counter.Count, error) {
	a, c, _ := o.components()
	if a == nil || c == nil {
		return counter.Count{}, ErrClosed
	}
	if !a.IsUserAuthenticated() {
		return counter.Count{}, ErrNotAuthenticated
	}
	return c.ForceCheck(ctx)
}

// SetPolling starts or stops the message counter. Polling only starts while
// authenticated.
func (o *Orchestrator) SetPolling(enabled bool) {
	a, c, _ := o.components()
	if a == nil || c == nil {
		return
	}
	if enabled && a.IsUserAuthenticated() {
		c.Start()
		return
	}
	c.Stop()
}

// Inspect runs the DOM diagnostic probe on the primary surface.
func (o *Orchestrator) Inspect(ctx context.Context) (probe.Inspection, error) {
	a, _, _ := o.components()
	if a == nil {
		return nil, ErrClosed
	}
	return a.Inspect(ctx)
}

// OnAuthStateChange forwards auth transitions to fn.
func (o *Orchestrator) OnAuthStateChange(fn func(auth.State)) events.Subscription {
	a, _, _ := o.components()
	if a == nil {
		return func() {}
	}
	return a.OnAuthStateChange(fn)
}

// OnCountChange forwards every counting result to fn.
func (o *Orchestrator) OnCountChange(fn func(counter.Count)) events.Subscription {
	_, c, _ := o.components()
	if c == nil {
		return func() {}
	}
	return c.OnCountChange(fn)
}

// Snapshot reports the state of every component.
func (o *Orchestrator) Snapshot() Snapshot {
	a, c, b := o.components()
	var s Snapshot
	if a != nil {
		state := a.CurrentState()
		s.Authenticated = state.Authenticated
		s.LastChecked = a.LastChecked()
	}
	if c != nil {
		s.UnreadCount = c.CurrentCount()
		s.Polling = c.IsPolling()
		s.Phase = c.Phase()
	}
	s.PhaseName = s.Phase.String()
	if b != nil {
		s.BadgeCount = b.CurrentCount()
		s.BadgeStrategy = b.StrategyName()
		s.HasPermission = b.HasPermission()
	}
	return s
}

// Close tears the pipeline down: in-flight badge and notification calls are
// cancelled, the detector and counter are destroyed, then the badge manager,
// which clears the badge. It is safe to call more than once.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	a, c, b := o.auth, o.counter, o.badge
	subs := o.subs
	o.auth, o.counter, o.badge, o.subs = nil, nil, nil, nil
	o.mu.Unlock()

	o.cancel()
	for _, unsubscribe := range subs {
		unsubscribe()
	}
	a.Destroy()
	c.Destroy()
	b.Destroy(ctx)
	o.logger.Info("message services destroyed")
}
