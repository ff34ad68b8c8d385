// Package auth polls the primary content surface for signs of a signed-in
// session and reports transitions.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/perchdesk/perch/internal/events"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/perchdesk/perch/internal/probe"
	"github.com/perchdesk/perch/internal/schedule"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pterm/pterm"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultScriptTimeout = 10 * time.Second
)

// State is a snapshot of the detected authentication state.
type State struct {
	Authenticated bool      `json:"authenticated"`
	LastChecked   time.Time `json:"lastChecked"`
}

// Options configures a Detector. Zero values take the defaults.
type Options struct {
	Interval      time.Duration
	ScriptTimeout time.Duration
	Clock         clockwork.Clock
	Logger        *pterm.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ScriptTimeout <= 0 {
		o.ScriptTimeout = DefaultScriptTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// Detector runs the auth probe against a surface on a fixed interval.
type Detector struct {
	opts    Options
	logger  *pterm.Logger
	changes *events.Emitter[State]

	mu            sync.Mutex
	primary       surface.Surface
	task          *schedule.Task
	authenticated bool
	lastChecked   time.Time
	destroyed     bool
}

// New returns a stopped Detector bound to primary.
func New(primary surface.Surface, opts Options) *Detector {
	opts = opts.withDefaults()
	return &Detector{
		opts:    opts,
		logger:  opts.Logger,
		changes: events.NewEmitter[State]("auth-state-changed", opts.Logger),
		primary: primary,
	}
}

// Start begins polling: one check immediately, then one per interval. Calling
// Start on a running Detector restarts it.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	if d.task != nil {
		d.task.Stop()
	}
	d.task = schedule.Every(d.opts.Clock, d.opts.Interval, d.check)
	d.logger.Debug("auth detector started", d.logger.Args("interval", d.opts.Interval.String()))
}

// Stop cancels polling. It is a no-op when not running.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Detector) stopLocked() {
	if d.task == nil {
		return
	}
	d.task.Stop()
	d.task = nil
	d.logger.Debug("auth detector stopped")
}

// OnAuthStateChange registers fn to be called when the authenticated flag
// flips. Repeated identical results do not call fn.
func (d *Detector) OnAuthStateChange(fn func(State)) events.Subscription {
	return d.changes.Subscribe(fn)
}

// CurrentState returns the last known flag, stamped with the current time.
func (d *Detector) CurrentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{Authenticated: d.authenticated, LastChecked: d.opts.Clock.Now()}
}

// IsUserAuthenticated returns the cached flag without probing.
func (d *Detector) IsUserAuthenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated
}

// LastChecked is the time of the last successful probe, zero if none.
func (d *Detector) LastChecked() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastChecked
}

// IsRunning reports whether polling is active.
func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.task != nil
}

// Inspect runs the DOM diagnostic probe on the primary surface.
func (d *Detector) Inspect(ctx context.Context) (probe.Inspection, error) {
	d.mu.Lock()
	s := d.primary
	d.mu.Unlock()
	if s == nil {
		return nil, surface.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.ScriptTimeout)
	defer cancel()
	return probe.Inspect.Run(ctx, s)
}

// Destroy stops polling, drops every listener and releases the surface. It is
// safe to call more than once.
func (d *Detector) Destroy() {
	d.mu.Lock()
	d.stopLocked()
	d.primary = nil
	d.destroyed = true
	d.mu.Unlock()

	d.changes.Clear()
}

func (d *Detector) check(ctx context.Context) {
	d.mu.Lock()
	s := d.primary
	d.mu.Unlock()
	if s == nil || s.Closed() {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.opts.ScriptTimeout)
	result, err := probe.Auth.Run(probeCtx, s)
	cancel()
	if err != nil {
		d.logger.Warn("auth probe failed, keeping previous state", d.logger.Args("error", err.Error()))
		return
	}
	if result.Error != "" {
		d.logger.Warn("auth probe reported an error, keeping previous state", d.logger.Args(
			"error", result.Error,
			"url", result.URL,
		))
		return
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	changed := result.Authenticated != d.authenticated
	d.authenticated = result.Authenticated
	d.lastChecked = d.opts.Clock.Now()
	state := State{Authenticated: d.authenticated, LastChecked: d.lastChecked}
	d.mu.Unlock()

	d.logger.Trace("auth probe", d.logger.Args(
		"authenticated", result.Authenticated,
		"url", result.URL,
		"documentReady", result.DocumentReady,
	))
	if changed {
		d.logger.Info("authentication state changed", d.logger.Args("authenticated", state.Authenticated))
		d.changes.Emit(state)
	}
}
