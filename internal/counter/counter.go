// Package counter estimates the number of unread conversations by loading the
// chat view in a hidden surface that shares the primary surface's session.
package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/perchdesk/perch/internal/events"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/perchdesk/perch/internal/probe"
	"github.com/perchdesk/perch/internal/schedule"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pterm/pterm"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultTargetURL     = "https://x.com/i/chat"
	DefaultTargetPath    = "/i/chat"
	DefaultReadyGrace    = 2 * time.Second
	DefaultReadyInterval = 1 * time.Second
	DefaultReadyAttempts = 60
	DefaultMinBodyLength = 10000
	DefaultSettleDelay   = 8 * time.Second
	DefaultScriptTimeout = 10 * time.Second
	DefaultWidth         = 1280
	DefaultHeight        = 800
)

var (
	// ErrReadyTimeout is reported when the chat view never became ready.
	ErrReadyTimeout = errors.New("chat page load timeout")
	// ErrDestroyed is returned for work requested of, or finished after, Destroy.
	ErrDestroyed = errors.New("message counter destroyed")
)

// Count is the outcome of one counting cycle.
type Count struct {
	Unread      int       `json:"unreadCount"`
	LastChecked time.Time `json:"lastChecked"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// Phase is the step a counting cycle is in.
type Phase int32

const (
	Idle Phase = iota
	Navigating
	AwaitingReady
	Settling
	Probing
	Reporting
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Navigating:
		return "navigating"
	case AwaitingReady:
		return "awaiting-ready"
	case Settling:
		return "settling"
	case Probing:
		return "probing"
	case Reporting:
		return "reporting"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Options configures a Counter. Start from DefaultOptions; zero delays mean
// no wait.
type Options struct {
	Interval      time.Duration
	TargetURL     string
	TargetPath    string
	ReadyGrace    time.Duration
	ReadyInterval time.Duration
	ReadyAttempts int
	MinBodyLength int
	SettleDelay   time.Duration
	ScriptTimeout time.Duration
	// UserAgent overrides the probe surface's client identity. Empty uses the
	// primary surface's.
	UserAgent string
	Width     int
	Height    int
	Clock     clockwork.Clock
	Logger    *pterm.Logger
}

// DefaultOptions returns the reference cadence.
func DefaultOptions() Options {
	return Options{
		Interval:      DefaultInterval,
		TargetURL:     DefaultTargetURL,
		TargetPath:    DefaultTargetPath,
		ReadyGrace:    DefaultReadyGrace,
		ReadyInterval: DefaultReadyInterval,
		ReadyAttempts: DefaultReadyAttempts,
		MinBodyLength: DefaultMinBodyLength,
		SettleDelay:   DefaultSettleDelay,
		ScriptTimeout: DefaultScriptTimeout,
		Width:         DefaultWidth,
		Height:        DefaultHeight,
	}
}

// ReadyBound is the longest a cycle waits for the chat view to become ready.
func (o Options) ReadyBound() time.Duration {
	return o.ReadyGrace + time.Duration(o.ReadyAttempts-1)*o.ReadyInterval
}

func (o Options) normalized() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.TargetURL == "" {
		o.TargetURL = DefaultTargetURL
	}
	if o.TargetPath == "" {
		o.TargetPath = DefaultTargetPath
	}
	if o.ReadyAttempts <= 0 {
		o.ReadyAttempts = 1
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

// Counter runs counting cycles on an interval or on demand. At most one cycle
// is in flight at a time; concurrent requests join it.
type Counter struct {
	opts    Options
	logger  *pterm.Logger
	changes *events.Emitter[Count]
	group   singleflight.Group
	phase   atomic.Int32

	// ctx lives until Destroy and bounds every cycle.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	primary   surface.Surface
	factory   surface.Factory
	hidden    surface.Surface
	task      *schedule.Task
	current   int
	destroyed bool
}

// New returns a stopped Counter. The probe surface is created from factory on
// the first cycle, sharing primary's session.
func New(primary surface.Surface, factory surface.Factory, opts Options) *Counter {
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	return &Counter{
		opts:    opts,
		logger:  opts.Logger,
		changes: events.NewEmitter[Count]("message-count-changed", opts.Logger),
		ctx:     ctx,
		cancel:  cancel,
		primary: primary,
		factory: factory,
	}
}

// Start runs a cycle now and then every interval. Calling Start on a running
// Counter restarts the schedule.
func (c *Counter) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	if c.task != nil {
		c.task.Stop()
	}
	c.task = schedule.Every(c.opts.Clock, c.opts.Interval, func(context.Context) {
		_, _ = c.run()
	})
	c.logger.Info("message counter started", c.logger.Args("interval", c.opts.Interval.String()))
}

// Stop cancels future cycles. A cycle already in flight runs to completion.
func (c *Counter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Counter) stopLocked() {
	if c.task == nil {
		return
	}
	c.task.Stop()
	c.task = nil
	c.logger.Info("message counter stopped")
}

// OnCountChange registers fn for every completed cycle, successful or not.
func (c *Counter) OnCountChange(fn func(Count)) events.Subscription {
	return c.changes.Subscribe(fn)
}

// ForceCheck runs a cycle now, or joins the one in flight, and returns its
// result. ctx bounds only the wait.
func (c *Counter) ForceCheck(ctx context.Context) (Count, error) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return Count{}, ErrDestroyed
	}

	ch := c.group.DoChan("cycle", func() (any, error) { return c.cycle() })
	select {
	case r := <-ch:
		if r.Err != nil {
			return Count{}, r.Err
		}
		return r.Val.(Count), nil
	case <-ctx.Done():
		return Count{}, ctx.Err()
	}
}

func (c *Counter) run() (Count, error) {
	v, err, _ := c.group.Do("cycle", func() (any, error) { return c.cycle() })
	if err != nil {
		return Count{}, err
	}
	return v.(Count), nil
}

// CurrentCount is the last successfully counted value.
func (c *Counter) CurrentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// IsPolling reports whether the interval schedule is active.
func (c *Counter) IsPolling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil
}

// Phase is the step the in-flight cycle is in, Idle when none is.
func (c *Counter) Phase() Phase {
	return Phase(c.phase.Load())
}

// Destroy stops polling, closes the probe surface and drops every listener. A
// cycle still in flight is abandoned and its result discarded.
func (c *Counter) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.destroyed = true
	hidden := c.hidden
	c.hidden = nil
	c.primary = nil
	c.mu.Unlock()

	c.cancel()
	if hidden != nil {
		if err := hidden.Close(); err != nil {
			c.logger.Warn("failed to close probe surface", c.logger.Args("error", err.Error()))
		}
	}
	c.changes.Clear()
}

func (c *Counter) setPhase(p Phase) {
	c.phase.Store(int32(p))
}

func (c *Counter) cycle() (Count, error) {
	defer c.setPhase(Idle)
	ctx := c.ctx

	unread, err := c.count(ctx)
	result := Count{LastChecked: c.opts.Clock.Now()}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Unread = unread
		result.Success = true
	}

	c.setPhase(Reporting)
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return Count{}, ErrDestroyed
	}
	if result.Success {
		c.current = result.Unread
	}
	c.mu.Unlock()

	if result.Success {
		c.logger.Info("unread messages counted", c.logger.Args("count", result.Unread))
	} else {
		c.logger.Warn("message count failed", c.logger.Args("error", result.Error))
	}
	c.changes.Emit(result)
	return result, nil
}

func (c *Counter) count(ctx context.Context) (int, error) {
	c.setPhase(Navigating)
	hidden, err := c.probeSurface(ctx)
	if err != nil {
		return 0, err
	}
	if err := hidden.Navigate(ctx, c.opts.TargetURL); err != nil {
		return 0, fmt.Errorf("failed to navigate to %s: %w", c.opts.TargetURL, err)
	}

	c.setPhase(AwaitingReady)
	if err := c.awaitReady(ctx, hidden); err != nil {
		return 0, err
	}

	c.setPhase(Settling)
	if err := schedule.Sleep(ctx, c.opts.Clock, c.opts.SettleDelay); err != nil {
		return 0, err
	}

	c.setPhase(Probing)
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ScriptTimeout)
	defer cancel()
	result, err := probe.Count.Run(probeCtx, hidden)
	if err != nil {
		return 0, err
	}
	if !result.Success {
		if result.Error != "" {
			return 0, fmt.Errorf("count probe failed: %s", result.Error)
		}
		return 0, errors.New("count probe failed")
	}
	c.logger.Debug("count probe", c.logger.Args(
		"count", result.UnreadCount,
		"url", result.URL,
		"totalElements", result.TotalElements,
	))
	return result.UnreadCount, nil
}

// probeSurface returns the live probe surface, creating it if needed.
func (c *Counter) probeSurface(ctx context.Context) (surface.Surface, error) {
	c.mu.Lock()
	hidden, primary := c.hidden, c.primary
	c.mu.Unlock()

	if hidden != nil && !hidden.Closed() {
		return hidden, nil
	}
	if primary == nil {
		return nil, ErrDestroyed
	}

	userAgent := c.opts.UserAgent
	if userAgent == "" {
		userAgent = primary.UserAgent()
	}
	hidden, err := c.factory.NewSurface(ctx, primary.Session(), surface.Options{
		UserAgent: userAgent,
		Hidden:    true,
		Width:     c.opts.Width,
		Height:    c.opts.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create probe surface: %w", err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = hidden.Close()
		return nil, ErrDestroyed
	}
	c.hidden = hidden
	c.mu.Unlock()

	c.logger.Debug("probe surface created", c.logger.Args("session", primary.Session().ID()))
	return hidden, nil
}

func (c *Counter) awaitReady(ctx context.Context, s surface.Surface) error {
	if err := schedule.Sleep(ctx, c.opts.Clock, c.opts.ReadyGrace); err != nil {
		return err
	}

	script := probe.Ready(c.opts.TargetPath)
	var last probe.ReadyResult
	for attempt := 1; attempt <= c.opts.ReadyAttempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, c.opts.ScriptTimeout)
		result, err := script.Run(probeCtx, s)
		cancel()
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Trace("readiness probe failed", c.logger.Args("attempt", attempt, "error", err.Error()))
		case result.Ready(c.opts.MinBodyLength):
			c.logger.Debug("chat page ready", c.logger.Args("attempt", attempt, "url", result.URL, "bodyLength", result.BodyLength))
			return nil
		default:
			last = result
		}

		if attempt < c.opts.ReadyAttempts {
			if err := schedule.Sleep(ctx, c.opts.Clock, c.opts.ReadyInterval); err != nil {
				return err
			}
		}
	}

	c.logger.Warn("chat page not ready", c.logger.Args(
		"attempts", c.opts.ReadyAttempts,
		"url", last.URL,
		"readyState", last.ReadyState,
		"bodyLength", last.BodyLength,
	))
	return ErrReadyTimeout
}
