package navigation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/perchdesk/perch/internal/events"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pkg/browser"
	"github.com/pterm/pterm"
)

// ErrExternal is returned by Guard.Navigate when the URL was handed to the
// system browser instead of loading in the surface.
var ErrExternal = errors.New("opened in external browser")

// Opener opens a URL outside perch.
type Opener interface {
	Open(url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(url string) error

func (f OpenerFunc) Open(url string) error { return f(url) }

// SystemBrowser opens URLs with the user's default browser.
var SystemBrowser Opener = OpenerFunc(browser.OpenURL)

// Guard wraps a surface so navigations follow a Policy: allowed URLs load
// with tracking parameters removed, others open externally.
//
// Navigations the page starts itself, such as a clicked link, are checked as
// they land. An off-policy one is opened externally and the surface returns
// to the last allowed page it showed.
type Guard struct {
	surface.Surface
	policy Policy
	opener Opener
	logger *pterm.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    events.Subscription
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastAllowed string
	stopped     bool
}

// NewGuard wraps s. A nil opener uses SystemBrowser.
func NewGuard(s surface.Surface, policy Policy, opener Opener, logger *pterm.Logger) *Guard {
	if opener == nil {
		opener = SystemBrowser
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Guard{
		Surface: s,
		policy:  policy,
		opener:  opener,
		logger:  logging.OrDiscard(logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.sub = s.OnNavigated(g.landed)
	return g
}

func (g *Guard) Navigate(ctx context.Context, raw string) error {
	if !IsValidURL(raw) {
		return fmt.Errorf("refusing to navigate to %q: not an http(s) URL", raw)
	}
	clean := g.policy.Sanitize(raw)
	if !g.policy.IsAllowed(clean) {
		g.logger.Info("opening external link", g.logger.Args("url", clean))
		if err := g.opener.Open(clean); err != nil {
			return fmt.Errorf("failed to open %s externally: %w", clean, err)
		}
		return ErrExternal
	}
	return g.Surface.Navigate(ctx, clean)
}

// landed runs on the surface's event goroutine, so the return navigation is
// started on its own goroutine.
func (g *Guard) landed(raw string) {
	if !IsValidURL(raw) {
		return
	}
	clean := g.policy.Sanitize(raw)

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if g.policy.IsAllowed(clean) {
		if !g.policy.IsRedirector(clean) {
			g.lastAllowed = raw
		}
		g.mu.Unlock()
		return
	}
	back := g.lastAllowed
	if back != "" {
		g.wg.Add(1)
	}
	g.mu.Unlock()

	g.logger.Info("page left allowed hosts, opening externally", g.logger.Args("url", clean))
	if err := g.opener.Open(clean); err != nil {
		g.logger.Warn("failed to open external link", g.logger.Args("url", clean, "error", err.Error()))
	}
	if back == "" {
		return
	}
	go func() {
		defer g.wg.Done()
		if err := g.Surface.Navigate(g.ctx, back); err != nil && g.ctx.Err() == nil {
			g.logger.Warn("failed to return to allowed page", g.logger.Args("url", back, "error", err.Error()))
		}
	}()
}

// Stop detaches the guard from the surface and waits for any return
// navigation in flight. The surface stays open.
func (g *Guard) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.sub()
	g.wg.Wait()
}

// Close stops the guard and closes the surface.
func (g *Guard) Close() error {
	g.Stop()
	return g.Surface.Close()
}
