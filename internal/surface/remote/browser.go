package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/perchdesk/perch/internal/logging"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
)

const sessionPrefix = "kernel:"

// Options configures Launch.
type Options struct {
	// BrowserID attaches to an existing session instead of creating one.
	BrowserID string
	Headless  bool
	Timeout   time.Duration
	UserAgent string
	Width     int
	Height    int
	Logger    *pterm.Logger
}

// Browser is a Kernel browser session and its primary page.
type Browser struct {
	api     API
	info    Info
	owned   bool
	logger  *pterm.Logger
	primary *Page

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

// Launch creates a Kernel browser, or attaches to opts.BrowserID, and binds the
// primary surface to its first page.
func Launch(ctx context.Context, api API, opts Options) (*Browser, error) {
	logger := logging.OrDiscard(opts.Logger)
	b := &Browser{api: api, logger: logger}

	var err error
	if opts.BrowserID != "" {
		b.info, err = api.Lookup(ctx, opts.BrowserID)
		if err != nil {
			return nil, fmt.Errorf("failed to get browser %s: %w", opts.BrowserID, err)
		}
	} else {
		b.info, err = api.Create(ctx, CreateParams{
			Headless: opts.Headless,
			Timeout:  opts.Timeout,
			Width:    opts.Width,
			Height:   opts.Height,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create browser: %w", err)
		}
		b.owned = true
	}
	logger.Info("kernel browser ready", logger.Args("session", b.info.SessionID, "owned", b.owned))

	targetID, err := b.openPage(ctx, "const p = context.pages()[0] || await context.newPage();")
	if err != nil {
		b.Close()
		return nil, err
	}
	b.primary = newPage(api, b.info.SessionID, targetID, opts.UserAgent, logger)
	b.primary.onClose = b.closeContext
	if err := b.primary.configure(ctx, 0, 0); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// openPage runs prelude, which must bind p to a page, and returns its target id.
func (b *Browser) openPage(ctx context.Context, prelude string) (string, error) {
	code := findPage + prelude + "\nreturn await perchTarget(p);"
	res, err := b.api.Execute(ctx, b.info.SessionID, code, timeoutFor(ctx, DefaultExecTimeout))
	if err != nil {
		return "", fmt.Errorf("failed to open page: %w", err)
	}
	if !res.Success {
		return "", fmt.Errorf("failed to open page: %s", res.Error)
	}
	id, _ := res.Result.(string)
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("failed to open page: no target id in %v", res.Result)
	}
	return id, nil
}

// Info describes the underlying Kernel session.
func (b *Browser) Info() Info { return b.info }

// Owned reports whether Close deletes the session.
func (b *Browser) Owned() bool { return b.owned }

func (b *Browser) Primary() *Page { return b.primary }

// Session is shared by every page of the browser.
func (b *Browser) Session() surface.Session {
	return surface.StaticSession(sessionPrefix + b.info.SessionID)
}

// NewSurface opens a new page in the session's browser context, so it carries
// the same cookies as the primary page.
func (b *Browser) NewSurface(ctx context.Context, session surface.Session, opts surface.Options) (surface.Surface, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, surface.ErrClosed
	}
	if session == nil || session.ID() != b.Session().ID() {
		return nil, fmt.Errorf("kernel browser %s cannot host session %v", b.info.SessionID, session)
	}

	targetID, err := b.openPage(ctx, "const p = await context.newPage();")
	if err != nil {
		return nil, err
	}
	p := newPage(b.api, b.info.SessionID, targetID, opts.UserAgent, b.logger)
	if err := p.configure(ctx, opts.Width, opts.Height); err != nil {
		_ = p.CloseContext(ctx)
		return nil, err
	}

	b.mu.Lock()
	b.pages = append(lo.Filter(b.pages, func(p *Page, _ int) bool { return !p.Closed() }), p)
	b.mu.Unlock()
	return p, nil
}

// Close closes the pages perch opened and deletes the session if Launch
// created it.
func (b *Browser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultExecTimeout)
	defer cancel()
	return b.closeContext(ctx)
}

func (b *Browser) closeContext(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pages := b.pages
	b.pages = nil
	b.mu.Unlock()

	for _, p := range pages {
		if err := p.CloseContext(ctx); err != nil {
			b.logger.Debug("failed to close page", b.logger.Args("target", p.targetID, "error", err.Error()))
		}
	}
	if b.primary != nil {
		b.primary.mu.Lock()
		b.primary.closed = true
		b.primary.mu.Unlock()
	}
	if !b.owned {
		return nil
	}
	if err := b.api.Delete(ctx, b.info.SessionID); err != nil {
		return fmt.Errorf("failed to delete browser %s: %w", b.info.SessionID, err)
	}
	b.logger.Info("kernel browser deleted", b.logger.Args("session", b.info.SessionID))
	return nil
}
