package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/perchdesk/perch/internal/events"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pterm/pterm"
)

const (
	// DefaultExecTimeout bounds script runs when ctx carries no deadline.
	DefaultExecTimeout = 30 * time.Second
	// DefaultNavigateTimeout bounds navigations when ctx carries no deadline.
	DefaultNavigateTimeout = 60 * time.Second
)

// findPage resolves a page by its DevTools target id. Positions in
// context.pages() shift as pages close, target ids do not.
const findPage = `async function perchTarget(p) {
  const s = await context.newCDPSession(p);
  try {
    const { targetInfo } = await s.send('Target.getTargetInfo');
    return targetInfo.targetId;
  } finally {
    await s.detach();
  }
}
async function perchPage(id) {
  for (const p of context.pages()) {
    if (await perchTarget(p) === id) return p;
  }
  throw new Error('page ' + id + ' is gone');
}
`

// Page is one Playwright page in a Kernel browser.
type Page struct {
	api       API
	sessionID string
	targetID  string
	userAgent string
	logger    *pterm.Logger
	onClose   func(context.Context) error

	navigated  *events.Emitter[string]
	loadFailed *events.Emitter[surface.LoadError]

	mu     sync.Mutex
	closed bool
	url    string
}

var _ surface.Surface = (*Page)(nil)

func newPage(api API, sessionID, targetID, userAgent string, logger *pterm.Logger) *Page {
	return &Page{
		api:        api,
		sessionID:  sessionID,
		targetID:   targetID,
		userAgent:  userAgent,
		logger:     logger,
		navigated:  events.NewEmitter[string]("navigated", logger),
		loadFailed: events.NewEmitter[surface.LoadError]("load-failed", logger),
	}
}

// quote renders s as a JavaScript string literal.
func quote(s string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}

func timeoutFor(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > time.Second {
			return d
		}
		return time.Second
	}
	return fallback
}

// exec runs body with `page` bound to this page and returns its result.
func (p *Page) exec(ctx context.Context, body string, fallback time.Duration) (any, error) {
	if p.Closed() {
		return nil, surface.ErrClosed
	}
	code := fmt.Sprintf("%sconst page = await perchPage(%s);\n%s", findPage, quote(p.targetID), body)
	res, err := p.api.Execute(ctx, p.sessionID, code, timeoutFor(ctx, fallback))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("playwright execution failed: %w", err)
	}
	if !res.Success {
		if res.Error != "" {
			return nil, fmt.Errorf("playwright execution failed: %s", res.Error)
		}
		return nil, fmt.Errorf("playwright execution failed")
	}
	return res.Result, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	res, err := p.exec(ctx, fmt.Sprintf(
		"await page.goto(%s, { waitUntil: 'domcontentloaded' });\nreturn page.url();", quote(url),
	), DefaultNavigateTimeout)
	if err != nil {
		if errors.Is(err, surface.ErrClosed) {
			return err
		}
		p.loadFailed.Emit(surface.LoadError{URL: url, Err: err})
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	landed, _ := res.(string)
	if landed == "" {
		landed = url
	}
	p.mu.Lock()
	p.url = landed
	p.mu.Unlock()
	p.navigated.Emit(landed)
	return nil
}

// Evaluate runs script in the page. The script is passed to page.evaluate as
// an expression, so a returned promise is awaited.
func (p *Page) Evaluate(ctx context.Context, script string) (surface.Result, error) {
	res, err := p.exec(ctx, "return await page.evaluate("+quote(script)+");", DefaultExecTimeout)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return surface.Result("null"), nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script result: %w", err)
	}
	return b, nil
}

// configure applies the page's identity. Playwright cannot change
// navigator.userAgent on a live page, so only request headers carry it.
func (p *Page) configure(ctx context.Context, width, height int) error {
	body := ""
	if p.userAgent != "" {
		body += fmt.Sprintf("await page.setExtraHTTPHeaders({ 'User-Agent': %s });\n", quote(p.userAgent))
	}
	if width > 0 && height > 0 {
		body += fmt.Sprintf("await page.setViewportSize({ width: %d, height: %d });\n", width, height)
	}
	if body == "" {
		return nil
	}
	_, err := p.exec(ctx, body+"return true;", DefaultExecTimeout)
	return err
}

// URL is the address the last successful navigation landed on.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// TargetID is the DevTools target backing the page.
func (p *Page) TargetID() string { return p.targetID }

func (p *Page) Session() surface.Session {
	return surface.StaticSession(sessionPrefix + p.sessionID)
}

func (p *Page) UserAgent() string { return p.userAgent }

func (p *Page) OnNavigated(fn func(string)) events.Subscription {
	return p.navigated.Subscribe(fn)
}

func (p *Page) OnLoadFailed(fn func(surface.LoadError)) events.Subscription {
	return p.loadFailed.Subscribe(fn)
}

// Close closes the page. It is safe to call more than once.
func (p *Page) Close() error {
	return p.CloseContext(context.Background())
}

// CloseContext is Close bounded by ctx.
func (p *Page) CloseContext(ctx context.Context) error {
	if p.Closed() {
		return nil
	}
	var err error
	if p.onClose != nil {
		err = p.onClose(ctx)
	} else {
		_, err = p.exec(ctx, "await page.close();\nreturn true;", DefaultExecTimeout)
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.navigated.Clear()
	p.loadFailed.Clear()
	if err != nil {
		return fmt.Errorf("failed to close page: %w", err)
	}
	return nil
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
