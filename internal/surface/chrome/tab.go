package chrome

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/perchdesk/perch/internal/events"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pterm/pterm"
)

// Tab is one Chrome page target.
type Tab struct {
	ctx       context.Context
	cancel    context.CancelFunc
	session   surface.Session
	userAgent string
	width     int
	height    int
	logger    *pterm.Logger

	navigated  *events.Emitter[string]
	loadFailed *events.Emitter[surface.LoadError]

	mu        sync.Mutex
	mainFrame cdp.FrameID
	closed    bool
	listening bool
}

var _ surface.Surface = (*Tab)(nil)

func newTab(ctx context.Context, cancel context.CancelFunc, session surface.Session, userAgent string, logger *pterm.Logger) *Tab {
	return &Tab{
		ctx:        ctx,
		cancel:     cancel,
		session:    session,
		userAgent:  userAgent,
		logger:     logger,
		navigated:  events.NewEmitter[string]("navigated", logger),
		loadFailed: events.NewEmitter[surface.LoadError]("load-failed", logger),
	}
}

// setup applies the tab's identity and starts listening for navigations.
func (t *Tab) setup() []chromedp.Action {
	var actions []chromedp.Action
	actions = append(actions, chromedp.ActionFunc(func(context.Context) error {
		t.listen()
		return nil
	}))
	if t.userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(t.userAgent))
	}
	if t.width > 0 && t.height > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(int64(t.width), int64(t.height), 1, false))
	}
	return actions
}

func (t *Tab) listen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listening {
		return
	}
	t.listening = true
	chromedp.ListenTarget(t.ctx, t.handleEvent)
}

func (t *Tab) handleEvent(ev any) {
	switch ev := ev.(type) {
	case *page.EventFrameNavigated:
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		t.mu.Lock()
		t.mainFrame = ev.Frame.ID
		t.mu.Unlock()
		t.navigated.Emit(ev.Frame.URL)
	case *page.EventNavigatedWithinDocument:
		t.mu.Lock()
		main := t.mainFrame
		t.mu.Unlock()
		if ev.FrameID == main {
			t.navigated.Emit(ev.URL)
		}
	}
}

// run executes actions on the tab, bounded by both ctx and the tab's lifetime.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	if t.Closed() {
		return surface.ErrClosed
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && t.Closed() {
		return surface.ErrClosed
	}
	return err
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.run(ctx, chromedp.Navigate(url)); err != nil {
		if errors.Is(err, surface.ErrClosed) {
			return err
		}
		t.loadFailed.Emit(surface.LoadError{URL: url, Err: err})
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (t *Tab) Evaluate(ctx context.Context, script string) (surface.Result, error) {
	var obj *runtime.RemoteObject
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		v, exc, err := runtime.Evaluate(script).
			WithAwaitPromise(true).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script threw: %s", exc.Text)
		}
		obj = v
		return nil
	}))
	if err != nil {
		return nil, err
	}
	if obj == nil || len(obj.Value) == 0 {
		return surface.Result("null"), nil
	}
	return surface.Result(obj.Value), nil
}

func (t *Tab) Session() surface.Session { return t.session }
func (t *Tab) UserAgent() string        { return t.userAgent }

func (t *Tab) OnNavigated(fn func(string)) events.Subscription {
	return t.navigated.Subscribe(fn)
}

func (t *Tab) OnLoadFailed(fn func(surface.LoadError)) events.Subscription {
	return t.loadFailed.Subscribe(fn)
}

// Close closes the page target. Closing the primary tab of a launched browser
// shuts the browser down.
func (t *Tab) Close() error {
	if !t.markClosed() {
		return nil
	}
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	return err
}

func (t *Tab) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.navigated.Clear()
	t.loadFailed.Clear()
	return true
}

func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
