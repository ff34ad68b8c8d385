// Package chrome implements surface.Surface on a local or remote Chrome over
// the DevTools protocol.
//
// Every tab of a Browser runs in the browser's default context, so they share
// one cookie jar. That jar is the session: a hidden probe tab opened with
// NewSurface is signed in exactly when the primary tab is.
package chrome

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/pterm/pterm"
)

// DefaultMinVersion is the oldest Chrome the probes are known to work on.
const DefaultMinVersion = "115.0.0"

// Options configures Launch.
type Options struct {
	// ExecPath selects the Chrome binary. Empty lets chromedp search for one.
	ExecPath string
	// RemoteURL attaches to an already running Chrome instead of starting one.
	RemoteURL string
	// UserDataDir keeps the profile, and with it the login, between runs.
	UserDataDir string
	Headless    bool
	UserAgent   string
	Width       int
	Height      int
	// MinVersion is a semver constraint floor. Empty uses DefaultMinVersion.
	MinVersion string
	Logger     *pterm.Logger
}

// Browser owns a Chrome instance and its primary tab.
type Browser struct {
	logger      *pterm.Logger
	session     surface.Session
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	primary     *Tab

	mu     sync.Mutex
	closed bool
}

// AllocatorOptions builds the exec allocator flags for opts.
func AllocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-session-crashed-bubble", true),
		chromedp.Flag("hide-crash-restore-bubble", true),
	}
	if opts.UserDataDir != "" {
		out = append(out, chromedp.UserDataDir(opts.UserDataDir))
	}
	if opts.ExecPath != "" {
		out = append(out, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Width > 0 && opts.Height > 0 {
		out = append(out, chromedp.WindowSize(opts.Width, opts.Height))
	}
	if opts.Headless {
		out = append(out, chromedp.Headless)
	} else {
		out = append(out, chromedp.Flag("headless", false))
	}
	return out
}

// Launch starts (or attaches to) Chrome and opens the primary tab. The
// browser stays up until Close, independent of ctx, which only bounds
// startup.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	logger := logging.OrDiscard(opts.Logger)

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.RemoteURL != "" {
		logger.Info("connecting to chrome", logger.Args("url", opts.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(opts)...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	session := surface.StaticSession("chrome:" + opts.UserDataDir)
	b := &Browser{
		logger:      logger,
		session:     session,
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      browserCancel,
	}

	primary, err := b.attach(ctx, browserCtx, browserCancel, opts.UserAgent)
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}
	b.primary = primary

	version, product, err := b.Version(ctx)
	if err != nil {
		b.Close()
		return nil, err
	}
	if err := CheckVersion(version, opts.MinVersion); err != nil {
		b.Close()
		return nil, err
	}
	logger.Info("chrome ready", logger.Args("product", product, "headless", opts.Headless))
	return b, nil
}

func (b *Browser) attach(ctx context.Context, tabCtx context.Context, cancel context.CancelFunc, userAgent string) (*Tab, error) {
	t := newTab(tabCtx, cancel, b.session, userAgent, b.logger)
	// The first Run allocates the target and starts the event loop.
	if err := t.run(ctx, t.setup()...); err != nil {
		return nil, err
	}
	return t, nil
}

// Primary is the first tab, opened by Launch.
func (b *Browser) Primary() *Tab { return b.primary }

// Session is the cookie jar shared by every tab of this browser.
func (b *Browser) Session() surface.Session { return b.session }

// NewSurface opens another tab in the same browser. Hidden tabs open in the
// background.
func (b *Browser) NewSurface(ctx context.Context, session surface.Session, opts surface.Options) (surface.Surface, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, surface.ErrClosed
	}
	if session == nil || session.ID() != b.session.ID() {
		return nil, fmt.Errorf("chrome browser cannot host session %v", session)
	}

	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return nil, fmt.Errorf("chrome browser is not running")
	}
	id, err := target.CreateTarget("about:blank").
		WithBackground(opts.Hidden).
		Do(cdp.WithExecutor(ctx, c.Browser))
	if err != nil {
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	tabCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(id))
	t := newTab(tabCtx, cancel, b.session, opts.UserAgent, b.logger)
	t.width, t.height = opts.Width, opts.Height
	if err := t.run(ctx, t.setup()...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to tab: %w", err)
	}
	return t, nil
}

// GrantPermissions grants perms to origin for every tab, so pages there never
// prompt for them.
func (b *Browser) GrantPermissions(ctx context.Context, origin string, perms ...browser.PermissionType) error {
	if len(perms) == 0 {
		perms = []browser.PermissionType{browser.PermissionTypeNotifications}
	}
	err := b.primary.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		return browser.GrantPermissions(perms).WithOrigin(origin).Do(cdp.WithExecutor(ctx, c.Browser))
	}))
	if err != nil {
		return fmt.Errorf("failed to grant permissions to %s: %w", origin, err)
	}
	return nil
}

// Version reports the browser version and its raw product string.
func (b *Browser) Version(ctx context.Context) (*semver.Version, string, error) {
	var product string
	err := b.primary.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		var err error
		_, product, _, _, _, err = browser.GetVersion().Do(cdp.WithExecutor(ctx, c.Browser))
		return err
	}))
	if err != nil {
		return nil, "", fmt.Errorf("failed to get chrome version: %w", err)
	}
	v, err := ParseProduct(product)
	if err != nil {
		return nil, product, err
	}
	return v, product, nil
}

// ParseProduct extracts the version from a product string such as
// "HeadlessChrome/120.0.6099.109". Only the first three components are kept.
func ParseProduct(product string) (*semver.Version, error) {
	_, raw, ok := strings.Cut(product, "/")
	if !ok || raw == "" {
		return nil, fmt.Errorf("unrecognized chrome product %q", product)
	}
	parts := strings.Split(raw, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil, fmt.Errorf("unrecognized chrome version %q: %w", raw, err)
	}
	return v, nil
}

// CheckVersion fails when v is older than min (DefaultMinVersion if empty).
func CheckVersion(v *semver.Version, min string) error {
	if min == "" {
		min = DefaultMinVersion
	}
	c, err := semver.NewConstraint(">= " + min)
	if err != nil {
		return fmt.Errorf("invalid minimum chrome version %q: %w", min, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("chrome %s is older than the supported minimum %s", v, min)
	}
	return nil
}

// Close closes every tab and shuts the browser down. Attached remote browsers
// are left running.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.primary != nil {
		b.primary.markClosed()
	}
	b.cancel()
	b.allocCancel()
	return nil
}
