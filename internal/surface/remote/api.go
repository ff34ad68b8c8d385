// Package remote implements surface.Surface on Kernel cloud browsers. Pages
// are driven through the Playwright execution endpoint.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/kernel/kernel-go-sdk"
)

// Info describes a Kernel browser session.
type Info struct {
	SessionID   string
	LiveViewURL string
	CDPURL      string
}

// Execution is the outcome of one Playwright script run.
type Execution struct {
	Success bool
	Result  any
	Error   string
}

// CreateParams configures a new Kernel browser.
type CreateParams struct {
	Headless bool
	// Timeout ends the session after this much inactivity. Zero uses the
	// service default.
	Timeout time.Duration
	Width   int
	Height  int
}

// API is the subset of the Kernel browsers service perch uses.
type API interface {
	Create(ctx context.Context, params CreateParams) (Info, error)
	Lookup(ctx context.Context, sessionID string) (Info, error)
	Delete(ctx context.Context, sessionID string) error
	Execute(ctx context.Context, sessionID, code string, timeout time.Duration) (Execution, error)
}

// KernelAPI adapts a Kernel SDK client to API.
type KernelAPI struct {
	Client kernel.Client
}

var _ API = KernelAPI{}

func (k KernelAPI) Create(ctx context.Context, params CreateParams) (Info, error) {
	body := kernel.BrowserNewParams{}
	if params.Headless {
		body.Headless = kernel.Opt(true)
	}
	if params.Timeout > 0 {
		body.TimeoutSeconds = kernel.Opt(int64(params.Timeout / time.Second))
	}
	if params.Width > 0 && params.Height > 0 {
		body.Viewport = kernel.BrowserViewportParam{
			Width:  int64(params.Width),
			Height: int64(params.Height),
		}
	}
	b, err := k.Client.Browsers.New(ctx, body)
	if err != nil {
		return Info{}, err
	}
	return Info{SessionID: b.SessionID, LiveViewURL: b.BrowserLiveViewURL, CDPURL: b.CdpWsURL}, nil
}

func (k KernelAPI) Lookup(ctx context.Context, sessionID string) (Info, error) {
	b, err := k.Client.Browsers.Get(ctx, sessionID, kernel.BrowserGetParams{})
	if err != nil {
		return Info{}, err
	}
	return Info{SessionID: b.SessionID, LiveViewURL: b.BrowserLiveViewURL, CDPURL: b.CdpWsURL}, nil
}

func (k KernelAPI) Delete(ctx context.Context, sessionID string) error {
	return k.Client.Browsers.DeleteByID(ctx, sessionID)
}

func (k KernelAPI) Execute(ctx context.Context, sessionID, code string, timeout time.Duration) (Execution, error) {
	params := kernel.BrowserPlaywrightExecuteParams{Code: code}
	if secs := int64(timeout / time.Second); secs > 0 {
		params.TimeoutSec = kernel.Opt(secs)
	}
	res, err := k.Client.Browsers.Playwright.Execute(ctx, sessionID, params)
	if err != nil {
		return Execution{}, err
	}
	if res == nil {
		return Execution{}, fmt.Errorf("empty playwright response")
	}
	return Execution{Success: res.Success, Result: res.Result, Error: res.Error}, nil
}
