package cmd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/perchdesk/perch/internal/config"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/perchdesk/perch/internal/surface/chrome"
	"github.com/perchdesk/perch/internal/surface/remote"
	"github.com/perchdesk/perch/pkg/util"
	"github.com/pterm/pterm"
)

// backend is a running browser: the primary surface, a factory for probe
// surfaces sharing its session, and a way to shut it down.
type backend struct {
	Primary surface.Surface
	Factory surface.Factory
	// LiveViewURL is set for cloud browsers.
	LiveViewURL string
	Close       func() error
}

func launchBackend(ctx context.Context, c config.Config) (*backend, error) {
	switch c.Backend {
	case config.BackendKernel:
		return launchKernel(ctx, c)
	default:
		return launchChrome(ctx, c)
	}
}

func launchChrome(ctx context.Context, c config.Config) (*backend, error) {
	dataDir := c.UserDataDir
	if dataDir == "" {
		dir, err := chrome.ProfileDir()
		if err != nil {
			return nil, err
		}
		dataDir = dir
	}
	pterm.Debug.Printf("Chrome profile: %s\n", dataDir)

	b, err := chrome.Launch(ctx, chrome.Options{
		ExecPath:    c.ChromePath,
		RemoteURL:   c.ChromeURL,
		UserDataDir: dataDir,
		Headless:    c.Headless,
		UserAgent:   c.UserAgent,
		Width:       c.Width,
		Height:      c.Height,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if origin := originOf(c.StartURL); origin != "" {
		if err := b.GrantPermissions(ctx, origin); err != nil {
			logger.Warn("could not pre-grant notifications", logger.Args("origin", origin, "error", err.Error()))
		}
	}
	return &backend{Primary: b.Primary(), Factory: b, Close: b.Close}, nil
}

func launchKernel(ctx context.Context, c config.Config) (*backend, error) {
	client, err := getKernelClient()
	if err != nil {
		return nil, err
	}
	if c.KernelBrowserID == "" {
		pterm.Info.Println("Creating Kernel browser...")
	}
	b, err := remote.Launch(ctx, remote.KernelAPI{Client: client}, remote.Options{
		BrowserID: c.KernelBrowserID,
		Headless:  c.Headless,
		UserAgent: c.UserAgent,
		Width:     c.Width,
		Height:    c.Height,
		Logger:    logger,
	})
	if err != nil {
		return nil, util.CleanedUpSdkError{Err: err}
	}
	info := b.Info()
	pterm.Info.Printf("Kernel browser: %s\n", info.SessionID)
	return &backend{Primary: b.Primary(), Factory: b, LiveViewURL: info.LiveViewURL, Close: b.Close}, nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
