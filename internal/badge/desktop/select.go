package desktop

import (
	"io"

	"github.com/godbus/dbus/v5"
	"github.com/perchdesk/perch/internal/badge"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/pterm/pterm"
)

// Bus is a session bus connection.
type Bus interface {
	SignalEmitter
	Close() error
}

// SelectOptions configures Select.
type SelectOptions struct {
	// DesktopID names the .desktop file the launcher counter targets.
	DesktopID string
	// Title, when set, receives terminal title updates as the baseline.
	Title io.Writer
	// TitleText is the base window title.
	TitleText string
	// Connect opens the session bus. Defaults to dbus.ConnectSessionBus.
	Connect func() (Bus, error)
	Logger  *pterm.Logger
}

// Platform is the badge configuration for one host OS.
type Platform struct {
	Strategy             badge.Strategy
	Baseline             badge.CountSetter
	AssumeGrantedOnError bool
	bus                  Bus
}

// Close releases the session bus, if one was opened.
func (p Platform) Close() error {
	if p.bus == nil {
		return nil
	}
	return p.bus.Close()
}

// Select picks the badge strategy for goos. Only Linux has a native counter
// reachable without cgo; other hosts fall back to the baseline alone.
func Select(goos string, opts SelectOptions) Platform {
	logger := logging.OrDiscard(opts.Logger)
	if opts.DesktopID == "" {
		opts.DesktopID = "perch.desktop"
	}
	if opts.TitleText == "" {
		opts.TitleText = "perch"
	}
	if opts.Connect == nil {
		opts.Connect = func() (Bus, error) { return dbus.ConnectSessionBus() }
	}

	p := Platform{
		Strategy: badge.NoopStrategy{},
		// Only macOS requires an explicit grant before badges show.
		AssumeGrantedOnError: goos != "darwin",
	}
	if opts.Title != nil {
		p.Baseline = NewTerminalTitle(opts.Title, opts.TitleText)
	}

	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		bus, err := opts.Connect()
		if err != nil {
			logger.Warn("session bus unavailable, launcher badge disabled", logger.Args("error", err.Error()))
			return p
		}
		p.bus = bus
		p.Strategy = badge.LauncherStrategy{Launcher: NewLauncherEntry(bus, opts.DesktopID)}
	default:
		logger.Debug("no native badge for this platform", logger.Args("goos", goos))
	}
	return p
}
