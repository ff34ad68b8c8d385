// Package config resolves perch settings from flags, PERCH_* environment
// variables, a .env file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/perchdesk/perch/internal/auth"
	"github.com/perchdesk/perch/internal/counter"
	"github.com/perchdesk/perch/internal/navigation"
	"github.com/spf13/pflag"
)

const (
	BackendChrome = "chrome"
	BackendKernel = "kernel"

	EnvPrefix = "PERCH_"

	DefaultStartURL  = "https://x.com/home"
	DefaultUserAgent = "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	DefaultDesktopID = "perch.desktop"
	DefaultWidth     = 1366
	DefaultHeight    = 1024
)

// Config is the resolved runtime configuration.
type Config struct {
	Backend  string
	StartURL string
	LogLevel string
	LogJSON  bool

	UserAgent      string
	ProbeUserAgent string
	Width          int
	Height         int

	AuthInterval  time.Duration
	CountInterval time.Duration
	ReadyGrace    time.Duration
	ReadyInterval time.Duration
	ReadyAttempts int
	MinBodyLength int
	SettleDelay   time.Duration

	ChromePath  string
	ChromeURL   string
	UserDataDir string
	Headless    bool

	KernelAPIKey    string
	KernelBrowserID string

	DesktopID     string
	Notifications bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:       BackendChrome,
		StartURL:      DefaultStartURL,
		LogLevel:      "info",
		UserAgent:     DefaultUserAgent,
		Width:         DefaultWidth,
		Height:        DefaultHeight,
		AuthInterval:  auth.DefaultInterval,
		CountInterval: counter.DefaultInterval,
		ReadyGrace:    counter.DefaultReadyGrace,
		ReadyInterval: counter.DefaultReadyInterval,
		ReadyAttempts: counter.DefaultReadyAttempts,
		MinBodyLength: counter.DefaultMinBodyLength,
		SettleDelay:   counter.DefaultSettleDelay,
		DesktopID:     DefaultDesktopID,
		Notifications: true,
	}
}

// BindFlags registers every setting on fs, defaulting to the values already
// in c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Backend, "backend", c.Backend, "Browser backend (chrome|kernel)")
	fs.StringVar(&c.StartURL, "url", c.StartURL, "Page to open in the primary surface")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (trace|debug|info|warn|error)")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "Write logs as JSON")

	fs.StringVar(&c.UserAgent, "user-agent", c.UserAgent, "User agent for the primary surface")
	fs.StringVar(&c.ProbeUserAgent, "probe-user-agent", c.ProbeUserAgent, "User agent for the probe surface (defaults to the primary's)")
	fs.IntVar(&c.Width, "width", c.Width, "Primary surface width")
	fs.IntVar(&c.Height, "height", c.Height, "Primary surface height")

	fs.DurationVar(&c.AuthInterval, "auth-interval", c.AuthInterval, "How often to check sign-in state")
	fs.DurationVar(&c.CountInterval, "count-interval", c.CountInterval, "How often to count unread messages")
	fs.DurationVar(&c.ReadyGrace, "ready-grace", c.ReadyGrace, "Wait before the first readiness check")
	fs.DurationVar(&c.ReadyInterval, "ready-interval", c.ReadyInterval, "Wait between readiness checks")
	fs.IntVar(&c.ReadyAttempts, "ready-attempts", c.ReadyAttempts, "Readiness checks before a cycle gives up")
	fs.IntVar(&c.MinBodyLength, "min-body-length", c.MinBodyLength, "Minimum rendered body size for the chat view to count as ready")
	fs.DurationVar(&c.SettleDelay, "settle-delay", c.SettleDelay, "Wait after the chat view is ready before counting")

	fs.StringVar(&c.ChromePath, "chrome-path", c.ChromePath, "Chrome executable (defaults to the first one found)")
	fs.StringVar(&c.ChromeURL, "chrome-url", c.ChromeURL, "DevTools websocket URL of an already running Chrome")
	fs.StringVar(&c.UserDataDir, "user-data-dir", c.UserDataDir, "Chrome profile directory, kept between runs for sign-in")
	fs.BoolVar(&c.Headless, "headless", c.Headless, "Run Chrome without a window")

	fs.StringVar(&c.KernelAPIKey, "api-key", c.KernelAPIKey, "Kernel API key (defaults to KERNEL_API_KEY, then the keyring)")
	fs.StringVar(&c.KernelBrowserID, "browser-id", c.KernelBrowserID, "Existing Kernel browser session to attach to")

	fs.StringVar(&c.DesktopID, "desktop-id", c.DesktopID, "Desktop entry used for the launcher badge")
	fs.BoolVar(&c.Notifications, "notifications", c.Notifications, "Show a desktop notification when unread messages rise")
}

// EnvName maps a flag name to its environment variable.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ApplyEnv overrides every flag the user did not set explicitly with its
// PERCH_* environment variable, if present. Blank values are ignored.
func ApplyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := EnvName(f.Name)
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		if err := f.Value.Set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

// LoadDotEnv loads variables from the given files into the process
// environment without overriding ones already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Backend != BackendChrome && c.Backend != BackendKernel {
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendChrome, BackendKernel))
	}
	if !navigation.IsValidURL(c.StartURL) {
		errs = append(errs, fmt.Errorf("invalid start url %q", c.StartURL))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"auth-interval", c.AuthInterval},
		{"count-interval", c.CountInterval},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.v))
		}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"ready-grace", c.ReadyGrace},
		{"ready-interval", c.ReadyInterval},
		{"settle-delay", c.SettleDelay},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.v))
		}
	}
	if c.ReadyAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ready-attempts must be positive, got %d", c.ReadyAttempts))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid size %dx%d", c.Width, c.Height))
	}
	return errors.Join(errs...)
}

// AuthOptions converts the auth settings.
func (c Config) AuthOptions() auth.Options {
	return auth.Options{Interval: c.AuthInterval}
}

// CounterOptions converts the counting settings.
func (c Config) CounterOptions() counter.Options {
	opts := counter.DefaultOptions()
	opts.Interval = c.CountInterval
	opts.ReadyGrace = c.ReadyGrace
	opts.ReadyInterval = c.ReadyInterval
	opts.ReadyAttempts = c.ReadyAttempts
	opts.MinBodyLength = c.MinBodyLength
	opts.SettleDelay = c.SettleDelay
	opts.UserAgent = c.ProbeUserAgent
	return opts
}
