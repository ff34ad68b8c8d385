package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/godbus/dbus/v5"
	"github.com/perchdesk/perch/internal/auth"
	"github.com/perchdesk/perch/internal/badge"
	"github.com/perchdesk/perch/internal/badge/desktop"
	"github.com/perchdesk/perch/internal/counter"
	"github.com/perchdesk/perch/internal/navigation"
	"github.com/perchdesk/perch/internal/notify"
	"github.com/perchdesk/perch/internal/probe"
	"github.com/perchdesk/perch/internal/shell"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/perchdesk/perch/pkg/util"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// Pipeline is the subset of shell.Orchestrator the interactive loop drives.
type Pipeline interface {
	UnreadCount() int
	AuthState() auth.State
	ForceRecount(ctx context.Context) (counter.Count, error)
	SetPolling(enabled bool)
	Inspect(ctx context.Context) (probe.Inspection, error)
	Snapshot() shell.Snapshot
}

// RunCmd handles the interactive commands of `perch run`.
type RunCmd struct {
	pipeline Pipeline
}

const runHelp = `Commands:
  /count          Show the last unread count
  /auth           Show sign-in state
  /recount        Count unread messages now
  /polling on|off Start or stop periodic counting
  /inspect        Dump DOM diagnostics from the primary page
  /status         Show every component's state
  /help           Show this help
  /quit           Exit`

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open x.com and keep the unread badge up to date",
	Long: `Launch a browser on x.com, wait for you to sign in, then poll the chat
inbox for unread conversations and show the count on the launcher badge.

Commands are read from stdin while running; type /help for the list.`,
	Example: `  # Local Chrome with a visible window
  perch run

  # Kernel cloud browser, sign in through the live view
  perch run --backend kernel

  # Run as a background service
  perch run --headless --no-prompt --log-json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Bool("no-prompt", false, "Do not read commands from stdin")
}

func runRun(cmd *cobra.Command, args []string) error {
	noPrompt, _ := cmd.Flags().GetBool("no-prompt")
	ctx := cmd.Context()

	b, err := launchBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to close browser", logger.Args("error", err.Error()))
		}
	}()

	primary := navigation.NewGuard(b.Primary, navigation.DefaultPolicy(), navigation.SystemBrowser, logger)
	defer primary.Stop()
	primary.OnNavigated(func(url string) {
		logger.Debug("primary navigated", logger.Args("url", url))
	})
	primary.OnLoadFailed(func(e surface.LoadError) {
		logger.Warn("primary failed to load", logger.Args("url", e.URL, "error", e.Err.Error()))
	})
	if err := primary.Navigate(ctx, cfg.StartURL); err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.StartURL, err)
	}
	if b.LiveViewURL != "" {
		pterm.Info.Printf("Live view (sign in here): %s\n", b.LiveViewURL)
	}

	platform := desktop.Select(runtime.GOOS, desktop.SelectOptions{
		DesktopID: cfg.DesktopID,
		Title:     titleWriter(noPrompt),
		TitleText: "perch",
		Logger:    logger,
	})
	defer platform.Close()

	o, err := shell.New(shell.Options{
		Primary: primary,
		Factory: b.Factory,
		Badge: badge.Options{
			Strategy:             platform.Strategy,
			Baseline:             platform.Baseline,
			AssumeGrantedOnError: platform.AssumeGrantedOnError,
		},
		Auth:     cfg.AuthOptions(),
		Counter:  cfg.CounterOptions(),
		Notifier: newNotifier(cfg.Notifications),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.Close(closeCtx)
	}()

	o.OnAuthStateChange(func(s auth.State) {
		if s.Authenticated {
			pterm.Success.Println("Signed in, counting unread messages")
		} else {
			pterm.Warning.Println("Signed out")
		}
	})

	if noPrompt {
		<-ctx.Done()
		return nil
	}

	pterm.Info.Println("Type /help for commands")
	return RunCmd{pipeline: o}.Loop(ctx, os.Stdin)
}

// titleWriter returns the terminal for title updates, unless stdout is not a
// terminal or the prompt is off.
func titleWriter(noPrompt bool) io.Writer {
	if noPrompt {
		return nil
	}
	if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	return os.Stdout
}

func newNotifier(enabled bool) notify.Notifier {
	if !enabled {
		return nil
	}
	if runtime.GOOS == "linux" {
		conn, err := dbus.ConnectSessionBus()
		if err == nil {
			return notify.NewDBus(conn, "perch", "mail-unread")
		}
		logger.Debug("notifications fall back to the log", logger.Args("error", err.Error()))
	}
	return notify.Log{Logger: logger}
}

// Loop reads commands from r until /quit, EOF or ctx is done.
func (c RunCmd) Loop(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.Handle(ctx, line)
			if err != nil {
				pterm.Error.Println(err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

// Handle runs one command line. It reports whether the loop should exit.
func (c RunCmd) Handle(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch fields[0] {
	case "/count":
		pterm.Printf("Unread: %s\n", countPill(c.pipeline.UnreadCount()))
	case "/auth":
		s := c.pipeline.AuthState()
		if s.Authenticated {
			pterm.Success.Println("Signed in")
		} else {
			pterm.Warning.Println("Not signed in")
		}
	case "/recount":
		count, err := c.pipeline.ForceRecount(ctx)
		if errors.Is(err, shell.ErrNotAuthenticated) {
			return false, fmt.Errorf("sign in first")
		}
		if err != nil {
			return false, err
		}
		if !count.Success {
			return false, fmt.Errorf("count failed: %s", count.Error)
		}
		pterm.Printf("Unread: %s\n", countPill(count.Unread))
	case "/polling":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, fmt.Errorf("usage: /polling on|off")
		}
		c.pipeline.SetPolling(fields[1] == "on")
		if polling := c.pipeline.Snapshot().Polling; polling {
			pterm.Info.Println("Polling on")
		} else {
			pterm.Info.Println("Polling off")
		}
	case "/inspect":
		info, err := c.pipeline.Inspect(ctx)
		if err != nil {
			return false, err
		}
		if err := util.PrintPrettyJSON(info); err != nil {
			return false, err
		}
	case "/status":
		printSnapshot(c.pipeline.Snapshot())
	case "/help":
		pterm.Println(runHelp)
	case "/quit", "/exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type /help", fields[0])
	}
	return false, nil
}

var pill = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#FFFFFF")).
	Background(lipgloss.Color("#FF4444")).
	Padding(0, 1)

// countPill renders n the way the badge shows it.
func countPill(n int) string {
	text := badge.Text(n, badge.DefaultCap)
	if text == "" {
		return "0"
	}
	return pill.Render(text)
}

func printSnapshot(s shell.Snapshot) {
	checked := "-"
	if !s.LastChecked.IsZero() {
		checked = s.LastChecked.Format(time.RFC3339)
	}
	signedIn := pterm.Yellow("No")
	if s.Authenticated {
		signedIn = pterm.Green("Yes")
	}
	polling := "Off"
	if s.Polling {
		polling = "On"
	}
	permission := pterm.Yellow("Not granted")
	if s.HasPermission {
		permission = pterm.Green("Granted")
	}

	rows := pterm.TableData{
		{"Property", "Value"},
		{"Signed in", signedIn},
		{"Last auth check", checked},
		{"Unread", fmt.Sprintf("%d", s.UnreadCount)},
		{"Polling", polling},
		{"Cycle phase", s.PhaseName},
		{"Badge", countPill(s.BadgeCount)},
		{"Badge strategy", util.OrDash(s.BadgeStrategy)},
		{"Badge permission", permission},
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
