package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/perchdesk/perch/internal/auth"
	"github.com/perchdesk/perch/internal/counter"
	"github.com/perchdesk/perch/internal/probe"
	"github.com/perchdesk/perch/internal/shell"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outBuf bytes.Buffer

// setupStdoutCapture routes pterm output into outBuf for the test.
func setupStdoutCapture(t *testing.T) {
	t.Helper()
	outBuf.Reset()
	pterm.SetDefaultOutput(&outBuf)
	pterm.DisableStyling()
	// The prefix printers bind their Writer at init, so redirect them too.
	printers := []*pterm.PrefixPrinter{&pterm.Info, &pterm.Success, &pterm.Warning, &pterm.Error}
	saved := make([]io.Writer, len(printers))
	for i, p := range printers {
		saved[i] = p.Writer
		p.Writer = &outBuf
	}
	t.Cleanup(func() {
		for i, p := range printers {
			p.Writer = saved[i]
		}
		pterm.SetDefaultOutput(os.Stdout)
		pterm.EnableStyling()
	})
}

type FakePipeline struct {
	UnreadCountFunc  func() int
	AuthStateFunc    func() auth.State
	ForceRecountFunc func(ctx context.Context) (counter.Count, error)
	SetPollingFunc   func(enabled bool)
	InspectFunc      func(ctx context.Context) (probe.Inspection, error)
	SnapshotFunc     func() shell.Snapshot
}

func (f *FakePipeline) UnreadCount() int {
	if f.UnreadCountFunc != nil {
		return f.UnreadCountFunc()
	}
	return 0
}

func (f *FakePipeline) AuthState() auth.State {
	if f.AuthStateFunc != nil {
		return f.AuthStateFunc()
	}
	return auth.State{}
}

func (f *FakePipeline) ForceRecount(ctx context.Context) (counter.Count, error) {
	if f.ForceRecountFunc != nil {
		return f.ForceRecountFunc(ctx)
	}
	return counter.Count{Success: true}, nil
}

func (f *FakePipeline) SetPolling(enabled bool) {
	if f.SetPollingFunc != nil {
		f.SetPollingFunc(enabled)
	}
}

func (f *FakePipeline) Inspect(ctx context.Context) (probe.Inspection, error) {
	if f.InspectFunc != nil {
		return f.InspectFunc(ctx)
	}
	return probe.Inspection{}, nil
}

func (f *FakePipeline) Snapshot() shell.Snapshot {
	if f.SnapshotFunc != nil {
		return f.SnapshotFunc()
	}
	return shell.Snapshot{PhaseName: "idle"}
}

func TestRunCount(t *testing.T) {
	setupStdoutCapture(t)
	c := RunCmd{pipeline: &FakePipeline{UnreadCountFunc: func() int { return 120 }}}

	quit, err := c.Handle(context.Background(), "/count")

	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, outBuf.String(), "Unread:")
	assert.Contains(t, outBuf.String(), "99+")
}

func TestRunAuth(t *testing.T) {
	setupStdoutCapture(t)
	c := RunCmd{pipeline: &FakePipeline{AuthStateFunc: func() auth.State { return auth.State{Authenticated: true} }}}

	_, err := c.Handle(context.Background(), "/auth")

	require.NoError(t, err)
	assert.Contains(t, outBuf.String(), "Signed in")
}

func TestRunRecount(t *testing.T) {
	tests := []struct {
		name    string
		count   counter.Count
		err     error
		wantErr string
		wantOut string
	}{
		{"success", counter.Count{Unread: 3, Success: true}, nil, "", "3"},
		{"signed out", counter.Count{}, shell.ErrNotAuthenticated, "sign in first", ""},
		{"failed cycle", counter.Count{Error: "chat page load timeout"}, nil, "count failed: chat page load timeout", ""},
		{"closed", counter.Count{}, shell.ErrClosed, "orchestrator closed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupStdoutCapture(t)
			c := RunCmd{pipeline: &FakePipeline{ForceRecountFunc: func(context.Context) (counter.Count, error) {
				return tt.count, tt.err
			}}}

			_, err := c.Handle(context.Background(), "/recount")

			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, outBuf.String(), tt.wantOut)
		})
	}
}

func TestRunPolling(t *testing.T) {
	setupStdoutCapture(t)
	var calls []bool
	polling := false
	c := RunCmd{pipeline: &FakePipeline{
		SetPollingFunc: func(enabled bool) {
			calls = append(calls, enabled)
			polling = enabled
		},
		SnapshotFunc: func() shell.Snapshot { return shell.Snapshot{Polling: polling} },
	}}

	_, err := c.Handle(context.Background(), "/polling on")
	require.NoError(t, err)
	_, err = c.Handle(context.Background(), "/polling   off")
	require.NoError(t, err)
	_, err = c.Handle(context.Background(), "/polling maybe")
	assert.EqualError(t, err, "usage: /polling on|off")
	_, err = c.Handle(context.Background(), "/polling")
	assert.Error(t, err)

	assert.Equal(t, []bool{true, false}, calls)
	assert.Contains(t, outBuf.String(), "Polling on")
	assert.Contains(t, outBuf.String(), "Polling off")
}

func TestRunInspect(t *testing.T) {
	setupStdoutCapture(t)
	c := RunCmd{pipeline: &FakePipeline{InspectFunc: func(context.Context) (probe.Inspection, error) {
		return probe.Inspection{"title": "Home / X", "menuElements": 2}, nil
	}}}

	_, err := c.Handle(context.Background(), "/inspect")

	require.NoError(t, err)
	assert.Contains(t, outBuf.String(), `"title": "Home / X"`)

	c = RunCmd{pipeline: &FakePipeline{InspectFunc: func(context.Context) (probe.Inspection, error) {
		return nil, errors.New("surface closed")
	}}}
	_, err = c.Handle(context.Background(), "/inspect")
	assert.EqualError(t, err, "surface closed")
}

func TestRunStatus(t *testing.T) {
	setupStdoutCapture(t)
	c := RunCmd{pipeline: &FakePipeline{SnapshotFunc: func() shell.Snapshot {
		return shell.Snapshot{
			Authenticated: true,
			LastChecked:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
			UnreadCount:   4,
			Polling:       true,
			PhaseName:     "settling",
			BadgeCount:    4,
			BadgeStrategy: "launcher",
			HasPermission: true,
		}
	}}}

	_, err := c.Handle(context.Background(), "/status")

	require.NoError(t, err)
	out := outBuf.String()
	assert.Contains(t, out, "2026-01-01T12:00:00Z")
	assert.Contains(t, out, "settling")
	assert.Contains(t, out, "launcher")
	assert.Contains(t, out, "Granted")
}

func TestRunHelpQuitAndUnknown(t *testing.T) {
	setupStdoutCapture(t)
	c := RunCmd{pipeline: &FakePipeline{}}

	quit, err := c.Handle(context.Background(), "   ")
	assert.NoError(t, err)
	assert.False(t, quit)

	_, err = c.Handle(context.Background(), "/help")
	require.NoError(t, err)
	assert.Contains(t, outBuf.String(), "/polling on|off")

	_, err = c.Handle(context.Background(), "/frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	quit, err = c.Handle(context.Background(), "/quit")
	assert.NoError(t, err)
	assert.True(t, quit)
}

func TestRunLoop(t *testing.T) {
	setupStdoutCapture(t)
	var polled []bool
	c := RunCmd{pipeline: &FakePipeline{
		SetPollingFunc: func(enabled bool) { polled = append(polled, enabled) },
	}}

	err := c.Loop(context.Background(), strings.NewReader("/polling off\n/bogus\n/quit\n/polling on\n"))

	require.NoError(t, err)
	assert.Equal(t, []bool{false}, polled, "commands after /quit are not run")
}

func TestRunLoopStopsAtEOF(t *testing.T) {
	setupStdoutCapture(t)
	c := RunCmd{pipeline: &FakePipeline{}}

	assert.NoError(t, c.Loop(context.Background(), strings.NewReader("/count\n")))
}

func TestCountPill(t *testing.T) {
	assert.Equal(t, "0", countPill(0))
	assert.Contains(t, countPill(7), "7")
	assert.Contains(t, countPill(100), "99+")
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://x.com", originOf("https://x.com/home?lang=en"))
	assert.Equal(t, "", originOf("not a url"))
}
