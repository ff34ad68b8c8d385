package counter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/perchdesk/perch/internal/surface/surfacetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	readyMarker = "onTargetPath"
	countMarker = "unreadCount"
)

var readyPage = map[string]any{
	"url":          "https://x.com/i/chat",
	"readyState":   "complete",
	"bodyLength":   25000,
	"onTargetPath": true,
}

var loadingPage = map[string]any{
	"url":          "https://x.com/i/chat",
	"readyState":   "loading",
	"bodyLength":   300,
	"onTargetPath": true,
}

func unread(n int) map[string]any {
	return map[string]any{"unreadCount": n, "success": true, "url": "https://x.com/i/chat"}
}

// instantOptions removes every delay so a cycle runs without advancing time.
func instantOptions(clk clockwork.Clock) Options {
	opts := DefaultOptions()
	opts.ReadyGrace = 0
	opts.ReadyInterval = 0
	opts.SettleDelay = 0
	opts.Clock = clk
	return opts
}

type countRecorder struct {
	mu     sync.Mutex
	counts []Count
}

func (r *countRecorder) record(c Count) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, c)
}

func (r *countRecorder) all() []Count {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Count(nil), r.counts...)
}

func newPrimary() *surfacetest.Fake {
	return surfacetest.New(surface.StaticSession("persist:main"), "Mozilla/5.0 (iPad)")
}

// pump advances clk one second at a time whenever something is waiting on it,
// until done is closed.
func pump(clk *clockwork.FakeClock, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		err := clk.BlockUntilContext(ctx, 1)
		cancel()
		if err == nil {
			clk.Advance(time.Second)
		}
	}
}

func TestEveryCycleIsReported(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker,
			unread(2),
			errors.New("Execution context was destroyed"),
			map[string]any{"success": false, "error": "svg lookup failed"},
			unread(2),
			unread(0))
	}}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()
	rec := &countRecorder{}
	c.OnCountChange(rec.record)

	for i := 0; i < 5; i++ {
		_, err := c.ForceCheck(context.Background())
		require.NoError(t, err)
	}

	counts := rec.all()
	require.Len(t, counts, 5)
	assert.True(t, counts[0].Success)
	assert.Equal(t, 2, counts[0].Unread)
	assert.False(t, counts[1].Success)
	assert.Contains(t, counts[1].Error, "Execution context was destroyed")
	assert.False(t, counts[2].Success)
	assert.Contains(t, counts[2].Error, "svg lookup failed")
	assert.True(t, counts[3].Success)
	assert.Equal(t, 2, counts[3].Unread)
	assert.True(t, counts[4].Success)
	assert.Equal(t, 0, c.CurrentCount())
}

func TestFailedCycleKeepsLastKnownCount(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(7), errors.New("boom"))
	}}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()

	first, err := c.ForceCheck(context.Background())
	require.NoError(t, err)
	second, err := c.ForceCheck(context.Background())
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.False(t, second.Success)
	assert.Equal(t, 0, second.Unread)
	assert.Equal(t, 7, c.CurrentCount())
}

func TestConcurrentChecksShareOneNavigation(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.NavigateFunc = func(ctx context.Context, url string) error {
			started <- struct{}{}
			<-release
			return nil
		}
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(4))
	}}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()
	rec := &countRecorder{}
	c.OnCountChange(rec.record)

	results := make(chan Count, 2)
	check := func() {
		got, err := c.ForceCheck(context.Background())
		assert.NoError(t, err)
		results <- got
	}

	go check()
	<-started
	assert.Equal(t, Navigating, c.Phase())
	go check()
	// Give the second check time to join the navigating cycle.
	time.Sleep(20 * time.Millisecond)
	close(release)

	first, second := <-results, <-results
	assert.Equal(t, 4, first.Unread)
	assert.Equal(t, 4, second.Unread)

	created := factory.Created()
	require.Len(t, created, 1)
	navigations := len(created[0].Navigations())
	assert.Equal(t, 1, created[0].MaxConcurrentNavigations())
	assert.Contains(t, []int{1, 2}, navigations)
	if navigations == 1 {
		assert.Equal(t, first, second)
	}
	assert.Len(t, rec.all(), navigations, "one report per cycle")
	assert.Equal(t, Idle, c.Phase())
}

func TestReadinessGivesUpAfterAttemptCap(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	opts := DefaultOptions()
	opts.Clock = clk

	var mu sync.Mutex
	readyCalls := 0
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.Respond(readyMarker, func(context.Context, int) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			readyCalls++
			return loadingPage, nil
		})
		f.RespondWith(countMarker, unread(1))
	}}
	c := New(newPrimary(), factory, opts)
	defer c.Destroy()

	done := make(chan struct{})
	var got Count
	var err error
	go func() {
		defer close(done)
		got, err = c.ForceCheck(context.Background())
	}()
	pump(clk, done)

	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Equal(t, ErrReadyTimeout.Error(), got.Error)
	assert.Equal(t, DefaultReadyAttempts, readyCalls)
	assert.Equal(t, opts.ReadyBound(), clk.Now().Sub(epoch))
	assert.Equal(t, 61*time.Second, opts.ReadyBound())
	assert.Equal(t, DefaultReadyAttempts, factory.Created()[0].Evaluations(), "count script must not run")
}

func TestReadyPageSettlesBeforeCounting(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	opts := DefaultOptions()
	opts.Clock = clk
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, loadingPage, errors.New("navigation in progress"), readyPage)
		f.RespondWith(countMarker, unread(3))
	}}
	c := New(newPrimary(), factory, opts)
	defer c.Destroy()

	done := make(chan struct{})
	var got Count
	var err error
	go func() {
		defer close(done)
		got, err = c.ForceCheck(context.Background())
	}()
	pump(clk, done)

	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, 3, got.Unread)
	// grace + two retries + settle
	assert.Equal(t, 2*time.Second+2*time.Second+8*time.Second, clk.Now().Sub(epoch))
	assert.Equal(t, clk.Now(), got.LastChecked)
}

func TestProbeSurfaceSharesSessionAndIsReused(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(1))
	}}
	primary := newPrimary()
	c := New(primary, factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()

	for i := 0; i < 2; i++ {
		_, err := c.ForceCheck(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, factory.Created(), 1)

	require.NoError(t, factory.Created()[0].Close())
	_, err := c.ForceCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, factory.Created(), 2)

	for _, session := range factory.Sessions() {
		assert.Equal(t, primary.Session(), session)
	}
	for _, o := range factory.Options() {
		assert.True(t, o.Hidden)
		assert.Equal(t, primary.UserAgent(), o.UserAgent)
	}
	assert.Equal(t, []string{DefaultTargetURL, DefaultTargetURL}, factory.Created()[0].Navigations())
}

func TestUserAgentOverride(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(1))
	}}
	opts := instantOptions(clockwork.NewFakeClockAt(epoch))
	opts.UserAgent = "custom-agent"
	c := New(newPrimary(), factory, opts)
	defer c.Destroy()

	_, err := c.ForceCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "custom-agent", factory.Options()[0].UserAgent)
}

func TestSurfaceCreationFailureIsRetriedNextCycle(t *testing.T) {
	calls := 0
	factory := &surfacetest.Factory{}
	factory.NewFunc = func(ctx context.Context, session surface.Session, opts surface.Options) (surface.Surface, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("renderer crashed")
		}
		f := surfacetest.New(session, opts.UserAgent)
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(5))
		return f, nil
	}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()

	first, err := c.ForceCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Contains(t, first.Error, "failed to create probe surface")

	second, err := c.ForceCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 5, second.Unread)
	assert.Equal(t, 2, calls)
}

func TestNavigationFailureIsReported(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.NavigateFunc = func(context.Context, string) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") }
	}}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()

	got, err := c.ForceCheck(context.Background())

	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Contains(t, got.Error, "ERR_NAME_NOT_RESOLVED")
}

func TestStartPollsOnInterval(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(1), unread(2))
	}}
	c := New(newPrimary(), factory, instantOptions(clk))
	defer c.Destroy()
	rec := &countRecorder{}
	c.OnCountChange(rec.record)

	assert.False(t, c.IsPolling())
	c.Start()
	assert.True(t, c.IsPolling())
	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)

	clk.Advance(DefaultInterval)
	assert.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return c.CurrentCount() == 2 }, time.Second, time.Millisecond)

	c.Stop()
	c.Stop()
	assert.False(t, c.IsPolling())
	clk.Advance(DefaultInterval)
	assert.Len(t, rec.all(), 2)
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(9))
	}}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()
	rec := &countRecorder{}
	c.OnCountChange(func(Count) { panic("listener failure") })
	c.OnCountChange(rec.record)

	_, err := c.ForceCheck(context.Background())

	require.NoError(t, err)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, 9, rec.all()[0].Unread)
}

func TestDestroyDiscardsInFlightCycle(t *testing.T) {
	started := make(chan struct{}, 1)
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.NavigateFunc = func(ctx context.Context, url string) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
	}}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	rec := &countRecorder{}
	c.OnCountChange(rec.record)
	c.Start()

	errs := make(chan error, 1)
	go func() {
		_, err := c.ForceCheck(context.Background())
		errs <- err
	}()
	<-started

	c.Destroy()
	c.Destroy()

	assert.ErrorIs(t, <-errs, ErrDestroyed)
	assert.Empty(t, rec.all())
	assert.False(t, c.IsPolling())
	require.Len(t, factory.Created(), 1)
	assert.True(t, factory.Created()[0].Closed())

	_, err := c.ForceCheck(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
	c.Start()
	assert.False(t, c.IsPolling())
}

func TestForceCheckHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.NavigateFunc = func(context.Context, string) error {
			started <- struct{}{}
			<-release
			return nil
		}
		f.RespondWith(readyMarker, readyPage)
		f.RespondWith(countMarker, unread(1))
	}}
	c := New(newPrimary(), factory, instantOptions(clockwork.NewFakeClockAt(epoch)))
	defer c.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.ForceCheck(ctx)
		errs <- err
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-errs, context.Canceled)
	close(release)
	// The abandoned cycle still completes and updates the count.
	assert.Eventually(t, func() bool { return c.CurrentCount() == 1 }, time.Second, time.Millisecond)
}

func hang(ctx context.Context, _ int) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// checkWithin runs ForceCheck and fails the test if the cycle does not finish
// in time.
func checkWithin(t *testing.T, c *Counter, d time.Duration) Count {
	t.Helper()
	type outcome struct {
		count Count
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		got, err := c.ForceCheck(context.Background())
		done <- outcome{got, err}
	}()
	select {
	case o := <-done:
		require.NoError(t, o.err)
		return o.count
	case <-time.After(d):
		t.Fatal("counting cycle hung on an unanswered script")
		return Count{}
	}
}

func TestHungReadinessCheckTimesOut(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.Respond(readyMarker, hang)
		f.RespondWith(countMarker, unread(1))
	}}
	opts := instantOptions(clockwork.NewFakeClockAt(epoch))
	opts.ReadyAttempts = 3
	opts.ScriptTimeout = 20 * time.Millisecond
	c := New(newPrimary(), factory, opts)
	defer c.Destroy()

	got := checkWithin(t, c, time.Second)

	assert.False(t, got.Success)
	assert.Equal(t, ErrReadyTimeout.Error(), got.Error)
	assert.Equal(t, 3, factory.Created()[0].Evaluations(), "count script must not run")
}

func TestHungCountScriptTimesOut(t *testing.T) {
	factory := &surfacetest.Factory{Setup: func(f *surfacetest.Fake) {
		f.RespondWith(readyMarker, readyPage)
		f.Respond(countMarker, hang)
	}}
	opts := instantOptions(clockwork.NewFakeClockAt(epoch))
	opts.ScriptTimeout = 20 * time.Millisecond
	c := New(newPrimary(), factory, opts)
	defer c.Destroy()

	got := checkWithin(t, c, time.Second)

	assert.False(t, got.Success)
	assert.Contains(t, got.Error, context.DeadlineExceeded.Error())
	assert.Equal(t, 0, c.CurrentCount())
	assert.Equal(t, Idle, c.Phase())
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{Idle, "idle"},
		{Navigating, "navigating"},
		{AwaitingReady, "awaiting-ready"},
		{Settling, "settling"},
		{Probing, "probing"},
		{Reporting, "reporting"},
		{Phase(42), "phase(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.phase.String())
		})
	}
}
