package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/perchdesk/perch/internal/probe"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/perchdesk/perch/internal/surface/surfacetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const authMarker = "UserAvatar-Container-"

func authResult(v bool) map[string]any {
	return map[string]any{"authenticated": v, "url": "https://x.com/home", "documentReady": "complete"}
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) flags() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.Authenticated)
	}
	return out
}

func newDetector(t *testing.T, values ...any) (*Detector, *surfacetest.Fake, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(epoch)
	primary := surfacetest.New(surface.StaticSession("default"), "test-agent")
	primary.RespondWith(authMarker, values...)
	d := New(primary, Options{Clock: clk})
	t.Cleanup(d.Destroy)
	return d, primary, clk
}

func TestListenersFireOnlyOnTransitions(t *testing.T) {
	d, _, _ := newDetector(t,
		authResult(false), authResult(false), authResult(true), authResult(true), authResult(false))
	rec := &recorder{}
	d.OnAuthStateChange(rec.record)

	for i := 0; i < 5; i++ {
		d.check(context.Background())
	}

	assert.Equal(t, []bool{true, false}, rec.flags())
	assert.False(t, d.IsUserAuthenticated())
}

func TestProbeFailureKeepsPreviousState(t *testing.T) {
	d, _, _ := newDetector(t,
		authResult(true),
		errors.New("execution context was destroyed"),
		map[string]any{"authenticated": false, "error": "querySelectorAll is not a function"},
		"not an object",
		authResult(true))
	rec := &recorder{}
	d.OnAuthStateChange(rec.record)

	for i := 0; i < 5; i++ {
		d.check(context.Background())
		assert.True(t, d.IsUserAuthenticated(), "check %d", i)
	}

	assert.Equal(t, []bool{true}, rec.flags())
}

func TestStartChecksImmediatelyThenOnInterval(t *testing.T) {
	d, primary, clk := newDetector(t, authResult(false), authResult(true))
	changed := make(chan State, 1)
	d.OnAuthStateChange(func(s State) { changed <- s })

	d.Start()
	require.True(t, d.IsRunning())
	assert.Eventually(t, func() bool { return primary.Evaluations() == 1 }, time.Second, time.Millisecond)

	clk.Advance(DefaultInterval)
	select {
	case s := <-changed:
		assert.True(t, s.Authenticated)
		assert.Equal(t, epoch.Add(DefaultInterval), s.LastChecked)
	case <-time.After(time.Second):
		t.Fatal("no transition after one interval")
	}
}

func TestStartIsIdempotentRestart(t *testing.T) {
	d, primary, clk := newDetector(t, authResult(false))

	d.Start()
	d.Start()
	assert.Eventually(t, func() bool { return primary.Evaluations() >= 1 }, time.Second, time.Millisecond)
	assert.True(t, d.IsRunning())

	// Only the replacement task still ticks.
	time.Sleep(20 * time.Millisecond)
	before := primary.Evaluations()
	clk.Advance(DefaultInterval)
	assert.Eventually(t, func() bool { return primary.Evaluations() == before+1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before+1, primary.Evaluations())

	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())
}

func TestHungAuthCheckTimesOutAndKeepsState(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	primary := surfacetest.New(surface.StaticSession("default"), "test-agent")
	primary.Respond(authMarker, func(ctx context.Context, call int) (any, error) {
		if call == 0 {
			return authResult(true), nil
		}
		// Mid-navigation pages never answer.
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := New(primary, Options{Clock: clk, ScriptTimeout: 20 * time.Millisecond})
	t.Cleanup(d.Destroy)
	rec := &recorder{}
	d.OnAuthStateChange(rec.record)

	d.check(context.Background())
	require.True(t, d.IsUserAuthenticated())

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.check(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("auth check did not give up after the script timeout")
	}

	assert.True(t, d.IsUserAuthenticated())
	assert.Equal(t, epoch, d.LastChecked())
	assert.Equal(t, []bool{true}, rec.flags())
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	d, _, _ := newDetector(t, authResult(true))
	rec := &recorder{}
	d.OnAuthStateChange(func(State) { panic("listener failure") })
	d.OnAuthStateChange(rec.record)

	assert.NotPanics(t, func() { d.check(context.Background()) })
	assert.Equal(t, []bool{true}, rec.flags())
}

func TestUnsubscribe(t *testing.T) {
	d, _, _ := newDetector(t, authResult(true), authResult(false))
	rec := &recorder{}
	unsubscribe := d.OnAuthStateChange(rec.record)

	d.check(context.Background())
	unsubscribe()
	unsubscribe()
	d.check(context.Background())

	assert.Equal(t, []bool{true}, rec.flags())
}

func TestCurrentStateIsStampedAtCallTime(t *testing.T) {
	d, _, clk := newDetector(t, authResult(true))
	d.check(context.Background())

	clk.Advance(time.Minute)
	s := d.CurrentState()

	assert.True(t, s.Authenticated)
	assert.Equal(t, epoch.Add(time.Minute), s.LastChecked)
	assert.Equal(t, epoch, d.LastChecked())
}

func TestDestroy(t *testing.T) {
	d, primary, _ := newDetector(t, authResult(true))
	rec := &recorder{}
	d.OnAuthStateChange(rec.record)
	d.Start()

	d.Destroy()
	d.Destroy()

	assert.False(t, d.IsRunning())
	d.check(context.Background())
	d.Start()
	assert.False(t, d.IsRunning())

	_, err := d.Inspect(context.Background())
	assert.ErrorIs(t, err, surface.ErrClosed)
	assert.Equal(t, 0, primary.CloseCalls(), "the primary surface belongs to the caller")
	assert.LessOrEqual(t, len(rec.flags()), 1)
}

func TestInspect(t *testing.T) {
	d, primary, _ := newDetector(t)
	primary.RespondWith("menuElements", map[string]any{"url": "https://x.com/home", "title": "Home"})

	got, err := d.Inspect(context.Background())

	require.NoError(t, err)
	assert.Equal(t, probe.Inspection{"url": "https://x.com/home", "title": "Home"}, got)
}
