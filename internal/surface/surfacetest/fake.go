// Package surfacetest provides an in-memory surface.Surface for tests.
package surfacetest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/perchdesk/perch/internal/events"
	"github.com/perchdesk/perch/internal/surface"
)

// Responder produces the result of one Evaluate call.
type Responder func(ctx context.Context, call int) (any, error)

// Fake is a scripted surface. Evaluate matches the script against the
// registered responders by substring, in registration order; unmatched scripts
// return null.
type Fake struct {
	// NavigateFunc, when set, runs inside Navigate while the navigation is
	// counted as in flight.
	NavigateFunc func(ctx context.Context, url string) error

	session   surface.Session
	userAgent string

	mu          sync.Mutex
	responders  []responder
	navigations []string
	evaluations int
	inFlight    int
	maxInFlight int
	closed      bool
	closeCalls  int
	navigated   *events.Emitter[string]
	loadFailed  *events.Emitter[surface.LoadError]
	currentURL  string
}

type responder struct {
	match string
	fn    Responder
	calls int
}

// New returns a Fake bound to session.
func New(session surface.Session, userAgent string) *Fake {
	return &Fake{
		session:    session,
		userAgent:  userAgent,
		navigated:  events.NewEmitter[string]("navigated", nil),
		loadFailed: events.NewEmitter[surface.LoadError]("load-failed", nil),
	}
}

// Respond registers fn for scripts containing match.
func (f *Fake) Respond(match string, fn Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders = append(f.responders, responder{match: match, fn: fn})
}

// RespondWith registers a fixed sequence of values for scripts containing
// match. The last value repeats once the sequence is exhausted.
func (f *Fake) RespondWith(match string, values ...any) {
	f.Respond(match, func(_ context.Context, call int) (any, error) {
		if len(values) == 0 {
			return nil, nil
		}
		if call >= len(values) {
			call = len(values) - 1
		}
		if err, ok := values[call].(error); ok {
			return nil, err
		}
		return values[call], nil
	})
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return surface.ErrClosed
	}
	f.navigations = append(f.navigations, url)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	navigate := f.NavigateFunc
	f.mu.Unlock()

	var err error
	if navigate != nil {
		err = navigate(ctx, url)
	}

	f.mu.Lock()
	f.inFlight--
	if err == nil {
		f.currentURL = url
	}
	f.mu.Unlock()

	if err != nil {
		f.loadFailed.Emit(surface.LoadError{URL: url, Err: err})
		return err
	}
	f.navigated.Emit(url)
	return nil
}

// Visit lands the fake on url as if the page navigated by itself, such as a
// clicked link. It is not recorded in Navigations.
func (f *Fake) Visit(url string) {
	f.mu.Lock()
	f.currentURL = url
	f.mu.Unlock()
	f.navigated.Emit(url)
}

func (f *Fake) Evaluate(ctx context.Context, script string) (surface.Result, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, surface.ErrClosed
	}
	f.evaluations++
	var fn Responder
	call := 0
	for i := range f.responders {
		if strings.Contains(script, f.responders[i].match) {
			fn = f.responders[i].fn
			call = f.responders[i].calls
			f.responders[i].calls++
			break
		}
	}
	f.mu.Unlock()

	if fn == nil {
		return surface.Result("null"), nil
	}
	v, err := fn(ctx, call)
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *Fake) Session() surface.Session { return f.session }
func (f *Fake) UserAgent() string        { return f.userAgent }

func (f *Fake) OnNavigated(fn func(string)) events.Subscription {
	return f.navigated.Subscribe(fn)
}

func (f *Fake) OnLoadFailed(fn func(surface.LoadError)) events.Subscription {
	return f.loadFailed.Subscribe(fn)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closed = true
	return nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Navigations returns every URL passed to Navigate.
func (f *Fake) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigations...)
}

// MaxConcurrentNavigations is the highest number of Navigate calls observed
// in flight at once.
func (f *Fake) MaxConcurrentNavigations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Evaluations counts Evaluate calls.
func (f *Fake) Evaluations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evaluations
}

// CloseCalls counts Close calls.
func (f *Fake) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// URL is the last successfully navigated URL.
func (f *Fake) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentURL
}

// Factory hands out surfaces for NewSurface calls. Setup, if set, configures
// each new Fake before it is returned.
type Factory struct {
	Setup   func(*Fake)
	NewFunc func(ctx context.Context, session surface.Session, opts surface.Options) (surface.Surface, error)

	mu       sync.Mutex
	created  []*Fake
	sessions []surface.Session
	options  []surface.Options
}

func (f *Factory) NewSurface(ctx context.Context, session surface.Session, opts surface.Options) (surface.Surface, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, session)
	f.options = append(f.options, opts)
	newFunc := f.NewFunc
	f.mu.Unlock()

	if newFunc != nil {
		return newFunc(ctx, session, opts)
	}

	s := New(session, opts.UserAgent)
	if f.Setup != nil {
		f.Setup(s)
	}
	f.mu.Lock()
	f.created = append(f.created, s)
	f.mu.Unlock()
	return s, nil
}

// Created returns the surfaces the factory has built.
func (f *Factory) Created() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fake(nil), f.created...)
}

// Sessions returns the session passed to each NewSurface call.
func (f *Factory) Sessions() []surface.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]surface.Session(nil), f.sessions...)
}

// Options returns the options passed to each NewSurface call.
func (f *Factory) Options() []surface.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]surface.Options(nil), f.options...)
}
