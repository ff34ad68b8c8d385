// Package surface defines the content surface capability that perch drives: a
// browser-backed page that can be navigated and probed with scripts.
//
// Backends live in subpackages (chrome, remote). Tests use surfacetest.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/perchdesk/perch/internal/events"
)

// ErrClosed is returned by operations on a surface that has been closed.
var ErrClosed = errors.New("surface closed")

// Result is the raw JSON value produced by evaluating a script. It reflects
// live page content and may have any shape.
type Result = json.RawMessage

// Session is an opaque handle to the cookie and auth state a surface uses.
// Surfaces created with the same Session are logged in together.
type Session interface {
	ID() string
}

// LoadError reports a navigation that did not complete.
type LoadError struct {
	URL string
	Err error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.URL, e.Err)
}

func (e LoadError) Unwrap() error { return e.Err }

// Surface is a single page.
type Surface interface {
	// Navigate loads url and returns once the navigation has committed.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script against the current document. Promises are awaited.
	Evaluate(ctx context.Context, script string) (Result, error)
	// Session returns the handle other surfaces can use to share this one's login.
	Session() Session
	// UserAgent is the client identity the surface presents.
	UserAgent() string
	OnNavigated(fn func(url string)) events.Subscription
	OnLoadFailed(fn func(LoadError)) events.Subscription
	Close() error
	Closed() bool
}

// Options configures a new surface.
type Options struct {
	UserAgent string
	Hidden    bool
	Width     int
	Height    int
}

// Factory creates surfaces that share an existing session.
type Factory interface {
	NewSurface(ctx context.Context, session Session, opts Options) (Surface, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, session Session, opts Options) (Surface, error)

func (f FactoryFunc) NewSurface(ctx context.Context, session Session, opts Options) (Surface, error) {
	return f(ctx, session, opts)
}

// StaticSession is a Session identified by a fixed string.
type StaticSession string

func (s StaticSession) ID() string { return string(s) }
