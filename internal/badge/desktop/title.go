package desktop

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// TerminalTitle mirrors the count into the terminal window title with an OSC 0
// escape, for hosts where the terminal is the only visible surface.
type TerminalTitle struct {
	mu    sync.Mutex
	w     io.Writer
	title string
}

// NewTerminalTitle writes titles based on title to w.
func NewTerminalTitle(w io.Writer, title string) *TerminalTitle {
	return &TerminalTitle{w: w, title: title}
}

// SetCount implements badge.CountSetter.
func (t *TerminalTitle) SetCount(_ context.Context, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	text := t.title
	if n > 0 {
		text = fmt.Sprintf("(%d) %s", n, t.title)
	}
	_, err := fmt.Fprintf(t.w, "\x1b]0;%s\x07", text)
	return err
}
