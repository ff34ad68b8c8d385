// Package logging builds the structured pterm loggers used by perch's background
// components. CLI output keeps using the pterm printers directly.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
)

var levels = map[string]pterm.LogLevel{
	"trace": pterm.LogLevelTrace,
	"debug": pterm.LogLevelDebug,
	"info":  pterm.LogLevelInfo,
	"warn":  pterm.LogLevelWarn,
	"error": pterm.LogLevelError,
}

// ParseLevel maps a level name to a pterm.LogLevel.
func ParseLevel(name string) (pterm.LogLevel, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return pterm.LogLevelInfo, fmt.Errorf("unknown log level %q (want trace, debug, info, warn or error)", name)
	}
	return level, nil
}

// New returns a logger writing to stderr at the given level, as JSON when asJSON is set.
func New(level string, asJSON bool) (*pterm.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(os.Stderr, lvl, asJSON), nil
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(w io.Writer, level pterm.LogLevel, asJSON bool) *pterm.Logger {
	logger := pterm.DefaultLogger.WithLevel(level).WithWriter(w)
	if asJSON {
		logger = logger.WithFormatter(pterm.LogFormatterJSON)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *pterm.Logger {
	return pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled).WithWriter(io.Discard)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *pterm.Logger) *pterm.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
