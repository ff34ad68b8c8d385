package logging

import (
	"bytes"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		expected pterm.LogLevel
		wantErr  bool
	}{
		{"trace", pterm.LogLevelTrace, false},
		{"DEBUG", pterm.LogLevelDebug, false},
		{" info ", pterm.LogLevelInfo, false},
		{"warn", pterm.LogLevelWarn, false},
		{"error", pterm.LogLevelError, false},
		{"verbose", pterm.LogLevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, pterm.LogLevelInfo, true)

	logger.Debug("hidden")
	logger.Info("badge updated", logger.Args("count", 3))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "badge updated")
	assert.Contains(t, out, `"count"`)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := Discard()
	assert.Same(t, l, OrDiscard(l))
}
