package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanedUpSdkErrorPassesThroughPlainErrors(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := CleanedUpSdkError{Err: fmt.Errorf("failed to create browser: %w", inner)}

	assert.Equal(t, "failed to create browser: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestAPIMessage(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"message":"invalid api key"}`, "invalid api key"},
		{`{"error":"browser not found"}`, "browser not found"},
		{`{"error":{"message":"quota exceeded"}}`, "quota exceeded"},
		{`{"code":"x"}`, ""},
		{"upstream timeout\n", "upstream timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, apiMessage(tt.raw))
		})
	}
}
