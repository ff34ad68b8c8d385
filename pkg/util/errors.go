package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kernel/kernel-go-sdk"
)

// CleanedUpSdkError trims Kernel API errors down to the status and the
// server's message instead of the full request dump.
type CleanedUpSdkError struct {
	Err error
}

func (e CleanedUpSdkError) Error() string {
	var apiErr *kernel.Error
	if !errors.As(e.Err, &apiErr) {
		return e.Err.Error()
	}
	msg := apiMessage(apiErr.RawJSON())
	if msg == "" {
		return fmt.Sprintf("Kernel API error (%d)", apiErr.StatusCode)
	}
	return fmt.Sprintf("Kernel API error (%d): %s", apiErr.StatusCode, msg)
}

func (e CleanedUpSdkError) Unwrap() error { return e.Err }

func apiMessage(raw string) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return strings.TrimSpace(raw)
	}
	if body.Message != "" {
		return body.Message
	}
	switch v := body.Error.(type) {
	case string:
		return v
	case map[string]any:
		if m, ok := v["message"].(string); ok {
			return m
		}
	}
	return ""
}
