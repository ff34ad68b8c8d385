// Package probe holds the page scripts perch evaluates against a content
// surface and decodes their results into typed values.
//
// Script results come from live third-party pages, so decoding is strict about
// shape and lenient about content: a wrong shape is an error, missing fields
// are zero values.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/perchdesk/perch/internal/surface"
)

// ErrNoResult is returned when a script evaluates to null or nothing.
var ErrNoResult = errors.New("probe returned no result")

// Evaluator is the part of surface.Surface a probe needs.
type Evaluator interface {
	Evaluate(ctx context.Context, script string) (surface.Result, error)
}

// Script is a page script whose result decodes into T.
type Script[T any] struct {
	Name   string
	Source string
}

// normalizer is implemented by result types that clamp untrusted values after
// decoding.
type normalizer interface {
	normalize()
}

// Run evaluates the script on e and decodes the result.
func (s Script[T]) Run(ctx context.Context, e Evaluator) (T, error) {
	var zero T
	raw, err := e.Evaluate(ctx, s.Source)
	if err != nil {
		return zero, fmt.Errorf("failed to evaluate %s probe: %w", s.Name, err)
	}
	v, err := Decode[T](raw)
	if err != nil {
		return zero, fmt.Errorf("failed to decode %s probe: %w", s.Name, err)
	}
	return v, nil
}

// Decode parses raw into T.
func Decode[T any](raw surface.Result) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, ErrNoResult
	}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return v, err
	}
	if n, ok := any(&v).(normalizer); ok {
		n.normalize()
	}
	return v, nil
}

// AuthResult is the decoded result of the Auth probe.
type AuthResult struct {
	Authenticated bool           `json:"authenticated"`
	URL           string         `json:"url"`
	DocumentReady string         `json:"documentReady"`
	Error         string         `json:"error,omitempty"`
	Debug         map[string]any `json:"debug,omitempty"`
}

// ReadyResult is the decoded result of the Ready probe.
type ReadyResult struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	ReadyState   string `json:"readyState"`
	BodyLength   int    `json:"bodyLength"`
	OnTargetPath bool   `json:"onTargetPath"`
}

// Ready reports whether the page has finished loading on the target path with
// at least minBodyLength bytes of markup.
func (r ReadyResult) Ready(minBodyLength int) bool {
	return r.ReadyState == "complete" && r.OnTargetPath && r.BodyLength > minBodyLength
}

func (r *ReadyResult) normalize() {
	if r.BodyLength < 0 {
		r.BodyLength = 0
	}
}

// CountResult is the decoded result of the Count probe.
type CountResult struct {
	UnreadCount   int            `json:"unreadCount"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	URL           string         `json:"url"`
	DocumentReady string         `json:"documentReady"`
	TotalElements int            `json:"totalElements"`
	Debug         map[string]any `json:"debug,omitempty"`
}

func (r *CountResult) normalize() {
	if r.UnreadCount < 0 {
		r.UnreadCount = 0
	}
	if r.TotalElements < 0 {
		r.TotalElements = 0
	}
}

// Inspection is free-form DOM diagnostics.
type Inspection map[string]any

// PermissionResult is the decoded result of the permission probes.
type PermissionResult struct {
	Supported  bool   `json:"supported"`
	Permission string `json:"permission,omitempty"`
	Error      string `json:"error,omitempty"`
}

var (
	// Auth reports whether the page shows signed-in account markers.
	Auth = Script[AuthResult]{Name: "auth", Source: authSource}

	// Count scans a conversation list for unread indicators.
	Count = Script[CountResult]{Name: "count", Source: countSource}

	// Inspect collects DOM diagnostics for debugging the other probes.
	Inspect = Script[Inspection]{Name: "inspect", Source: inspectSource}

	// PermissionQuery reads the page's Notification permission.
	PermissionQuery = Script[PermissionResult]{Name: "permission-query", Source: permissionQuerySource}

	// PermissionRequest asks the page for Notification permission when it is
	// still undecided.
	PermissionRequest = Script[PermissionResult]{Name: "permission-request", Source: permissionRequestSource}
)

// Ready returns the readiness probe for pages under targetPath.
func Ready(targetPath string) Script[ReadyResult] {
	literal, _ := json.Marshal(targetPath)
	return Script[ReadyResult]{
		Name:   "ready",
		Source: strings.Replace(readySource, "__TARGET_PATH__", string(literal), 1),
	}
}
