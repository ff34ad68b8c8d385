package badge

import (
	"context"
	"fmt"

	"github.com/perchdesk/perch/internal/probe"
)

// PermissionState is the notification permission as reported by the host.
type PermissionState string

const (
	Granted      PermissionState = "granted"
	Denied       PermissionState = "denied"
	Undetermined PermissionState = "undetermined"
	Unsupported  PermissionState = "unsupported"
)

// Allows reports whether badges may be shown in this state. Hosts without a
// permission concept allow them.
func (s PermissionState) Allows() bool {
	return s == Granted || s == Unsupported
}

// Permission queries and requests notification permission.
type Permission interface {
	Query(ctx context.Context) (PermissionState, error)
	Request(ctx context.Context) (PermissionState, error)
}

// SurfacePermission asks the page loaded in a visible surface, through the web
// Notification API.
type SurfacePermission struct {
	Surface probe.Evaluator
}

func (p SurfacePermission) Query(ctx context.Context) (PermissionState, error) {
	return p.run(ctx, probe.PermissionQuery)
}

func (p SurfacePermission) Request(ctx context.Context) (PermissionState, error) {
	return p.run(ctx, probe.PermissionRequest)
}

func (p SurfacePermission) run(ctx context.Context, script probe.Script[probe.PermissionResult]) (PermissionState, error) {
	result, err := script.Run(ctx, p.Surface)
	if err != nil {
		return Undetermined, err
	}
	if !result.Supported {
		return Unsupported, nil
	}
	if result.Error != "" {
		return Undetermined, fmt.Errorf("notification permission: %s", result.Error)
	}
	return webPermission(result.Permission), nil
}

func webPermission(v string) PermissionState {
	switch v {
	case "granted":
		return Granted
	case "denied":
		return Denied
	default:
		return Undetermined
	}
}

// StaticPermission always reports the same state.
type StaticPermission PermissionState

func (p StaticPermission) Query(context.Context) (PermissionState, error) {
	return PermissionState(p), nil
}

func (p StaticPermission) Request(context.Context) (PermissionState, error) {
	return PermissionState(p), nil
}
