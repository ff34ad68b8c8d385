// Package badge mirrors the unread count onto the host's application icon.
//
// Rendering is split into a baseline CountSetter, called on every platform, and
// one platform Strategy chosen at construction.
package badge

import (
	"context"
	"fmt"
	"image"
	"strconv"
)

// DefaultCap is the largest count shown verbatim; larger counts render as "99+".
const DefaultCap = 99

// CountSetter sets a numeric badge. Zero clears it.
type CountSetter interface {
	SetCount(ctx context.Context, n int) error
}

// CountSetterFunc adapts a function to CountSetter.
type CountSetterFunc func(ctx context.Context, n int) error

func (f CountSetterFunc) SetCount(ctx context.Context, n int) error { return f(ctx, n) }

// DockRenderer draws a text badge on a dock icon.
type DockRenderer interface {
	ShowDock(ctx context.Context) error
	// SetDockBadgeText sets the badge label; an empty string clears it.
	SetDockBadgeText(ctx context.Context, text string) error
}

// OverlayRenderer draws an image over a taskbar button.
type OverlayRenderer interface {
	// SetOverlayIcon applies img, or clears the overlay when img is nil.
	SetOverlayIcon(ctx context.Context, img image.Image, description string) error
}

// Strategy renders a count with one platform capability.
type Strategy interface {
	Name() string
	Render(ctx context.Context, n int) error
}

// Text formats n for display, capping it at limit.
func Text(n, limit int) string {
	if n <= 0 {
		return ""
	}
	if limit > 0 && n > limit {
		return strconv.Itoa(limit) + "+"
	}
	return strconv.Itoa(n)
}

// DockStrategy shows the count as dock badge text.
type DockStrategy struct {
	Dock DockRenderer
	Cap  int
}

func (DockStrategy) Name() string { return "dock" }

func (s DockStrategy) Render(ctx context.Context, n int) error {
	if err := s.Dock.ShowDock(ctx); err != nil {
		return fmt.Errorf("failed to show dock icon: %w", err)
	}
	if err := s.Dock.SetDockBadgeText(ctx, Text(n, s.limit())); err != nil {
		return fmt.Errorf("failed to set dock badge: %w", err)
	}
	return nil
}

func (s DockStrategy) limit() int {
	if s.Cap <= 0 {
		return DefaultCap
	}
	return s.Cap
}

// OverlayStrategy draws a red circle with the count as an overlay icon.
type OverlayStrategy struct {
	Overlay OverlayRenderer
	Size    int
	Cap     int
}

func (OverlayStrategy) Name() string { return "overlay" }

func (s OverlayStrategy) Render(ctx context.Context, n int) error {
	if n <= 0 {
		if err := s.Overlay.SetOverlayIcon(ctx, nil, ""); err != nil {
			return fmt.Errorf("failed to clear overlay icon: %w", err)
		}
		return nil
	}
	limit := s.Cap
	if limit <= 0 {
		limit = DefaultCap
	}
	img := RenderIcon(Text(n, limit), s.Size)
	if err := s.Overlay.SetOverlayIcon(ctx, img, fmt.Sprintf("%d unread messages", n)); err != nil {
		return fmt.Errorf("failed to set overlay icon: %w", err)
	}
	return nil
}

// LauncherStrategy sets a desktop launcher's counter. Only some desktop
// environments honor it.
type LauncherStrategy struct {
	Launcher CountSetter
}

func (LauncherStrategy) Name() string { return "launcher" }

func (s LauncherStrategy) Render(ctx context.Context, n int) error {
	if err := s.Launcher.SetCount(ctx, n); err != nil {
		return fmt.Errorf("failed to set launcher count: %w", err)
	}
	return nil
}

// NoopStrategy renders nothing beyond the baseline.
type NoopStrategy struct{}

func (NoopStrategy) Name() string                      { return "none" }
func (NoopStrategy) Render(context.Context, int) error { return nil }
