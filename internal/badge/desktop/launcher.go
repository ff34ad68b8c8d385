// Package desktop provides badge renderers for desktop hosts.
package desktop

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	launcherInterface = "com.canonical.Unity.LauncherEntry"
	launcherPath      = dbus.ObjectPath("/com/perchdesk/perch/LauncherEntry")
)

// SignalEmitter is the part of *dbus.Conn LauncherEntry uses.
type SignalEmitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// LauncherEntry sets the unread counter on launchers that implement the Unity
// LauncherEntry API (GNOME Dash to Dock, KDE Plasma, Unity).
type LauncherEntry struct {
	bus    SignalEmitter
	appURI string
}

// NewLauncherEntry targets the launcher item for desktopID, the basename of
// the application's .desktop file.
func NewLauncherEntry(bus SignalEmitter, desktopID string) *LauncherEntry {
	return &LauncherEntry{bus: bus, appURI: "application://" + desktopID}
}

// SetCount implements badge.CountSetter.
func (l *LauncherEntry) SetCount(_ context.Context, n int) error {
	if n < 0 {
		n = 0
	}
	props := map[string]dbus.Variant{
		"count":         dbus.MakeVariant(int64(n)),
		"count-visible": dbus.MakeVariant(n > 0),
	}
	if err := l.bus.Emit(launcherPath, launcherInterface+".Update", l.appURI, props); err != nil {
		return fmt.Errorf("failed to emit launcher update: %w", err)
	}
	return nil
}
