// Package notify shows desktop notifications.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/perchdesk/perch/internal/logging"
	"github.com/pterm/pterm"
)

// Notifier shows a notification with a title and body.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Caller is the part of dbus.BusObject DBus uses.
type Caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

const (
	notificationsName   = "org.freedesktop.Notifications"
	notificationsPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsNotify = notificationsName + ".Notify"
)

// DBus sends notifications through the freedesktop notification service.
// Successive notifications replace the previous one.
type DBus struct {
	obj     Caller
	appName string
	icon    string
	timeout time.Duration
	lastID  uint32
}

// NewDBus returns a notifier using conn's notification service.
func NewDBus(conn *dbus.Conn, appName, icon string) *DBus {
	return NewDBusWithCaller(conn.Object(notificationsName, notificationsPath), appName, icon)
}

// NewDBusWithCaller returns a notifier calling obj.
func NewDBusWithCaller(obj Caller, appName, icon string) *DBus {
	return &DBus{obj: obj, appName: appName, icon: icon, timeout: 5 * time.Second}
}

func (d *DBus) Notify(ctx context.Context, title, body string) error {
	call := d.obj.CallWithContext(ctx, notificationsNotify, 0,
		d.appName,
		d.lastID,
		d.icon,
		title,
		body,
		[]string{},
		map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(1))},
		int32(d.timeout/time.Millisecond),
	)
	if call.Err != nil {
		return fmt.Errorf("failed to send notification: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err == nil {
		d.lastID = id
	}
	return nil
}

// Log writes notifications to a logger. It is the fallback where no
// notification service is reachable.
type Log struct {
	Logger *pterm.Logger
}

func (l Log) Notify(_ context.Context, title, body string) error {
	logger := logging.OrDiscard(l.Logger)
	logger.Info(title, logger.Args("body", body))
	return nil
}
