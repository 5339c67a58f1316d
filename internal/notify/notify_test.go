package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/argus/internal/event"
)

func TestBuildCritical(t *testing.T) {
	title, body := BuildCritical(&event.Event{
		Code:     "SEC-04",
		Severity: event.SeverityCritical,
		Summary:  "Exposed port: nc on 0.0.0.0:4444/tcp",
		Evidence: map[string]string{
			"proto": "tcp",
			"bind":  "GLOBAL",
			"port":  "4444",
			"proc":  "nc",
		},
	})

	assert.Equal(t, "[SEC-04] CRITICAL", title)
	// Evidence lines are sorted by key so the body is stable.
	assert.Equal(t, "Exposed port: nc on 0.0.0.0:4444/tcp\n"+
		"\nbind: GLOBAL"+
		"\nport: 4444"+
		"\nproc: nc"+
		"\nproto: tcp", body)
}

func TestBuildCriticalWithoutEvidence(t *testing.T) {
	title, body := BuildCritical(&event.Event{
		Code:     "HEA-02",
		Severity: event.SeverityCritical,
		Summary:  "Critical CPU temperature: 97°C (threshold 95°C)",
	})
	assert.Equal(t, "[HEA-02] CRITICAL", title)
	assert.Equal(t, "Critical CPU temperature: 97°C (threshold 95°C)", body)
}

type capturedCmd struct {
	name string
	args []string
}

func fakeDesktop(t *testing.T, available map[string]bool, runErr error) (*Desktop, *capturedCmd) {
	t.Helper()
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/tmp/test-bus")

	captured := &capturedCmd{}
	d := NewDesktop(9000, time.Second)
	d.lookPath = func(name string) (string, error) {
		if available[name] {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	d.runner = func(_ context.Context, name string, args ...string) error {
		captured.name = name
		captured.args = args
		return runErr
	}
	return d, captured
}

func TestDesktopUsesNotifySend(t *testing.T) {
	d, captured := fakeDesktop(t, map[string]bool{"notify-send": true, "gdbus": true}, nil)

	err := d.Notify(context.Background(), "[SEC-04] CRITICAL", "body", UrgencyCritical)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/notify-send", captured.name)
	assert.Contains(t, captured.args, "--urgency")
	assert.Contains(t, captured.args, "critical")
	assert.Contains(t, captured.args, "9000")
	assert.Contains(t, captured.args, "[SEC-04] CRITICAL")
}

func TestDesktopFallsBackToGdbus(t *testing.T) {
	d, captured := fakeDesktop(t, map[string]bool{"gdbus": true}, nil)

	err := d.Notify(context.Background(), "title", "body", UrgencyNormal)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/gdbus", captured.name)
	assert.Contains(t, captured.args, "org.freedesktop.Notifications")
	assert.Contains(t, captured.args, "{'urgency': <byte 1>}")
}

func TestDesktopErrorsWithoutAnyTransport(t *testing.T) {
	d, _ := fakeDesktop(t, nil, nil)
	err := d.Notify(context.Background(), "t", "b", UrgencyCritical)
	assert.Error(t, err)
}

func TestDesktopErrorsWithoutSessionBus(t *testing.T) {
	d, captured := fakeDesktop(t, map[string]bool{"notify-send": true}, nil)
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	err := d.Notify(context.Background(), "t", "b", UrgencyCritical)
	assert.Error(t, err)
	assert.Empty(t, captured.name, "nothing must be executed without a bus")
}

func TestDesktopPropagatesRunnerError(t *testing.T) {
	d, _ := fakeDesktop(t, map[string]bool{"notify-send": true}, errors.New("daemon gone"))
	err := d.Notify(context.Background(), "t", "b", UrgencyCritical)
	assert.ErrorContains(t, err, "daemon gone")
}

func TestUrgencyByte(t *testing.T) {
	assert.Equal(t, 2, urgencyByte(UrgencyCritical))
	assert.Equal(t, 1, urgencyByte(UrgencyNormal))
}
