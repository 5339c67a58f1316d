package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Desktop sends notifications to the local session via notify-send, falling
// back to gdbus when notify-send is not installed. Both paths require a
// session bus; without one Notify returns an error and the caller moves on.
type Desktop struct {
	// TimeoutMS is the on-screen display time passed to the daemon.
	TimeoutMS int
	// ExecWait bounds how long a single dispatch may take.
	ExecWait time.Duration

	// lookPath is swapped in tests.
	lookPath func(string) (string, error)
	runner   func(ctx context.Context, name string, args ...string) error
}

// NewDesktop returns a desktop transport with the given display timeout and
// per-dispatch exec budget.
func NewDesktop(timeoutMS int, execWait time.Duration) *Desktop {
	return &Desktop{
		TimeoutMS: timeoutMS,
		ExecWait:  execWait,
		lookPath:  exec.LookPath,
		runner:    runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, string(out))
	}
	return nil
}

// Notify dispatches one notification. It never retries; a failure is
// reported to the caller and logged there.
func (d *Desktop) Notify(ctx context.Context, title, body string, urgency Urgency) error {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" && os.Getenv("XDG_RUNTIME_DIR") == "" {
		return fmt.Errorf("no session bus available")
	}

	ctx, cancel := context.WithTimeout(ctx, d.ExecWait)
	defer cancel()

	if path, err := d.lookPath("notify-send"); err == nil {
		return d.runner(ctx, path,
			"--urgency", string(urgency),
			"--expire-time", strconv.Itoa(d.TimeoutMS),
			"--app-name", "argus",
			title, body)
	}

	path, err := d.lookPath("gdbus")
	if err != nil {
		return fmt.Errorf("neither notify-send nor gdbus found in PATH")
	}
	log.Debug().Msg("notify-send not found, using gdbus fallback")
	return d.runner(ctx, path,
		"call", "--session",
		"--dest", "org.freedesktop.Notifications",
		"--object-path", "/org/freedesktop/Notifications",
		"--method", "org.freedesktop.Notifications.Notify",
		"argus", "0", "dialog-warning", title, body,
		"[]", fmt.Sprintf("{'urgency': <byte %d>}", urgencyByte(urgency)),
		strconv.Itoa(d.TimeoutMS))
}

func urgencyByte(u Urgency) int {
	if u == UrgencyCritical {
		return 2
	}
	return 1
}
