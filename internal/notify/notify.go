// Package notify delivers critical incident notifications to the local
// desktop session.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rcourtman/argus/internal/event"
)

// Urgency maps to the freedesktop notification urgency levels.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// Notifier is a one-shot notification transport. Implementations must not
// retry internally; delivery policy lives with the caller.
type Notifier interface {
	Notify(ctx context.Context, title, body string, urgency Urgency) error
}

// NopNotifier discards notifications. Used when notifications are disabled
// in config and in tests that only exercise the gate decision.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string, Urgency) error { return nil }

// BuildCritical renders the title and body for a critical incident
// notification. Evidence fields are sorted for stable output.
func BuildCritical(ev *event.Event) (title, body string) {
	title = fmt.Sprintf("[%s] %s", ev.Code, strings.ToUpper(string(ev.Severity)))

	var b strings.Builder
	b.WriteString(ev.Summary)
	if len(ev.Evidence) > 0 {
		keys := make([]string, 0, len(ev.Evidence))
		for k := range ev.Evidence {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, ev.Evidence[k])
		}
	}
	return title, b.String()
}
