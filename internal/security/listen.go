package security

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rcourtman/argus/internal/collectors"
	"github.com/rcourtman/argus/internal/event"
)

// Ports whose global exposure is critical on its own.
var sensitivePorts = map[uint32]struct{}{
	22: {}, 23: {}, 3389: {}, 5900: {}, 445: {}, 139: {}, 3306: {}, 5432: {}, 6379: {}, 9200: {},
}

// stabilityWindow filters out short-lived sockets (package postinsts,
// ephemeral listeners) before they become incidents.
const stabilityWindow = time.Minute

// SnapshotFunc enumerates current listeners. Swapped in tests.
type SnapshotFunc func(ctx context.Context) ([]collectors.Listener, error)

// TrustFunc reports whether a (proc, port, bind scope) triple is allowlisted.
type TrustFunc func(proc string, port int, bind string) bool

// ListenDetector reports listening sockets that appeared after startup.
// The first probe primes a baseline and emits nothing; a new socket must
// stay up for the stability window before it is reported, and is then
// re-reported every probe until it disappears.
type ListenDetector struct {
	snapshot SnapshotFunc
	trusted  TrustFunc
	nowFn    func() time.Time

	primed   bool
	baseline map[string]struct{}
	pending  map[string]time.Time
	active   map[string]collectors.Listener
}

func NewListenDetector(snapshot SnapshotFunc, trusted TrustFunc) *ListenDetector {
	return &ListenDetector{
		snapshot: snapshot,
		trusted:  trusted,
		nowFn:    time.Now,
		baseline: make(map[string]struct{}),
		pending:  make(map[string]time.Time),
		active:   make(map[string]collectors.Listener),
	}
}

func (d *ListenDetector) ID() string { return "sec-listen" }

func (d *ListenDetector) Probe(ctx context.Context) ([]event.Finding, error) {
	listeners, err := d.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot listeners: %w", err)
	}

	current := make(map[string]collectors.Listener, len(listeners))
	for _, l := range listeners {
		current[l.Key()] = l
	}

	if !d.primed {
		for k := range current {
			d.baseline[k] = struct{}{}
		}
		d.primed = true
		return nil, nil
	}

	now := d.nowFn()

	// Sockets that went away: clear their tracking. Active ones stop being
	// reported, which resolves their incidents downstream.
	for k := range d.pending {
		if _, ok := current[k]; !ok {
			delete(d.pending, k)
		}
	}
	for k := range d.active {
		if _, ok := current[k]; !ok {
			delete(d.active, k)
		}
	}

	for k, l := range current {
		if _, ok := d.baseline[k]; ok {
			continue
		}
		if _, ok := d.active[k]; ok {
			continue
		}
		since, ok := d.pending[k]
		if !ok {
			d.pending[k] = now
			continue
		}
		if now.Sub(since) < stabilityWindow {
			continue
		}
		delete(d.pending, k)

		if d.trusted(l.Proc, int(l.Port), string(l.Scope)) {
			// Allowlisted sockets join the baseline silently.
			d.baseline[k] = struct{}{}
			continue
		}
		d.active[k] = l
	}

	findings := make([]event.Finding, 0, len(d.active))
	for _, l := range d.active {
		findings = append(findings, d.finding(l, now))
	}
	return findings, nil
}

func (d *ListenDetector) finding(l collectors.Listener, now time.Time) event.Finding {
	sev := listenerSeverity(l)

	var summary string
	switch sev {
	case event.SeverityInfo:
		summary = fmt.Sprintf("New local service: %s on %s:%d/%s", l.Proc, l.Bind, l.Port, l.Proto)
	case event.SeverityWarning:
		summary = fmt.Sprintf("New network service: %s on %s:%d/%s", l.Proc, l.Bind, l.Port, l.Proto)
	default:
		summary = fmt.Sprintf("Exposed port: %s on %s:%d/%s", l.Proc, l.Bind, l.Port, l.Proto)
	}
	summary += fmt.Sprintf(" [%s]", l.Scope)

	return event.Finding{
		Code:     "SEC-04",
		Severity: sev,
		Summary:  summary,
		Evidence: map[string]string{
			"proc":  l.Proc,
			"port":  strconv.Itoa(int(l.Port)),
			"proto": l.Proto,
			"bind":  string(l.Scope),
			"addr":  l.Bind,
			"pid":   strconv.Itoa(int(l.PID)),
		},
		ObservedAt: now,
	}
}

func listenerSeverity(l collectors.Listener) event.Severity {
	switch l.Scope {
	case collectors.BindLocal:
		return event.SeverityInfo
	case collectors.BindLAN:
		return event.SeverityWarning
	default:
		if _, sensitive := sensitivePorts[l.Port]; sensitive {
			return event.SeverityCritical
		}
		return event.SeverityWarning
	}
}
