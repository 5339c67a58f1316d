package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/argus/internal/collectors"
	"github.com/rcourtman/argus/internal/event"
)

// UnitSpec declares the expectation for one systemd unit.
type UnitSpec struct {
	Unit         string
	BaseSeverity event.Severity // severity when inactive; failed is always CRITICAL
	OnlyEnabled  bool           // skip unless the unit file is enabled/static
}

// unitFamilies lists the curated watch set. Each inner slice is a family of
// alternatives; the first unit that exists on the host is watched.
var coreUnits = [][]string{
	{"systemd-journald.service"},
	{"dbus.service"},
	{"systemd-logind.service"},
	{"NetworkManager.service", "systemd-networkd.service"},
}

var optionalUnits = [][]string{
	{"systemd-resolved.service"},
	{"cron.service", "crond.service"},
	{"ssh.service", "sshd.service"},
	{"chronyd.service", "systemd-timesyncd.service"},
	{"ufw.service", "firewalld.service"},
	{"fail2ban.service"},
	{"auditd.service"},
	{"rsyslog.service"},
}

const unitDebounceChecks = 2

// StatesFunc fetches unit states. Swapped in tests.
type StatesFunc func(ctx context.Context, units []string) ([]collectors.UnitState, error)

// UnitsDetector raises HEA-04 for watched systemd units that are failed or
// unexpectedly inactive, after two consecutive bad checks. While unhealthy
// the unit is re-reported each probe; recovery resolves by absence.
type UnitsDetector struct {
	states StatesFunc
	specs  []UnitSpec

	streaks map[string]int
}

// NewUnitsDetector builds a detector over an explicit spec list. Used
// directly in tests; production wiring goes through DiscoverUnits.
func NewUnitsDetector(states StatesFunc, specs []UnitSpec) *UnitsDetector {
	return &UnitsDetector{
		states:  states,
		specs:   specs,
		streaks: make(map[string]int),
	}
}

// DiscoverUnits probes the host for the curated unit families and returns a
// detector watching whichever members exist. Core units alert even when
// disabled; optional ones only when enabled.
func DiscoverUnits(ctx context.Context, sd *collectors.SystemdCollector) (*UnitsDetector, error) {
	var specs []UnitSpec
	for _, family := range coreUnits {
		existing, err := sd.ProbeExisting(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("probe units: %w", err)
		}
		if len(existing) > 0 {
			specs = append(specs, UnitSpec{Unit: existing[0], BaseSeverity: event.SeverityCritical})
		}
	}
	for _, family := range optionalUnits {
		existing, err := sd.ProbeExisting(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("probe units: %w", err)
		}
		if len(existing) > 0 {
			specs = append(specs, UnitSpec{Unit: existing[0], BaseSeverity: event.SeverityWarning, OnlyEnabled: true})
		}
	}
	return NewUnitsDetector(sd.UnitStates, specs), nil
}

func (d *UnitsDetector) ID() string { return "hea-units" }

func (d *UnitsDetector) Probe(ctx context.Context) ([]event.Finding, error) {
	if len(d.specs) == 0 {
		return nil, nil
	}

	units := make([]string, len(d.specs))
	specByUnit := make(map[string]UnitSpec, len(d.specs))
	for i, s := range d.specs {
		units[i] = s.Unit
		specByUnit[s.Unit] = s
	}

	states, err := d.states(ctx, units)
	if err != nil {
		return nil, fmt.Errorf("query unit states: %w", err)
	}

	var findings []event.Finding
	now := time.Now()
	for _, st := range states {
		spec, ok := specByUnit[st.Unit]
		if !ok || st.Missing() {
			continue
		}

		unhealthy, reason, sev := evalUnit(st, spec)
		if !unhealthy {
			d.streaks[st.Unit] = 0
			continue
		}

		d.streaks[st.Unit]++
		if d.streaks[st.Unit] < unitDebounceChecks {
			continue
		}

		findings = append(findings, event.Finding{
			Code:     "HEA-04",
			Severity: sev,
			Summary: fmt.Sprintf("Service unhealthy: %s (%s, active=%s, sub=%s)",
				st.Unit, reason, st.ActiveState, st.SubState),
			Evidence: map[string]string{
				"unit":     st.Unit,
				"reason":   reason,
				"active":   st.ActiveState,
				"sub":      st.SubState,
				"result":   st.Result,
				"status":   st.ExecStatus,
				"restarts": st.Restarts,
			},
			ObservedAt: now,
		})
	}
	return findings, nil
}

func evalUnit(st collectors.UnitState, spec UnitSpec) (unhealthy bool, reason string, sev event.Severity) {
	if spec.OnlyEnabled && !st.Enabled() {
		return false, "", ""
	}

	switch st.ActiveState {
	case "active", "activating", "deactivating", "reloading":
		return false, "", ""
	}

	if st.Failed() {
		return true, "failed", event.SeverityCritical
	}
	if st.ActiveState == "inactive" || st.SubState == "dead" {
		return true, "inactive", spec.BaseSeverity
	}
	return false, "", ""
}
