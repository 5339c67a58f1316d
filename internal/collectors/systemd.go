package collectors

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// UnitState is the condensed systemd view of one unit.
type UnitState struct {
	Unit          string
	LoadState     string // loaded, not-found, masked
	ActiveState   string // active, inactive, failed, activating
	SubState      string // running, dead, exited, failed
	UnitFileState string // enabled, disabled, static, masked
	Result        string // success, exit-code, signal
	ExecStatus    string // ExecMainStatus, last main process exit code
	Restarts      string // NRestarts
}

// Failed reports whether systemd considers the unit failed.
func (u UnitState) Failed() bool {
	return u.ActiveState == "failed" || u.SubState == "failed"
}

// Missing reports whether the unit is unknown to systemd.
func (u UnitState) Missing() bool {
	return u.LoadState == "not-found"
}

// Enabled reports whether the unit is expected to run (enabled, static or
// pulled in indirectly).
func (u UnitState) Enabled() bool {
	switch strings.ToLower(u.UnitFileState) {
	case "enabled", "enabled-runtime", "static", "alias", "generated", "indirect":
		return true
	}
	return false
}

const unitProperties = "Id,LoadState,ActiveState,SubState,UnitFileState,Result,ExecMainStatus,NRestarts"

// SystemdCollector queries unit state through systemctl. The exec path is
// swapped in tests.
type SystemdCollector struct {
	run func(ctx context.Context, args ...string) (string, error)
}

func NewSystemdCollector() *SystemdCollector {
	return &SystemdCollector{run: runSystemctl}
}

func runSystemctl(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", args...).Output()
	if err != nil {
		return "", fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// UnitStates fetches the state of the named units in one systemctl call.
func (c *SystemdCollector) UnitStates(ctx context.Context, units []string) ([]UnitState, error) {
	if len(units) == 0 {
		return nil, nil
	}

	args := append([]string{"show", "--property=" + unitProperties, "--"}, units...)
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	// Output is one property block per unit, blocks separated by blank lines.
	var states []UnitState
	for i, block := range strings.Split(out, "\n\n") {
		st := parseUnitBlock(block)
		if st.Unit == "" {
			// systemctl show omits Id for unknown units; recover the name
			// from the request order.
			if i < len(units) {
				st.Unit = units[i]
			} else {
				continue
			}
		}
		states = append(states, st)
	}
	return states, nil
}

// ProbeExisting returns the subset of candidate units known to systemd, in
// the candidates' order. Used to auto-pick one unit out of a family
// (cron vs crond, ssh vs sshd).
func (c *SystemdCollector) ProbeExisting(ctx context.Context, candidates []string) ([]string, error) {
	states, err := c.UnitStates(ctx, candidates)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]UnitState, len(states))
	for _, st := range states {
		byName[st.Unit] = st
	}
	var out []string
	for _, unit := range candidates {
		if st, ok := byName[unit]; ok && !st.Missing() {
			out = append(out, unit)
		}
	}
	return out, nil
}

func parseUnitBlock(block string) UnitState {
	var st UnitState
	for _, line := range strings.Split(strings.TrimSpace(block), "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "Id":
			st.Unit = val
		case "LoadState":
			st.LoadState = val
		case "ActiveState":
			st.ActiveState = val
		case "SubState":
			st.SubState = val
		case "UnitFileState":
			st.UnitFileState = val
		case "Result":
			st.Result = val
		case "ExecMainStatus":
			st.ExecStatus = val
		case "NRestarts":
			st.Restarts = val
		}
	}
	return st
}
