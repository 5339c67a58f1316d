package security

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/argus/internal/event"
)

var criticalPaths = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
}

var criticalGlobs = []string{
	"/etc/sudoers.d/*",
}

func warningPaths() []string {
	paths := []string{
		"/etc/ssh/sshd_config",
		"/etc/crontab",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ssh", "authorized_keys"))
	}
	return paths
}

// Fingerprint confirmation across this many consecutive probes before a
// change is reported; filters half-written files.
const fileDebounceChecks = 2

// fileIncidentHold keeps a confirmed change visible before absence resolves it.
const fileIncidentHold = 30 * time.Minute

type fileState struct {
	current      string
	pending      string
	pendingCount int
}

type fileIncident struct {
	severity event.Severity
	summary  string
	evidence map[string]string
	until    time.Time
}

// FileIntegrityDetector watches credential stores, sudoers, ssh and cron
// files for content drift. Severity policy: critical paths always CRITICAL;
// warning paths downgrade to INFO during maintenance or package upgrades and
// escalate to CRITICAL when recent suspicious ssh/sudo activity suggests the
// change was not the administrator's.
type FileIntegrityDetector struct {
	// MaintenanceActive reflects the runtime maintenance flag.
	MaintenanceActive func(ctx context.Context) bool
	// RecentCompromise reports recent SEC-02/SEC-03 activity.
	RecentCompromise func(ctx context.Context) bool

	pkgManagerActive func(ctx context.Context) bool
	nowFn            func() time.Time

	states    map[string]*fileState
	incidents map[string]*fileIncident
}

func NewFileIntegrityDetector(maintenance, recentCompromise func(ctx context.Context) bool) *FileIntegrityDetector {
	return &FileIntegrityDetector{
		MaintenanceActive: maintenance,
		RecentCompromise:  recentCompromise,
		pkgManagerActive:  pkgManagerRunning,
		nowFn:             time.Now,
		states:            make(map[string]*fileState),
		incidents:         make(map[string]*fileIncident),
	}
}

func (d *FileIntegrityDetector) ID() string { return "sec-files" }

func (d *FileIntegrityDetector) Probe(ctx context.Context) ([]event.Finding, error) {
	crit, warn := watchLists()
	now := d.nowFn()

	for _, path := range append(append([]string{}, crit...), warn...) {
		d.checkFile(ctx, path, crit, now)
	}

	var findings []event.Finding
	for path, inc := range d.incidents {
		if now.After(inc.until) {
			delete(d.incidents, path)
			continue
		}
		findings = append(findings, event.Finding{
			Code:       "SEC-05",
			Severity:   inc.severity,
			Summary:    inc.summary,
			Evidence:   inc.evidence,
			ObservedAt: now,
		})
	}
	return findings, nil
}

func (d *FileIntegrityDetector) checkFile(ctx context.Context, path string, crit []string, now time.Time) {
	fp := fileFingerprint(path)

	st, ok := d.states[path]
	if !ok {
		// Baseline: remember and stay silent.
		d.states[path] = &fileState{current: fp}
		return
	}
	if fp == "" || st.current == "" {
		st.current = fp
		st.pending = ""
		st.pendingCount = 0
		return
	}
	if fp == st.current {
		st.pending = ""
		st.pendingCount = 0
		return
	}

	// The same new fingerprint must be seen on consecutive checks.
	if st.pending == fp {
		st.pendingCount++
	} else {
		st.pending = fp
		st.pendingCount = 1
	}
	if st.pendingCount < fileDebounceChecks {
		return
	}

	oldFP := st.current
	st.current = fp
	st.pending = ""
	st.pendingCount = 0

	base := baseSeverity(path, crit)
	sev := base
	var tags []string

	if base == event.SeverityWarning {
		if d.MaintenanceActive != nil && d.MaintenanceActive(ctx) {
			sev = event.SeverityInfo
			tags = append(tags, "MAINT")
		}
		if d.pkgManagerActive(ctx) {
			sev = event.SeverityInfo
			tags = append(tags, "UPDATE")
		}
		if d.RecentCompromise != nil && d.RecentCompromise(ctx) {
			sev = event.SeverityCritical
			tags = append(tags, "ESCALATED")
		}
	}

	var summary string
	switch {
	case sev == event.SeverityInfo && len(tags) > 0:
		summary = fmt.Sprintf("File changed during maintenance/upgrade: %s", path)
	case sev == event.SeverityCritical:
		summary = fmt.Sprintf("Critical file modified: %s", path)
	default:
		summary = fmt.Sprintf("Important file modified: %s", path)
	}
	if len(tags) > 0 {
		summary += " [" + strings.Join(tags, ",") + "]"
	}

	d.incidents[path] = &fileIncident{
		severity: sev,
		summary:  summary,
		evidence: map[string]string{
			"path":            path,
			"old_fingerprint": shortFP(oldFP),
			"new_fingerprint": shortFP(fp),
		},
		until: now.Add(fileIncidentHold),
	}
}

func watchLists() (crit, warn []string) {
	crit = append(crit, criticalPaths...)
	for _, g := range criticalGlobs {
		matches, _ := filepath.Glob(g)
		for _, m := range matches {
			if st, err := os.Stat(m); err == nil && st.Mode().IsRegular() {
				crit = append(crit, m)
			}
		}
	}
	for _, p := range warningPaths() {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			warn = append(warn, p)
		}
	}
	return uniq(crit), uniq(warn)
}

func uniq(xs []string) []string {
	seen := make(map[string]struct{}, len(xs))
	out := xs[:0]
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}

func baseSeverity(path string, crit []string) event.Severity {
	if strings.HasPrefix(path, "/etc/sudoers.d/") {
		return event.SeverityCritical
	}
	for _, c := range crit {
		if path == c {
			return event.SeverityCritical
		}
	}
	return event.SeverityWarning
}

// fileFingerprint hashes the file content, falling back to a stat-based
// fingerprint for files we cannot read (e.g. /etc/shadow without root).
// Empty string means the file is gone or unreadable entirely.
func fileFingerprint(path string) string {
	if sum, err := sha256File(path); err == nil {
		return "SHA256:" + sum
	}
	st, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("STAT:mtime=%d;size=%d;mode=%o", st.ModTime().UnixNano(), st.Size(), st.Mode())
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func shortFP(fp string) string {
	if fp == "" {
		return "n/a"
	}
	if len(fp) > 26 {
		return fp[:26] + "..."
	}
	return fp
}

// pkgManagerRunning reports whether a package upgrade is in flight. snapd is
// deliberately excluded, it is always resident and would tag every change.
func pkgManagerRunning(ctx context.Context) bool {
	for _, p := range []string{"apt", "apt-get", "dpkg", "unattended-upgrades", "pacman", "dnf"} {
		if err := exec.CommandContext(ctx, "pgrep", "-x", p).Run(); err == nil {
			return true
		}
	}
	return false
}
