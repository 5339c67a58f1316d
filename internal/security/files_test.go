package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/argus/internal/event"
)

func boolFn(v bool) func(context.Context) bool {
	return func(context.Context) bool { return v }
}

func newTestFileDetector(t *testing.T) (*FileIntegrityDetector, *time.Time) {
	t.Helper()
	det := NewFileIntegrityDetector(boolFn(false), boolFn(false))
	det.pkgManagerActive = boolFn(false)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	det.nowFn = func() time.Time { return now }
	return det, &now
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// runChecks drives checkFile for a single watched path the way Probe does,
// with an explicit critical list.
func runChecks(det *FileIntegrityDetector, path string, crit []string, now time.Time, times int) {
	for i := 0; i < times; i++ {
		det.checkFile(context.Background(), path, crit, now)
	}
}

func TestFileChangeDebounce(t *testing.T) {
	det, now := newTestFileDetector(t)
	path := filepath.Join(t.TempDir(), "sshd_config")
	writeFile(t, path, "PermitRootLogin no\n")

	// Baseline, then a steady file: no incident.
	runChecks(det, path, nil, *now, 3)
	assert.Empty(t, det.incidents)

	writeFile(t, path, "PermitRootLogin yes\n")

	// First sighting of the new fingerprint is not enough.
	runChecks(det, path, nil, *now, 1)
	assert.Empty(t, det.incidents)

	// Second consecutive sighting confirms the change.
	runChecks(det, path, nil, *now, 1)
	require.Len(t, det.incidents, 1)
	inc := det.incidents[path]
	assert.Equal(t, event.SeverityWarning, inc.severity)
	assert.Contains(t, inc.summary, "Important file modified")
	assert.Equal(t, path, inc.evidence["path"])
	assert.NotEqual(t, inc.evidence["old_fingerprint"], inc.evidence["new_fingerprint"])
}

func TestFileFlappingFingerprintNeverConfirms(t *testing.T) {
	det, now := newTestFileDetector(t)
	path := filepath.Join(t.TempDir(), "crontab")
	writeFile(t, path, "a\n")
	runChecks(det, path, nil, *now, 1)

	// Alternate content on every check: the pending counter keeps resetting.
	for i := 0; i < 4; i++ {
		if i%2 == 0 {
			writeFile(t, path, "b\n")
		} else {
			writeFile(t, path, "c\n")
		}
		runChecks(det, path, nil, *now, 1)
	}
	assert.Empty(t, det.incidents)
}

func TestCriticalPathAlwaysCritical(t *testing.T) {
	det, now := newTestFileDetector(t)
	// Even with maintenance active, critical paths stay critical.
	det.MaintenanceActive = boolFn(true)

	path := filepath.Join(t.TempDir(), "sudoers")
	writeFile(t, path, "root ALL=(ALL) ALL\n")
	crit := []string{path}

	runChecks(det, path, crit, *now, 1)
	writeFile(t, path, "root ALL=(ALL) ALL\nmallory ALL=(ALL) NOPASSWD: ALL\n")
	runChecks(det, path, crit, *now, 2)

	require.Len(t, det.incidents, 1)
	inc := det.incidents[path]
	assert.Equal(t, event.SeverityCritical, inc.severity)
	assert.Contains(t, inc.summary, "Critical file modified")
}

func TestWarningPathDowngradesDuringMaintenance(t *testing.T) {
	det, now := newTestFileDetector(t)
	det.MaintenanceActive = boolFn(true)

	path := filepath.Join(t.TempDir(), "sshd_config")
	writeFile(t, path, "v1\n")
	runChecks(det, path, nil, *now, 1)
	writeFile(t, path, "v2\n")
	runChecks(det, path, nil, *now, 2)

	require.Len(t, det.incidents, 1)
	inc := det.incidents[path]
	assert.Equal(t, event.SeverityInfo, inc.severity)
	assert.Contains(t, inc.summary, "[MAINT]")
}

func TestWarningPathDowngradesDuringPackageUpgrade(t *testing.T) {
	det, now := newTestFileDetector(t)
	det.pkgManagerActive = boolFn(true)

	path := filepath.Join(t.TempDir(), "crontab")
	writeFile(t, path, "v1\n")
	runChecks(det, path, nil, *now, 1)
	writeFile(t, path, "v2\n")
	runChecks(det, path, nil, *now, 2)

	require.Len(t, det.incidents, 1)
	inc := det.incidents[path]
	assert.Equal(t, event.SeverityInfo, inc.severity)
	assert.Contains(t, inc.summary, "[UPDATE]")
}

func TestWarningPathEscalatesOnRecentCompromise(t *testing.T) {
	det, now := newTestFileDetector(t)
	det.RecentCompromise = boolFn(true)

	path := filepath.Join(t.TempDir(), "authorized_keys")
	writeFile(t, path, "ssh-ed25519 AAAA1\n")
	runChecks(det, path, nil, *now, 1)
	writeFile(t, path, "ssh-ed25519 AAAA1\nssh-ed25519 EVIL\n")
	runChecks(det, path, nil, *now, 2)

	require.Len(t, det.incidents, 1)
	inc := det.incidents[path]
	assert.Equal(t, event.SeverityCritical, inc.severity)
	assert.Contains(t, inc.summary, "[ESCALATED]")
}

func TestSudoersDropinIsCritical(t *testing.T) {
	assert.Equal(t, event.SeverityCritical, baseSeverity("/etc/sudoers.d/90-ops", nil))
	assert.Equal(t, event.SeverityWarning, baseSeverity("/etc/crontab", nil))
	assert.Equal(t, event.SeverityCritical, baseSeverity("/etc/shadow", []string{"/etc/shadow"}))
}

func TestIncidentHoldExpiry(t *testing.T) {
	det, now := newTestFileDetector(t)
	path := filepath.Join(t.TempDir(), "crontab")
	writeFile(t, path, "v1\n")
	runChecks(det, path, nil, *now, 1)
	writeFile(t, path, "v2\n")
	runChecks(det, path, nil, *now, 2)
	require.Len(t, det.incidents, 1)

	// Within the hold the incident is still reported.
	inc := det.incidents[path]
	assert.True(t, now.Add(29*time.Minute).Before(inc.until))
	// Past the hold it is dropped on the next sweep.
	assert.True(t, now.Add(31*time.Minute).After(inc.until))
}

func TestFingerprintFallsBackToStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readable")
	writeFile(t, path, "hello\n")

	fp := fileFingerprint(path)
	assert.Contains(t, fp, "SHA256:")

	assert.Empty(t, fileFingerprint(filepath.Join(dir, "missing")))
}

func TestUnreadableFileResetsState(t *testing.T) {
	det, now := newTestFileDetector(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "transient")
	writeFile(t, path, "v1\n")
	runChecks(det, path, nil, *now, 1)

	// File vanishes: the tracking resets instead of reporting.
	require.NoError(t, os.Remove(path))
	runChecks(det, path, nil, *now, 2)
	assert.Empty(t, det.incidents)

	// Re-created content rebaselines silently.
	writeFile(t, path, "v2\n")
	runChecks(det, path, nil, *now, 2)
	assert.Empty(t, det.incidents)
}
