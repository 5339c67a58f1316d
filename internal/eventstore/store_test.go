package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/argus/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testFinding(detector, code string, sev event.Severity, evidence map[string]string, at time.Time) event.Finding {
	return event.Finding{
		DetectorID: detector,
		Code:       code,
		Severity:   sev,
		Summary:    code + " test finding",
		Evidence:   evidence,
		ObservedAt: at,
	}
}

func TestUpsertOpenTransitionKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	f := testFinding("sec-listen", "SEC-04", event.SeverityWarning,
		map[string]string{"proc": "nc", "port": "4444", "proto": "tcp", "bind": "GLOBAL"}, base)

	ev, kind, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, event.TransitionNewIncident, kind)
	assert.Equal(t, event.StateOpen, ev.State)
	assert.Equal(t, ev.FirstSeen, ev.LastSeen)

	// Same severity again: silent update, last_seen advances.
	f.ObservedAt = base.Add(10 * time.Second)
	ev2, kind, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, event.TransitionSilentUpdate, kind)
	assert.Equal(t, ev.ID, ev2.ID)
	assert.Equal(t, ev.FirstSeen, ev2.FirstSeen)
	assert.True(t, ev2.LastSeen.After(ev2.FirstSeen))

	// Severity increase: escalation.
	f.Severity = event.SeverityCritical
	f.ObservedAt = base.Add(20 * time.Second)
	ev3, kind, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, event.TransitionEscalation, kind)
	assert.Equal(t, event.SeverityCritical, ev3.Severity)

	// Severity decrease: silent, never a second escalation.
	f.Severity = event.SeverityInfo
	f.ObservedAt = base.Add(30 * time.Second)
	ev4, kind, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, event.TransitionSilentUpdate, kind)
	assert.Equal(t, event.SeverityInfo, ev4.Severity)
}

func TestLastSeenNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	f := testFinding("d", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/"}, base)
	_, _, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)

	// An out-of-order observation must not rewind last_seen.
	f.ObservedAt = base.Add(-time.Minute)
	ev, _, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, base.Unix(), ev.LastSeen.Unix())
}

func TestOneOpenRowPerKeyUnderRandomInterleaving(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	keys := []map[string]string{
		{"mount": "/"},
		{"mount": "/home"},
		{"mount": "/var"},
	}
	sevs := []event.Severity{event.SeverityInfo, event.SeverityWarning, event.SeverityCritical}

	for i := 0; i < 300; i++ {
		switch rng.Intn(4) {
		case 0, 1, 2:
			ev := keys[rng.Intn(len(keys))]
			f := testFinding("hea-disk", "HEA-03", sevs[rng.Intn(len(sevs))], ev, time.Now())
			_, _, err := s.UpsertOpen(ctx, f)
			require.NoError(t, err)
		case 3:
			// A resolution pass observing a random subset.
			observed := make(map[string]struct{})
			for _, ev := range keys {
				if rng.Intn(2) == 0 {
					observed[event.IncidentKey("HEA-03", ev)] = struct{}{}
				}
			}
			_, err := s.ResolveMissing(ctx, "hea-disk", observed)
			require.NoError(t, err)
		}
	}

	open, err := s.Query(ctx, Filter{States: []event.State{event.StateOpen}})
	require.NoError(t, err)
	seen := make(map[string]int)
	for _, ev := range open {
		seen[ev.IncidentKey]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "incident key %s has %d OPEN rows", key, n)
	}
}

func TestResolveMissingSetDifference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := testFinding("hea-disk", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/"}, now)
	b := testFinding("hea-disk", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/home"}, now)
	_, _, err := s.UpsertOpen(ctx, a)
	require.NoError(t, err)
	evB, _, err := s.UpsertOpen(ctx, b)
	require.NoError(t, err)

	// Next pass re-observes only A.
	later := now.Add(30 * time.Second)
	evA, kind, err := s.UpsertOpen(ctx, testFinding("hea-disk", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/"}, later))
	require.NoError(t, err)
	assert.Equal(t, event.TransitionSilentUpdate, kind)
	assert.Equal(t, later.Unix(), evA.LastSeen.Unix())

	resolved, err := s.ResolveMissing(ctx, "hea-disk", map[string]struct{}{
		a.IncidentKey(): {},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, evB.ID, resolved[0].ID)
	assert.Equal(t, event.StateResolved, resolved[0].State)
	require.NotNil(t, resolved[0].ResolvedAt)

	// A is still open, B is history.
	openA, err := s.OpenByKey(ctx, a.IncidentKey())
	require.NoError(t, err)
	require.NotNil(t, openA)
	openB, err := s.OpenByKey(ctx, b.IncidentKey())
	require.NoError(t, err)
	assert.Nil(t, openB)
}

func TestResolveMissingScopedToDetector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, _, err := s.UpsertOpen(ctx, testFinding("hea-disk", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/"}, now))
	require.NoError(t, err)
	_, _, err = s.UpsertOpen(ctx, testFinding("hea-memory", "HEA-05", event.SeverityWarning, map[string]string{"resource": "memory"}, now))
	require.NoError(t, err)

	// An empty pass for hea-disk must not touch hea-memory's incidents.
	resolved, err := s.ResolveMissing(ctx, "hea-disk", map[string]struct{}{})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "HEA-03", resolved[0].Code)

	open, err := s.Query(ctx, Filter{States: []event.State{event.StateOpen}})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "HEA-05", open[0].Code)
}

func TestReobservationAfterResolutionOpensFreshEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	f := testFinding("sec-listen", "SEC-04", event.SeverityCritical,
		map[string]string{"proc": "nc", "port": "4444", "proto": "tcp", "bind": "GLOBAL"}, now)
	first, _, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)

	_, err = s.ResolveMissing(ctx, "sec-listen", map[string]struct{}{})
	require.NoError(t, err)

	f.ObservedAt = now.Add(time.Minute)
	second, kind, err := s.UpsertOpen(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, event.TransitionNewIncident, kind)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Nil(t, second.NotifiedAt)
}

func TestMarkNotifiedExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, _, err := s.UpsertOpen(ctx, testFinding("d", "SEC-02", event.SeverityCritical,
		map[string]string{"ip": "203.0.113.9", "user": "root"}, time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.MarkNotified(ctx, ev.ID, time.Now()))
	err = s.MarkNotified(ctx, ev.ID, time.Now())
	require.Error(t, err)

	got, err := s.OpenByKey(ctx, ev.IncidentKey)
	require.NoError(t, err)
	require.NotNil(t, got.NotifiedAt)
}

func TestCrashRecoveryReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	ev, _, err := s.UpsertOpen(ctx, testFinding("d", "SEC-05", event.SeverityCritical,
		map[string]string{"path": "/etc/passwd"}, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A committed write must be visible after reopening the same file.
	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.OpenByKey(ctx, ev.IncidentKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Summary, got.Summary)
	assert.Equal(t, map[string]string{"path": "/etc/passwd"}, got.Evidence)
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	_, _, err := s.UpsertOpen(ctx, testFinding("a", "SEC-01", event.SeverityCritical, map[string]string{"ip": "1.2.3.4"}, now))
	require.NoError(t, err)
	_, _, err = s.UpsertOpen(ctx, testFinding("b", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/"}, now))
	require.NoError(t, err)
	_, _, err = s.UpsertOpen(ctx, testFinding("b", "HEA-05", event.SeverityInfo, map[string]string{"resource": "memory"}, now))
	require.NoError(t, err)
	_, err = s.ResolveMissing(ctx, "a", map[string]struct{}{})
	require.NoError(t, err)

	t.Run("by severity", func(t *testing.T) {
		got, err := s.Query(ctx, Filter{Severities: []event.Severity{event.SeverityCritical}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "SEC-01", got[0].Code)
	})

	t.Run("by state", func(t *testing.T) {
		got, err := s.Query(ctx, Filter{States: []event.State{event.StateResolved}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "SEC-01", got[0].Code)
	})

	t.Run("by code prefix", func(t *testing.T) {
		got, err := s.Query(ctx, Filter{CodePrefix: "HEA"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("by time range", func(t *testing.T) {
		got, err := s.Query(ctx, Filter{Since: now.Add(-time.Minute), Until: now.Add(time.Minute)})
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = s.Query(ctx, Filter{Since: now.Add(time.Hour)})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("limit and order", func(t *testing.T) {
		got, err := s.Query(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		// Most recent insertion first.
		assert.True(t, got[0].ID > got[1].ID)
	})
}

func TestPruneKeepsOpenEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, _, err := s.UpsertOpen(ctx, testFinding("d", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/"}, now))
	require.NoError(t, err)
	_, _, err = s.UpsertOpen(ctx, testFinding("d", "HEA-03", event.SeverityWarning, map[string]string{"mount": "/old"}, now))
	require.NoError(t, err)

	_, err = s.ResolveMissing(ctx, "d", map[string]struct{}{
		event.IncidentKey("HEA-03", map[string]string{"mount": "/"}): {},
	})
	require.NoError(t, err)

	deleted, err := s.Prune(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, event.StateOpen, remaining[0].State)
}

func TestSubscribeReceivesCommittedTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe()
	defer cancel()

	_, _, err := s.UpsertOpen(ctx, testFinding("d", "SEC-04", event.SeverityCritical,
		map[string]string{"proc": "nc", "port": "4444", "proto": "tcp", "bind": "GLOBAL"}, time.Now()))
	require.NoError(t, err)
	_, err = s.ResolveMissing(ctx, "d", map[string]struct{}{})
	require.NoError(t, err)

	var kinds []event.TransitionKind
	for i := 0; i < 2; i++ {
		select {
		case tr := <-ch:
			kinds = append(kinds, tr.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transition %d", i)
		}
	}
	assert.Equal(t, []event.TransitionKind{event.TransitionNewIncident, event.TransitionResolved}, kinds)
}

func TestConnectionsRunWithConfiguredPragmas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for name, db := range map[string]*sql.DB{"writer": s.writer, "reader": s.reader} {
		var mode string
		require.NoError(t, db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode), name)
		assert.Equal(t, "wal", mode, name)

		var busy int
		require.NoError(t, db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy), name)
		assert.Equal(t, 5000, busy, name)

		// 2 == FULL
		var sync int
		require.NoError(t, db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync), name)
		assert.Equal(t, 2, sync, name)
	}
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 50; i++ {
			f := testFinding("d", "HEA-03", event.SeverityWarning,
				map[string]string{"mount": fmt.Sprintf("/m%d", i)}, time.Now())
			if _, _, err := s.UpsertOpen(ctx, f); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 20; i++ {
		_, err := s.Query(ctx, Filter{States: []event.State{event.StateOpen}})
		require.NoError(t, err)
	}
	require.NoError(t, <-done)
}
