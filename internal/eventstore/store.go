// Package eventstore provides the durable, queryable event history backing
// the detection pipeline, using SQLite for durability across restarts.
//
// The store enforces the core invariant of the pipeline: at most one OPEN
// event per incident key, maintained through an upsert-on-identity rule
// rather than duplicate rows. Writes are serialized through a single
// connection; reads run on a separate pool and observe consistent WAL
// snapshots.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/argus/internal/event"
)

// ErrClosed is returned by write operations after Close.
var ErrClosed = errors.New("eventstore: closed")

// Store is the SQLite-backed event history.
type Store struct {
	writer *sql.DB // single connection, serializes all mutations
	reader *sql.DB // concurrent read pool for queries and the dashboard

	writeMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[int]chan event.Transition
	nextSub int

	healthMu     sync.Mutex
	lastWriteErr error

	closed  bool
	closeMu sync.Mutex
}

// New opens (and if necessary creates) the event store at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// Pragmas go in the DSN so every pool connection is configured. WAL
	// keeps readers off the writer's back; synchronous=FULL is the
	// durability contract: a successful commit survives a crash.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(FULL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open event database (read pool): %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{
		writer: writer,
		reader: reader,
		subs:   make(map[int]chan event.Transition),
	}

	if err := s.initSchema(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Event store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			detector_id TEXT NOT NULL,
			incident_key TEXT NOT NULL,
			code TEXT NOT NULL,
			severity TEXT NOT NULL,
			summary TEXT NOT NULL,
			evidence TEXT,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'OPEN',
			notified_at INTEGER,
			resolved_at INTEGER
		);

		-- The invariant: never two OPEN rows for one incident.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_open_key
		ON events(incident_key) WHERE state = 'OPEN';

		CREATE INDEX IF NOT EXISTS idx_events_detector_state
		ON events(detector_id, state);

		CREATE INDEX IF NOT EXISTS idx_events_last_seen
		ON events(last_seen);

		CREATE TABLE IF NOT EXISTS runtime_flags (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER
		);
	`
	if _, err := s.writer.Exec(schema); err != nil {
		return err
	}
	return nil
}

// UpsertOpen folds a finding into the event history. It either creates a new
// OPEN event (new_incident), escalates an existing one (escalation), or
// advances last_seen silently (silent_update, also used for de-escalation).
func (s *Store) UpsertOpen(ctx context.Context, f event.Finding) (*event.Event, event.TransitionKind, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return nil, "", ErrClosed
	}

	key := f.IncidentKey()
	observed := f.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", s.writeFailed(fmt.Errorf("begin upsert: %w", err))
	}
	defer tx.Rollback()

	existing, err := scanEvent(tx.QueryRowContext(ctx, selectColumns+` FROM events WHERE incident_key = ? AND state = ?`, key, string(event.StateOpen)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ev, err := s.insertOpen(ctx, tx, f, key, observed)
		if err != nil {
			return nil, "", s.writeFailed(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, "", s.writeFailed(fmt.Errorf("commit insert: %w", err))
		}
		s.writeSucceeded()
		s.publish(event.Transition{Kind: event.TransitionNewIncident, Event: ev.Clone()})
		return ev, event.TransitionNewIncident, nil

	case err != nil:
		return nil, "", s.writeFailed(fmt.Errorf("lookup open event: %w", err))
	}

	kind := event.TransitionSilentUpdate
	severity := existing.Severity
	if f.Severity != existing.Severity {
		severity = f.Severity
		if f.Severity.Rank() > existing.Severity.Rank() {
			kind = event.TransitionEscalation
		}
	}

	evidence, err := marshalEvidence(f.Evidence)
	if err != nil {
		return nil, "", s.writeFailed(err)
	}

	// last_seen only advances while OPEN, and never moves backwards.
	lastSeen := observed
	if lastSeen.Before(existing.LastSeen) {
		lastSeen = existing.LastSeen
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE events SET severity = ?, summary = ?, evidence = ?, last_seen = ?
		WHERE id = ?`,
		string(severity), f.Summary, evidence, lastSeen.Unix(), existing.ID)
	if err != nil {
		return nil, "", s.writeFailed(fmt.Errorf("update open event: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, "", s.writeFailed(fmt.Errorf("commit update: %w", err))
	}
	s.writeSucceeded()

	existing.Severity = severity
	existing.Summary = f.Summary
	existing.Evidence = f.Evidence
	existing.LastSeen = lastSeen

	s.publish(event.Transition{Kind: kind, Event: existing.Clone()})
	return existing, kind, nil
}

func (s *Store) insertOpen(ctx context.Context, tx *sql.Tx, f event.Finding, key string, observed time.Time) (*event.Event, error) {
	evidence, err := marshalEvidence(f.Evidence)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (detector_id, incident_key, code, severity, summary, evidence, first_seen, last_seen, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.DetectorID, key, f.Code, string(f.Severity), f.Summary, evidence,
		observed.Unix(), observed.Unix(), string(event.StateOpen))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}

	return &event.Event{
		ID:          id,
		DetectorID:  f.DetectorID,
		IncidentKey: key,
		Code:        f.Code,
		Severity:    f.Severity,
		Summary:     f.Summary,
		Evidence:    f.Evidence,
		FirstSeen:   time.Unix(observed.Unix(), 0),
		LastSeen:    time.Unix(observed.Unix(), 0),
		State:       event.StateOpen,
	}, nil
}

// ResolveMissing closes every OPEN event of a detector whose incident key was
// not observed in the pass that just completed (absence-based resolution).
// It returns the events it resolved.
func (s *Store) ResolveMissing(ctx context.Context, detectorID string, observedKeys map[string]struct{}) ([]*event.Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return nil, ErrClosed
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.writeFailed(fmt.Errorf("begin resolve: %w", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectColumns+` FROM events WHERE detector_id = ? AND state = ?`,
		detectorID, string(event.StateOpen))
	if err != nil {
		return nil, s.writeFailed(fmt.Errorf("list open events: %w", err))
	}

	var stale []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, s.writeFailed(fmt.Errorf("scan open event: %w", err))
		}
		if _, seen := observedKeys[ev.IncidentKey]; !seen {
			stale = append(stale, ev)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.writeFailed(err)
	}
	rows.Close()

	if len(stale) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, s.writeFailed(fmt.Errorf("commit resolve: %w", err))
		}
		s.writeSucceeded()
		return nil, nil
	}

	now := time.Now()
	for _, ev := range stale {
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET state = ?, resolved_at = ? WHERE id = ?`,
			string(event.StateResolved), now.Unix(), ev.ID); err != nil {
			return nil, s.writeFailed(fmt.Errorf("resolve event %d: %w", ev.ID, err))
		}
		ev.State = event.StateResolved
		t := time.Unix(now.Unix(), 0)
		ev.ResolvedAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, s.writeFailed(fmt.Errorf("commit resolve: %w", err))
	}
	s.writeSucceeded()

	for _, ev := range stale {
		s.publish(event.Transition{Kind: event.TransitionResolved, Event: ev.Clone()})
	}
	return stale, nil
}

// MarkNotified stamps notified_at on an event. The stamp is written once per
// incident lifetime; later calls for the same event are rejected so a repeat
// observation can never re-notify.
func (s *Store) MarkNotified(ctx context.Context, eventID int64, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	res, err := s.writer.ExecContext(ctx, `
		UPDATE events SET notified_at = ? WHERE id = ? AND notified_at IS NULL`,
		at.Unix(), eventID)
	if err != nil {
		return s.writeFailed(fmt.Errorf("mark notified: %w", err))
	}
	s.writeSucceeded()

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("event %d already notified", eventID)
	}
	return nil
}

// Filter narrows a Query. Zero values are ignored.
type Filter struct {
	States     []event.State
	Severities []event.Severity
	CodePrefix string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Query returns events matching the filter, most recent first. Results are a
// stable snapshot: mutations committed after the query started are not
// visible in it.
func (s *Store) Query(ctx context.Context, f Filter) ([]*event.Event, error) {
	var (
		where []string
		args  []any
	)

	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.Severities) > 0 {
		ph := make([]string, len(f.Severities))
		for i, sv := range f.Severities {
			ph[i] = "?"
			args = append(args, string(sv))
		}
		where = append(where, "severity IN ("+strings.Join(ph, ",")+")")
	}
	if f.CodePrefix != "" {
		where = append(where, "code LIKE ?")
		args = append(args, f.CodePrefix+"%")
	}
	if !f.Since.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, "last_seen <= ?")
		args = append(args, f.Until.Unix())
	}

	query := selectColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// OpenByKey returns the OPEN event for an incident key, or nil.
func (s *Store) OpenByKey(ctx context.Context, key string) (*event.Event, error) {
	ev, err := scanEvent(s.reader.QueryRowContext(ctx,
		selectColumns+` FROM events WHERE incident_key = ? AND state = ?`,
		key, string(event.StateOpen)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// Prune deletes RESOLVED events older than the cutoff. Retention is a policy
// the store exposes; the pipeline never calls this on its own.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return 0, ErrClosed
	}

	res, err := s.writer.ExecContext(ctx, `
		DELETE FROM events WHERE state = ? AND resolved_at IS NOT NULL AND resolved_at < ?`,
		string(event.StateResolved), olderThan.Unix())
	if err != nil {
		return 0, s.writeFailed(fmt.Errorf("prune events: %w", err))
	}
	s.writeSucceeded()

	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("olderThan", olderThan).Msg("Pruned resolved events")
	}
	return deleted, nil
}

// LastWriteError reports the most recent store write failure, if the last
// write failed. A successful write clears it. Exposed through /healthz.
func (s *Store) LastWriteError() error {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.lastWriteErr
}

func (s *Store) writeFailed(err error) error {
	s.healthMu.Lock()
	s.lastWriteErr = err
	s.healthMu.Unlock()
	return err
}

func (s *Store) writeSucceeded() {
	s.healthMu.Lock()
	s.lastWriteErr = nil
	s.healthMu.Unlock()
}

// Close shuts the store down. Outstanding subscriptions are closed.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	if err := s.reader.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close read pool")
	}
	return s.writer.Close()
}

func (s *Store) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

const selectColumns = `SELECT id, detector_id, incident_key, code, severity, summary, evidence, first_seen, last_seen, state, notified_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		ev         event.Event
		severity   string
		state      string
		evidence   sql.NullString
		firstSeen  int64
		lastSeen   int64
		notifiedAt sql.NullInt64
		resolvedAt sql.NullInt64
	)

	err := row.Scan(&ev.ID, &ev.DetectorID, &ev.IncidentKey, &ev.Code, &severity,
		&ev.Summary, &evidence, &firstSeen, &lastSeen, &state, &notifiedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	ev.Severity = event.Severity(severity)
	ev.State = event.State(state)
	ev.FirstSeen = time.Unix(firstSeen, 0)
	ev.LastSeen = time.Unix(lastSeen, 0)

	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &ev.Evidence); err != nil {
			log.Warn().Err(err).Int64("id", ev.ID).Msg("Corrupt evidence payload, dropping")
		}
	}
	if notifiedAt.Valid {
		t := time.Unix(notifiedAt.Int64, 0)
		ev.NotifiedAt = &t
	}
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		ev.ResolvedAt = &t
	}

	return &ev, nil
}

func marshalEvidence(evidence map[string]string) (string, error) {
	if len(evidence) == 0 {
		return "", nil
	}
	data, err := json.Marshal(evidence)
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	return string(data), nil
}
