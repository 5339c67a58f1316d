// Package event defines the domain model shared by the detection pipeline:
// raw findings produced by detectors, persisted events with lifecycle state,
// and the transitions the normalizer derives between the two.
package event

import "time"

// Severity classifies how urgent a finding or event is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns an ordering value so severities can be compared.
// Unknown severities rank below INFO.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// State is the lifecycle state of a persisted event.
type State string

const (
	StateOpen     State = "OPEN"
	StateResolved State = "RESOLVED"
)

// TransitionKind classifies a change applied to an event.
type TransitionKind string

const (
	TransitionNewIncident  TransitionKind = "new_incident"
	TransitionEscalation   TransitionKind = "escalation"
	TransitionResolved     TransitionKind = "resolved"
	TransitionSilentUpdate TransitionKind = "silent_update"
)

// Finding is one raw observation emitted by a detector during one tick.
// Findings are ephemeral: they exist only until the normalizer folds them
// into an event.
type Finding struct {
	DetectorID string            `json:"detectorId"`
	Code       string            `json:"code"`
	Severity   Severity          `json:"severity"`
	Summary    string            `json:"summary"`
	Evidence   map[string]string `json:"evidence,omitempty"`
	ObservedAt time.Time         `json:"observedAt"`
}

// IncidentKey derives the stable identity of the condition this finding
// describes. Two findings with the same key refer to the same incident.
func (f Finding) IncidentKey() string {
	return IncidentKey(f.Code, f.Evidence)
}

// Event is the persisted, stateful record of an incident's lifecycle.
type Event struct {
	ID          int64             `json:"id"`
	DetectorID  string            `json:"detectorId"`
	IncidentKey string            `json:"incidentKey"`
	Code        string            `json:"code"`
	Severity    Severity          `json:"severity"`
	Summary     string            `json:"summary"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	FirstSeen   time.Time         `json:"firstSeen"`
	LastSeen    time.Time         `json:"lastSeen"`
	State       State             `json:"state"`
	NotifiedAt  *time.Time        `json:"notifiedAt,omitempty"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy of the event so it can be safely shared across
// goroutines (websocket hub, notification dispatch).
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}

	clone := *e

	if e.NotifiedAt != nil {
		t := *e.NotifiedAt
		clone.NotifiedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		clone.ResolvedAt = &t
	}
	if e.Evidence != nil {
		ev := make(map[string]string, len(e.Evidence))
		for k, v := range e.Evidence {
			ev[k] = v
		}
		clone.Evidence = ev
	}

	return &clone
}

// Transition is a classified change applied to an event, as emitted by the
// normalizer and consumed by the severity gate and the live feed.
type Transition struct {
	Kind  TransitionKind `json:"kind"`
	Event *Event         `json:"event"`
}
