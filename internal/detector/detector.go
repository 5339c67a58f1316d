// Package detector defines the contract between the scheduler and the
// probing logic that produces findings.
package detector

import (
	"context"
	"time"

	"github.com/rcourtman/argus/internal/event"
)

// Detector is a unit of probing logic. Probe is invoked once per scheduled
// tick and returns zero or more raw findings.
//
// Implementations may keep internal bookkeeping (baselines, sliding windows)
// but must not mutate shared state. The scheduler guarantees Probe is never
// called concurrently with itself; calls for different detectors may run
// concurrently.
type Detector interface {
	// ID is the stable registration identifier, e.g. "sec-listen".
	ID() string

	// Probe inspects the host and reports current findings. It must respect
	// ctx cancellation: the scheduler bounds every call with the detector's
	// configured timeout.
	Probe(ctx context.Context) ([]event.Finding, error)
}

// Registration is the process-lifetime scheduling record for one detector.
// It is rebuilt from configuration at startup, never persisted.
type Registration struct {
	DetectorID string        `json:"detectorId"`
	Interval   time.Duration `json:"interval"`
	Timeout    time.Duration `json:"timeout"`
	Enabled    bool          `json:"enabled"`
	LastRun    time.Time     `json:"lastRun,omitzero"`
	LastError  string        `json:"lastError,omitempty"`
	ErrorKind  string        `json:"errorKind,omitempty"`
}
