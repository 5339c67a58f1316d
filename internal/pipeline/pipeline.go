// Package pipeline normalizes raw detector findings into persisted events
// and gates which event transitions escalate to the notification collaborator.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/argus/internal/event"
	"github.com/rcourtman/argus/internal/eventstore"
	"github.com/rcourtman/argus/internal/metrics"
	"github.com/rcourtman/argus/internal/notify"
)

// Store is the slice of the event store the pipeline writes through.
type Store interface {
	UpsertOpen(ctx context.Context, f event.Finding) (*event.Event, event.TransitionKind, error)
	ResolveMissing(ctx context.Context, detectorID string, observedKeys map[string]struct{}) ([]*event.Event, error)
	MarkNotified(ctx context.Context, eventID int64, at time.Time) error
	GetFlag(ctx context.Context, key string) (string, bool, error)
}

// Pipeline is the normalizer/deduplicator plus the severity gate. It is the
// only writer to the event store.
type Pipeline struct {
	store    Store
	notifier notify.Notifier

	nowFn func() time.Time
}

// New wires the pipeline to its store and notification transport.
func New(store Store, notifier notify.Notifier) *Pipeline {
	return &Pipeline{
		store:    store,
		notifier: notifier,
		nowFn:    time.Now,
	}
}

// ProcessPass folds one detector pass into the event history: every finding
// is upserted on its incident identity, and any of the detector's OPEN
// events not re-observed in this pass are resolved.
//
// A store failure on one finding skips that transition for this tick only;
// presence and absence are re-evaluated from scratch on the next tick, so no
// immediate retry happens here.
func (p *Pipeline) ProcessPass(ctx context.Context, detectorID string, findings []event.Finding) error {
	observed := make(map[string]struct{}, len(findings))

	var firstErr error
	for _, f := range findings {
		if !f.Severity.Valid() {
			log.Warn().Str("detector", detectorID).Str("code", f.Code).
				Str("severity", string(f.Severity)).Msg("Dropping finding with unknown severity")
			continue
		}
		if f.DetectorID == "" {
			f.DetectorID = detectorID
		}

		// Marked observed even when the write fails below: a failed upsert
		// must never cause absence-based resolution of a live incident.
		key := f.IncidentKey()
		observed[key] = struct{}{}

		ev, kind, err := p.store.UpsertOpen(ctx, f)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("upsert %s: %w", key, err)
			}
			log.Error().Err(err).Str("incidentKey", key).Msg("Event upsert failed")
			continue
		}

		metrics.RecordTransition(event.Transition{Kind: kind, Event: ev})
		p.gate(ctx, ev, kind)
	}

	resolved, err := p.store.ResolveMissing(ctx, detectorID, observed)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("resolve missing: %w", err)
		}
		log.Error().Err(err).Str("detector", detectorID).Msg("Absence-based resolution failed")
	}
	for _, ev := range resolved {
		metrics.RecordTransition(event.Transition{Kind: event.TransitionResolved, Event: ev})
		log.Info().Str("incidentKey", ev.IncidentKey).Str("code", ev.Code).Msg("Incident resolved")
	}

	return firstErr
}

// gate applies the notification policy: only new_incident and escalation
// transitions whose resulting severity is CRITICAL notify, at most once per
// incident lifetime, and never while the mute flag is set.
func (p *Pipeline) gate(ctx context.Context, ev *event.Event, kind event.TransitionKind) {
	if kind != event.TransitionNewIncident && kind != event.TransitionEscalation {
		return
	}
	if ev.Severity != event.SeverityCritical {
		return
	}
	if ev.NotifiedAt != nil {
		return
	}

	if _, muted, err := p.store.GetFlag(ctx, eventstore.FlagMute); err != nil {
		log.Warn().Err(err).Msg("Mute flag lookup failed, assuming unmuted")
	} else if muted {
		metrics.NotificationsTotal.WithLabelValues("muted").Inc()
		log.Debug().Str("incidentKey", ev.IncidentKey).Msg("Notification suppressed by mute flag")
		return
	}

	// Stamp before dispatch: a transient transport failure must not lead to
	// a second attempt for the same incident (no notification storms).
	now := p.nowFn()
	if err := p.store.MarkNotified(ctx, ev.ID, now); err != nil {
		log.Warn().Err(err).Int64("eventId", ev.ID).Msg("Notification stamp rejected, skipping dispatch")
		return
	}
	t := now
	ev.NotifiedAt = &t

	title, body := notify.BuildCritical(ev)
	if err := p.notifier.Notify(ctx, title, body, notify.UrgencyCritical); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("incidentKey", ev.IncidentKey).
			Msg("Notification transport failed; incident remains visible in feed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	log.Info().Str("incidentKey", ev.IncidentKey).Str("code", ev.Code).Msg("Critical notification dispatched")
}
