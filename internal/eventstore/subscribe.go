package eventstore

import (
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/argus/internal/event"
)

// subscriptionBuffer bounds how far a slow consumer may lag before
// transitions are dropped for it. Consumers that need completeness
// (the report generator) use Query instead of the live feed.
const subscriptionBuffer = 256

// Subscribe registers for committed transitions. Every mutation that commits
// successfully is delivered to all subscribers; a subscriber that stops
// draining its channel loses transitions but never blocks the writer.
// The returned cancel function must be called to release the subscription.
func (s *Store) Subscribe() (<-chan event.Transition, func()) {
	ch := make(chan event.Transition, subscriptionBuffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// publish fans a committed transition out to subscribers. Called only after
// the corresponding transaction committed, so consumers never observe a
// transition that later rolled back.
func (s *Store) publish(t event.Transition) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- t:
		default:
			log.Warn().
				Str("kind", string(t.Kind)).
				Str("incidentKey", t.Event.IncidentKey).
				Msg("Subscriber lagging, transition dropped from live feed")
		}
	}
}
