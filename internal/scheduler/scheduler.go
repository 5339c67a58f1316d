// Package scheduler runs registered detectors on independent wall-clock
// timers, isolating failures per detector and feeding successful probe
// results into the normalizer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/argus/internal/detector"
	"github.com/rcourtman/argus/internal/event"
	"github.com/rcourtman/argus/internal/metrics"
)

// Error kinds recorded on a detector's registration.
const (
	ErrKindProbe   = "ProbeError"
	ErrKindTimeout = "ProbeTimeout"
)

// Sink receives the findings of one completed probe pass. Implemented by the
// pipeline normalizer. A sink error marks the tick failed but never stops
// scheduling; the next tick re-evaluates presence and absence from scratch.
type Sink interface {
	ProcessPass(ctx context.Context, detectorID string, findings []event.Finding) error
}

type registration struct {
	det      detector.Detector
	interval time.Duration
	timeout  time.Duration
	enabled  bool

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
	errKind string
}

// Scheduler owns one worker per registered detector. Ticks for different
// detectors run concurrently; ticks for the same detector never overlap
// because each worker runs its probe and the downstream normalizer pass
// sequentially in its own loop.
type Scheduler struct {
	mu   sync.RWMutex
	regs map[string]*registration
	sink Sink
}

// New creates a scheduler feeding the given sink.
func New(sink Sink) *Scheduler {
	return &Scheduler{
		regs: make(map[string]*registration),
		sink: sink,
	}
}

// Register adds a detector. Must be called before Run.
func (s *Scheduler) Register(det detector.Detector, interval, timeout time.Duration, enabled bool) error {
	if interval <= 0 {
		return fmt.Errorf("detector %s: interval must be positive", det.ID())
	}
	if timeout <= 0 {
		return fmt.Errorf("detector %s: timeout must be positive", det.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.regs[det.ID()]; exists {
		return fmt.Errorf("detector %s already registered", det.ID())
	}
	s.regs[det.ID()] = &registration{
		det:      det,
		interval: interval,
		timeout:  timeout,
		enabled:  enabled,
	}
	return nil
}

// Run starts one worker per enabled detector and blocks until ctx is
// cancelled and all in-flight ticks have finished or been abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.RLock()
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		if r.enabled {
			regs = append(regs, r)
		}
	}
	s.mu.RUnlock()

	if len(regs) == 0 {
		return errors.New("no detectors registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, reg := range regs {
		g.Go(func() error {
			s.worker(ctx, reg)
			return nil
		})
	}

	log.Info().Int("detectors", len(regs)).Msg("Scheduler started")
	return g.Wait()
}

// worker drives one detector. The loop is strictly sequential per detector:
// tick N+1 never starts before tick N's normalizer and store work finished,
// which is what keeps absence-based resolution race-free.
func (s *Scheduler) worker(ctx context.Context, reg *registration) {
	// Immediate first tick so baselining detectors prime right away.
	s.tick(ctx, reg)

	ticker := time.NewTicker(reg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("detector", reg.det.ID()).Msg("Detector worker stopped")
			return
		case <-ticker.C:
			// time.Ticker drops ticks while a slow pass runs, so a lagging
			// detector never accumulates a backlog.
			s.tick(ctx, reg)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, reg *registration) {
	id := reg.det.ID()
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	findings, err := reg.det.Probe(probeCtx)
	if err == nil && errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		// The probe beat the deadline check but its budget is spent; treat
		// the result as stale and discard it.
		err = context.DeadlineExceeded
		findings = nil
	}
	cancel()

	metrics.ProbeDurationSeconds.WithLabelValues(id).Observe(time.Since(start).Seconds())

	reg.mu.Lock()
	reg.lastRun = start
	reg.mu.Unlock()

	if err != nil {
		kind := ErrKindProbe
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrKindTimeout
			result = "timeout"
		}
		metrics.ProbesTotal.WithLabelValues(id, result).Inc()
		s.recordError(reg, err, kind)
		log.Warn().Err(err).Str("detector", id).Str("kind", kind).Msg("Probe failed")
		return
	}

	metrics.ProbesTotal.WithLabelValues(id, "ok").Inc()

	// Hand the pass to the normalizer. Tick context, not the probe timeout:
	// store work is bounded by shutdown, not by the probe budget.
	if err := s.sink.ProcessPass(ctx, id, findings); err != nil {
		metrics.StoreWriteFailuresTotal.Inc()
		s.recordError(reg, err, ErrKindProbe)
		log.Error().Err(err).Str("detector", id).Msg("Normalizer pass failed; transitions re-evaluated next tick")
		return
	}

	reg.mu.Lock()
	reg.lastErr = ""
	reg.errKind = ""
	reg.mu.Unlock()
}

func (s *Scheduler) recordError(reg *registration, err error, kind string) {
	reg.mu.Lock()
	reg.lastErr = err.Error()
	reg.errKind = kind
	reg.mu.Unlock()
}

// Status returns a snapshot of every registration, sorted by detector ID.
// Consumed by the HTTP API for the dashboard and doctor views.
func (s *Scheduler) Status() []detector.Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]detector.Registration, 0, len(s.regs))
	for id, reg := range s.regs {
		reg.mu.Lock()
		out = append(out, detector.Registration{
			DetectorID: id,
			Interval:   reg.interval,
			Timeout:    reg.timeout,
			Enabled:    reg.enabled,
			LastRun:    reg.lastRun,
			LastError:  reg.lastErr,
			ErrorKind:  reg.errKind,
		})
		reg.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectorID < out[j].DetectorID })
	return out
}
