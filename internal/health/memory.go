package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/argus/internal/collectors"
	"github.com/rcourtman/argus/internal/config"
	"github.com/rcourtman/argus/internal/event"
)

// SnapshotMemFunc samples memory state. Swapped in tests.
type SnapshotMemFunc func(ctx context.Context) (collectors.MemorySnapshot, error)

// TopRSSFunc lists the largest memory consumers for incident evidence.
type TopRSSFunc func(ctx context.Context, n int) ([]collectors.ProcessRSS, error)

const (
	memEnterChecks = 2 // consecutive bad samples before an incident
	memClearChecks = 3 // consecutive good samples before it clears
)

// MemoryDetector raises HEA-05 when available memory, swap usage or swap-out
// rate crosses its thresholds for consecutive probes. The incident carries
// the top resident processes at the moment it armed. Identity is the single
// "memory" resource, so worsening pressure escalates the same incident.
type MemoryDetector struct {
	snapshot SnapshotMemFunc
	topRSS   TopRSSFunc
	th       config.MemoryThresholds

	warnStreak int
	critStreak int
	okStreak   int
	active     event.Severity
	consumers  string
}

func NewMemoryDetector(snapshot SnapshotMemFunc, topRSS TopRSSFunc, th config.MemoryThresholds) *MemoryDetector {
	return &MemoryDetector{snapshot: snapshot, topRSS: topRSS, th: th}
}

func (d *MemoryDetector) ID() string { return "hea-memory" }

func (d *MemoryDetector) Probe(ctx context.Context) ([]event.Finding, error) {
	snap, err := d.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory snapshot: %w", err)
	}

	level := d.level(snap)
	switch level {
	case event.SeverityCritical:
		d.critStreak++
		d.warnStreak = 0
		d.okStreak = 0
	case event.SeverityWarning:
		d.warnStreak++
		d.critStreak = 0
		d.okStreak = 0
	default:
		d.okStreak++
		d.warnStreak = 0
		d.critStreak = 0
	}

	prev := d.active
	switch {
	case d.critStreak >= memEnterChecks:
		d.active = event.SeverityCritical
	case d.warnStreak >= memEnterChecks && d.active != event.SeverityCritical:
		d.active = event.SeverityWarning
	case d.okStreak >= memClearChecks:
		d.active = ""
		d.consumers = ""
	}

	if d.active == "" {
		return nil, nil
	}
	if prev != d.active {
		d.consumers = d.topConsumers(ctx)
	}

	return []event.Finding{{
		Code:     "HEA-05",
		Severity: d.active,
		Summary: fmt.Sprintf(
			"Memory pressure: %.1f%% available (%.0fMB/%.0fMB), swap %.1f%% used, swap-out %.0f pages/s",
			snap.AvailablePercent,
			float64(snap.AvailableBytes)/(1<<20),
			float64(snap.TotalBytes)/(1<<20),
			snap.SwapUsedPercent,
			snap.SwapOutPagesPerS),
		Evidence: map[string]string{
			"resource":      "memory",
			"available_pct": fmt.Sprintf("%.1f", snap.AvailablePercent),
			"swap_used_pct": fmt.Sprintf("%.1f", snap.SwapUsedPercent),
			"swapout_ps":    fmt.Sprintf("%.0f", snap.SwapOutPagesPerS),
			"top_processes": d.consumers,
		},
		ObservedAt: time.Now(),
	}}, nil
}

func (d *MemoryDetector) level(s collectors.MemorySnapshot) event.Severity {
	switch {
	case s.AvailablePercent <= d.th.CritAvailPct,
		s.SwapTotalBytes > 0 && s.SwapUsedPercent >= d.th.CritSwapUsedPct,
		s.SwapOutPagesPerS >= d.th.CritSwapoutPS:
		return event.SeverityCritical
	case s.AvailablePercent <= d.th.WarnAvailPct,
		s.SwapTotalBytes > 0 && s.SwapUsedPercent >= d.th.WarnSwapUsedPct,
		s.SwapOutPagesPerS >= d.th.WarnSwapoutPS:
		return event.SeverityWarning
	}
	return ""
}

func (d *MemoryDetector) topConsumers(ctx context.Context) string {
	if d.topRSS == nil {
		return ""
	}
	procs, err := d.topRSS(ctx, 3)
	if err != nil {
		return ""
	}
	parts := make([]string, 0, len(procs))
	for _, p := range procs {
		parts = append(parts, fmt.Sprintf("%s(%d)=%.0fMB", p.Name, p.PID, float64(p.RSS)/(1<<20)))
	}
	return strings.Join(parts, ", ")
}
