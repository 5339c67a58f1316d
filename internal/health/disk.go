package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/argus/internal/collectors"
	"github.com/rcourtman/argus/internal/event"
)

// MountsFunc lists filesystem usage. Swapped in tests.
type MountsFunc func(ctx context.Context) ([]collectors.MountUsage, error)

type diskLevel struct {
	warnStreak int
	critStreak int
	active     event.Severity // "" when no incident is active for the mount
}

// DiskDetector raises HEA-03 when a filesystem stays above its usage
// threshold for consecutive probes. An active incident clears only when
// usage falls a few points below the threshold that armed it, so a mount
// hovering at the boundary does not flap.
type DiskDetector struct {
	mounts      MountsFunc
	warnPct     int
	critPct     int
	consecutive int
	minTotal    uint64
	clearHyst   int

	levels map[string]*diskLevel
}

func NewDiskDetector(mounts MountsFunc, warnPct, critPct, consecutive, minTotalGB int) *DiskDetector {
	return &DiskDetector{
		mounts:      mounts,
		warnPct:     warnPct,
		critPct:     critPct,
		consecutive: consecutive,
		minTotal:    uint64(minTotalGB) << 30,
		clearHyst:   3,
		levels:      make(map[string]*diskLevel),
	}
}

func (d *DiskDetector) ID() string { return "hea-disk" }

func (d *DiskDetector) Probe(ctx context.Context) ([]event.Finding, error) {
	mounts, err := d.mounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}

	seen := make(map[string]struct{}, len(mounts))
	var findings []event.Finding
	now := time.Now()

	for _, m := range mounts {
		if m.TotalBytes < d.minTotal {
			continue
		}
		seen[m.Mountpoint] = struct{}{}

		lv, ok := d.levels[m.Mountpoint]
		if !ok {
			lv = &diskLevel{}
			d.levels[m.Mountpoint] = lv
		}

		used := int(m.UsedPercent)
		if used >= d.warnPct {
			lv.warnStreak++
		} else {
			lv.warnStreak = 0
		}
		if used >= d.critPct {
			lv.critStreak++
		} else {
			lv.critStreak = 0
		}

		switch {
		case lv.critStreak >= d.consecutive:
			lv.active = event.SeverityCritical
		case lv.warnStreak >= d.consecutive && lv.active != event.SeverityCritical:
			lv.active = event.SeverityWarning
		case lv.active == event.SeverityCritical && used <= d.critPct-d.clearHyst:
			// Still above warn? Step down instead of clearing outright.
			if used >= d.warnPct {
				lv.active = event.SeverityWarning
			} else {
				lv.active = ""
			}
		case lv.active == event.SeverityWarning && used <= d.warnPct-d.clearHyst:
			lv.active = ""
		}

		if lv.active == "" {
			continue
		}

		threshold := d.warnPct
		label := "Low disk space"
		if lv.active == event.SeverityCritical {
			threshold = d.critPct
			label = "Disk almost full"
		}
		findings = append(findings, event.Finding{
			Code:     "HEA-03",
			Severity: lv.active,
			Summary: fmt.Sprintf("%s: %s at %d%% (threshold %d%%)",
				label, m.Mountpoint, used, threshold),
			Evidence: map[string]string{
				"mount":    m.Mountpoint,
				"used_pct": fmt.Sprintf("%d", used),
				"total_gb": fmt.Sprintf("%.1f", float64(m.TotalBytes)/(1<<30)),
				"free_gb":  fmt.Sprintf("%.1f", float64(m.FreeBytes)/(1<<30)),
				"fstype":   m.Fstype,
			},
			ObservedAt: now,
		})
	}

	// Unmounted filesystems stop being reported and resolve downstream.
	for mount := range d.levels {
		if _, ok := seen[mount]; !ok {
			delete(d.levels, mount)
		}
	}
	return findings, nil
}
