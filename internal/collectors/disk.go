package collectors

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"
)

// Filesystems whose usage says nothing about durable storage.
var ignoredFstypes = map[string]struct{}{
	"tmpfs":       {},
	"devtmpfs":    {},
	"squashfs":    {},
	"overlay":     {},
	"ramfs":       {},
	"proc":        {},
	"sysfs":       {},
	"cgroup2":     {},
	"fusectl":     {},
	"debugfs":     {},
	"tracefs":     {},
	"efivarfs":    {},
	"binfmt_misc": {},
}

// MountUsage is the capacity picture for one real filesystem.
type MountUsage struct {
	Mountpoint  string
	Fstype      string
	TotalBytes  uint64
	FreeBytes   uint64
	UsedPercent float64
}

// Mounts returns usage for every durable mounted filesystem, skipping
// pseudo and in-memory filesystems.
func Mounts(ctx context.Context) ([]MountUsage, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	out := make([]MountUsage, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if _, skip := ignoredFstypes[p.Fstype]; skip {
			continue
		}
		if _, dup := seen[p.Mountpoint]; dup {
			continue
		}
		seen[p.Mountpoint] = struct{}{}

		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			log.Debug().Err(err).Str("mount", p.Mountpoint).Msg("Usage statfs failed")
			continue
		}
		if u.Total == 0 {
			continue
		}
		out = append(out, MountUsage{
			Mountpoint:  p.Mountpoint,
			Fstype:      p.Fstype,
			TotalBytes:  u.Total,
			FreeBytes:   u.Free,
			UsedPercent: u.UsedPercent,
		})
	}
	return out, nil
}
