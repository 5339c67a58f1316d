package collectors

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// MemorySnapshot is one point-in-time view of memory and swap pressure.
type MemorySnapshot struct {
	TotalBytes       uint64
	AvailableBytes   uint64
	AvailablePercent float64

	SwapTotalBytes   uint64
	SwapUsedBytes    uint64
	SwapUsedPercent  float64
	SwapOutPagesPerS float64
}

// MemoryCollector reads memory/swap state via gopsutil and derives the
// swap-out rate from successive /proc/vmstat pswpout readings.
type MemoryCollector struct {
	vmstatPath string

	lastPswpout uint64
	lastAt      time.Time
}

func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{vmstatPath: "/proc/vmstat"}
}

// Snapshot collects current memory state. The first call reports a zero
// swap-out rate; rates need two samples.
func (c *MemoryCollector) Snapshot(ctx context.Context) (MemorySnapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemorySnapshot{}, fmt.Errorf("virtual memory: %w", err)
	}
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return MemorySnapshot{}, fmt.Errorf("swap memory: %w", err)
	}

	snap := MemorySnapshot{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		SwapTotalBytes: sw.Total,
		SwapUsedBytes:  sw.Used,
	}
	if vm.Total > 0 {
		snap.AvailablePercent = float64(vm.Available) / float64(vm.Total) * 100
	}
	if sw.Total > 0 {
		snap.SwapUsedPercent = float64(sw.Used) / float64(sw.Total) * 100
	}

	now := time.Now()
	if pswpout, err := c.readPswpout(); err == nil {
		if !c.lastAt.IsZero() && pswpout >= c.lastPswpout {
			elapsed := now.Sub(c.lastAt).Seconds()
			if elapsed > 0 {
				snap.SwapOutPagesPerS = float64(pswpout-c.lastPswpout) / elapsed
			}
		}
		c.lastPswpout = pswpout
		c.lastAt = now
	}

	return snap, nil
}

func (c *MemoryCollector) readPswpout() (uint64, error) {
	f, err := os.Open(c.vmstatPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "pswpout" {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("pswpout not found in %s", c.vmstatPath)
}

// ProcessRSS is a memory consumer summary used as incident evidence.
type ProcessRSS struct {
	PID  int32
	Name string
	RSS  uint64
}

// TopRSS returns the n processes with the largest resident set.
func TopRSS(ctx context.Context, n int) ([]ProcessRSS, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]ProcessRSS, 0, len(procs))
	for _, p := range procs {
		mi, err := p.MemoryInfoWithContext(ctx)
		if err != nil || mi == nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			name = "?"
		}
		out = append(out, ProcessRSS{PID: p.Pid, Name: name, RSS: mi.RSS})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RSS > out[j].RSS })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}
