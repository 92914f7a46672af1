package system

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Snapshot is a point-in-time view of the host. It is the JSON payload
// of get_system_info and the input of the alert monitor.
type Snapshot struct {
	Hostname      string       `json:"hostname"`
	Platform      string       `json:"platform"`
	Kernel        string       `json:"kernel,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	CPU           CPUStats     `json:"cpu"`
	Memory        MemoryStats  `json:"memory"`
	Disk          DiskStats    `json:"disk"`
	Swap          *MemoryStats `json:"swap,omitempty"`
	Mounts        []MountStats `json:"mounts,omitempty"`
	Interfaces    []NetStats   `json:"interfaces,omitempty"`
	SampledAt     time.Time    `json:"sampled_at"`
}

type CPUStats struct {
	Percent float64 `json:"percent"`
	Count   int     `json:"count"`
	Load1   float64 `json:"load_1"`
	Load5   float64 `json:"load_5"`
	Load15  float64 `json:"load_15"`
}

type MemoryStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	Percent        float64 `json:"percent"`
}

type DiskStats struct {
	Path       string  `json:"path"`
	TotalBytes uint64  `json:"total_bytes"`
	FreeBytes  uint64  `json:"free_bytes"`
	Percent    float64 `json:"percent"`
}

type MountStats struct {
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	FSType     string `json:"fs_type"`
}

type NetStats struct {
	Name    string `json:"name"`
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

// ProcessInfo describes one running process.
type ProcessInfo struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   int     `json:"rss_bytes"`
}

// Sampler reads host metrics.
type Sampler interface {
	Sample(ctx context.Context, detailed bool) (*Snapshot, error)
	Processes(ctx context.Context) ([]ProcessInfo, error)
	Mounts(ctx context.Context) ([]MountStats, error)
	Interfaces(ctx context.Context) ([]NetStats, error)
	DiskUsage(path string) (DiskStats, error)
}

// ProcSampler reads metrics from /proc.
type ProcSampler struct {
	fs       procfs.FS
	diskPath string
	interval time.Duration
}

// NewProcSampler opens the default procfs mount.
func NewProcSampler(diskPath string) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &ProcSampler{fs: fs, diskPath: diskPath, interval: 250 * time.Millisecond}, nil
}

// Sample takes two CPU readings one interval apart to compute utilization.
func (s *ProcSampler) Sample(ctx context.Context, detailed bool) (*Snapshot, error) {
	first, err := s.fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading /proc/stat: %w", err)
	}
	select {
	case <-time.After(s.interval):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	second, err := s.fs.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading /proc/stat: %w", err)
	}

	snap := &Snapshot{
		Platform:  runtime.GOOS,
		SampledAt: time.Now().UTC(),
	}
	snap.Hostname, _ = os.Hostname()
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		snap.Kernel = unix.ByteSliceToString(uts.Release[:])
	}
	if second.BootTime > 0 {
		snap.UptimeSeconds = time.Now().Unix() - int64(second.BootTime)
	}

	snap.CPU.Percent = cpuPercent(first.CPUTotal, second.CPUTotal)
	snap.CPU.Count = len(second.CPU)
	if load, err := s.fs.LoadAvg(); err == nil {
		snap.CPU.Load1, snap.CPU.Load5, snap.CPU.Load15 = load.Load1, load.Load5, load.Load15
	}

	mem, err := s.fs.Meminfo()
	if err != nil {
		return nil, fmt.Errorf("reading /proc/meminfo: %w", err)
	}
	snap.Memory = memoryStats(mem.MemTotalBytes, mem.MemAvailableBytes)

	if snap.Disk, err = s.DiskUsage(s.diskPath); err != nil {
		return nil, err
	}

	if detailed {
		swap := memoryStats(mem.SwapTotalBytes, mem.SwapFreeBytes)
		snap.Swap = &swap
		snap.Mounts, _ = s.Mounts(ctx)
		snap.Interfaces, _ = s.Interfaces(ctx)
	}
	return snap, nil
}

// Processes lists every readable process. CPU percent is lifetime
// average, the same figure ps reports.
func (s *ProcSampler) Processes(_ context.Context) ([]ProcessInfo, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	now := float64(time.Now().UnixNano()) / 1e9
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			// Process exited between listing and reading.
			continue
		}
		info := ProcessInfo{
			PID:      st.PID,
			Name:     st.Comm,
			State:    st.State,
			RSSBytes: st.ResidentMemory(),
		}
		if start, err := st.StartTime(); err == nil && now > start {
			info.CPUPercent = round1(st.CPUTime() / (now - start) * 100)
		}
		out = append(out, info)
	}
	return out, nil
}

// Mounts lists mounted filesystems, skipping pseudo filesystems.
func (s *ProcSampler) Mounts(_ context.Context) ([]MountStats, error) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		return nil, fmt.Errorf("reading mounts: %w", err)
	}
	out := make([]MountStats, 0, len(mounts))
	for _, m := range mounts {
		if !strings.HasPrefix(m.Source, "/") {
			continue
		}
		out = append(out, MountStats{Device: m.Source, MountPoint: m.MountPoint, FSType: m.FSType})
	}
	return out, nil
}

// Interfaces lists network interfaces with cumulative traffic counters.
func (s *ProcSampler) Interfaces(_ context.Context) ([]NetStats, error) {
	dev, err := s.fs.NetDev()
	if err != nil {
		return nil, fmt.Errorf("reading /proc/net/dev: %w", err)
	}
	out := make([]NetStats, 0, len(dev))
	for name, line := range dev {
		out = append(out, NetStats{Name: name, RxBytes: line.RxBytes, TxBytes: line.TxBytes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DiskUsage reports capacity of the filesystem holding path.
func (s *ProcSampler) DiskUsage(path string) (DiskStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskStats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	used := total - st.Bfree*uint64(st.Bsize)
	d := DiskStats{Path: path, TotalBytes: total, FreeBytes: free}
	// Percent matches df: used / (used + available to unprivileged users).
	if used+free > 0 {
		d.Percent = round1(float64(used) / float64(used+free) * 100)
	}
	return d, nil
}

func cpuPercent(a, b procfs.CPUStat) float64 {
	idle := (b.Idle + b.Iowait) - (a.Idle + a.Iowait)
	total := cpuTotal(b) - cpuTotal(a)
	if total <= 0 {
		return 0
	}
	return round1((total - idle) / total * 100)
}

func cpuTotal(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

func memoryStats(total, available *uint64) MemoryStats {
	var m MemoryStats
	if total != nil {
		m.TotalBytes = *total
	}
	if available != nil {
		m.AvailableBytes = *available
	}
	if m.TotalBytes > 0 && m.AvailableBytes <= m.TotalBytes {
		m.Percent = round1(float64(m.TotalBytes-m.AvailableBytes) / float64(m.TotalBytes) * 100)
	}
	return m
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
