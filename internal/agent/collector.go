package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Check types reported by the agent.
const (
	CheckCPU     = "cpu"
	CheckMemory  = "memory"
	CheckDisk    = "disk"
	CheckNetwork = "network"
)

// CheckTypes lists every check in reporting order.
var CheckTypes = []string{CheckCPU, CheckMemory, CheckDisk, CheckNetwork}

// CPUPayload is the "cpu" check result.
type CPUPayload struct {
	UsagePercent float64 `json:"usagePercent"`
}

// MemoryPayload is the "memory" check result.
type MemoryPayload struct {
	UsagePercent float64 `json:"usagePercent"`
	UsedBytes    uint64  `json:"usedBytes"`
	TotalBytes   uint64  `json:"totalBytes"`
}

// Volume is one mounted filesystem.
type Volume struct {
	Mount        string  `json:"mount"`
	UsagePercent float64 `json:"usagePercent"`
}

// DiskPayload is the "disk" check result.
type DiskPayload struct {
	Volumes []Volume `json:"volumes"`
}

// NetworkPayload is the "network" check result. Byte rates are per second
// since the previous network check and zero on the first one.
type NetworkPayload struct {
	TCPConnections int   `json:"tcpConnections"`
	UDPConnections int   `json:"udpConnections"`
	RxBytesPerSec  int64 `json:"rxBytesPerSec"`
	TxBytesPerSec  int64 `json:"txBytesPerSec"`
}

// sources are the gopsutil calls the collector makes; tests replace them.
type sources struct {
	cpuPercent  func(ctx context.Context) (float64, error)
	memory      func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	partitions  func(ctx context.Context) ([]disk.PartitionStat, error)
	usage       func(ctx context.Context, path string) (*disk.UsageStat, error)
	connections func(ctx context.Context, kind string) (int, error)
	ioCounters  func(ctx context.Context) (rx, tx uint64, err error)
	now         func() time.Time
}

func systemSources() sources {
	return sources{
		cpuPercent: func(ctx context.Context) (float64, error) {
			pcts, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
			if err != nil {
				return 0, err
			}
			if len(pcts) == 0 {
				return 0, fmt.Errorf("cpu percent: no samples")
			}
			return pcts[0], nil
		},
		memory: mem.VirtualMemoryWithContext,
		partitions: func(ctx context.Context) ([]disk.PartitionStat, error) {
			return disk.PartitionsWithContext(ctx, false)
		},
		usage: disk.UsageWithContext,
		connections: func(ctx context.Context, kind string) (int, error) {
			// "tcp" returns both tcp4 and tcp6; same for udp.
			conns, err := psnet.ConnectionsWithContext(ctx, kind)
			return len(conns), err
		},
		ioCounters: func(ctx context.Context) (uint64, uint64, error) {
			stats, err := psnet.IOCountersWithContext(ctx, false)
			if err != nil {
				return 0, 0, err
			}
			if len(stats) == 0 {
				return 0, 0, fmt.Errorf("io counters: no interfaces")
			}
			return stats[0].BytesRecv, stats[0].BytesSent, nil
		},
		now: time.Now,
	}
}

// Collector gathers check payloads with gopsutil.
type Collector struct {
	src sources

	mu          sync.Mutex
	prevRx      uint64
	prevTx      uint64
	prevTime    time.Time
	initialized bool
}

// NewCollector creates a collector reading the local system.
func NewCollector() *Collector {
	return &Collector{src: systemSources()}
}

// Collect runs one check and returns its payload.
func (c *Collector) Collect(ctx context.Context, checkType string) (any, error) {
	switch checkType {
	case CheckCPU:
		pct, err := c.src.cpuPercent(ctx)
		if err != nil {
			return nil, fmt.Errorf("cpu: %w", err)
		}
		return CPUPayload{UsagePercent: pct}, nil

	case CheckMemory:
		vm, err := c.src.memory(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		return MemoryPayload{UsagePercent: vm.UsedPercent, UsedBytes: vm.Used, TotalBytes: vm.Total}, nil

	case CheckDisk:
		return c.collectDisk(ctx)

	case CheckNetwork:
		return c.collectNetwork(ctx)

	default:
		return nil, fmt.Errorf("unknown check type %q", checkType)
	}
}

func (c *Collector) collectDisk(ctx context.Context) (DiskPayload, error) {
	partitions, err := c.src.partitions(ctx)
	if err != nil {
		return DiskPayload{}, fmt.Errorf("disk partitions: %w", err)
	}
	seen := make(map[string]bool, len(partitions))
	out := DiskPayload{Volumes: make([]Volume, 0, len(partitions))}
	for _, p := range partitions {
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true
		usage, err := c.src.usage(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		out.Volumes = append(out.Volumes, Volume{Mount: p.Mountpoint, UsagePercent: usage.UsedPercent})
	}
	// Highest usage first so thresholds on volumes.0 watch the fullest disk.
	sort.SliceStable(out.Volumes, func(i, j int) bool {
		return out.Volumes[i].UsagePercent > out.Volumes[j].UsagePercent
	})
	return out, nil
}

func (c *Collector) collectNetwork(ctx context.Context) (NetworkPayload, error) {
	var out NetworkPayload
	var err error
	if out.TCPConnections, err = c.src.connections(ctx, "tcp"); err != nil {
		return out, fmt.Errorf("tcp connections: %w", err)
	}
	if out.UDPConnections, err = c.src.connections(ctx, "udp"); err != nil {
		return out, fmt.Errorf("udp connections: %w", err)
	}
	out.RxBytesPerSec, out.TxBytesPerSec = c.netBandwidth(ctx)
	return out, nil
}

// netBandwidth computes bytes/s since the last call using IOCounters deltas.
func (c *Collector) netBandwidth(ctx context.Context) (rxBps, txBps int64) {
	curRx, curTx, err := c.src.ioCounters(ctx)
	if err != nil {
		return 0, 0
	}
	now := c.src.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Counters going backwards mean a reboot or interface reset.
	if c.initialized && curRx >= c.prevRx && curTx >= c.prevTx {
		if dt := now.Sub(c.prevTime).Seconds(); dt > 0 {
			rxBps = int64(float64(curRx-c.prevRx) / dt)
			txBps = int64(float64(curTx-c.prevTx) / dt)
		}
	}

	c.prevRx = curRx
	c.prevTx = curTx
	c.prevTime = now
	c.initialized = true
	return
}

// ─── identity ─────────────────────────────────────────────────────────────────

// Identity describes the host for enrollment.
type Identity struct {
	Hostname string
	IP       string
	OS       string
}

// HostIdentity reads the hostname, first non-loopback IPv4 and OS version.
func HostIdentity(ctx context.Context) Identity {
	id := Identity{IP: localIP(), OS: detailedOS(ctx)}
	if h, err := os.Hostname(); err == nil {
		id.Hostname = h
	}
	return id
}

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion) // e.g., "rocky 9.4"
		}
		return info.Platform
	}
	return runtime.GOOS
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}
