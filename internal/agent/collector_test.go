package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	cpu     float64
	vm      mem.VirtualMemoryStat
	mounts  map[string]float64
	order   []string
	tcp     int
	udp     int
	rx, tx  uint64
	clock   time.Time
	failCPU bool
}

func (f *fakeHost) collector() *Collector {
	return &Collector{src: sources{
		cpuPercent: func(context.Context) (float64, error) {
			if f.failCPU {
				return 0, errors.New("no cpu")
			}
			return f.cpu, nil
		},
		memory: func(context.Context) (*mem.VirtualMemoryStat, error) {
			vm := f.vm
			return &vm, nil
		},
		partitions: func(context.Context) ([]disk.PartitionStat, error) {
			out := make([]disk.PartitionStat, 0, len(f.order))
			for _, m := range f.order {
				out = append(out, disk.PartitionStat{Mountpoint: m})
			}
			return out, nil
		},
		usage: func(_ context.Context, path string) (*disk.UsageStat, error) {
			pct, ok := f.mounts[path]
			if !ok {
				return nil, errors.New("gone")
			}
			return &disk.UsageStat{Path: path, Total: 100, UsedPercent: pct}, nil
		},
		connections: func(_ context.Context, kind string) (int, error) {
			if kind == "tcp" {
				return f.tcp, nil
			}
			return f.udp, nil
		},
		ioCounters: func(context.Context) (uint64, uint64, error) { return f.rx, f.tx, nil },
		now:        func() time.Time { return f.clock },
	}}
}

func TestCollectPayloads(t *testing.T) {
	h := &fakeHost{
		cpu:    42.5,
		vm:     mem.VirtualMemoryStat{Total: 8 << 30, Used: 6 << 30, UsedPercent: 75},
		mounts: map[string]float64{"/": 40, "/data": 91, "/boot": 10},
		order:  []string{"/", "/boot", "/data", "/data", "/missing"},
		tcp:    12,
		udp:    3,
		clock:  time.Unix(1000, 0),
	}
	c := h.collector()
	ctx := context.Background()

	got, err := c.Collect(ctx, CheckCPU)
	require.NoError(t, err)
	assert.Equal(t, CPUPayload{UsagePercent: 42.5}, got)

	got, err = c.Collect(ctx, CheckMemory)
	require.NoError(t, err)
	assert.Equal(t, MemoryPayload{UsagePercent: 75, UsedBytes: 6 << 30, TotalBytes: 8 << 30}, got)

	got, err = c.Collect(ctx, CheckDisk)
	require.NoError(t, err)
	assert.Equal(t, DiskPayload{Volumes: []Volume{
		{Mount: "/data", UsagePercent: 91},
		{Mount: "/", UsagePercent: 40},
		{Mount: "/boot", UsagePercent: 10},
	}}, got, "deduplicated, unreadable mounts skipped, fullest first")

	got, err = c.Collect(ctx, CheckNetwork)
	require.NoError(t, err)
	assert.Equal(t, NetworkPayload{TCPConnections: 12, UDPConnections: 3}, got)

	_, err = c.Collect(ctx, "gpu")
	assert.Error(t, err)

	h.failCPU = true
	_, err = c.Collect(ctx, CheckCPU)
	assert.Error(t, err)
}

func TestNetworkBandwidthDelta(t *testing.T) {
	h := &fakeHost{rx: 1000, tx: 500, clock: time.Unix(1000, 0)}
	c := h.collector()
	ctx := context.Background()

	first, err := c.Collect(ctx, CheckNetwork)
	require.NoError(t, err)
	assert.Zero(t, first.(NetworkPayload).RxBytesPerSec)

	h.rx, h.tx = 3000, 1500
	h.clock = h.clock.Add(2 * time.Second)
	second, err := c.Collect(ctx, CheckNetwork)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), second.(NetworkPayload).RxBytesPerSec)
	assert.Equal(t, int64(500), second.(NetworkPayload).TxBytesPerSec)

	// Counter reset after reboot.
	h.rx, h.tx = 10, 10
	h.clock = h.clock.Add(2 * time.Second)
	third, err := c.Collect(ctx, CheckNetwork)
	require.NoError(t, err)
	assert.Zero(t, third.(NetworkPayload).RxBytesPerSec)
	assert.Zero(t, third.(NetworkPayload).TxBytesPerSec)
}
