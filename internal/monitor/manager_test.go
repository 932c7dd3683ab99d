package monitor

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputop-procs/internal/config"
	"github.com/skobkin/gputop-procs/internal/gpu"
	"github.com/skobkin/gputop-procs/internal/host"
	"github.com/skobkin/gputop-procs/internal/process"
)

type staticCollector struct {
	mu     sync.Mutex
	result map[int][]process.DeviceProcess
	err    error
	calls  atomic.Int64
	closed atomic.Bool
}

func (c *staticCollector) set(result map[int][]process.DeviceProcess) {
	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
}

func (c *staticCollector) Collect() (map[int][]process.DeviceProcess, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

func (c *staticCollector) Close() error {
	c.closed.Store(true)
	return nil
}

var testDevices = gpu.Devices([]gpu.Info{
	{ID: "card0", Index: 0, Name: "Navi 23", RenderNode: "/dev/dri/renderD128"},
	{ID: "card1", Index: 1, RenderNode: "/dev/dri/renderD129"},
})

func newTestManager(t *testing.T, collector Collector, clock clockwork.Clock) *Manager {
	t.Helper()

	registry, err := process.NewRegistry(process.Options{
		Open:                host.Open,
		PersistentSnapshots: true,
		Dialect:             process.DialectPOSIX,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	cfg := config.ProcConfig{ScanInterval: 2 * time.Second}
	manager, err := NewManager(cfg, registry, collector, testDevices, clock, nil)
	require.NoError(t, err)
	return manager
}

func TestManagerScanPublishesSnapshots(t *testing.T) {
	self := int32(os.Getpid())
	collector := &staticCollector{result: map[int][]process.DeviceProcess{
		0: {
			{PID: self, Memory: process.MemoryBytes(1 << 20), Type: "G"},
			{PID: 1 << 30, Memory: process.MemoryBytes(8 << 20), Type: "G"},
		},
		1: {
			{PID: self, Memory: process.MemoryBytes(2 << 20), Type: "C"},
		},
	}}
	manager := newTestManager(t, collector, nil)

	assert.False(t, manager.Ready(), "not ready before the first scan")
	manager.Scan()
	assert.True(t, manager.Ready(), "ready after a scan")

	snap, ok := manager.Latest("card0")
	require.True(t, ok)
	assert.Equal(t, "Navi 23", snap.GPUName)
	require.Len(t, snap.Processes, 1, "vanished pid is skipped")
	p := snap.Processes[0]
	assert.Equal(t, self, p.PID)
	assert.Equal(t, "1.0 MiB", p.GPUMemoryHuman)
	assert.Equal(t, process.TypeGraphics, p.Type)
	assert.True(t, p.IsRunning)

	other, ok := manager.Latest("card1")
	require.True(t, ok)
	assert.Empty(t, other.GPUName)
	require.Len(t, other.Processes, 1)
	assert.Equal(t, process.TypeCompute, other.Processes[0].Type)

	// Both devices share one host gather for the pid.
	assert.EqualValues(t, 1, manager.Registry().Stats().Gathers)
}

func TestManagerPrunesDepartedProcesses(t *testing.T) {
	self := int32(os.Getpid())
	collector := &staticCollector{result: map[int][]process.DeviceProcess{
		0: {{PID: self, Memory: process.MemoryBytes(1 << 20)}},
		1: {{PID: self, Memory: process.MemoryBytes(1 << 20)}},
	}}
	manager := newTestManager(t, collector, nil)
	registry := manager.Registry()

	manager.Scan()
	stats := registry.Stats()
	assert.Equal(t, 2, stats.GPUProcesses)
	assert.Equal(t, 1, stats.HostProcesses)

	collector.set(map[int][]process.DeviceProcess{
		0: {{PID: self, Memory: process.MemoryBytes(1 << 20)}},
	})
	manager.Scan()
	_, ok := registry.Lookup(self, testDevices[1])
	assert.False(t, ok, "handle on card1 is evicted")
	_, ok = registry.Lookup(self, testDevices[0])
	assert.True(t, ok, "handle on card0 remains")

	collector.set(nil)
	manager.Scan()
	stats = registry.Stats()
	assert.Zero(t, stats.GPUProcesses)
	assert.Zero(t, stats.HostProcesses)
	snap, ok := manager.Latest("card0")
	require.True(t, ok)
	assert.Empty(t, snap.Processes)
}

func TestManagerPrunesHostHandlesNeverListed(t *testing.T) {
	collector := &staticCollector{}
	manager := newTestManager(t, collector, nil)
	registry := manager.Registry()

	// Handles opened on demand, as the process API does.
	for _, pid := range []int{os.Getpid(), os.Getppid()} {
		_, err := registry.HostProcess(int32(pid))
		require.NoError(t, err)
	}
	require.Equal(t, 2, registry.Stats().HostProcesses)

	for range 5 {
		manager.Scan()
	}
	assert.Zero(t, registry.Stats().HostProcesses)
	assert.Empty(t, registry.HostPIDs())

	// A listed pid keeps its handle across ticks.
	self := int32(os.Getpid())
	collector.set(map[int][]process.DeviceProcess{
		0: {{PID: self, Memory: process.MemoryBytes(1 << 20)}},
	})
	_, err := registry.HostProcess(int32(os.Getppid()))
	require.NoError(t, err)
	manager.Scan()
	manager.Scan()
	assert.Equal(t, []int32{self}, registry.HostPIDs())
}

func TestManagerSortsByMemoryThenPID(t *testing.T) {
	processes := []process.Snapshot{
		{PID: 30, GPUMemory: process.MemoryBytes(10)},
		{PID: 20, GPUMemory: process.MemoryUnavailable},
		{PID: 10, GPUMemory: process.MemoryBytes(10)},
		{PID: 40, GPUMemory: process.MemoryBytes(99)},
	}
	sortProcesses(processes)

	got := make([]int32, 0, len(processes))
	for _, p := range processes {
		got = append(got, p.PID)
	}
	assert.Equal(t, []int32{40, 10, 30, 20}, got)
}

func TestManagerSubscriptions(t *testing.T) {
	self := int32(os.Getpid())
	collector := &staticCollector{result: map[int][]process.DeviceProcess{
		0: {{PID: self, Memory: process.MemoryBytes(4 << 20)}},
	}}
	manager := newTestManager(t, collector, nil)

	_, _, err := manager.Subscribe("card9")
	require.Error(t, err, "unknown gpu")

	manager.Scan()

	ch, cancel, err := manager.Subscribe("card0")
	require.NoError(t, err)

	select {
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial snapshot")
	case s := <-ch:
		assert.Len(t, s.Processes, 1)
	}

	manager.Scan()
	select {
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for update")
	case s := <-ch:
		assert.Equal(t, "card0", s.GPUId)
	}

	cancel()
	_, open := <-ch
	assert.False(t, open, "channel is closed after unsubscribe")
}

func TestManagerRunTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	collector := &staticCollector{}
	manager := newTestManager(t, collector, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1), "ticker never started")
	assert.EqualValues(t, 1, collector.calls.Load(), "initial scan")

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return collector.calls.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond, "tick did not trigger a scan")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
	assert.True(t, collector.closed.Load(), "collector is closed on shutdown")
}

func TestManagerScanErrorKeepsLatest(t *testing.T) {
	collector := &staticCollector{err: errors.New("proc unavailable")}
	manager := newTestManager(t, collector, nil)

	manager.Scan()
	assert.False(t, manager.Ready(), "failed scan must not mark the manager ready")
	_, ok := manager.Latest("card0")
	assert.False(t, ok)
}

func TestNewManagerValidates(t *testing.T) {
	registry, err := process.NewRegistry(process.Options{Open: host.Open})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	_, err = NewManager(config.ProcConfig{}, registry, &staticCollector{}, testDevices, nil, nil)
	assert.Error(t, err, "zero scan interval")
	_, err = NewManager(config.ProcConfig{ScanInterval: time.Second}, nil, &staticCollector{}, testDevices, nil, nil)
	assert.Error(t, err, "nil registry")
}
