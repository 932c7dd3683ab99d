package process

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostProcessIsUniquePerPID(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))

	first, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)
	second, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, fx.host.opens.Load())
	assert.Equal(t, "HostProcess(pid=1234)", first.String())
}

func TestHostProcessConcurrentCreation(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))

	const workers = 16
	handles := make([]*HostProcess, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := fx.reg.HostProcess(1234)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, fx.reg.Stats().HostProcesses)
}

func TestInvalidIdentity(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))

	_, err := fx.reg.HostProcess(0)
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = fx.reg.GPUProcess(1234, nil)
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = fx.reg.GPUProcess(-5, fakeDevice(0))
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = NewRegistry(Options{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestGPUProcessIdentity(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))

	g0, err := fx.reg.GPUProcess(1234, fakeDevice(0))
	require.NoError(t, err)
	g1, err := fx.reg.GPUProcess(1234, fakeDevice(1))
	require.NoError(t, err)
	again, err := fx.reg.GPUProcess(1234, fakeDevice(0))
	require.NoError(t, err)
	h, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)

	assert.Same(t, g0, again)
	assert.Same(t, h, g0.Host())
	assert.Same(t, g0.Host(), g1.Host())

	assert.True(t, SameProcess(g0, again))
	assert.False(t, SameProcess(g0, g1))
	assert.False(t, SameProcess(g0, h))
	assert.False(t, SameProcess(g0, nil))

	assert.Equal(t, 0, g0.Identity().Device)
	assert.Equal(t, NoDevice, h.Identity().Device)
	assert.Equal(t, h.Identity().CreateTime, g0.Identity().CreateTime)
}

func TestGPUProcessOptionsMergeOnExistingHandle(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))
	dev := fakeDevice(0)

	g, err := fx.reg.GPUProcess(1234, dev, WithGPUMemory(MemoryBytes(256<<20)), WithType("G"))
	require.NoError(t, err)
	assert.Equal(t, "GPUProcess(device=card0, gpu_memory=256 MiB, host=HostProcess(pid=1234))", g.String())

	_, err = fx.reg.GPUProcess(1234, dev, WithType("C"))
	require.NoError(t, err)
	assert.Equal(t, TypeMixed, g.Type())
	assert.Equal(t, MemoryBytes(256<<20), g.GPUMemory())

	_, err = fx.reg.GPUProcess(1234, dev, WithGPUMemory(MemoryUnavailable))
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, g.GPUMemoryHuman())
	assert.Equal(t, TypeMixed, g.Type())
}

func TestGPUSnapshotFields(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))

	g, err := fx.reg.GPUProcess(1234, fakeDevice(0), WithGPUMemory(MemoryBytes(256<<20)), WithType("G"))
	require.NoError(t, err)

	fx.reg.ClearHostSnapshots()
	snap, err := g.AsSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Same(t, g, snap.Real())
	assert.EqualValues(t, 1234, snap.PID)
	assert.Equal(t, "256 MiB", snap.GPUMemoryHuman)
	assert.Equal(t, TypeGraphics, snap.Type)
	assert.Equal(t, "alice", snap.Username)
	assert.Equal(t, "python3", snap.Name)
	assert.Equal(t, "python3 train.py --epochs 10", snap.Command)
	assert.Equal(t, "12.5%", snap.CPUPercentString)
	assert.Equal(t, "3.5%", snap.MemoryPercentString)
	assert.True(t, snap.IsRunning)
	assert.Equal(t, 90*time.Second, snap.RunningTime)
	assert.Equal(t, "1:30", snap.RunningTimeHuman)

	fields := snap.AsMap()
	assert.Len(t, fields, 17)
	assert.Equal(t, "python3", fields["name"])

	// Mutating the handle afterwards must not leak into the snapshot.
	g.SetGPUMemory(MemoryBytes(1 << 30))
	assert.Equal(t, "256 MiB", snap.GPUMemoryHuman)
	snap.Cmdline[0] = "changed"
	again, err := g.AsSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "python3", again.Cmdline[0])
}

func TestPersistentSnapshotsGatherOncePerTick(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	fx := newRegistryFixture(t, true, proc)

	g0, err := fx.reg.GPUProcess(1234, fakeDevice(0))
	require.NoError(t, err)
	g1, err := fx.reg.GPUProcess(1234, fakeDevice(1))
	require.NoError(t, err)

	fx.reg.ClearHostSnapshots()
	_, err = g0.AsSnapshot()
	require.NoError(t, err)
	_, err = g1.AsSnapshot()
	require.NoError(t, err)

	assert.EqualValues(t, 1, proc.oneshots.Load())
	assert.EqualValues(t, 1, fx.reg.Stats().Gathers)
	assert.Equal(t, 1, fx.reg.Stats().HostSnapshots)

	fx.reg.ClearHostSnapshots()
	assert.Equal(t, 0, fx.reg.Stats().HostSnapshots)
	_, err = g1.AsSnapshot()
	require.NoError(t, err)
	assert.EqualValues(t, 2, proc.oneshots.Load())
}

func TestNonPersistentSnapshotsAlwaysGather(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	fx := newRegistryFixture(t, false, proc)

	g, err := fx.reg.GPUProcess(1234, fakeDevice(0))
	require.NoError(t, err)

	for range 3 {
		_, err := g.AsSnapshot()
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, proc.oneshots.Load())
	assert.Equal(t, 0, fx.reg.Stats().HostSnapshots)
}

func TestConcurrentSnapshotsGatherAtMostOnce(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	proc.gatherIn = 50 * time.Millisecond
	fx := newRegistryFixture(t, true, proc)

	handles := make([]*GPUProcess, 4)
	for i := range handles {
		g, err := fx.reg.GPUProcess(1234, fakeDevice(i))
		require.NoError(t, err)
		handles[i] = g
	}

	fx.reg.ClearHostSnapshots()
	snaps := make([]*Snapshot, 16)
	var wg sync.WaitGroup
	for i := range snaps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := handles[i%len(handles)].AsSnapshot()
			assert.NoError(t, err)
			snaps[i] = snap
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, proc.oneshots.Load())
	require.NotNil(t, snaps[0])
	want := hostHalf(snaps[0])
	assert.Equal(t, "alice", want.Username)
	assert.Equal(t, "python3 train.py --epochs 10", want.Command)
	for i, snap := range snaps {
		require.NotNil(t, snap, "snapshot %d", i)
		assert.Equal(t, want, hostHalf(snap), "snapshot %d", i)
		assert.Equal(t, handles[i%len(handles)].Device(), snap.Device)
	}
}

// hostHalf keeps the fields a GPU snapshot takes from the shared host gather.
func hostHalf(s *Snapshot) Snapshot {
	return Snapshot{
		PID:                 s.PID,
		Username:            s.Username,
		Name:                s.Name,
		Cmdline:             s.Cmdline,
		Command:             s.Command,
		CPUPercent:          s.CPUPercent,
		CPUPercentString:    s.CPUPercentString,
		MemoryPercent:       s.MemoryPercent,
		MemoryPercentString: s.MemoryPercentString,
		IsRunning:           s.IsRunning,
		RunningTime:         s.RunningTime,
		RunningTimeHuman:    s.RunningTimeHuman,
	}
}

func TestNewDeviceHandleInvalidatesSnapshot(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	fx := newRegistryFixture(t, true, proc)

	g0, err := fx.reg.GPUProcess(1234, fakeDevice(0))
	require.NoError(t, err)

	fx.reg.ClearHostSnapshots()
	_, err = g0.AsSnapshot()
	require.NoError(t, err)
	_, err = g0.AsSnapshot()
	require.NoError(t, err)
	assert.EqualValues(t, 1, proc.oneshots.Load())

	_, err = fx.reg.GPUProcess(1234, fakeDevice(1))
	require.NoError(t, err)
	_, err = g0.AsSnapshot()
	require.NoError(t, err)
	assert.EqualValues(t, 2, proc.oneshots.Load())
}

func TestVanishedProcessEvictsItself(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	fx := newRegistryFixture(t, true, proc)

	g, err := fx.reg.GPUProcess(1234, fakeDevice(0))
	require.NoError(t, err)
	stale := g.Host()

	proc.vanish()

	cpu, err := g.CPUPercent()
	require.NoError(t, err)
	assert.Zero(t, cpu)

	stats := fx.reg.Stats()
	assert.Equal(t, 0, stats.GPUProcesses)
	assert.Equal(t, 0, stats.HostProcesses)
	assert.EqualValues(t, 2, stats.Evictions)

	name, err := g.Name()
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, name)

	args, err := g.Cmdline()
	require.NoError(t, err)
	assert.Equal(t, []string{NoSuchProcess}, args)

	created, err := g.CreateTime()
	require.NoError(t, err)
	assert.Equal(t, testEpoch, created)

	snap, err := g.AsSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)

	// A new process reusing the pid gets a new handle and identity.
	reused := newProc(1234)
	reused.created = testEpoch.Add(-time.Second)
	fx.host.set(reused)

	fresh, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)
	assert.NotEqual(t, stale.Identity(), fresh.Identity())

	// The stale handle must not evict its replacement.
	_, err = stale.CPUPercent()
	require.NoError(t, err)
	assert.Equal(t, 1, fx.reg.Stats().HostProcesses)
}

func TestHostProcessVanishDefaults(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	fx := newRegistryFixture(t, true, proc)

	h, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)
	proc.vanish()

	status, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, status)

	user, err := h.Username()
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, user)

	running, err := h.RunningTime()
	require.NoError(t, err)
	assert.Zero(t, running)

	mem, err := h.MemoryPercent()
	require.NoError(t, err)
	assert.Zero(t, mem)

	snap, err := h.AsSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestHostSnapshotOfProcessVanishingMidGather(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	proc.attrsSurvive = true
	proc.duringGather = proc.vanish
	fx := newRegistryFixture(t, true, proc)

	h, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)

	snap, err := h.AsSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)

	stats := fx.reg.Stats()
	assert.Equal(t, 0, stats.HostProcesses)
	assert.EqualValues(t, 1, stats.Evictions)
	assert.Zero(t, stats.Gathers)
}

func TestFieldsAreCachedWithinTTL(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	fx := newRegistryFixture(t, true, proc)

	h, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)

	first, err := h.CPUPercent()
	require.NoError(t, err)
	assert.Equal(t, 12.5, first)

	proc.mu.Lock()
	proc.cpu = 80
	proc.mu.Unlock()

	cached, err := h.CPUPercent()
	require.NoError(t, err)
	assert.Equal(t, 12.5, cached)

	fx.clock.Advance(time.Minute)
	// Running time is cached too, so the clock jump stays hidden.
	rt, err := h.RunningTime()
	require.NoError(t, err)
	assert.Equal(t, 150*time.Second, rt)
	rt, err = h.RunningTime()
	require.NoError(t, err)
	assert.Equal(t, 150*time.Second, rt)

	fx.clock.Advance(time.Minute)
	rt, err = h.RunningTime()
	require.NoError(t, err)
	assert.Equal(t, 150*time.Second, rt)
}

func TestFieldsRefreshAfterTTL(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	open := newFakeHost(proc).open
	reg, err := NewRegistry(Options{Open: open, FieldTTL: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	h, err := reg.HostProcess(1234)
	require.NoError(t, err)

	first, err := h.CPUPercent()
	require.NoError(t, err)
	assert.Equal(t, 12.5, first)

	proc.mu.Lock()
	proc.cpu = 80
	proc.mu.Unlock()

	require.Eventually(t, func() bool {
		v, err := h.CPUPercent()
		return err == nil && v == 80
	}, 2*time.Second, 10*time.Millisecond)
}

func TestZombieAndBlobCommandLines(t *testing.T) {
	t.Parallel()

	zombie := newProc(10)
	zombie.cmdline = nil
	blob := newProc(11)
	blob.cmdline = []string{"python3\x00train.py\x00"}
	fx := newRegistryFixture(t, true, zombie, blob)

	z, err := fx.reg.HostProcess(10)
	require.NoError(t, err)
	args, err := z.Cmdline()
	require.NoError(t, err)
	assert.Equal(t, []string{ZombieProcess}, args)
	cmd, err := z.Command()
	require.NoError(t, err)
	assert.Equal(t, ZombieProcess, cmd)

	b, err := fx.reg.GPUProcess(11, fakeDevice(0))
	require.NoError(t, err)
	cmd, err = b.Command()
	require.NoError(t, err)
	assert.Equal(t, "python3 train.py", cmd)
}

func TestHostSnapshotCarriesAttributes(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))

	h, err := fx.reg.HostProcess(1234)
	require.NoError(t, err)

	snap, err := h.AsSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap.Attributes)
	assert.EqualValues(t, 1234, snap.Attributes.PID)
	assert.Same(t, h, snap.Real())
	assert.Equal(t, "python3 train.py --epochs 10", snap.Command)
}

func TestUpdateGPUMemory(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))
	dev := fakeDevice(0)

	g, err := fx.reg.GPUProcess(1234, dev)
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, g.GPUMemoryHuman())

	fx.lister.set(0, DeviceProcess{PID: 1234, Memory: MemoryBytes(512 << 20)})
	usage, err := g.UpdateGPUMemory()
	require.NoError(t, err)
	assert.Equal(t, MemoryBytes(512<<20), usage)
	assert.Equal(t, "512 MiB", g.GPUMemoryHuman())

	fx.lister.set(0)
	usage, err = g.UpdateGPUMemory()
	require.NoError(t, err)
	assert.False(t, usage.Available())
	assert.Equal(t, NotAvailable, g.GPUMemoryHuman())

	fx.lister.err = errors.New("device busy")
	_, err = g.UpdateGPUMemory()
	assert.Error(t, err)
}

func TestDeviceProcessesSkipsVanished(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234), newProc(4321))
	dev := fakeDevice(2)

	fx.lister.set(2,
		DeviceProcess{PID: 1234, Memory: MemoryBytes(1 << 20), Type: "C"},
		DeviceProcess{PID: 999, Memory: MemoryBytes(1 << 20)},
		DeviceProcess{PID: 4321, Memory: MemoryUnavailable, Type: "G"},
	)

	handles, err := fx.reg.DeviceProcesses(dev)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.EqualValues(t, 1234, handles[0].PID())
	assert.Equal(t, TypeCompute, handles[0].Type())
	assert.EqualValues(t, 4321, handles[1].PID())
	assert.Equal(t, TypeGraphics, handles[1].Type())

	g, ok := fx.reg.Lookup(1234, dev)
	require.True(t, ok)
	assert.Same(t, handles[0], g)
}

func TestDeviceProcessesWithoutLister(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(Options{Open: newFakeHost().open})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	_, err = reg.DeviceProcesses(fakeDevice(0))
	assert.ErrorIs(t, err, ErrNoDeviceLister)
}

func TestEvictIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(1234))
	dev := fakeDevice(0)

	g, err := fx.reg.GPUProcess(1234, dev)
	require.NoError(t, err)

	fx.reg.EvictGPUProcess(1234, dev)
	fx.reg.EvictGPUProcess(1234, dev)
	fx.reg.EvictHost(1234)
	fx.reg.EvictHost(1234)
	fx.reg.EvictHost(77)

	stats := fx.reg.Stats()
	assert.Equal(t, 0, stats.GPUProcesses)
	assert.Equal(t, 0, stats.HostProcesses)
	assert.EqualValues(t, 2, stats.Evictions)

	again, err := fx.reg.GPUProcess(1234, dev)
	require.NoError(t, err)
	assert.NotSame(t, g, again)
}

func TestHostPIDs(t *testing.T) {
	t.Parallel()

	fx := newRegistryFixture(t, true, newProc(10), newProc(20))
	assert.Empty(t, fx.reg.HostPIDs())

	_, err := fx.reg.HostProcess(10)
	require.NoError(t, err)
	_, err = fx.reg.GPUProcess(20, fakeDevice(0))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{10, 20}, fx.reg.HostPIDs())

	fx.reg.EvictHost(10)
	assert.Equal(t, []int32{20}, fx.reg.HostPIDs())
}

func TestGPUUsernameResolvedOncePerHandle(t *testing.T) {
	t.Parallel()

	proc := newProc(1234)
	fx := newRegistryFixture(t, false, proc)

	g, err := fx.reg.GPUProcess(1234, fakeDevice(0))
	require.NoError(t, err)
	user, err := g.Username()
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	proc.mu.Lock()
	proc.user = "bob"
	proc.mu.Unlock()

	user, err = g.Username()
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	snap, err := g.AsSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.Username, "snapshot reuses the handle's username")

	hostUser, err := g.Host().Username()
	require.NoError(t, err)
	assert.Equal(t, "bob", hostUser)
}
