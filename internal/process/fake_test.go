package process

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputop-procs/internal/host"
)

type fakeProc struct {
	pid     int32
	created time.Time

	mu       sync.Mutex
	gone     bool
	name     string
	user     string
	status   string
	cmdline  []string
	cpu      float64
	mem      float64
	gatherIn time.Duration

	// attrsSurvive keeps Attributes answering after the process is gone.
	attrsSurvive bool
	// duringGather runs inside Oneshot before the gather reads anything.
	duringGather func()

	oneshots atomic.Int64
	cpuCalls atomic.Int64
	memCalls atomic.Int64
}

func (f *fakeProc) vanish() {
	f.mu.Lock()
	f.gone = true
	f.mu.Unlock()
}

func (f *fakeProc) err() error {
	if f.gone {
		return fmt.Errorf("pid %d: %w", f.pid, host.ErrNoSuchProcess)
	}
	return nil
}

func (f *fakeProc) PID() int32 { return f.pid }

func (f *fakeProc) IsRunning() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.gone, nil
}

func (f *fakeProc) Status() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err()
}

func (f *fakeProc) Username() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, f.err()
}

func (f *fakeProc) Name() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.err()
}

func (f *fakeProc) Cmdline() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmdline...), f.err()
}

func (f *fakeProc) CPUPercent() (float64, error) {
	f.cpuCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu, f.err()
}

func (f *fakeProc) MemoryPercent() (float64, error) {
	f.memCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem, f.err()
}

func (f *fakeProc) CreateTime() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.err()
}

func (f *fakeProc) Attributes() (host.Attributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs := host.Attributes{PID: f.pid, Name: f.name, Username: f.user, Cmdline: f.cmdline}
	if f.attrsSurvive {
		return attrs, nil
	}
	return attrs, f.err()
}

func (f *fakeProc) Oneshot(fn func() error) error {
	f.oneshots.Add(1)
	if f.gatherIn > 0 {
		time.Sleep(f.gatherIn)
	}
	if f.duringGather != nil {
		f.duringGather()
	}
	return fn()
}

type fakeHost struct {
	mu    sync.Mutex
	procs map[int32]*fakeProc
	opens atomic.Int64
}

func newFakeHost(procs ...*fakeProc) *fakeHost {
	h := &fakeHost{procs: make(map[int32]*fakeProc)}
	for _, p := range procs {
		h.procs[p.pid] = p
	}
	return h
}

func (h *fakeHost) set(p *fakeProc) {
	h.mu.Lock()
	h.procs[p.pid] = p
	h.mu.Unlock()
}

func (h *fakeHost) open(pid int32) (host.Process, error) {
	h.opens.Add(1)
	h.mu.Lock()
	p, ok := h.procs[pid]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, host.ErrNoSuchProcess)
	}
	if running, _ := p.IsRunning(); !running {
		return nil, fmt.Errorf("pid %d: %w", pid, host.ErrNoSuchProcess)
	}
	return p, nil
}

type fakeDevice int

func (d fakeDevice) Index() int     { return int(d) }
func (d fakeDevice) String() string { return fmt.Sprintf("card%d", int(d)) }

type fakeLister struct {
	mu      sync.Mutex
	entries map[int][]DeviceProcess
	err     error
}

func (l *fakeLister) set(dev int, entries ...DeviceProcess) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[int][]DeviceProcess)
	}
	l.entries[dev] = entries
}

func (l *fakeLister) ListProcesses(dev Device) ([]DeviceProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return append([]DeviceProcess(nil), l.entries[dev.Index()]...), nil
}

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newProc(pid int32) *fakeProc {
	return &fakeProc{
		pid:     pid,
		created: testEpoch.Add(-90 * time.Second),
		name:    "python3",
		user:    "alice",
		status:  "running",
		cmdline: []string{"python3", "train.py", "--epochs", "10"},
		cpu:     12.5,
		mem:     3.5,
	}
}

type registryFixture struct {
	reg    *Registry
	host   *fakeHost
	lister *fakeLister
	clock  *clockwork.FakeClock
}

func newRegistryFixture(t *testing.T, persistent bool, procs ...*fakeProc) registryFixture {
	t.Helper()

	fx := registryFixture{
		host:   newFakeHost(procs...),
		lister: &fakeLister{},
		clock:  clockwork.NewFakeClockAt(testEpoch),
	}
	reg, err := NewRegistry(Options{
		Open:                fx.host.open,
		Lister:              fx.lister,
		Clock:               fx.clock,
		FieldTTL:            time.Hour,
		PersistentSnapshots: persistent,
		Dialect:             DialectPOSIX,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	fx.reg = reg
	return fx
}
