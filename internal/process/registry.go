package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skobkin/gputop-procs/internal/host"
)

var (
	// ErrInvalidIdentity reports a handle request that can never succeed.
	ErrInvalidIdentity = errors.New("invalid process identity")
	// ErrNoDeviceLister reports a device refresh without a collaborator.
	ErrNoDeviceLister = errors.New("device lister not configured")
)

// Options configures a Registry.
type Options struct {
	// Open resolves pids into OS processes. Required.
	Open host.Opener
	// Lister refreshes device process lists for UpdateGPUMemory and
	// DeviceProcesses.
	Lister DeviceLister
	Clock  clockwork.Clock
	// FieldTTL bounds the staleness of CPU percent, memory percent and
	// running time. Zero selects DefaultFieldTTL.
	FieldTTL time.Duration
	// PersistentSnapshots keeps gathered host snapshots until the next
	// ClearHostSnapshots call. Without it every snapshot gathers afresh.
	PersistentSnapshots bool
	Dialect             Dialect
	Logger              *slog.Logger
}

// Stats describes registry occupancy and activity.
type Stats struct {
	HostProcesses int    `json:"host_processes"`
	GPUProcesses  int    `json:"gpu_processes"`
	HostSnapshots int    `json:"host_snapshots"`
	Gathers       uint64 `json:"gathers"`
	Evictions     uint64 `json:"evictions"`
}

type gpuKey struct {
	pid    int32
	device int
}

// Registry guarantees at most one live handle per pid and per (pid,
// device) pair. It is safe for concurrent use.
type Registry struct {
	open       host.Opener
	lister     DeviceLister
	clock      clockwork.Clock
	dialect    Dialect
	persistent bool
	logger     *slog.Logger

	fields    *fieldCache
	snapshots *hostSnapshotCache

	hostMu sync.Mutex
	hosts  map[int32]*HostProcess

	gpuMu sync.Mutex
	gpus  map[gpuKey]*GPUProcess

	gathers   atomic.Uint64
	evictions atomic.Uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Open == nil {
		return nil, fmt.Errorf("%w: opener is required", ErrInvalidIdentity)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registry{
		open:       opts.Open,
		lister:     opts.Lister,
		clock:      opts.Clock,
		dialect:    opts.Dialect,
		persistent: opts.PersistentSnapshots,
		logger:     opts.Logger,
		fields:     newFieldCache(opts.FieldTTL),
		snapshots:  newHostSnapshotCache(),
		hosts:      make(map[int32]*HostProcess),
		gpus:       make(map[gpuKey]*GPUProcess),
	}, nil
}

// HostProcess returns the live handle for pid, creating it on first use.
func (r *Registry) HostProcess(pid int32) (*HostProcess, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrInvalidIdentity, pid)
	}

	r.hostMu.Lock()
	existing, ok := r.hosts[pid]
	r.hostMu.Unlock()
	if ok {
		return existing, nil
	}

	// Opening queries the OS, so it runs unlocked; the insert below
	// re-checks and keeps whichever handle landed first.
	created, err := r.newHostProcess(pid)
	if err != nil {
		return nil, err
	}

	r.hostMu.Lock()
	defer r.hostMu.Unlock()
	if existing, ok := r.hosts[pid]; ok {
		return existing, nil
	}
	r.hosts[pid] = created
	return created, nil
}

func (r *Registry) newHostProcess(pid int32) (*HostProcess, error) {
	proc, err := r.open(pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	created, err := proc.CreateTime()
	if err != nil {
		return nil, fmt.Errorf("process %d create time: %w", pid, err)
	}

	h := &HostProcess{
		registry: r,
		proc:     proc,
		pid:      pid,
		identity: newHostIdentity(pid, created),
	}
	// Baseline sample so the first cached reading measures an interval.
	if _, err := proc.CPUPercent(); err != nil {
		r.logger.Debug("cpu baseline failed", "pid", pid, "err", err)
	}
	return h, nil
}

// GPUProcess returns the live handle for pid on dev, creating it on first
// use. Options given for an existing handle update only those fields.
func (r *Registry) GPUProcess(pid int32, dev Device, opts ...GPUProcessOption) (*GPUProcess, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device for pid %d", ErrInvalidIdentity, pid)
	}
	if pid <= 0 {
		return nil, fmt.Errorf("%w: pid %d", ErrInvalidIdentity, pid)
	}

	var o gpuProcessOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := gpuKey{pid: pid, device: dev.Index()}

	r.gpuMu.Lock()
	existing, ok := r.gpus[key]
	r.gpuMu.Unlock()
	if ok {
		existing.apply(o)
		return existing, nil
	}

	hostProc, err := r.HostProcess(pid)
	if err != nil {
		return nil, err
	}
	created := newGPUProcess(r, hostProc, dev, o)

	r.gpuMu.Lock()
	if existing, ok := r.gpus[key]; ok {
		r.gpuMu.Unlock()
		existing.apply(o)
		return existing, nil
	}
	r.gpus[key] = created
	r.gpuMu.Unlock()

	// Memory and type are per device but the host snapshot cache is keyed
	// by pid only, so any new handle drops what was cached for the pid.
	r.snapshots.invalidate(pid)
	return created, nil
}

// EvictHost drops the host handle of pid. Absent pids are ignored.
func (r *Registry) EvictHost(pid int32) {
	r.hostMu.Lock()
	h, ok := r.hosts[pid]
	delete(r.hosts, pid)
	r.hostMu.Unlock()

	if ok {
		r.forgetHost(h)
	}
	r.snapshots.invalidate(pid)
}

// EvictGPUProcess drops the handle of pid on dev. Absent pairs are ignored.
func (r *Registry) EvictGPUProcess(pid int32, dev Device) {
	if dev == nil {
		return
	}
	key := gpuKey{pid: pid, device: dev.Index()}

	r.gpuMu.Lock()
	g, ok := r.gpus[key]
	delete(r.gpus, key)
	r.gpuMu.Unlock()

	if ok {
		r.forgetGPU(g)
	}
	r.snapshots.invalidate(pid)
}

// evictHostHandle removes h only while it is still the registered handle,
// so a stale handle never evicts its replacement.
func (r *Registry) evictHostHandle(h *HostProcess) {
	r.hostMu.Lock()
	current, ok := r.hosts[h.pid]
	if ok && current == h {
		delete(r.hosts, h.pid)
	}
	r.hostMu.Unlock()

	if ok && current == h {
		r.forgetHost(h)
		r.logger.Debug("host process evicted", "pid", h.pid)
	}
	r.snapshots.invalidate(h.pid)
}

func (r *Registry) evictGPUHandle(g *GPUProcess) {
	key := gpuKey{pid: g.PID(), device: g.device.Index()}

	r.gpuMu.Lock()
	current, ok := r.gpus[key]
	if ok && current == g {
		delete(r.gpus, key)
	}
	r.gpuMu.Unlock()

	if ok && current == g {
		r.forgetGPU(g)
		r.logger.Debug("gpu process evicted", "pid", g.PID(), "device", g.device.String())
	}
	r.evictHostHandle(g.host)
}

func (r *Registry) forgetHost(h *HostProcess) {
	r.evictions.Add(1)
	r.fields.forget(h.identity, fieldCPUPercent, fieldMemoryPercent, fieldRunningTime)
}

func (r *Registry) forgetGPU(g *GPUProcess) {
	r.evictions.Add(1)
	r.fields.forget(g.identity, fieldRunningTime)
}

// ClearHostSnapshots drops every cached host snapshot. Callers invoke it
// once per tick before taking that tick's first snapshot.
func (r *Registry) ClearHostSnapshots() {
	r.snapshots.clear()
}

// DeviceProcesses asks the configured lister for the processes on dev and
// registers a handle for each.
func (r *Registry) DeviceProcesses(dev Device) ([]*GPUProcess, error) {
	if r.lister == nil {
		return nil, ErrNoDeviceLister
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidIdentity)
	}
	entries, err := r.lister.ListProcesses(dev)
	if err != nil {
		return nil, fmt.Errorf("list processes on %s: %w", dev, err)
	}
	return r.Register(dev, entries), nil
}

// Register records a device process list. Entries whose process is gone
// are skipped; each entry is handled independently.
func (r *Registry) Register(dev Device, entries []DeviceProcess) []*GPUProcess {
	handles := make([]*GPUProcess, 0, len(entries))
	for _, entry := range entries {
		g, err := r.GPUProcess(entry.PID, dev, WithGPUMemory(entry.Memory), WithType(entry.Type))
		if err != nil {
			if host.IsNoSuchProcess(err) {
				r.logger.Debug("skipping vanished process", "pid", entry.PID, "device", dev.String())
			} else {
				r.logger.Warn("failed to register gpu process", "pid", entry.PID, "device", dev.String(), "err", err)
			}
			continue
		}
		handles = append(handles, g)
	}
	return handles
}

// HostPIDs lists the pids that currently have a host handle.
func (r *Registry) HostPIDs() []int32 {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()
	pids := make([]int32, 0, len(r.hosts))
	for pid := range r.hosts {
		pids = append(pids, pid)
	}
	return pids
}

// Lookup returns the live handle of pid on dev without creating one.
func (r *Registry) Lookup(pid int32, dev Device) (*GPUProcess, bool) {
	if dev == nil {
		return nil, false
	}
	r.gpuMu.Lock()
	defer r.gpuMu.Unlock()
	g, ok := r.gpus[gpuKey{pid: pid, device: dev.Index()}]
	return g, ok
}

// Stats reports current registry occupancy.
func (r *Registry) Stats() Stats {
	r.hostMu.Lock()
	hosts := len(r.hosts)
	r.hostMu.Unlock()

	r.gpuMu.Lock()
	gpus := len(r.gpus)
	r.gpuMu.Unlock()

	return Stats{
		HostProcesses: hosts,
		GPUProcesses:  gpus,
		HostSnapshots: r.snapshots.len(),
		Gathers:       r.gathers.Load(),
		Evictions:     r.evictions.Load(),
	}
}

// Dialect returns the quoting dialect used for command lines.
func (r *Registry) Dialect() Dialect {
	return r.dialect
}

// Close stops the field cache's expiry worker.
func (r *Registry) Close() error {
	if err := r.fields.close(); err != nil {
		return fmt.Errorf("close field cache: %w", err)
	}
	return nil
}
