package process

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// GPUProcessOption sets a field of a GPU handle on registration.
type GPUProcessOption func(*gpuProcessOptions)

type gpuProcessOptions struct {
	memory *MemoryUsage
	typ    *string
}

// WithGPUMemory records the device memory the process holds.
func WithGPUMemory(m MemoryUsage) GPUProcessOption {
	return func(o *gpuProcessOptions) { o.memory = &m }
}

// WithType merges engine flags into the handle's type.
func WithType(flags string) GPUProcessOption {
	return func(o *gpuProcessOptions) { o.typ = &flags }
}

// GPUProcess is the registry's handle on a process resident on a device.
// Host-side queries go through the shared HostProcess of the same pid.
type GPUProcess struct {
	registry *Registry
	host     *HostProcess
	device   Device
	identity Identity

	mu          sync.Mutex
	memory      MemoryUsage
	memoryHuman string
	typ         ProcessType

	usernameMu sync.Mutex
	username   string
}

func newGPUProcess(r *Registry, h *HostProcess, dev Device, o gpuProcessOptions) *GPUProcess {
	g := &GPUProcess{
		registry:    r,
		host:        h,
		device:      dev,
		identity:    h.identity.WithDevice(dev.Index()),
		memory:      MemoryUnavailable,
		memoryHuman: MemoryUnavailable.String(),
	}
	g.apply(o)
	return g
}

func (g *GPUProcess) apply(o gpuProcessOptions) {
	if o.memory != nil {
		g.SetGPUMemory(*o.memory)
	}
	if o.typ != nil {
		g.SetType(*o.typ)
	}
}

// PID returns the process id shared with the host handle.
func (g *GPUProcess) PID() int32 { return g.host.pid }

// Identity returns the identity of the underlying host process.
func (g *GPUProcess) Identity() Identity { return g.identity }

// Device returns the GPU this handle tracks the process on.
func (g *GPUProcess) Device() Device { return g.device }

// Host returns the shared host handle for the pid.
func (g *GPUProcess) Host() *HostProcess { return g.host }

func (g *GPUProcess) vanish() { g.registry.evictGPUHandle(g) }

// String implements fmt.Stringer.
func (g *GPUProcess) String() string {
	return fmt.Sprintf("GPUProcess(device=%s, gpu_memory=%s, host=%s)", g.device, g.GPUMemoryHuman(), g.host)
}

// GPUMemory returns the last usage set by a device refresh.
func (g *GPUProcess) GPUMemory() MemoryUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memory
}

// GPUMemoryHuman returns GPUMemory formatted for display.
func (g *GPUProcess) GPUMemoryHuman() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memoryHuman
}

// SetGPUMemory stores the usage and its display string together.
func (g *GPUProcess) SetGPUMemory(m MemoryUsage) {
	human := m.String()
	g.mu.Lock()
	g.memory = m
	g.memoryHuman = human
	g.mu.Unlock()
}

// UpdateGPUMemory resets the usage to unavailable and refreshes the
// device's process list through the registry, which sets it again when
// the process is still listed.
func (g *GPUProcess) UpdateGPUMemory() (MemoryUsage, error) {
	g.SetGPUMemory(MemoryUnavailable)
	if _, err := g.registry.DeviceProcesses(g.device); err != nil {
		return MemoryUnavailable, err
	}
	return g.GPUMemory(), nil
}

// Type returns the merged graphics and compute flags.
func (g *GPUProcess) Type() ProcessType {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.typ
}

// SetType merges flags into the current type.
func (g *GPUProcess) SetType(flags string) {
	g.mu.Lock()
	g.typ = MergeType(g.typ, flags)
	g.mu.Unlock()
}

func (g *GPUProcess) runningTime() (time.Duration, error) {
	return cachedField(g.registry.fields, g.identity, fieldRunningTime, func() (time.Duration, error) {
		created, err := g.host.proc.CreateTime()
		if err != nil {
			return 0, err
		}
		return g.registry.clock.Since(created), nil
	})
}

// RunningTime is cached per device handle for the field TTL.
func (g *GPUProcess) RunningTime() (time.Duration, error) {
	return guard(g.vanish, 0, g.runningTime)
}

// RunningTimeHuman formats RunningTime, or returns N/A for a vanished process.
func (g *GPUProcess) RunningTimeHuman() (string, error) {
	d, err := g.RunningTime()
	if err != nil {
		return NotAvailable, err
	}
	return FormatDuration(d), nil
}

// CreateTime falls back to the current time for a vanished process.
func (g *GPUProcess) CreateTime() (time.Time, error) {
	return guard(g.vanish, g.registry.clock.Now(), g.host.proc.CreateTime)
}

func (g *GPUProcess) cachedUsername() (string, error) {
	g.usernameMu.Lock()
	defer g.usernameMu.Unlock()
	if g.username != "" {
		return g.username, nil
	}
	name, err := g.host.proc.Username()
	if err != nil {
		return "", err
	}
	g.username = name
	return name, nil
}

// Username is resolved once per handle.
func (g *GPUProcess) Username() (string, error) {
	return guard(g.vanish, NotAvailable, g.cachedUsername)
}

// Name, Status, IsRunning, CPUPercent, MemoryPercent and Cmdline read
// through the host handle but evict this device handle when the process
// is gone, returning the same placeholders as HostProcess.

// Name returns the executable name.
func (g *GPUProcess) Name() (string, error) {
	return guard(g.vanish, NotAvailable, g.host.proc.Name)
}

// Status returns the OS state letter.
func (g *GPUProcess) Status() (string, error) {
	return guard(g.vanish, NotAvailable, g.host.proc.Status)
}

// IsRunning reports whether the process still exists.
func (g *GPUProcess) IsRunning() (bool, error) {
	return guard(g.vanish, false, g.host.proc.IsRunning)
}

// CPUPercent shares the host handle's cached value.
func (g *GPUProcess) CPUPercent() (float64, error) {
	return guard(g.vanish, 0, g.host.cpuPercent)
}

// MemoryPercent shares the host handle's cached value.
func (g *GPUProcess) MemoryPercent() (float64, error) {
	return guard(g.vanish, 0, g.host.memoryPercent)
}

// Cmdline returns the argument vector.
func (g *GPUProcess) Cmdline() ([]string, error) {
	return guard(g.vanish, []string{NoSuchProcess}, g.host.cmdline)
}

// Command renders Cmdline with the registry's quoting dialect.
func (g *GPUProcess) Command() (string, error) {
	args, err := g.Cmdline()
	if err != nil {
		return "", err
	}
	return g.registry.dialect.FormatCommand(NormalizeCmdline(args)), nil
}

// AsSnapshot combines the device fields of g with the host snapshot of its
// pid. In persistent mode the host half is gathered at most once per pid
// between ClearHostSnapshots calls and shared by all devices. A vanished
// process yields a nil snapshot.
func (g *GPUProcess) AsSnapshot() (*Snapshot, error) {
	return guard(g.vanish, (*Snapshot)(nil), g.asSnapshot)
}

func (g *GPUProcess) asSnapshot() (*Snapshot, error) {
	r := g.registry
	hs, err := r.snapshots.load(g.PID(), r.persistent, func() (*HostSnapshot, error) {
		r.gathers.Add(1)
		return gatherHostSnapshot(rawHost{rawHostProcess{g.host}, g}, g.host, r.dialect, false)
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	memory, memoryHuman, typ := g.memory, g.memoryHuman, g.typ
	g.mu.Unlock()

	return &Snapshot{
		real:                g,
		Identity:            g.identity,
		PID:                 g.PID(),
		Device:              g.device,
		GPUMemory:           memory,
		GPUMemoryHuman:      memoryHuman,
		Type:                typ,
		Username:            hs.Username,
		Name:                hs.Name,
		Cmdline:             slices.Clone(hs.Cmdline),
		Command:             hs.Command,
		CPUPercent:          hs.CPUPercent,
		CPUPercentString:    hs.CPUPercentString,
		MemoryPercent:       hs.MemoryPercent,
		MemoryPercentString: hs.MemoryPercentString,
		IsRunning:           hs.IsRunning,
		RunningTime:         hs.RunningTime,
		RunningTimeHuman:    hs.RunningTimeHuman,
	}, nil
}

// rawHost reads host fields for a GPU snapshot without guarding, so a
// vanished process surfaces to the GPU handle's own guard. Username and
// running time come from the device handle.
type rawHost struct {
	rawHostProcess
	g *GPUProcess
}

func (r rawHost) Username() (string, error)           { return r.g.cachedUsername() }
func (r rawHost) RunningTime() (time.Duration, error) { return r.g.runningTime() }
