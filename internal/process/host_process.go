package process

import (
	"fmt"
	"time"

	"github.com/skobkin/gputop-procs/internal/host"
)

// HostProcess is the registry's handle on an OS process.
type HostProcess struct {
	registry *Registry
	proc     host.Process
	pid      int32
	identity Identity
}

// PID returns the OS process id.
func (h *HostProcess) PID() int32 { return h.pid }

// Identity returns the pid and creation time pair the handle was opened with.
func (h *HostProcess) Identity() Identity { return h.identity }

// String implements fmt.Stringer.
func (h *HostProcess) String() string {
	return fmt.Sprintf("HostProcess(pid=%d)", h.pid)
}

func (h *HostProcess) vanish() {
	h.registry.evictHostHandle(h)
}

// cpuPercent and memoryPercent are the raw cached reads. GPU handles use
// them inside their own guards so eviction happens at the GPU level too.
func (h *HostProcess) cpuPercent() (float64, error) {
	return cachedField(h.registry.fields, h.identity, fieldCPUPercent, h.proc.CPUPercent)
}

func (h *HostProcess) memoryPercent() (float64, error) {
	return cachedField(h.registry.fields, h.identity, fieldMemoryPercent, h.proc.MemoryPercent)
}

func (h *HostProcess) runningTime() (time.Duration, error) {
	return cachedField(h.registry.fields, h.identity, fieldRunningTime, func() (time.Duration, error) {
		created, err := h.proc.CreateTime()
		if err != nil {
			return 0, err
		}
		return h.registry.clock.Since(created), nil
	})
}

func (h *HostProcess) cmdline() ([]string, error) {
	args, err := h.proc.Cmdline()
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return []string{ZombieProcess}, nil
	}
	return args, nil
}

// The accessors below read straight from the OS. A process that is gone
// evicts the handle and the accessor returns its placeholder value with a
// nil error.

// IsRunning reports false for a process that is gone.
func (h *HostProcess) IsRunning() (bool, error) {
	return guard(h.vanish, false, h.proc.IsRunning)
}

// Status returns the OS state letter, or N/A.
func (h *HostProcess) Status() (string, error) {
	return guard(h.vanish, NotAvailable, h.proc.Status)
}

// Username returns the owning user name.
func (h *HostProcess) Username() (string, error) {
	return guard(h.vanish, NotAvailable, h.proc.Username)
}

// Name returns the executable name.
func (h *HostProcess) Name() (string, error) {
	return guard(h.vanish, NotAvailable, h.proc.Name)
}

// Cmdline returns the argument vector. A process that reports no
// arguments is shown as a zombie.
func (h *HostProcess) Cmdline() ([]string, error) {
	return guard(h.vanish, []string{NoSuchProcess}, h.cmdline)
}

// Command renders Cmdline with the registry's quoting dialect.
func (h *HostProcess) Command() (string, error) {
	args, err := h.Cmdline()
	if err != nil {
		return "", err
	}
	return h.registry.dialect.FormatCommand(NormalizeCmdline(args)), nil
}

// CPUPercent is cached for the field TTL.
func (h *HostProcess) CPUPercent() (float64, error) {
	return guard(h.vanish, 0, h.cpuPercent)
}

// MemoryPercent is the share of physical memory, cached for the field TTL.
func (h *HostProcess) MemoryPercent() (float64, error) {
	return guard(h.vanish, 0, h.memoryPercent)
}

// CreateTime falls back to the current time for a vanished process.
func (h *HostProcess) CreateTime() (time.Time, error) {
	return guard(h.vanish, h.registry.clock.Now(), h.proc.CreateTime)
}

// RunningTime is the age of the process, cached for the field TTL.
func (h *HostProcess) RunningTime() (time.Duration, error) {
	return guard(h.vanish, 0, h.runningTime)
}

// AsSnapshot gathers every host field, including the extended attributes,
// in one pass. Host snapshots taken this way are never cached.
func (h *HostProcess) AsSnapshot() (*HostSnapshot, error) {
	snap, err := guard(h.vanish, (*HostSnapshot)(nil), func() (*HostSnapshot, error) {
		return gatherHostSnapshot(rawHostProcess{h}, h, h.registry.dialect, true)
	})
	if err != nil {
		return nil, err
	}
	h.registry.gathers.Add(1)
	return snap, nil
}

// rawHostProcess reads the fields of h without guarding. Snapshots gather
// through it so that a vanish anywhere in the pass fails the whole gather
// and the caller's guard returns its nil default.
type rawHostProcess struct{ h *HostProcess }

func (r rawHostProcess) Identity() Identity                  { return r.h.identity }
func (r rawHostProcess) PID() int32                          { return r.h.pid }
func (r rawHostProcess) IsRunning() (bool, error)            { return r.h.proc.IsRunning() }
func (r rawHostProcess) Status() (string, error)             { return r.h.proc.Status() }
func (r rawHostProcess) Username() (string, error)           { return r.h.proc.Username() }
func (r rawHostProcess) Name() (string, error)               { return r.h.proc.Name() }
func (r rawHostProcess) Cmdline() ([]string, error)          { return r.h.cmdline() }
func (r rawHostProcess) CPUPercent() (float64, error)        { return r.h.cpuPercent() }
func (r rawHostProcess) MemoryPercent() (float64, error)     { return r.h.memoryPercent() }
func (r rawHostProcess) CreateTime() (time.Time, error)      { return r.h.proc.CreateTime() }
func (r rawHostProcess) RunningTime() (time.Duration, error) { return r.h.runningTime() }

func (r rawHostProcess) Command() (string, error) {
	args, err := r.Cmdline()
	if err != nil {
		return "", err
	}
	return r.h.registry.dialect.FormatCommand(NormalizeCmdline(args)), nil
}
