// Package process reconciles operating-system processes with the GPU
// processes reported by device collaborators.
//
// A Registry hands out long-lived handles: one HostProcess per pid and one
// GPUProcess per (pid, device) pair. Handles cache expensive fields for a
// short time and produce immutable snapshots once per polling tick. The
// caller drives ticks by calling Registry.ClearHostSnapshots before the
// first snapshot of each tick.
//
// Operations on a handle whose process has exited never return
// host.ErrNoSuchProcess. The handle evicts itself from the registry and the
// operation returns its documented default instead.
package process

import (
	"fmt"
	"time"
)

// NoDevice is the device index of a host-only identity.
const NoDevice = -1

// Identity is the stable key of a monitored process. Pid reuse by the OS
// yields a different CreateTime and therefore a different identity.
type Identity struct {
	PID        int32 `json:"pid"`
	CreateTime int64 `json:"create_time"`
	Device     int   `json:"device"`
}

func newHostIdentity(pid int32, created time.Time) Identity {
	return Identity{PID: pid, CreateTime: created.UnixMilli(), Device: NoDevice}
}

// WithDevice extends a host identity with a device index.
func (i Identity) WithDevice(index int) Identity {
	i.Device = index
	return i
}

// HasDevice reports whether the identity names a process on a device.
func (i Identity) HasDevice() bool {
	return i.Device != NoDevice
}

func (i Identity) String() string {
	if i.HasDevice() {
		return fmt.Sprintf("(%d, %d, %d)", i.PID, i.CreateTime, i.Device)
	}
	return fmt.Sprintf("(%d, %d)", i.PID, i.CreateTime)
}

// Identifiable is implemented by both handle kinds.
type Identifiable interface {
	Identity() Identity
}

// SameProcess compares two handles by identity. A GPU handle never equals
// a host handle because only the former carries a device index.
func SameProcess(a, b Identifiable) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Identity() == b.Identity()
}

// Process is the capability set shared by HostProcess and GPUProcess.
type Process interface {
	Identifiable
	PID() int32
	IsRunning() (bool, error)
	Status() (string, error)
	Username() (string, error)
	Name() (string, error)
	Cmdline() ([]string, error)
	Command() (string, error)
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	CreateTime() (time.Time, error)
	RunningTime() (time.Duration, error)
}

var (
	_ Process = (*HostProcess)(nil)
	_ Process = (*GPUProcess)(nil)
)

// Device is the accelerator a GPU process is resident on.
type Device interface {
	Index() int
	String() string
}

// DeviceProcess is one entry of a device's process list.
type DeviceProcess struct {
	PID    int32
	Memory MemoryUsage
	// Type carries engine flags: 'C' compute, 'G' graphics, 'X' both.
	Type string
}

// DeviceLister enumerates the processes resident on a device.
type DeviceLister interface {
	ListProcesses(dev Device) ([]DeviceProcess, error)
}
