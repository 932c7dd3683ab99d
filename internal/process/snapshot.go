package process

import (
	"slices"
	"time"

	"github.com/skobkin/gputop-procs/internal/host"
)

// Placeholder command lines for processes that cannot report their own.
const (
	NoSuchProcess = "No Such Process"
	ZombieProcess = "Zombie Process"
)

// HostSnapshot is the host-derived half of a GPU process snapshot.
type HostSnapshot struct {
	real *HostProcess

	Identity            Identity         `json:"identity"`
	PID                 int32            `json:"pid"`
	IsRunning           bool             `json:"is_running"`
	Status              string           `json:"status"`
	Username            string           `json:"username"`
	Name                string           `json:"name"`
	Cmdline             []string         `json:"cmdline"`
	Command             string           `json:"command"`
	CPUPercent          float64          `json:"cpu_percent"`
	CPUPercentString    string           `json:"cpu_percent_string"`
	MemoryPercent       float64          `json:"memory_percent"`
	MemoryPercentString string           `json:"memory_percent_string"`
	RunningTime         time.Duration    `json:"running_time"`
	RunningTimeHuman    string           `json:"running_time_human"`
	Attributes          *host.Attributes `json:"attributes,omitempty"`
}

// Real returns the handle the snapshot was taken from.
func (s *HostSnapshot) Real() *HostProcess {
	return s.real
}

// Snapshot is a point-in-time copy of a GPU process. It is returned by
// value; later changes to the handle never show through.
type Snapshot struct {
	real *GPUProcess

	Identity            Identity      `json:"identity"`
	PID                 int32         `json:"pid"`
	Device              Device        `json:"device"`
	GPUMemory           MemoryUsage   `json:"gpu_memory"`
	GPUMemoryHuman      string        `json:"gpu_memory_human"`
	Type                ProcessType   `json:"type"`
	Username            string        `json:"username"`
	Name                string        `json:"name"`
	Cmdline             []string      `json:"cmdline"`
	Command             string        `json:"command"`
	CPUPercent          float64       `json:"cpu_percent"`
	CPUPercentString    string        `json:"cpu_percent_string"`
	MemoryPercent       float64       `json:"memory_percent"`
	MemoryPercentString string        `json:"memory_percent_string"`
	IsRunning           bool          `json:"is_running"`
	RunningTime         time.Duration `json:"running_time"`
	RunningTimeHuman    string        `json:"running_time_human"`
}

// Real returns the handle the snapshot was taken from.
func (s Snapshot) Real() *GPUProcess {
	return s.real
}

// AsMap returns the snapshot as a flat field map.
func (s Snapshot) AsMap() map[string]any {
	return map[string]any{
		"identity":              s.Identity,
		"pid":                   s.PID,
		"device":                s.Device,
		"gpu_memory":            s.GPUMemory,
		"gpu_memory_human":      s.GPUMemoryHuman,
		"type":                  s.Type,
		"username":              s.Username,
		"name":                  s.Name,
		"cmdline":               slices.Clone(s.Cmdline),
		"command":               s.Command,
		"cpu_percent":           s.CPUPercent,
		"cpu_percent_string":    s.CPUPercentString,
		"memory_percent":        s.MemoryPercent,
		"memory_percent_string": s.MemoryPercentString,
		"is_running":            s.IsRunning,
		"running_time":          s.RunningTime,
		"running_time_human":    s.RunningTimeHuman,
	}
}

// gatherHostSnapshot reads every host-side field of src inside one oneshot
// scope of proc and derives the display strings.
func gatherHostSnapshot(src Process, real *HostProcess, dialect Dialect, withAttributes bool) (*HostSnapshot, error) {
	snap := &HostSnapshot{
		real:     real,
		Identity: real.Identity(),
		PID:      real.PID(),
	}

	err := real.proc.Oneshot(func() error {
		var err error
		if snap.IsRunning, err = src.IsRunning(); err != nil {
			return err
		}
		if snap.Status, err = src.Status(); err != nil {
			return err
		}
		if snap.Username, err = src.Username(); err != nil {
			return err
		}
		if snap.Name, err = src.Name(); err != nil {
			return err
		}
		if snap.Cmdline, err = src.Cmdline(); err != nil {
			return err
		}
		if snap.CPUPercent, err = src.CPUPercent(); err != nil {
			return err
		}
		if snap.MemoryPercent, err = src.MemoryPercent(); err != nil {
			return err
		}
		if snap.RunningTime, err = src.RunningTime(); err != nil {
			return err
		}
		if withAttributes {
			attrs, err := real.proc.Attributes()
			if err != nil {
				return err
			}
			snap.Attributes = &attrs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap.CPUPercentString = FormatCPUPercent(snap.CPUPercent)
	snap.MemoryPercentString = FormatMemoryPercent(snap.MemoryPercent)

	if snap.IsRunning {
		snap.RunningTimeHuman = FormatDuration(snap.RunningTime)
	} else {
		snap.RunningTimeHuman = NotAvailable
		snap.Cmdline = []string{NoSuchProcess}
	}
	snap.Cmdline = NormalizeCmdline(snap.Cmdline)
	snap.Command = dialect.FormatCommand(snap.Cmdline)
	return snap, nil
}
