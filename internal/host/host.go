// Package host exposes operating-system process introspection behind a
// small interface so the process core can be exercised with test doubles.
package host

import (
	"errors"
	"time"
)

// ErrNoSuchProcess reports that the queried process no longer exists.
var ErrNoSuchProcess = errors.New("no such process")

// Process is a live view of one operating-system process.
//
// Every method may fail with an error wrapping ErrNoSuchProcess once the
// process has exited.
type Process interface {
	PID() int32
	IsRunning() (bool, error)
	Status() (string, error)
	Username() (string, error)
	Name() (string, error)
	Cmdline() ([]string, error)
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	CreateTime() (time.Time, error)
	Attributes() (Attributes, error)

	// Oneshot runs fn with repeated reads of the same attribute served
	// from a single underlying query.
	Oneshot(fn func() error) error
}

// Opener resolves a pid into a Process.
type Opener func(pid int32) (Process, error)

// Attributes is the full attribute set of a process at one point in time.
type Attributes struct {
	PID           int32     `json:"pid"`
	PPID          int32     `json:"ppid"`
	Name          string    `json:"name"`
	Exe           string    `json:"exe"`
	Cwd           string    `json:"cwd"`
	Username      string    `json:"username"`
	Status        string    `json:"status"`
	Terminal      string    `json:"terminal"`
	Cmdline       []string  `json:"cmdline"`
	CreateTime    time.Time `json:"create_time"`
	NumThreads    int32     `json:"num_threads"`
	RSSBytes      uint64    `json:"rss_bytes"`
	VMSBytes      uint64    `json:"vms_bytes"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
}

// IsNoSuchProcess reports whether err means the process has vanished.
func IsNoSuchProcess(err error) bool {
	return errors.Is(err, ErrNoSuchProcess)
}
