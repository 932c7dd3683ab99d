// Package procscan lists the processes holding DRM render nodes open by
// walking /proc and parsing their fdinfo entries.
package procscan

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/skobkin/gputop-procs/internal/gpu"
	"github.com/skobkin/gputop-procs/internal/process"
)

// Options bounds the work of one scan.
type Options struct {
	ProcRoot     string
	MaxPIDs      int
	MaxFDsPerPID int
	Logger       *slog.Logger
}

type rawProcess struct {
	pid       int32
	vramBytes uint64
	gttBytes  uint64
	hasMemory bool
	engines   map[string]uint64
}

type clientMemory struct {
	VRAM uint64
	GTT  uint64
}

// Scanner is the device collaborator of the process registry. It is safe
// for concurrent use; scans are serialised.
type Scanner struct {
	procRoot *os.Root
	maxPIDs  int
	maxFDs   int
	lookup   *gpuLookup
	logger   *slog.Logger

	mu sync.Mutex
}

var _ process.DeviceLister = (*Scanner)(nil)

// NewScanner opens the proc root and indexes the render nodes of devices.
func NewScanner(devices []gpu.Device, opts Options) (*Scanner, error) {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root, err := os.OpenRoot(opts.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	return &Scanner{
		procRoot: root,
		maxPIDs:  opts.MaxPIDs,
		maxFDs:   opts.MaxFDsPerPID,
		lookup:   newGPULookup(devices),
		logger:   opts.Logger,
	}, nil
}

// Collect scans every process once and groups the results by device index.
func (s *Scanner) Collect() (map[int][]process.DeviceProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := fs.ReadDir(s.procRoot.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("read proc root: %w", err)
	}

	results := make(map[int][]process.DeviceProcess)
	var scanned int

	for _, entry := range entries {
		if s.maxPIDs > 0 && scanned >= s.maxPIDs {
			s.logger.Debug("pid limit reached", "limit", s.maxPIDs)
			break
		}
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		scanned++

		procDir, err := s.procRoot.OpenRoot(entry.Name())
		if err != nil {
			continue
		}
		procs := s.scanProcess(int32(pid), procDir)
		if err := procDir.Close(); err != nil {
			s.logger.Debug("failed to close proc dir", "pid", pid, "err", err)
		}

		for index, raw := range procs {
			results[index] = append(results[index], raw.deviceProcess())
		}
	}

	return results, nil
}

// ListProcesses scans for the processes on dev alone.
func (s *Scanner) ListProcesses(dev process.Device) ([]process.DeviceProcess, error) {
	if dev == nil {
		return nil, fmt.Errorf("nil device")
	}
	all, err := s.Collect()
	if err != nil {
		return nil, err
	}
	return all[dev.Index()], nil
}

// Close releases the proc root.
func (s *Scanner) Close() error {
	return s.procRoot.Close()
}

func (s *Scanner) scanProcess(pid int32, procDir *os.Root) map[int]*rawProcess {
	fdEntries, err := fs.ReadDir(procDir.FS(), "fd")
	if err != nil {
		return nil
	}

	result := make(map[int]*rawProcess)
	clientTotals := make(map[int]map[int]clientMemory)
	fdCount := 0
	fdBasePath := filepath.Join(procDir.Name(), "fd")

	for _, fdEntry := range fdEntries {
		if s.maxFDs > 0 && fdCount >= s.maxFDs {
			break
		}
		fdCount++

		fdName := fdEntry.Name()
		target, err := procDir.Readlink(filepath.Join("fd", fdName))
		if err != nil {
			continue
		}
		target = strings.TrimSuffix(target, " (deleted)")
		if !filepath.IsAbs(target) {
			target = filepath.Join(fdBasePath, target)
		}
		target = filepath.Clean(target)

		index, ok := s.lookup.match(target)
		if !ok {
			continue
		}

		data, err := procDir.ReadFile(filepath.Join("fdinfo", fdName))
		if err != nil {
			continue
		}
		metrics := parseFDInfo(data)

		raw := result[index]
		if raw == nil {
			raw = &rawProcess{pid: pid, engines: make(map[string]uint64)}
			result[index] = raw
		}

		if metrics.HasMemory {
			// Several fds may share one DRM client; count its buffers once.
			if metrics.ClientID > 0 {
				if _, ok := clientTotals[index]; !ok {
					clientTotals[index] = make(map[int]clientMemory)
				}
				prev := clientTotals[index][metrics.ClientID]
				if metrics.VRAMBytes > prev.VRAM {
					raw.vramBytes += metrics.VRAMBytes - prev.VRAM
					prev.VRAM = metrics.VRAMBytes
				}
				if metrics.GTTBytes > prev.GTT {
					raw.gttBytes += metrics.GTTBytes - prev.GTT
					prev.GTT = metrics.GTTBytes
				}
				clientTotals[index][metrics.ClientID] = prev
			} else {
				raw.vramBytes += metrics.VRAMBytes
				raw.gttBytes += metrics.GTTBytes
			}
			raw.hasMemory = true
		}
		for name, busy := range metrics.Engines {
			if busy > raw.engines[name] {
				raw.engines[name] = busy
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

func (r *rawProcess) deviceProcess() process.DeviceProcess {
	memory := process.MemoryUnavailable
	if r.hasMemory {
		memory = process.MemoryBytes(r.vramBytes)
	}
	return process.DeviceProcess{
		PID:    r.pid,
		Memory: memory,
		Type:   engineFlags(r.engines),
	}
}

type gpuLookup struct {
	byPath map[string]int
	byBase map[string]int
}

func newGPULookup(devices []gpu.Device) *gpuLookup {
	lookup := &gpuLookup{
		byPath: make(map[string]int),
		byBase: make(map[string]int),
	}
	for _, dev := range devices {
		path := dev.Info().RenderNode
		if path == "" {
			continue
		}
		lookup.byPath[path] = dev.Index()
		lookup.byBase[filepath.Base(path)] = dev.Index()
	}
	return lookup
}

func (l *gpuLookup) match(target string) (int, bool) {
	if index, ok := l.byPath[target]; ok {
		return index, true
	}
	index, ok := l.byBase[filepath.Base(target)]
	return index, ok
}
