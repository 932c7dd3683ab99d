// Package monitor drives the process registry once per tick and fans the
// resulting per-GPU snapshots out to subscribers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skobkin/gputop-procs/internal/config"
	"github.com/skobkin/gputop-procs/internal/gpu"
	"github.com/skobkin/gputop-procs/internal/process"
)

// Collector lists the processes of every device in one pass.
type Collector interface {
	Collect() (map[int][]process.DeviceProcess, error)
}

// Snapshot is the process list of one GPU at one tick.
type Snapshot struct {
	GPUId     string             `json:"gpu_id"`
	GPUName   string             `json:"gpu_name,omitempty"`
	Timestamp time.Time          `json:"ts"`
	Processes []process.Snapshot `json:"processes"`
}

// Manager orchestrates process scans and fan-out to subscribers.
type Manager struct {
	cfg       config.ProcConfig
	registry  *process.Registry
	collector Collector
	devices   []gpu.Device
	clock     clockwork.Clock
	logger    *slog.Logger

	mu          sync.RWMutex
	latest      map[string]Snapshot
	subscribers map[string]map[*procSubscriber]struct{}

	// seen holds the pids each device listed on the previous tick.
	seen      map[int]map[int32]struct{}
	lastScan  time.Time
	closeOnce sync.Once
	closeErr  error
}

// NewManager constructs a manager. A nil clock selects the real clock.
func NewManager(cfg config.ProcConfig, registry *process.Registry, collector Collector, devices []gpu.Device, clock clockwork.Clock, logger *slog.Logger) (*Manager, error) {
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be > 0")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		cfg:         cfg,
		registry:    registry,
		collector:   collector,
		devices:     slices.Clone(devices),
		clock:       clock,
		logger:      logger.With("component", "process_monitor"),
		latest:      make(map[string]Snapshot),
		subscribers: make(map[string]map[*procSubscriber]struct{}),
		seen:        make(map[int]map[int32]struct{}),
	}, nil
}

// Run scans every ScanInterval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.devices) == 0 {
		<-ctx.Done()
		return m.Close()
	}

	m.logger.Info("process monitor started", "interval", m.cfg.ScanInterval, "gpus", len(m.devices))
	m.Scan()

	ticker := m.clock.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("process monitor stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.Chan():
			m.Scan()
		}
	}
}

// Latest returns the most recent snapshot for the supplied GPU.
func (m *Manager) Latest(gpuID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.latest[gpuID]
	return snapshot, ok
}

// Subscribe registers for snapshot updates of the supplied GPU. Slow
// subscribers only ever see the newest snapshot.
func (m *Manager) Subscribe(gpuID string) (<-chan Snapshot, func(), error) {
	if _, ok := gpu.Find(m.devices, gpuID); !ok {
		return nil, nil, fmt.Errorf("unknown gpu %q", gpuID)
	}

	sub := newProcSubscriber()

	m.mu.Lock()
	if _, ok := m.subscribers[gpuID]; !ok {
		m.subscribers[gpuID] = make(map[*procSubscriber]struct{})
	}
	m.subscribers[gpuID][sub] = struct{}{}

	if snapshot, ok := m.latest[gpuID]; ok {
		sub.send(snapshot)
	}
	m.mu.Unlock()

	unsubscribe := func() {
		m.removeSubscriber(gpuID, sub)
	}
	return sub.channel(), unsubscribe, nil
}

// GPUIDs enumerates GPUs tracked by the manager.
func (m *Manager) GPUIDs() []string {
	ids := make([]string, 0, len(m.devices))
	for _, dev := range m.devices {
		ids = append(ids, dev.ID())
	}
	return ids
}

// Devices returns the tracked devices.
func (m *Manager) Devices() []gpu.Device {
	return slices.Clone(m.devices)
}

// Registry exposes the registry the manager drives.
func (m *Manager) Registry() *process.Registry {
	return m.registry
}

// Ready reports whether at least one scan has completed.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.lastScan.IsZero()
}

// Scan runs one tick: it clears the host snapshot cache, collects every
// device once and publishes a snapshot per device.
func (m *Manager) Scan() {
	now := m.clock.Now()
	m.registry.ClearHostSnapshots()

	collections, err := m.collector.Collect()
	if err != nil {
		m.logger.Warn("process scan failed", "err", err)
		return
	}

	// Every device registers before any snapshot is taken: a new handle
	// invalidates its pid's cached host snapshot.
	handles := make([][]*process.GPUProcess, len(m.devices))
	listed := make(map[int32]struct{})
	for i, dev := range m.devices {
		entries := collections[dev.Index()]
		handles[i] = m.registry.Register(dev, entries)

		current := make(map[int32]struct{}, len(entries))
		for _, entry := range entries {
			current[entry.PID] = struct{}{}
			listed[entry.PID] = struct{}{}
		}
		m.pruneDevice(dev, current)
	}

	for i, dev := range m.devices {
		processes := make([]process.Snapshot, 0, len(handles[i]))
		for _, handle := range handles[i] {
			snap, err := handle.AsSnapshot()
			if err != nil {
				m.logger.Warn("process snapshot failed", "pid", handle.PID(), "gpu", dev.ID(), "err", err)
				continue
			}
			if snap == nil {
				continue
			}
			processes = append(processes, *snap)
		}
		sortProcesses(processes)

		m.publish(Snapshot{
			GPUId:     dev.ID(),
			GPUName:   dev.Name(),
			Timestamp: now.UTC(),
			Processes: processes,
		})
	}
	m.pruneHosts(listed)

	m.mu.Lock()
	m.lastScan = now
	m.mu.Unlock()
}

// pruneDevice evicts the handles of processes that left the device since
// the previous tick.
func (m *Manager) pruneDevice(dev gpu.Device, current map[int32]struct{}) {
	m.mu.Lock()
	previous := m.seen[dev.Index()]
	m.seen[dev.Index()] = current
	m.mu.Unlock()

	for pid := range previous {
		if _, ok := current[pid]; !ok {
			m.registry.EvictGPUProcess(pid, dev)
		}
	}
}

// pruneHosts drops every host handle whose pid no device listed this
// tick, including handles opened on demand by API lookups.
func (m *Manager) pruneHosts(listed map[int32]struct{}) {
	for _, pid := range m.registry.HostPIDs() {
		if _, ok := listed[pid]; !ok {
			m.registry.EvictHost(pid)
		}
	}
}

func sortProcesses(processes []process.Snapshot) {
	slices.SortStableFunc(processes, func(a, b process.Snapshot) int {
		va, _ := a.GPUMemory.Value()
		vb, _ := b.GPUMemory.Value()
		switch {
		case va > vb:
			return -1
		case va < vb:
			return 1
		}
		return int(a.PID) - int(b.PID)
	})
}

func (m *Manager) publish(snapshot Snapshot) {
	m.mu.Lock()
	m.latest[snapshot.GPUId] = snapshot
	subs := make([]*procSubscriber, 0, len(m.subscribers[snapshot.GPUId]))
	for sub := range m.subscribers[snapshot.GPUId] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.send(snapshot)
	}
}

func (m *Manager) removeSubscriber(gpuID string, sub *procSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[gpuID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, gpuID)
		}
	}
	sub.close()
}

// Close releases the collector when it holds resources.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if closer, ok := m.collector.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close collector: %w", err))
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

type procSubscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newProcSubscriber() *procSubscriber {
	return &procSubscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *procSubscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *procSubscriber) send(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- snapshot:
		default:
		}
	}
}

func (s *procSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
