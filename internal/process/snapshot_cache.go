package process

import "sync"

// hostSnapshotCache shares host-side snapshot data between the GPU handles
// of one pid for the duration of a tick.
//
// Each pid owns an entry whose mutex is held across the whole
// check/gather/store step, so concurrent requesters for the same pid wait
// for one gather instead of repeating it. The map mutex is only held for
// lookups, so unrelated pids do not contend.
type hostSnapshotCache struct {
	mu      sync.Mutex
	entries map[int32]*hostSnapshotEntry
}

type hostSnapshotEntry struct {
	mu       sync.Mutex
	snapshot *HostSnapshot
}

func newHostSnapshotCache() *hostSnapshotCache {
	return &hostSnapshotCache{entries: make(map[int32]*hostSnapshotEntry)}
}

// load returns the cached snapshot for pid or gathers a new one. With
// persist unset the result is never kept and every call gathers.
func (c *hostSnapshotCache) load(pid int32, persist bool, gather func() (*HostSnapshot, error)) (*HostSnapshot, error) {
	c.mu.Lock()
	entry, ok := c.entries[pid]
	if !ok {
		entry = &hostSnapshotEntry{}
		c.entries[pid] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.snapshot != nil {
		return entry.snapshot, nil
	}

	snapshot, err := gather()
	if err != nil || !persist {
		c.drop(pid, entry)
		return snapshot, err
	}
	entry.snapshot = snapshot
	return snapshot, nil
}

// drop removes entry unless it has already been replaced.
func (c *hostSnapshotCache) drop(pid int32, entry *hostSnapshotEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[pid] == entry {
		delete(c.entries, pid)
	}
}

func (c *hostSnapshotCache) invalidate(pid int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, pid)
}

func (c *hostSnapshotCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int32]*hostSnapshotEntry)
}

// len counts stored snapshots. Entries are locked after the map mutex is
// released to keep the lock order of load.
func (c *hostSnapshotCache) len() int {
	c.mu.Lock()
	entries := make([]*hostSnapshotEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	n := 0
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.snapshot != nil {
			n++
		}
		entry.mu.Unlock()
	}
	return n
}
