package process

import (
	"bytes"
	"encoding/json"
	"strconv"

	humanize "github.com/dustin/go-humanize"
)

// NotAvailable is the in-band marker for fields without a meaningful value.
const NotAvailable = "N/A"

// MemoryUsage is a byte count that may be unavailable.
type MemoryUsage struct {
	bytes uint64
	valid bool
}

// MemoryUnavailable is the sentinel for an unknown memory usage.
var MemoryUnavailable = MemoryUsage{}

// MemoryBytes returns an available usage of n bytes.
func MemoryBytes(n uint64) MemoryUsage {
	return MemoryUsage{bytes: n, valid: true}
}

// Value returns the byte count and whether it is available.
func (m MemoryUsage) Value() (uint64, bool) {
	return m.bytes, m.valid
}

// Available reports whether the usage carries a byte count.
func (m MemoryUsage) Available() bool {
	return m.valid
}

// String renders the usage with IEC units, or N/A.
func (m MemoryUsage) String() string {
	if !m.valid {
		return NotAvailable
	}
	return humanize.IBytes(m.bytes)
}

// MarshalJSON encodes an unavailable usage as null.
func (m MemoryUsage) MarshalJSON() ([]byte, error) {
	if !m.valid {
		return []byte("null"), nil
	}
	return strconv.AppendUint(nil, m.bytes, 10), nil
}

// UnmarshalJSON accepts a byte count or null.
func (m *MemoryUsage) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = MemoryUnavailable
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*m = MemoryBytes(n)
	return nil
}
