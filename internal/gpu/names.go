package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// pciIDs identifies a card chip and the board it sits on. Values are
// lower-case hex without a 0x prefix.
type pciIDs struct {
	vendor    string
	device    string
	subVendor string
	subDevice string
}

// parsePCIPair splits a "vvvv:dddd" uevent value.
func parsePCIPair(raw string) (string, string) {
	first, second, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return "", ""
	}
	return hexID(first), hexID(second)
}

// hexID normalises a sysfs or uevent id to four lower-case hex digits.
func hexID(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.TrimPrefix(v, "0x")
	if v == "" {
		return ""
	}
	if n := 4 - len(v); n > 0 {
		v = strings.Repeat("0", n) + v
	}
	return v
}

func (ids pciIDs) known() bool {
	return ids.vendor != "" && ids.device != ""
}

// productNamer resolves ids to a product name, or "" when unknown.
type productNamer func(ids pciIDs) string

var systemPCIDB = sync.OnceValues(func() (*pcidb.PCIDB, error) {
	return pcidb.New()
})

// pcidbProductName looks ids up in the host's pci.ids. A board-specific
// subsystem name is preferred over the chip name.
func pcidbProductName(ids pciIDs) string {
	if !ids.known() {
		return ""
	}
	db, err := systemPCIDB()
	if err != nil || db == nil {
		return ""
	}
	product := db.Products[ids.vendor+ids.device]
	if product == nil {
		return ""
	}
	if ids.subVendor != "" && ids.subDevice != "" {
		for _, sub := range product.Subsystems {
			if sub != nil && sub.Name != "" && strings.EqualFold(sub.VendorID, ids.subVendor) && strings.EqualFold(sub.ID, ids.subDevice) {
				return sub.Name
			}
		}
	}
	return product.Name
}

// placeholderNames are what the kernel reports for a card it cannot name.
var placeholderNames = map[string]struct{}{
	"":        {},
	"amdgpu":  {},
	"radeon":  {},
	"unknown": {},
}

func isPlaceholderName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if _, ok := placeholderNames[lower]; ok {
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}

// productName returns the name a card is shown under: the kernel's own
// name unless it is a placeholder and the database knows better.
func productName(reported string, ids pciIDs, lookup productNamer) string {
	reported = strings.TrimSpace(reported)
	if !isPlaceholderName(reported) || lookup == nil {
		return reported
	}
	if resolved := lookup(ids); resolved != "" {
		return resolved
	}
	return reported
}
