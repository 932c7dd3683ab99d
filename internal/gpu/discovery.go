package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const drmClassPath = "class/drm"

// Info describes a single GPU device discovered via sysfs.
type Info struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	PCI        string `json:"pci"`
	PCIID      string `json:"pci_id"`
	Name       string `json:"name"`
	RenderNode string `json:"render_node"`
}

// Discover enumerates DRM cards exposed via sysfs under root. Card names
// the kernel leaves generic are resolved through the system PCI database.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	return discover(root, logger, pcidbProductName)
}

func discover(root string, logger *slog.Logger, lookup productNamer) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		index, ok := cardIndex(entry.Name())
		if !ok || (!entry.IsDir() && entry.Type()&os.ModeSymlink == 0) {
			continue
		}

		info, err := readCard(sysRoot, entry.Name(), lookup)
		if err != nil {
			logger.Warn("failed to load card info", "card", entry.Name(), "err", err)
			continue
		}
		info.Index = index
		logger.Debug("gpu discovered", "card", info.ID, "name", info.Name, "pci_id", info.PCIID)
		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b Info) int { return a.Index - b.Index })
	return infos, nil
}

// cardIndex parses "cardN". Connector nodes such as card0-DP-1 and render
// nodes are rejected.
func cardIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, "card")
	if !ok || digits == "" || strings.ContainsAny(digits, "+-") {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

func readCard(sysRoot *os.Root, cardID string, lookup productNamer) (Info, error) {
	deviceRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, cardID, "device"))
	if err != nil {
		return Info{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	uevent := readUevent(deviceRoot)
	info := Info{
		ID:         cardID,
		PCI:        uevent["PCI_SLOT_NAME"],
		PCIID:      uevent["PCI_ID"],
		RenderNode: findRenderNode(deviceRoot),
	}

	var ids pciIDs
	if info.PCIID != "" {
		ids.vendor, ids.device = parsePCIPair(info.PCIID)
	} else {
		ids.vendor = hexID(readTrim(deviceRoot, "vendor"))
		ids.device = hexID(readTrim(deviceRoot, "device"))
		if ids.known() {
			info.PCIID = ids.vendor + ":" + ids.device
		}
	}
	if subsys := uevent["PCI_SUBSYS_ID"]; subsys != "" {
		ids.subVendor, ids.subDevice = parsePCIPair(subsys)
	} else {
		ids.subVendor = hexID(readTrim(deviceRoot, "subsystem_vendor"))
		ids.subDevice = hexID(readTrim(deviceRoot, "subsystem_device"))
	}

	reported := uevent["PCI_ID_NAME"]
	if reported == "" {
		reported = readTrim(deviceRoot, "product_name")
	}
	if reported == "" {
		reported = uevent["DRIVER"]
	}
	info.Name = productName(reported, ids, lookup)
	return info, nil
}

// readUevent parses KEY=VALUE lines. A missing file yields an empty map.
func readUevent(root *os.Root) map[string]string {
	values := make(map[string]string)
	f, err := root.Open("uevent")
	if err != nil {
		return values
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if ok {
			values[key] = strings.TrimSpace(value)
		}
	}
	return values
}

func findRenderNode(deviceRoot *os.Root) string {
	entries, err := fs.ReadDir(deviceRoot.FS(), "drm")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return filepath.Join("/dev/dri", entry.Name())
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) string {
	data, err := root.ReadFile(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
