package process

import (
	"fmt"
	"time"
)

// FormatCPUPercent renders a CPU percentage in three bands. Readings of
// 10000% and above saturate to "9999+%".
func FormatCPUPercent(percent float64) string {
	switch {
	case percent < 1000:
		s := fmt.Sprintf("%.1f", percent)
		// Rounding must not leak the next band's width.
		if s == "1000.0" {
			s = "999.9"
		}
		return s + "%"
	case percent < 10000:
		return fmt.Sprintf("%d%%", int(percent))
	default:
		return "9999+%"
	}
}

// FormatMemoryPercent renders a memory percentage with one decimal.
func FormatMemoryPercent(percent float64) string {
	return fmt.Sprintf("%.1f%%", percent)
}

// FormatDuration renders a running time as M:SS, H:MM:SS, or fractional
// days once it reaches two days.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= 48*time.Hour {
		return fmt.Sprintf("%.1f days", d.Hours()/24)
	}

	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
