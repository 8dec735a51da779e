// Package utils implements some utility functions
package utils

import (
	"fmt"
	"strings"
)

const (
	// GiB is the unit traffic limits are configured in.
	GiB = 1 << 30
	// TiB is used for display once usage crosses a terabyte.
	TiB = 1 << 40
)

// LabelsToLabelSelector is converting a map of labels to HCloud label
// selector.
func LabelsToLabelSelector(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for key, val := range labels {
		parts = append(
			parts,
			fmt.Sprintf("%s==%s", key, val),
		)
	}
	return strings.Join(parts, ",")
}

// FormatBytes renders a byte count for chat and report output, in GB
// below a terabyte and in TB above.
func FormatBytes(n uint64) string {
	if n >= TiB {
		return fmt.Sprintf("%.2f TB", float64(n)/TiB)
	}
	return fmt.Sprintf("%.2f GB", float64(n)/GiB)
}

// ProgressBar renders a usage percentage as a fixed-width text bar.
// Values outside [0,100] are clamped.
func ProgressBar(percent float64, width int) string {
	if width <= 0 {
		width = 10
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent/100*float64(width) + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
