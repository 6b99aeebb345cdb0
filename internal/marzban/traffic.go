package marzban

import (
	"fmt"
	"strconv"
	"strings"
)

var trafficUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatTraffic renders a byte count as a human readable string, e.g.
// 1073741824 -> "1.00 GB".
func FormatTraffic(bytes int64) string {
	value := float64(bytes)
	for _, unit := range trafficUnits[:len(trafficUnits)-1] {
		if value < 1024 && value > -1024 {
			return fmt.Sprintf("%.2f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.2f PB", value)
}

// ParseTraffic inverts FormatTraffic to the nearest unit: "1.00 GB" -> 2^30.
func ParseTraffic(s string) (int64, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("invalid traffic string %q", s)
	}

	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid traffic value %q: %w", fields[0], err)
	}

	unit := strings.ToUpper(fields[1])
	for i, u := range trafficUnits {
		if u == unit {
			for range i {
				value *= 1024
			}
			return int64(value), nil
		}
	}
	return 0, fmt.Errorf("unknown traffic unit %q", fields[1])
}

// GBToBytes converts a tariff's traffic allowance to the byte limit the
// panel expects.
func GBToBytes(gb float64) int64 {
	return int64(gb * 1024 * 1024 * 1024)
}

// BytesToGB converts panel usage back to the gigabytes stored locally.
func BytesToGB(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024 * 1024)
}
