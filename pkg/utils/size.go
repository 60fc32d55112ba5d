package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Decimal suffixes are 1000-based, IEC suffixes and the single letter
// shorthands are 1024-based.
var sizeUnits = map[string]int64{
	"B":     1,
	"BYTE":  1,
	"BYTES": 1,
	"KB":    1000,
	"MB":    1000 * 1000,
	"GB":    1000 * 1000 * 1000,
	"TB":    1000 * 1000 * 1000 * 1000,
	"K":     KiB,
	"KIB":   KiB,
	"M":     MiB,
	"MIB":   MiB,
	"G":     GiB,
	"GIB":   GiB,
	"T":     TiB,
	"TIB":   TiB,
}

// ParseDataSize parses sizes like "1048576", "64KiB", "1.5GB" or "512 M"
// into bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '64KiB', '1MiB', '1.5GB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier, ok := sizeUnits[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// FormatDataSize renders bytes with binary units, e.g. "2.5 MB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiB {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB"}
	value := float64(bytes) / float64(KiB)
	exp := 0
	for value >= 1024 && exp < len(units)-1 {
		value /= 1024
		exp++
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, units[exp])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, units[exp])
	default:
		return fmt.Sprintf("%.2f %s", value, units[exp])
	}
}
