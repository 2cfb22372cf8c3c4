// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// humanBytes renders a byte count the way the progress watcher and log
// lines display it, e.g. "12.34 MiB".
func humanBytes(n int64) string {
	const unit = 1024.0
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for v := float64(n) / unit; v >= unit && exp < 4; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KiB", "MiB", "GiB", "TiB", "PiB"}
	return fmt.Sprintf("%.2f %s", float64(n)/div, units[exp])
}

// ParseSize parses a human-friendly size like "5MiB", "256 MB", "10GB" into
// a byte count, for CLI flags and config fields that accept a size string
// (e.g. --chunk-size). Bare numbers are treated as bytes. Returns def when
// s is empty.
func ParseSize(s string, def int64) (int64, error) {
	return parseSizeString(s, def)
}

// parseSizeString parses a human-friendly size like "5MiB", "256 MB", "10GB"
// into a byte count. Bare numbers are treated as bytes. Returns def when s
// is empty.
func parseSizeString(s string, def int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}

	upper := strings.ToUpper(s)
	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"TIB", 1024 * 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"TB", 1000 * 1000 * 1000 * 1000},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(upper, m.suffix) {
			numPart := strings.TrimSpace(s[:len(s)-len(m.suffix)])
			val, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("parse size %q: %w", s, err)
			}
			return int64(val * float64(m.mult)), nil
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return val, nil
}
