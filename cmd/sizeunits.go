package cmd

import (
	"fmt"
	"strconv"
	"strings"
)

// mediaSizes names the fixed-media unit suffixes spec.md §6.3 lists
// alongside the usual k/m/g multipliers: common optical media capacities,
// so a technician can write "--max-size dvd" instead of counting bytes.
var mediaSizes = map[string]uint64{
	"cd":     700 * 1024 * 1024,
	"bigcd":  800 * 1024 * 1024,
	"dvd":    4_700_000_000,
	"dvddl":  8_500_000_000,
}

// parseMaxSize parses a max-archive-size flag value: a bare number of
// bytes, a number with a k/m/g multiplier suffix, or one of the named
// media sizes.
func parseMaxSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	lower := strings.ToLower(strings.TrimSpace(s))

	if n, ok := mediaSizes[lower]; ok {
		return n, nil
	}

	multiplier := uint64(1)
	numeric := lower
	switch {
	case strings.HasSuffix(lower, "k"):
		multiplier = 1024
		numeric = strings.TrimSuffix(lower, "k")
	case strings.HasSuffix(lower, "m"):
		multiplier = 1024 * 1024
		numeric = strings.TrimSuffix(lower, "m")
	case strings.HasSuffix(lower, "g"):
		multiplier = 1024 * 1024 * 1024
		numeric = strings.TrimSuffix(lower, "g")
	}

	n, err := strconv.ParseUint(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid max-size %q: %w", s, err)
	}
	return n * multiplier, nil
}
