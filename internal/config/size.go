package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses size strings like "1MB", "512KB" or "2048576" to bytes.
// Returns DefaultMaxMessageSize if empty.
func ParseSize(size string) (int64, error) {
	if strings.TrimSpace(size) == "" {
		return DefaultMaxMessageSize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive: %q", size)
	}
	return value * multiplier, nil
}
