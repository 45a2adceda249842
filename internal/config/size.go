package config

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"TIB", 1 << 40}, {"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
	{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
	{"T", 1 << 40}, {"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
	{"B", 1},
}

// ParseSize parses a byte size such as "8MB", "512k" or "1GiB/s" into bytes.
// Units are binary and case-insensitive; a trailing "/s" is ignored so rates
// read naturally. A plain number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "/S")
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	mult := int64(1)
	num := s
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			num = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	if num == "" {
		return 0, fmt.Errorf("missing number in size: %s", s)
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	if n > 0 && mult > 1 && n > (1<<62)/mult {
		return 0, fmt.Errorf("size too large: %s", s)
	}
	return n * mult, nil
}

// LimitRate returns the download bandwidth cap in bytes per second.
// Zero means unlimited.
func (c *Config) LimitRate() (int64, error) {
	if strings.TrimSpace(c.Download.LimitRate) == "" {
		return 0, nil
	}
	n, err := ParseSize(c.Download.LimitRate)
	if err != nil {
		return 0, fmt.Errorf("invalid download.limit_rate: %w", err)
	}
	return n, nil
}
