package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/glorpus-work/qpserver/pkg/errors"
)

// Size is a byte count configured as "100 MiB", "20mb" or a plain number.
type Size int64

// Bytes returns the size as a plain byte count.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string {
	switch {
	case s >= 1<<30 && s%(1<<30) == 0:
		return fmt.Sprintf("%d GiB", s/(1<<30))
	case s >= 1<<20 && s%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", s/(1<<20))
	case s >= 1<<10 && s%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", s/(1<<10))
	default:
		return fmt.Sprintf("%d B", int64(s))
	}
}

// MarshalYAML renders the size in the human readable form config files use.
func (s Size) MarshalYAML() (interface{}, error) { return s.String(), nil }

var sizeRe = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(b|[kmgt]i?b)?\s*$`)

var sizeUnits = map[string]float64{
	"":    1,
	"b":   1,
	"kb":  1000,
	"kib": 1 << 10,
	"mb":  1000 * 1000,
	"mib": 1 << 20,
	"gb":  1000 * 1000 * 1000,
	"gib": 1 << 30,
	"tb":  1000 * 1000 * 1000 * 1000,
	"tib": 1 << 40,
}

// ParseSize parses a human readable byte count.
func ParseSize(s string) (Size, error) {
	match := sizeRe.FindStringSubmatch(s)
	if match == nil {
		return 0, errors.Wrapf(errors.ErrConfigParse, "invalid size %q", s)
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrConfigParse, "invalid size %q", s)
	}
	unit := sizeUnits[strings.ToLower(match[2])]
	return Size(value * unit), nil
}

// Interval is a duration configured either as `[HH:[MM:]]SS` (the repository
// poll format, e.g. "01:30:00") or as a Go duration string.
type Interval time.Duration

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration { return time.Duration(i) }

func (i Interval) String() string {
	d := time.Duration(i)
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// MarshalYAML renders the interval in the HH:MM:SS form config files use.
func (i Interval) MarshalYAML() (interface{}, error) { return i.String(), nil }

// ParseInterval parses a colon separated interval. One field means seconds,
// two mean MM:SS, three mean HH:MM:SS. Plain Go durations are accepted too.
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrap(errors.ErrConfigParse, "empty interval")
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return 0, errors.Wrapf(errors.ErrConfigParse, "invalid interval %q", s)
		}
		total := 0
		for _, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return 0, errors.Wrapf(errors.ErrConfigParse, "invalid interval %q", s)
			}
			total = total*60 + n
		}
		return Interval(time.Duration(total) * time.Second), nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, errors.Wrapf(errors.ErrConfigParse, "invalid interval %q", s)
		}
		return Interval(time.Duration(n) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.Wrapf(errors.ErrConfigParse, "invalid interval %q", s)
	}
	return Interval(d), nil
}
