package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxMinutes is the largest bare minute count that fits a time.Duration.
const maxMinutes = float64(math.MaxInt64) / float64(time.Minute)

// DurationField describes one duration setting.
//
// Values are Go durations ("90s", "1m30s") or a bare number of minutes
// ("1.5"), the unit alarm specs are written in.
type DurationField struct {
	Path    string
	Default time.Duration // used for an empty or zero value
	Max     time.Duration // 0 means unbounded
}

func (f DurationField) Parse(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return f.Default, nil
	}
	d, err := parseMinutesOrDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", f.Path, raw, err)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", f.Path)
	case d == 0:
		return f.Default, nil
	case f.Max > 0 && d > f.Max:
		return 0, fmt.Errorf("%s: %s exceeds %s", f.Path, d, f.Max)
	}
	return d, nil
}

func parseMinutesOrDuration(s string) (time.Duration, error) {
	m, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.ParseDuration(s)
	}
	if math.IsNaN(m) || math.IsInf(m, 0) || math.Abs(m) > maxMinutes {
		return 0, errors.New("minutes out of range")
	}
	return time.Duration(m * float64(time.Minute)), nil
}
