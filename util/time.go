// util/time.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TimeFormat is the compact UTC form used for times in object names and
// manifests.
const TimeFormat = "20060102T150405Z"

// FormatTime returns t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

var intervalUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'D': 24 * time.Hour,
	'W': 7 * 24 * time.Hour,
	'M': 30 * 24 * time.Hour,
	'Y': 365 * 24 * time.Hour,
}

// ParseTime interprets a user-supplied time relative to now. Accepted
// forms are "now", RFC3339, TimeFormat, "2006-01-02", unix seconds, and
// intervals such as "3D", "2W1D", or "12h30m" meaning that long before
// now.
func ParseTime(s string, now time.Time) (time.Time, error) {
	switch {
	case s == "" || s == "now":
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	d, err := ParseInterval(s)
	if err != nil {
		return time.Time{}, errors.Errorf("%s: unrecognized time string", s)
	}
	return now.Add(-d), nil
}

// ParseInterval parses sequences of <count><unit> pairs where unit is one
// of s, m, h, D, W, M, Y.
func ParseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty interval")
	}
	var total time.Duration
	for len(s) > 0 {
		i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
		if i <= 0 {
			return 0, errors.Errorf("%s: bad interval", s)
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, errors.Wrap(err, s)
		}
		unit, ok := intervalUnits[s[i]]
		if !ok {
			return 0, errors.Errorf("%c: unknown interval unit", s[i])
		}
		total += time.Duration(n) * unit
		s = s[i+1:]
	}
	return total, nil
}
