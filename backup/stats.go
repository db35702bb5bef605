// backup/stats.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
)

// Stats summarizes a backup run.
type Stats struct {
	StartTime, EndTime time.Time

	// Every path scanned, and the total size of the regular files.
	SourceFiles    int64
	SourceFileSize int64
	NewFiles       int64
	NewFileSize    int64
	DeletedFiles   int64
	ChangedFiles   int64
	// Size of the changed files and of the deltas stored for them.
	ChangedFileSize  int64
	ChangedDeltaSize int64
	// Number of entries recorded in the manifest.
	DeltaEntries int64
	// Total size of the payloads stored, before compression.
	RawDeltaSize int64
	// Total size of the objects stored.
	TotalDestinationSizeChange int64
	Errors                     int64
}

func (s *Stats) ElapsedTime() time.Duration {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

type statField struct {
	name    string
	v       *int64
	inBytes bool
}

func (s *Stats) fields() []statField {
	return []statField{
		{"SourceFiles", &s.SourceFiles, false},
		{"SourceFileSize", &s.SourceFileSize, true},
		{"NewFiles", &s.NewFiles, false},
		{"NewFileSize", &s.NewFileSize, true},
		{"DeletedFiles", &s.DeletedFiles, false},
		{"ChangedFiles", &s.ChangedFiles, false},
		{"ChangedFileSize", &s.ChangedFileSize, true},
		{"ChangedDeltaSize", &s.ChangedDeltaSize, true},
		{"DeltaEntries", &s.DeltaEntries, false},
		{"RawDeltaSize", &s.RawDeltaSize, true},
		{"TotalDestinationSizeChange", &s.TotalDestinationSizeChange, true},
		{"Errors", &s.Errors, false},
	}
}

// String returns the statistics block that's printed at the end of a
// backup.
func (s *Stats) String() string {
	const title = "--------------[ Backup Statistics ]--------------"
	var b strings.Builder
	b.WriteString(title + "\n")
	if !s.StartTime.IsZero() {
		fmt.Fprintf(&b, "StartTime %.2f (%s)\n", unixSeconds(s.StartTime),
			s.StartTime.Local().Format(time.ANSIC))
	}
	if !s.EndTime.IsZero() {
		fmt.Fprintf(&b, "EndTime %.2f (%s)\n", unixSeconds(s.EndTime),
			s.EndTime.Local().Format(time.ANSIC))
	}
	if e := s.ElapsedTime(); e > 0 {
		fmt.Fprintf(&b, "ElapsedTime %.2f (%s)\n", e.Seconds(), e.Round(10*time.Millisecond))
	}
	for _, f := range s.fields() {
		if f.inBytes {
			fmt.Fprintf(&b, "%s %d (%s)\n", f.name, *f.v, u.FmtBytes(*f.v))
		} else {
			fmt.Fprintf(&b, "%s %d\n", f.name, *f.v)
		}
	}
	b.WriteString(strings.Repeat("-", len(title)) + "\n")
	return b.String()
}

// ParseStats parses the output of Stats.String. Lines with unknown
// statistics are ignored.
func ParseStats(str string) (*Stats, error) {
	s := &Stats{}
	fields := make(map[string]*int64)
	for _, f := range s.fields() {
		fields[f.name] = f.v
	}

	sc := bufio.NewScanner(strings.NewReader(str))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, errors.Errorf("%q: bad statistics line", line)
		}
		switch parts[0] {
		case "StartTime", "EndTime":
			secs, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s", parts[0])
			}
			whole, frac := math.Modf(secs)
			t := time.Unix(int64(whole), int64(math.Round(frac*100))*1e7)
			if parts[0] == "StartTime" {
				s.StartTime = t
			} else {
				s.EndTime = t
			}
		case "ElapsedTime":
			// Derived from the start and end times.
		default:
			v, ok := fields[parts[0]]
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s", parts[0])
			}
			*v = n
		}
	}
	return s, sc.Err()
}
