// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// Small wrapper around io.Reader that implements io.ReadCloser.
// Periodically logs how many bytes have been read and the rate of
// processing them in bytes / second.
type ReportingReader struct {
	R   io.Reader
	Msg string
	// Log receives the progress reports; a nil Log uses the default
	// logger.
	Log *Logger
	// Bytes between reports; DefaultReportBytes if zero.
	Every int64
	// Optional callback that's given the number of bytes read so far
	// along with each report.
	OnReport                 func(readBytes int64, elapsed time.Duration)
	start                    time.Time
	reportCounter, readBytes int64
}

const DefaultReportBytes = 128 * 1024 * 1024

func (r *ReportingReader) every() int64 {
	if r.Every > 0 {
		return r.Every
	}
	return DefaultReportBytes
}

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.reportCounter = r.every()
		r.readBytes = 0
	}

	n, err := r.R.Read(buf)

	r.readBytes += int64(n)
	r.reportCounter -= int64(n)
	if r.reportCounter < 0 {
		r.report("")
		r.reportCounter += r.every()
	}

	return n, err
}

// BytesRead returns the number of bytes that have been read so far.
func (r *ReportingReader) BytesRead() int64 {
	return r.readBytes
}

func (r *ReportingReader) report(prefix string) {
	delta := time.Since(r.start)
	var bytesPerSec int64
	if delta > 0 {
		bytesPerSec = int64(float64(r.readBytes) / delta.Seconds())
	}
	r.Log.Verbose("%s%s %s [%s/s]", prefix, r.Msg, FmtBytes(r.readBytes),
		FmtBytes(bytesPerSec))
	if r.OnReport != nil {
		r.OnReport(r.readBytes, delta)
	}
}

// Close closes the underlying reader if it's an io.ReadCloser. If any
// progress was reported, it also reports the total.
func (r *ReportingReader) Close() error {
	if !r.start.IsZero() && r.readBytes > r.every() {
		r.report("Finished. ")
	}

	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// ParseBytes parses human-readable sizes like "200MiB" or "1.5GB".
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	return int64(n), err
}
