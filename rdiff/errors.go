// rdiff/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdiff

import "fmt"

// ContentReadError reports a failure reading a file's content while
// computing its signature or delta. It affects only that one file.
type ContentReadError struct {
	Path string
	Err  error
}

func (e *ContentReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("content read: %v", e.Err)
	}
	return fmt.Sprintf("%s: content read: %v", e.Path, e.Err)
}

func (e *ContentReadError) Unwrap() error { return e.Err }

// DeltaCorruptError reports a delta that can't be decoded or that refers
// to data outside the old content.
type DeltaCorruptError struct {
	Reason string
}

func (e *DeltaCorruptError) Error() string {
	return "corrupt delta: " + e.Reason
}

func corruptf(f string, args ...interface{}) error {
	return &DeltaCorruptError{Reason: fmt.Sprintf(f, args...)}
}
