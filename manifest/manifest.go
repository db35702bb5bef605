// manifest/manifest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest records, for each backup set, where every path's
// content and metadata are stored and how to apply them on top of the
// earlier sets of the chain.
package manifest

import (
	"fmt"
	"time"

	"github.com/mmp/dbk/scan"
	"github.com/pkg/errors"
)

// SetType distinguishes full backup sets from incremental ones.
type SetType int

const (
	Full SetType = iota + 1
	Incremental
)

func (t SetType) String() string {
	switch t {
	case Full:
		return "full"
	case Incremental:
		return "inc"
	default:
		return "unknown"
	}
}

func parseSetType(s string) (SetType, error) {
	switch s {
	case "full":
		return Full, nil
	case "inc":
		return Incremental, nil
	}
	return 0, errors.Errorf("%s: unknown set type", s)
}

// Op is how an entry is applied on restore.
type Op int

const (
	// FullStore stores the whole content; it resets the path's lineage.
	FullStore Op = iota + 1
	// IncrementalDelta is applied to the content from the earlier sets.
	IncrementalDelta
	// Delete marks a path that no longer exists.
	Delete
	// MetadataOnly changes attributes but not content.
	MetadataOnly
)

var opNames = map[Op]string{
	FullStore:        "full",
	IncrementalDelta: "delta",
	Delete:           "delete",
	MetadataOnly:     "meta",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "unknown"
}

func parseOp(s string) (Op, error) {
	for o, n := range opNames {
		if n == s {
			return o, nil
		}
	}
	return 0, errors.Errorf("%s: unknown op", s)
}

// Entry records one path of a backup set.
type Entry struct {
	Path []string
	Op   Op
	// Volume is the 1-based index of the volume of this set that holds
	// the entry's payload, or zero if there is no payload.
	Volume int
	// Item is the payload's index within the volume.
	Item int
	// SigRef identifies the path's new signature in the set's signature
	// archive; it's empty for paths without content.
	SigRef string
	scan.Attrs
}

func (e *Entry) String() string {
	return scan.JoinPath(e.Path)
}

// HasPayload reports whether the entry stores data in a volume; only
// regular files' content and deltas do.
func (e *Entry) HasPayload() bool {
	return (e.Op == FullStore || e.Op == IncrementalDelta) && e.Type == scan.Regular
}

// VolumeInfo describes one sealed volume of a set.
type VolumeInfo struct {
	Index      int
	PlainSize  int64
	SealedSize int64
	// Hex SHAKE256 of the sealed object.
	Hash string
	// First and last paths stored in the volume.
	First, Last string
	Items       int
}

// Manifest is the immutable record of a finished backup set.
type Manifest struct {
	Chain    time.Time
	Type     SetType
	Start    time.Time
	End      time.Time
	Volumes  int
	Complete bool
	// Per-volume information, ordered by index.
	VolumeInfo []VolumeInfo

	entries []Entry
	index   map[string]int
}

// Entries returns the entries in path order.
func (m *Manifest) Entries() []Entry {
	return m.entries
}

// Lookup returns the entry for the given path, if present.
func (m *Manifest) Lookup(path []string) (Entry, bool) {
	if m.index == nil {
		m.buildIndex()
	}
	i, ok := m.index[scan.JoinPath(path)]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

func (m *Manifest) buildIndex() {
	m.index = make(map[string]int, len(m.entries))
	for i, e := range m.entries {
		m.index[scan.JoinPath(e.Path)] = i
	}
}

// ChangedFiles returns the entries for paths whose content was stored,
// changed, or deleted in this set.
func (m *Manifest) ChangedFiles() []Entry {
	var changed []Entry
	for _, e := range m.entries {
		if e.Op != MetadataOnly && e.Type != scan.Directory {
			changed = append(changed, e)
		}
	}
	return changed
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s set %s (chain %s): %d entries, %d volumes", m.Type,
		m.End.UTC().Format(time.RFC3339), m.Chain.UTC().Format(time.RFC3339),
		len(m.entries), m.Volumes)
}

// validate checks that every payload-bearing entry refers to a volume of
// the set.
func (m *Manifest) validate() error {
	for _, e := range m.entries {
		if e.HasPayload() {
			if e.Volume < 1 || e.Volume > m.Volumes {
				return errors.Errorf("%s: volume %d out of range [1,%d]", e.String(),
					e.Volume, m.Volumes)
			}
		} else if e.Volume != 0 {
			return errors.Errorf("%s: %s entry with volume %d", e.String(), e.Op, e.Volume)
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Errors

// DuplicatePathError is returned when a path is recorded twice in one set.
type DuplicatePathError struct {
	Path string
}

func (e *DuplicatePathError) Error() string {
	return e.Path + ": already recorded in this set"
}

// ManifestParseError is returned for malformed manifests.
type ManifestParseError struct {
	Line   int
	Reason string
}

func (e *ManifestParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("manifest line %d: %s", e.Line, e.Reason)
	}
	return "manifest: " + e.Reason
}

var ErrFinalized = errors.New("manifest builder already finalized or discarded")
