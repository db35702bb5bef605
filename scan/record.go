// scan/record.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package scan

import (
	"bytes"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FileType is the kind of filesystem entry a PathRecord describes.
type FileType int

const (
	Regular FileType = iota + 1
	Directory
	Symlink
	Device
	// Deleted marks a path that existed in an earlier backup and now
	// doesn't.
	Deleted
)

var typeNames = map[FileType]string{
	Regular:   "reg",
	Directory: "dir",
	Symlink:   "sym",
	Device:    "dev",
	Deleted:   "del",
}

func (t FileType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseFileType is the inverse of FileType.String.
func ParseFileType(s string) (FileType, error) {
	for t, n := range typeNames {
		if n == s {
			return t, nil
		}
	}
	return 0, errors.Errorf("%s: unknown file type", s)
}

// Attrs is the metadata saved for each path.
type Attrs struct {
	Type FileType
	// Not used for directories.
	Size    int64
	Mode    os.FileMode
	UID     uint32
	GID     uint32
	ModTime time.Time
	// Symlink target
	Target string
	// Device number, for devices.
	Rdev   uint64
	Xattrs map[string][]byte
}

// NewAttrs returns the Attrs corresponding to the given FileInfo. Fields
// that aren't available from the FileInfo (owner, device number, extended
// attributes, symlink target) are filled in by the Scanner.
func NewAttrs(fi os.FileInfo) (Attrs, error) {
	a := Attrs{
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode(),
	}
	switch m := fi.Mode(); {
	case m.IsDir():
		a.Type = Directory
		a.Size = 0
	case m.IsRegular():
		a.Type = Regular
	case m&os.ModeSymlink != 0:
		a.Type = Symlink
	case m&os.ModeDevice != 0:
		a.Type = Device
		a.Size = 0
	default:
		return Attrs{}, errors.Errorf("%s: unhandled file type %s", fi.Name(), m.Type())
	}
	return a, nil
}

func (a *Attrs) IsDir() bool     { return a.Type == Directory }
func (a *Attrs) IsFile() bool    { return a.Type == Regular }
func (a *Attrs) IsSymLink() bool { return a.Type == Symlink }

// SameContent reports whether a and b look like they have the same
// content, judging by their type, size, and modification time.
func (a *Attrs) SameContent(b *Attrs) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case Regular:
		return a.Size == b.Size && a.ModTime.Equal(b.ModTime)
	case Symlink:
		return a.Target == b.Target
	case Device:
		return a.Rdev == b.Rdev
	}
	return true
}

// SameMetadata reports whether a and b have the same restorable
// attributes, other than content.
func (a *Attrs) SameMetadata(b *Attrs) bool {
	if a.Mode != b.Mode || a.UID != b.UID || a.GID != b.GID || a.Target != b.Target ||
		len(a.Xattrs) != len(b.Xattrs) {
		return false
	}
	// Directory modification times change whenever their contents do;
	// they're only worth recording along with some other change.
	if a.Type != Directory && !a.ModTime.Equal(b.ModTime) {
		return false
	}
	for k, v := range a.Xattrs {
		if bv, ok := b.Xattrs[k]; !ok || !bytes.Equal(v, bv) {
			return false
		}
	}
	return true
}

// XattrNames returns the names of the extended attributes in sorted
// order.
func (a *Attrs) XattrNames() []string {
	var names []string
	for k := range a.Xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// PathRecord describes one entry in a scanned tree.
type PathRecord struct {
	// Path segments relative to the root; the root itself has none.
	Path []string
	Attrs
	// Where the content can be read, for regular files.
	abs string
}

// NewPathRecord returns a PathRecord whose content, if any, is read from
// the file at abs.
func NewPathRecord(path []string, attrs Attrs, abs string) PathRecord {
	return PathRecord{Path: path, Attrs: attrs, abs: abs}
}

// Open returns the content of a regular file.
func (r *PathRecord) Open() (io.ReadCloser, error) {
	if r.Type != Regular {
		return nil, errors.Errorf("%s: not a regular file", r.String())
	}
	return os.Open(r.abs)
}

func (r *PathRecord) String() string {
	return JoinPath(r.Path)
}

// JoinPath returns the slash-separated form of a path; the root is ".".
func JoinPath(segments []string) string {
	if len(segments) == 0 {
		return "."
	}
	return strings.Join(segments, "/")
}

// SplitPath is the inverse of JoinPath.
func SplitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

// ComparePaths orders paths segment by segment, so that a directory
// immediately precedes its descendants.
func ComparePaths(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// HasPrefix reports whether path is prefix or is below it.
func HasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}
