// restore/planner.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package restore reconstructs files as they were at the time of one of
// a chain's backup sets.
package restore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/rdiff"
	"github.com/mmp/dbk/scan"
	"github.com/mmp/dbk/storage"
	u "github.com/mmp/dbk/util"
	"github.com/mmp/dbk/volume"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// NoSuchVersionError is returned when there's no backup at or before the
// requested time.
type NoSuchVersionError struct {
	Time     time.Time
	Earliest time.Time
}

func (e *NoSuchVersionError) Error() string {
	return fmt.Sprintf("no backup as of %s; earliest is %s", e.Time.Format(time.RFC3339),
		e.Earliest.Format(time.RFC3339))
}

// SelectSets returns the chain's full set followed by the incrementals that
// end at or before t. A zero t selects the whole chain.
func SelectSets(c *collection.Chain, t time.Time) ([]*collection.Set, error) {
	if t.IsZero() {
		return c.Sets(), nil
	}
	if t.Before(c.Full.Time()) {
		return nil, &NoSuchVersionError{Time: t, Earliest: c.Full.Time()}
	}
	sets := []*collection.Set{c.Full}
	for _, s := range c.Incrementals {
		if s.End.After(t) {
			break
		}
		sets = append(sets, s)
	}
	return sets, nil
}

// Source provides a planner with manifests and payloads.
type Source interface {
	Manifest(ctx context.Context, s *collection.Set) (*manifest.Manifest, error)
	Item(ctx context.Context, s *collection.Set, volume, item int) ([]byte, error)
}

// BackendSource reads from a backend, caching recently used volumes.
type BackendSource struct {
	Loader  *collection.Loader
	Volumes *volume.Cache
}

// NewBackendSource returns a BackendSource that uses the given loader's
// manifests, or a new loader if l is nil.
func NewBackendSource(b storage.Backend, s envelope.Sealer, l *collection.Loader,
	cachedVolumes int) *BackendSource {
	if l == nil {
		l = collection.NewLoader(b, s)
	}
	return &BackendSource{Loader: l, Volumes: volume.NewCache(b, s, cachedVolumes)}
}

func (bs *BackendSource) Manifest(ctx context.Context, s *collection.Set) (*manifest.Manifest, error) {
	return bs.Loader.Manifest(ctx, s)
}

func (bs *BackendSource) Item(ctx context.Context, s *collection.Set, vol, item int) ([]byte, error) {
	name, ok := s.VolumeNames[vol]
	if !ok {
		return nil, errors.Errorf("%s: volume %d not found", s, vol)
	}
	return bs.Volumes.Item(ctx, name, item)
}

type step struct {
	set   int
	entry manifest.Entry
}

// File is a path's state as of the planner's time.
type File struct {
	Path []string
	scan.Attrs
	// Time of the set that last changed the file.
	Changed time.Time
	deleted bool
	// The entries to apply to reconstruct the content, oldest first;
	// the first stores the complete content.
	lineage []step
}

func (f *File) String() string {
	return scan.JoinPath(f.Path)
}

// Planner knows the state of every path as of a time.
type Planner struct {
	src       Source
	sets      []*collection.Set
	manifests []*manifest.Manifest
	files     *btree.BTreeG[*File]
}

func fileLess(a, b *File) bool {
	return scan.ComparePaths(a.Path, b.Path) < 0
}

// NewPlanner reads the manifests of the chain's sets that end at or
// before t and works out the resulting state of each path.
func NewPlanner(ctx context.Context, src Source, c *collection.Chain, t time.Time) (*Planner, error) {
	sets, err := SelectSets(c, t)
	if err != nil {
		return nil, err
	}
	p := &Planner{src: src, sets: sets, files: btree.NewBTreeG[*File](fileLess)}
	for i, s := range sets {
		m, err := src.Manifest(ctx, s)
		if err != nil {
			return nil, err
		}
		p.manifests = append(p.manifests, m)
		for _, e := range m.Entries() {
			p.apply(i, e)
		}
	}
	log.Debug("planned %d paths from %d sets", p.files.Len(), len(sets))
	return p, nil
}

// apply updates a path's state with an entry from a later set.
func (p *Planner) apply(set int, e manifest.Entry) {
	f, ok := p.files.Get(&File{Path: e.Path})
	if !ok {
		f = &File{Path: e.Path}
		p.files.Set(f)
	}
	f.Changed = p.sets[set].Time()
	switch e.Op {
	case manifest.FullStore:
		f.Attrs, f.deleted = e.Attrs, false
		f.lineage = nil
		if e.HasPayload() {
			f.lineage = []step{{set, e}}
		}
	case manifest.IncrementalDelta:
		f.Attrs, f.deleted = e.Attrs, false
		f.lineage = append(f.lineage, step{set, e})
	case manifest.Delete:
		f.Attrs = scan.Attrs{Type: scan.Deleted}
		f.deleted, f.lineage = true, nil
	case manifest.MetadataOnly:
		// Content (and its lineage) carries over.
		f.Attrs, f.deleted = e.Attrs, false
	}
}

// Time returns the time of the latest selected set.
func (p *Planner) Time() time.Time {
	return p.sets[len(p.sets)-1].Time()
}

// Sets returns the selected sets.
func (p *Planner) Sets() []*collection.Set {
	return p.sets
}

// Manifests returns the selected sets' manifests.
func (p *Planner) Manifests() []*manifest.Manifest {
	return p.manifests
}

// Lookup returns the state of the given path.
func (p *Planner) Lookup(path []string) (*File, bool) {
	f, ok := p.files.Get(&File{Path: path})
	if !ok || f.deleted {
		return nil, false
	}
	return f, true
}

// Files returns the paths that exist as of the planner's time, in path
// order.
func (p *Planner) Files() []*File {
	var files []*File
	p.files.Scan(func(f *File) bool {
		if !f.deleted {
			files = append(files, f)
		}
		return true
	})
	return files
}

// Reconstruct writes the content of the given regular file to w.
func (p *Planner) Reconstruct(ctx context.Context, path []string, w io.Writer) error {
	f, ok := p.Lookup(path)
	if !ok {
		return errors.Errorf("%s: not found in backup", scan.JoinPath(path))
	}
	b, err := p.content(ctx, f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (p *Planner) content(ctx context.Context, f *File) ([]byte, error) {
	if f.Type != scan.Regular {
		return nil, errors.Errorf("%s: not a regular file", f)
	}
	if len(f.lineage) == 0 || f.lineage[0].entry.Op != manifest.FullStore {
		return nil, errors.Errorf("%s: no stored content to start from", f)
	}

	var content []byte
	for _, st := range f.lineage {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := p.src.Item(ctx, p.sets[st.set], st.entry.Volume, st.entry.Item)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", f)
		}
		if st.entry.Op == manifest.FullStore {
			content = payload
			continue
		}
		d, err := rdiff.ParseDelta(payload)
		if err == nil {
			content, err = rdiff.Patch(content, d)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: applying delta from %s", f, p.sets[st.set])
		}
	}
	if int64(len(content)) != f.Size {
		return nil, errors.Errorf("%s: reconstructed %d bytes, expected %d", f, len(content), f.Size)
	}
	return bytes.Clone(content), nil
}
