// manifest/builder.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"sort"
	"time"

	"github.com/mmp/dbk/scan"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
)

// Builder accumulates the entries of a backup set as it's written. It
// must end with either Finalize or Discard.
type Builder struct {
	chain, start time.Time
	typ          SetType
	entries      *btree.BTreeG[*Entry]
	volumes      map[int]VolumeInfo
	done         bool
}

func entryLess(a, b *Entry) bool {
	return scan.ComparePaths(a.Path, b.Path) < 0
}

// StartSet begins a new set of the given type in the chain that started
// at chain.
func StartSet(chain time.Time, typ SetType, start time.Time) *Builder {
	return &Builder{
		chain:   chain.UTC().Truncate(time.Second),
		start:   start.UTC().Truncate(time.Second),
		typ:     typ,
		entries: btree.NewBTreeG[*Entry](entryLess),
		volumes: make(map[int]VolumeInfo),
	}
}

// Record adds an entry to the set.
func (b *Builder) Record(e Entry) error {
	if b.done {
		return ErrFinalized
	}
	e.Path = append([]string(nil), e.Path...)
	if _, ok := b.entries.Get(&e); ok {
		return &DuplicatePathError{Path: e.String()}
	}
	b.entries.Set(&e)
	return nil
}

// AddVolume records information about a sealed volume of the set.
func (b *Builder) AddVolume(v VolumeInfo) error {
	if b.done {
		return ErrFinalized
	}
	if _, ok := b.volumes[v.Index]; ok || v.Index < 1 {
		return errors.Errorf("volume %d: invalid or already added", v.Index)
	}
	b.volumes[v.Index] = v
	return nil
}

// Len returns the number of entries recorded so far.
func (b *Builder) Len() int {
	return b.entries.Len()
}

// Finalize freezes the set, which ended at end, into a Manifest. No more
// entries may be recorded afterward.
func (b *Builder) Finalize(end time.Time) (*Manifest, error) {
	if b.done {
		return nil, ErrFinalized
	}
	b.done = true

	m := &Manifest{
		Chain: b.chain,
		Type:  b.typ,
		Start: b.start,
		End:   end.UTC().Truncate(time.Second),
	}
	if m.End.Before(m.Start) {
		return nil, errors.Errorf("set end %s before start %s", m.End, m.Start)
	}
	if b.typ == Full && !m.Start.Equal(m.Chain) {
		return nil, errors.Errorf("full set start %s isn't the chain start %s", m.Start, m.Chain)
	}

	for _, v := range b.volumes {
		m.VolumeInfo = append(m.VolumeInfo, v)
	}
	sort.Slice(m.VolumeInfo, func(i, j int) bool {
		return m.VolumeInfo[i].Index < m.VolumeInfo[j].Index
	})
	for i, v := range m.VolumeInfo {
		if v.Index != i+1 {
			return nil, errors.Errorf("volume %d missing", i+1)
		}
	}
	m.Volumes = len(m.VolumeInfo)

	m.entries = make([]Entry, 0, b.entries.Len())
	b.entries.Scan(func(e *Entry) bool {
		m.entries = append(m.entries, *e)
		return true
	})
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.Complete = true
	m.buildIndex()
	return m, nil
}

// Discard abandons the set. It's fine to call it after Finalize.
func (b *Builder) Discard() {
	if !b.done {
		b.done = true
		b.entries = btree.NewBTreeG[*Entry](entryLess)
	}
}

// WithSet runs fn with a new Builder and finalizes the set at the end
// time fn returns; if fn fails, the set is discarded.
func WithSet(chain time.Time, typ SetType, start time.Time,
	fn func(b *Builder) (time.Time, error)) (*Manifest, error) {
	b := StartSet(chain, typ, start)
	defer b.Discard()

	end, err := fn(b)
	if err != nil {
		return nil, err
	}
	return b.Finalize(end)
}
