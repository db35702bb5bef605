// volume/volume.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package volume packs the payloads of a backup set into size-bounded
// volumes. Each volume is compressed and sealed as a unit before it is
// stored and is never modified afterward.
package volume

import (
	"context"
	"fmt"

	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/storage"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Recorder receives entries once their location is final.
// *manifest.Builder implements it.
type Recorder interface {
	Record(e manifest.Entry) error
	AddVolume(v manifest.VolumeInfo) error
}

type PackagerConfig struct {
	Backend storage.Backend
	Sealer  envelope.Sealer
	Codec   codecs.Codec
	// A volume is sealed once its plain size reaches Threshold bytes.
	Threshold int64
	// Name returns the object name for the volume with the given
	// 1-based index.
	Name     func(index int) string
	Recorder Recorder
	// OnSeal, if non-nil, is called after each volume is stored.
	OnSeal func(info manifest.VolumeInfo)
}

// Packager appends payloads to the open volume, sealing and storing it
// whenever it fills up. It's not safe for concurrent use.
type Packager struct {
	cfg     PackagerConfig
	index   int
	w       *writer
	pending []manifest.Entry
	sealed  int64
}

func NewPackager(cfg PackagerConfig) *Packager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	return &Packager{cfg: cfg}
}

// Add records the entry, storing payload in the open volume if the
// entry's op has one. Entries with payloads are passed to the Recorder,
// with Volume and Item set, only after their volume has been stored.
func (p *Packager) Add(ctx context.Context, e manifest.Entry, payload []byte) error {
	if !e.HasPayload() {
		e.Volume, e.Item = 0, 0
		return p.cfg.Recorder.Record(e)
	}

	if p.w == nil {
		p.index++
		p.w = newWriter()
	}
	kind := KindContent
	if e.Op == manifest.IncrementalDelta {
		kind = KindDelta
	}
	e.Volume = p.index
	e.Item = p.w.add(kind, e.String(), payload)
	p.pending = append(p.pending, e)

	if p.w.size() >= p.cfg.Threshold {
		return p.seal(ctx)
	}
	return nil
}

// Close seals and stores the last volume, if it holds anything.
func (p *Packager) Close(ctx context.Context) error {
	if p.w == nil {
		return nil
	}
	return p.seal(ctx)
}

// Volumes returns the number of volumes started so far.
func (p *Packager) Volumes() int {
	return p.index
}

// SealedBytes returns the total size of the volumes stored so far.
func (p *Packager) SealedBytes() int64 {
	return p.sealed
}

func (p *Packager) seal(ctx context.Context) error {
	w := p.w
	p.w = nil
	plain := w.finish()
	plainSize := int64(len(plain))

	c, err := codecs.Compress(p.cfg.Codec, plain)
	if err != nil {
		return errors.Wrapf(err, "volume %d", p.index)
	}
	sealed, err := p.cfg.Sealer.Seal(c)
	if err != nil {
		return errors.Wrapf(err, "volume %d", p.index)
	}
	name := p.cfg.Name(p.index)
	if err := p.cfg.Backend.Put(ctx, name, sealed); err != nil {
		return err
	}
	log.Verbose("%s: stored %d items, %s (%s sealed)", name, len(w.items),
		u.FmtBytes(plainSize), u.FmtBytes(int64(len(sealed))))

	info := manifest.VolumeInfo{
		Index:      p.index,
		PlainSize:  plainSize,
		SealedSize: int64(len(sealed)),
		Hash:       storage.HashBytes(sealed).String(),
		Items:      len(w.items),
	}
	if len(w.items) > 0 {
		info.First = w.items[0].Path
		info.Last = w.items[len(w.items)-1].Path
	}
	p.sealed += info.SealedSize
	if err := p.cfg.Recorder.AddVolume(info); err != nil {
		return err
	}
	for _, e := range p.pending {
		if err := p.cfg.Recorder.Record(e); err != nil {
			return err
		}
	}
	p.pending = p.pending[:0]
	if p.cfg.OnSeal != nil {
		p.cfg.OnSeal(info)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////

// VolumeCorruptError is returned when a volume or one of its items can't
// be read back. Item is -1 when the volume as a whole is bad.
type VolumeCorruptError struct {
	Name string
	Item int
	Err  error
}

func (e *VolumeCorruptError) Error() string {
	if e.Item < 0 {
		return fmt.Sprintf("%s: corrupt volume: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: item %d: corrupt: %v", e.Name, e.Item, e.Err)
}

func (e *VolumeCorruptError) Unwrap() error { return e.Err }

// Volume is an opened volume.
type Volume struct {
	Name string
	// Hash and size of the sealed object as it was stored.
	SealedHash storage.Hash
	SealedSize int64

	plain []byte
	items []ItemInfo
}

// Open fetches, unseals and indexes the named volume. Errors from the
// backend are returned as is; everything else is a *VolumeCorruptError.
func Open(ctx context.Context, b storage.Backend, s envelope.Sealer, name string) (*Volume, error) {
	sealed, err := b.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	corrupt := func(err error) error {
		return &VolumeCorruptError{Name: name, Item: -1, Err: err}
	}

	c, err := s.Unseal(sealed)
	if err != nil {
		return nil, corrupt(err)
	}
	plain, err := codecs.Decompress(c)
	if err != nil {
		return nil, corrupt(err)
	}
	items, err := parseIndex(plain)
	if err != nil {
		return nil, corrupt(err)
	}
	return &Volume{
		Name:       name,
		SealedHash: storage.HashBytes(sealed),
		SealedSize: int64(len(sealed)),
		plain:      plain,
		items:      items,
	}, nil
}

// Items returns the volume's index.
func (v *Volume) Items() []ItemInfo {
	return v.items
}

// Item returns the payload of the i'th item.
func (v *Volume) Item(i int) ([]byte, error) {
	if i < 0 || i >= len(v.items) {
		return nil, &VolumeCorruptError{Name: v.Name, Item: i,
			Err: errors.Errorf("no such item; volume has %d", len(v.items))}
	}
	it := v.items[i]
	payload, err := decodeBlob(v.plain[it.Offset:])
	if err != nil {
		return nil, &VolumeCorruptError{Name: v.Name, Item: i, Err: err}
	}
	if int64(len(payload)) != it.Length || storage.HashBytes(payload) != it.Hash {
		return nil, &VolumeCorruptError{Name: v.Name, Item: i,
			Err: errors.New("payload doesn't match index")}
	}
	return payload, nil
}

// Size returns the volume's plain size.
func (v *Volume) Size() int64 {
	return int64(len(v.plain))
}
