// volume/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package volume

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/mmp/dbk/storage"
	"github.com/pkg/errors"
)

/*
Plain (pre-compression, pre-sealing) volume format:
- Header: VolumeMagic and a version byte.
- Items: for each payload, BlobMagic, its length as a uvarint, and the
  payload bytes.
- Index: IdxMagic, the number of records as a uvarint, then each record
  as a uvarint length followed by that many bytes: item number, kind, the
  offset of the item's BlobMagic, the payload length (all uvarints other
  than kind, which is a byte), the payload's hash, and the path as a
  uvarint length and bytes. Bytes in a record after the path are skipped.
- Trailer: the index offset as 8 big-endian bytes, then VolumeMagic.
*/

var (
	VolumeMagic = [4]byte{'D', 'B', 'K', 'V'}
	BlobMagic   = [4]byte{'B', 'L', '0', 'B'}
	IdxMagic    = [4]byte{'I', 'd', 'x', '3'}
)

const formatVersion = 1

const trailerSize = 8 + len(VolumeMagic)

// Kind records what a payload holds.
type Kind uint8

const (
	// KindContent is the complete content of a file.
	KindContent Kind = iota + 1
	// KindDelta is an rdiff delta against the file's previous content.
	KindDelta
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// ItemInfo is the index record for one payload.
type ItemInfo struct {
	Item   int
	Kind   Kind
	Offset int64
	Length int64
	Hash   storage.Hash
	Path   string
}

// writer accumulates the plain form of a volume.
type writer struct {
	buf   bytes.Buffer
	items []ItemInfo
}

func newWriter() *writer {
	w := &writer{}
	w.buf.Write(VolumeMagic[:])
	w.buf.WriteByte(formatVersion)
	return w
}

func (w *writer) add(kind Kind, path string, payload []byte) int {
	info := ItemInfo{
		Item:   len(w.items),
		Kind:   kind,
		Offset: int64(w.buf.Len()),
		Length: int64(len(payload)),
		Hash:   storage.HashBytes(payload),
		Path:   path,
	}
	w.buf.Write(BlobMagic[:])
	w.buf.Write(binary.AppendUvarint(nil, uint64(len(payload))))
	w.buf.Write(payload)
	w.items = append(w.items, info)
	return info.Item
}

// size returns the volume's current plain size.
func (w *writer) size() int64 {
	return int64(w.buf.Len())
}

// finish appends the index and trailer and returns the volume's bytes.
func (w *writer) finish() []byte {
	idxOffset := w.buf.Len()
	w.buf.Write(IdxMagic[:])
	w.buf.Write(binary.AppendUvarint(nil, uint64(len(w.items))))
	for _, it := range w.items {
		var rec []byte
		rec = binary.AppendUvarint(rec, uint64(it.Item))
		rec = append(rec, byte(it.Kind))
		rec = binary.AppendUvarint(rec, uint64(it.Offset))
		rec = binary.AppendUvarint(rec, uint64(it.Length))
		rec = append(rec, it.Hash[:]...)
		rec = binary.AppendUvarint(rec, uint64(len(it.Path)))
		rec = append(rec, it.Path...)

		w.buf.Write(binary.AppendUvarint(nil, uint64(len(rec))))
		w.buf.Write(rec)
	}
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(idxOffset))
	w.buf.Write(off[:])
	w.buf.Write(VolumeMagic[:])
	return w.buf.Bytes()
}

var (
	errShort = errors.New("premature end of data")
	errMagic = errors.New("bad magic number")
)

// byteReader tracks errors so that a sequence of reads can be checked
// once at the end.
type byteReader struct {
	b   []byte
	err error
}

func (r *byteReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		r.err = errShort
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *byteReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)) {
		r.err = errShort
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

// parseIndex parses the index of a complete plain volume.
func parseIndex(vol []byte) ([]ItemInfo, error) {
	hdr := len(VolumeMagic) + 1
	if len(vol) < hdr+trailerSize {
		return nil, errShort
	}
	if !bytes.Equal(vol[:len(VolumeMagic)], VolumeMagic[:]) ||
		!bytes.Equal(vol[len(vol)-len(VolumeMagic):], VolumeMagic[:]) {
		return nil, errMagic
	}
	if v := vol[len(VolumeMagic)]; v != formatVersion {
		return nil, errors.Errorf("unsupported volume version %d", v)
	}

	trailer := vol[len(vol)-trailerSize:]
	idxOffset := binary.BigEndian.Uint64(trailer[:8])
	if idxOffset < uint64(hdr) || idxOffset > uint64(len(vol)-trailerSize) {
		return nil, errors.Errorf("index offset %d out of range", idxOffset)
	}

	r := &byteReader{b: vol[idxOffset : len(vol)-trailerSize]}
	if !bytes.Equal(r.bytes(uint64(len(IdxMagic))), IdxMagic[:]) {
		if r.err != nil {
			return nil, r.err
		}
		return nil, errMagic
	}
	n := r.uvarint()
	if n > uint64(len(r.b)) {
		return nil, errors.Errorf("%d index records: too many", n)
	}
	items := make([]ItemInfo, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		rec := &byteReader{b: r.bytes(r.uvarint())}
		if r.err != nil {
			break
		}
		var it ItemInfo
		it.Item = int(rec.uvarint())
		if k := rec.bytes(1); rec.err == nil {
			it.Kind = Kind(k[0])
		}
		it.Offset = int64(rec.uvarint())
		it.Length = int64(rec.uvarint())
		copy(it.Hash[:], rec.bytes(storage.HashSize))
		it.Path = string(rec.bytes(rec.uvarint()))
		if rec.err != nil {
			return nil, errors.Wrapf(rec.err, "index record %d", i)
		}
		if it.Item != int(i) {
			return nil, errors.Errorf("index record %d: item number %d", i, it.Item)
		}
		if it.Offset < int64(hdr) || it.Offset+it.Length > int64(idxOffset) {
			return nil, errors.Errorf("item %d: extent [%d,%d) out of range", i,
				it.Offset, it.Offset+it.Length)
		}
		items = append(items, it)
	}
	if r.err != nil {
		return nil, r.err
	}
	return items, nil
}

// decodeBlob returns the payload of the blob starting at the beginning
// of b.
func decodeBlob(b []byte) ([]byte, error) {
	r := &byteReader{b: b}
	if m := r.bytes(uint64(len(BlobMagic))); r.err == nil && !bytes.Equal(m, BlobMagic[:]) {
		return nil, errMagic
	}
	payload := r.bytes(r.uvarint())
	if r.err != nil {
		if r.err == errShort {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, r.err
	}
	return payload, nil
}
