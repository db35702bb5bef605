// sigarchive/sigarchive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package sigarchive stores the content signatures that incremental
// backups compute their deltas against. Each set has an archive: a full
// set's holds the signature of every regular file, and an incremental
// set's holds the new signatures of the files it changed and the paths
// that stopped being regular files. Folding the archives of a chain in
// order gives the signatures as of the chain's latest set.
package sigarchive

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/mmp/dbk/rdiff"
	"github.com/mmp/dbk/scan"
	"github.com/pkg/errors"
)

var archiveMagic = [4]byte{'D', 'B', 'K', 'A'}

const archiveVersion = 1

const (
	recSignature = 1
	recDelete    = 2
)

var ErrFormat = errors.New("malformed signature archive")

// Archive maps paths to signatures. Signatures are kept serialized and
// parsed as they're looked up.
type Archive struct {
	sigs    map[string][]byte
	deleted map[string]bool
}

func New() *Archive {
	return &Archive{sigs: make(map[string][]byte), deleted: make(map[string]bool)}
}

// Add records the signature for path.
func (a *Archive) Add(path []string, sig *rdiff.Signature) error {
	b, err := sig.MarshalBinary()
	if err != nil {
		return err
	}
	p := scan.JoinPath(path)
	a.sigs[p] = b
	delete(a.deleted, p)
	return nil
}

// Delete records that path no longer has a signature.
func (a *Archive) Delete(path []string) {
	p := scan.JoinPath(path)
	delete(a.sigs, p)
	a.deleted[p] = true
}

// Lookup returns the signature for path, if there is one.
func (a *Archive) Lookup(path []string) (*rdiff.Signature, bool, error) {
	b, ok := a.sigs[scan.JoinPath(path)]
	if !ok {
		return nil, false, nil
	}
	sig, err := rdiff.ParseSignature(b)
	if err != nil {
		return nil, false, errors.Wrapf(err, "%s", scan.JoinPath(path))
	}
	return sig, true, nil
}

// Len returns the number of signatures.
func (a *Archive) Len() int {
	return len(a.sigs)
}

// Deleted returns the number of deletion records.
func (a *Archive) Deleted() int {
	return len(a.deleted)
}

// Apply folds a later incremental set's archive into a.
func (a *Archive) Apply(inc *Archive) {
	for p := range inc.deleted {
		delete(a.sigs, p)
	}
	for p, b := range inc.sigs {
		a.sigs[p] = b
	}
}

// MarshalBinary encodes the archive: the magic number and a version byte,
// then a sequence of records, each a uvarint length followed by the
// record's type byte, the path as a uvarint length and bytes, and, for
// signatures, the serialized signature. Records of unknown types and
// bytes after what a record's type calls for are skipped by Parse.
func (a *Archive) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	b.Write(archiveMagic[:])
	b.WriteByte(archiveVersion)

	write := func(typ byte, path string, sig []byte) {
		rec := []byte{typ}
		rec = binary.AppendUvarint(rec, uint64(len(path)))
		rec = append(rec, path...)
		rec = append(rec, sig...)
		b.Write(binary.AppendUvarint(nil, uint64(len(rec))))
		b.Write(rec)
	}
	for _, p := range sortedKeys(a.deleted) {
		write(recDelete, p, nil)
	}
	paths := make([]string, 0, len(a.sigs))
	for p := range a.sigs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		write(recSignature, p, a.sigs[p])
	}
	return b.Bytes(), nil
}

func sortedKeys(m map[string]bool) []string {
	var k []string
	for s := range m {
		k = append(k, s)
	}
	sort.Strings(k)
	return k
}

// Parse decodes an archive encoded by MarshalBinary.
func Parse(b []byte) (*Archive, error) {
	if len(b) < len(archiveMagic)+1 || !bytes.Equal(b[:len(archiveMagic)], archiveMagic[:]) {
		return nil, errors.Wrap(ErrFormat, "bad magic number")
	}
	if v := b[len(archiveMagic)]; v != archiveVersion {
		return nil, errors.Wrapf(ErrFormat, "unsupported version %d", v)
	}
	b = b[len(archiveMagic)+1:]

	a := New()
	for len(b) > 0 {
		n, nv := binary.Uvarint(b)
		if nv <= 0 || n > uint64(len(b)-nv) {
			return nil, errors.Wrap(ErrFormat, "truncated record")
		}
		rec := b[nv : nv+int(n)]
		b = b[nv+int(n):]
		if len(rec) == 0 {
			return nil, errors.Wrap(ErrFormat, "empty record")
		}

		typ := rec[0]
		if typ != recSignature && typ != recDelete {
			continue
		}
		pl, np := binary.Uvarint(rec[1:])
		if np <= 0 || pl > uint64(len(rec)-1-np) {
			return nil, errors.Wrap(ErrFormat, "truncated path")
		}
		path := string(rec[1+np : 1+np+int(pl)])
		switch typ {
		case recSignature:
			a.sigs[path] = rec[1+np+int(pl):]
		case recDelete:
			a.deleted[path] = true
		}
	}
	return a, nil
}
