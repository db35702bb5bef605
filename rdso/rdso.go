// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso applies Reed-Solomon encoding to streams of data, based on
// github.com/klauspost/reedsolomon. The parity data is stored separately
// from the data it protects (in a ".rs" sidecar); it can be used to check
// the integrity of the data and to recover it after corruption.
//
// The data is processed in segments of NDataShards*HashRate bytes. Each
// segment is split into NDataShards shards of HashRate bytes (the last
// one zero-padded), from which NParityShards parity shards are computed.
// The sidecar is a gob stream of an rsFileHeader followed by one
// rsFileSegment per segment, holding the hashes of all of the segment's
// shards and its parity shards.
package rdso

import (
	"encoding/gob"
	"io"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// HashSize is the number of bytes in the hashes stored for each shard.
const HashSize = 32

var ErrFileCorrupt = errors.New("file corrupt")

type hash [HashSize]byte

func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	// Size of the original data
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	// First the data hashes, then the parity hashes.
	Hashes []hash
	Parity [][]byte
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

func (h rsFileHeader) check() error {
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 || h.FileSize < 0 {
		return errors.Errorf("invalid Reed-Solomon header %+v", h)
	}
	return nil
}

// readShards reads the next segment from r into freshly allocated data
// shards; bytes past the end of the data are zero.
func readShards(r io.Reader, h rsFileHeader, remaining int64) ([][]byte, error) {
	buf := make([]byte, h.segmentSize())
	n := h.segmentSize()
	if remaining < n {
		n = remaining
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, err
	}
	shards := make([][]byte, h.NDataShards)
	for i := range shards {
		shards[i] = buf[i*h.HashRate : (i+1)*h.HashRate]
	}
	return shards, nil
}

func hashShards(shards [][]byte) []hash {
	hashes := make([]hash, len(shards))
	for i, s := range shards {
		hashes[i] = hashBytes(s)
	}
	return hashes
}

// Encode reads size bytes from r and writes their Reed-Solomon encoding
// to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards,
	hashRate int) error {
	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	if err := h.check(); err != nil {
		return err
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return err
	}

	for remaining := size; remaining > 0; remaining -= h.segmentSize() {
		shards, err := readShards(r, h, remaining)
		if err != nil {
			return err
		}
		if shards, err = encodeSegment(enc, h, shards); err != nil {
			return err
		}
		if err := genc.Encode(rsFileSegment{hashShards(shards),
			shards[nDataShards:]}); err != nil {
			return err
		}
	}
	return nil
}

// encodeSegment allocates parity shards for the given data shards and
// computes them.
func encodeSegment(enc reedsolomon.Encoder, h rsFileHeader, data [][]byte) ([][]byte, error) {
	all := data
	for i := 0; i < h.NParityShards; i++ {
		all = append(all, make([]byte, h.HashRate))
	}
	if err := enc.Encode(all); err != nil {
		return nil, err
	}
	return all, nil
}

// forEachSegment calls fn for each segment of the data, passing the
// segment's stored hashes and its shards: first the data shards read from
// data, then the stored parity shards.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	fn func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return errors.Wrap(err, "Reed-Solomon header")
	}
	if err := h.check(); err != nil {
		return err
	}
	nShards := h.NDataShards + h.NParityShards

	seg := 0
	for remaining := h.FileSize; remaining > 0; remaining -= h.segmentSize() {
		var s rsFileSegment
		if err := dec.Decode(&s); err != nil {
			return errors.Wrapf(err, "Reed-Solomon segment %d", seg)
		}
		if len(s.Hashes) != nShards || len(s.Parity) != h.NParityShards {
			return errors.Errorf("Reed-Solomon segment %d: %d hashes and %d parity shards",
				seg, len(s.Hashes), len(s.Parity))
		}
		shards, err := readShards(data, h, remaining)
		if err != nil {
			return errors.Wrapf(err, "data segment %d", seg)
		}
		if err := fn(h, s.Hashes, append(shards, s.Parity...)); err != nil {
			return err
		}
		seg++
	}
	log.Debug("processed %d Reed-Solomon segments", seg)
	return nil
}

// badShards returns the indices of the shards whose hashes don't match
// the stored ones.
func badShards(h rsFileHeader, hashes []hash, shards [][]byte) []int {
	var bad []int
	for i, s := range shards {
		if len(s) != h.HashRate || hashBytes(s) != hashes[i] {
			bad = append(bad, i)
		}
	}
	return bad
}

func shardName(h rsFileHeader, i int) string {
	if i < h.NDataShards {
		return "data"
	}
	return "parity"
}

// Check verifies data against its Reed-Solomon encoding, returning
// ErrFileCorrupt if any of the data or parity shards has been modified.
func Check(data, rs io.Reader, log *u.Logger) error {
	nBad := 0
	seg := 0
	err := forEachSegment(data, rs, log,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			for _, i := range badShards(h, hashes, shards) {
				idx := i
				if idx >= h.NDataShards {
					idx -= h.NDataShards
				}
				if log != nil {
					log.Error("segment %d: %s shard %d hash mismatch", seg,
						shardName(h, i), idx)
				}
				nBad++
			}
			seg++
			return nil
		})
	if err != nil {
		return err
	}
	if nBad > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs the original data from possibly-corrupt data and
// its Reed-Solomon encoding, writing the data to w. A repaired encoding
// is written to wrs, if it's non-nil.
func Restore(data, rs io.Reader, size int64, w, wrs io.Writer, log *u.Logger) error {
	var enc reedsolomon.Encoder
	var genc *gob.Encoder
	if wrs != nil {
		genc = gob.NewEncoder(wrs)
	}
	remaining := size
	seg := 0

	err := forEachSegment(data, rs, log,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if enc == nil {
				var err error
				if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
					return err
				}
				if genc != nil {
					if err := genc.Encode(h); err != nil {
						return err
					}
				}
			}

			if bad := badShards(h, hashes, shards); len(bad) > 0 {
				if len(bad) > h.NParityShards {
					return errors.Wrapf(ErrFileCorrupt,
						"segment %d: %d bad shards, only %d parity shards", seg,
						len(bad), h.NParityShards)
				}
				for _, i := range bad {
					log.Warning("segment %d: reconstructing %s shard %d", seg,
						shardName(h, i), i)
					shards[i] = nil
				}
				if err := enc.Reconstruct(shards); err != nil {
					return err
				}
			}

			for _, s := range shards[:h.NDataShards] {
				n := int64(len(s))
				if n > remaining {
					n = remaining
				}
				if _, err := w.Write(s[:n]); err != nil {
					return err
				}
				remaining -= n
			}
			seg++

			if genc != nil {
				return genc.Encode(rsFileSegment{hashShards(shards),
					shards[h.NDataShards:]})
			}
			return nil
		})
	return err
}
