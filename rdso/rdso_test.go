// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func dupe(b []byte) []byte {
	return append([]byte(nil), b...)
}

// damageData flips a byte in n distinct data shards of every segment.
func damageData(r *rand.Rand, b []byte, n, nData, shardSize int) {
	segSize := nData * shardSize
	for seg := 0; seg*segSize < len(b); seg++ {
		for _, s := range r.Perm(nData)[:n] {
			off := seg*segSize + s*shardSize + r.Intn(shardSize)
			if off < len(b) {
				b[off] ^= byte(1 + r.Intn(255))
			}
		}
	}
}

// damageParity returns a copy of the encoding with a byte flipped in n
// distinct parity shards of every segment. The hashes are left intact.
func damageParity(t *testing.T, r *rand.Rand, data, rs []byte, n int) []byte {
	var w bytes.Buffer
	enc := gob.NewEncoder(&w)
	first := true
	err := forEachSegment(bytes.NewReader(data), bytes.NewReader(rs), nil,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if first {
				if err := enc.Encode(h); err != nil {
					return err
				}
				first = false
			}
			parity := shards[h.NDataShards:]
			for _, p := range r.Perm(len(parity))[:n] {
				parity[p][r.Intn(len(parity[p]))] ^= byte(1 + r.Intn(255))
			}
			return enc.Encode(rsFileSegment{Hashes: hashes, Parity: parity})
		})
	require.NoError(t, err)
	return w.Bytes()
}

func TestRecover(t *testing.T) {
	for _, tc := range []struct {
		name                   string
		size                   int
		nData, nParity, shards int
		dataErrs, parityErrs   int
	}{
		{"single segment", 5000, 4, 2, 2048, 1, 1},
		{"data only", 100000, 6, 3, 1024, 3, 0},
		{"parity only", 70000, 3, 2, 4096, 0, 2},
		{"partial last segment", 12345, 5, 4, 1000, 2, 2},
		{"one shard", 3000, 1, 1, 512, 1, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := rand.New(rand.NewSource(int64(tc.size)))
			orig := make([]byte, tc.size)
			r.Read(orig)

			var rs bytes.Buffer
			require.NoError(t, Encode(bytes.NewReader(orig), int64(len(orig)), &rs,
				tc.nData, tc.nParity, tc.shards))
			require.NoError(t, Check(bytes.NewReader(orig), bytes.NewReader(rs.Bytes()), nil))

			data := dupe(orig)
			damageData(r, data, tc.dataErrs, tc.nData, tc.shards)
			badRs := rs.Bytes()
			if tc.parityErrs > 0 {
				badRs = damageParity(t, r, orig, rs.Bytes(), tc.parityErrs)
			}
			require.Equal(t, ErrFileCorrupt,
				Check(bytes.NewReader(data), bytes.NewReader(badRs), nil))

			var restored, restoredRs bytes.Buffer
			require.NoError(t, Restore(bytes.NewReader(data), bytes.NewReader(badRs),
				int64(len(data)), &restored, &restoredRs, nil))
			require.True(t, bytes.Equal(orig, restored.Bytes()), "restored data differs")
			require.True(t, bytes.Equal(rs.Bytes(), restoredRs.Bytes()), "restored encoding differs")
		})
	}
}

func TestEmpty(t *testing.T) {
	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(nil), 0, &rs, 4, 2, 1024))
	require.NoError(t, Check(bytes.NewReader(nil), bytes.NewReader(rs.Bytes()), nil))
}
