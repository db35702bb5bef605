// rdso/file_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileRestore(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	buf := make([]byte, 100000+r.Intn(100000))
	r.Read(buf)

	dir := t.TempDir()
	fn := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(fn, buf, 0600))
	require.NoError(t, EncodeFile(fn, fn+".rs", 5, 2, 4096))
	require.NoError(t, CheckFile(fn, fn+".rs", nil))

	// Clobber one byte in the second data shard of the first segment.
	corrupted := dupe(buf)
	corrupted[4096+17] ^= 0xff
	require.NoError(t, os.WriteFile(fn, corrupted, 0600))
	require.Equal(t, ErrFileCorrupt, CheckFile(fn, fn+".rs", nil))

	require.NoError(t, RestoreFile(fn, fn+".rs", nil))
	got, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.True(t, bytes.Equal(buf, got))
	require.NoError(t, CheckFile(fn, fn+".rs", nil))
}

func TestTooManyErrors(t *testing.T) {
	buf := make([]byte, 3*1024)
	rand.New(rand.NewSource(3)).Read(buf)

	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 3, 1, 1024))

	// Two bad data shards in a segment with a single parity shard can't
	// be repaired.
	bad := dupe(buf)
	bad[10]++
	bad[1024+10]++
	var restored bytes.Buffer
	err := Restore(bytes.NewReader(bad), bytes.NewReader(rs.Bytes()), int64(len(bad)),
		&restored, nil, nil)
	require.ErrorIs(t, err, ErrFileCorrupt)
}
