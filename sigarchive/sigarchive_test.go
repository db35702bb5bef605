// sigarchive/sigarchive_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package sigarchive

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/rdiff"
	"github.com/mmp/dbk/storage"
	"github.com/stretchr/testify/require"
)

func sigOf(t *testing.T, s string) *rdiff.Signature {
	sig, err := rdiff.ComputeSignature(bytes.NewReader([]byte(s)), 4)
	require.NoError(t, err)
	return sig
}

func requireSig(t *testing.T, a *Archive, path []string, content string) {
	t.Helper()
	sig, ok, err := a.Lookup(path)
	require.NoError(t, err)
	require.True(t, ok, "%v", path)
	require.Equal(t, sigOf(t, content).ID(), sig.ID())
}

func requireNoSig(t *testing.T, a *Archive, path []string) {
	t.Helper()
	_, ok, err := a.Lookup(path)
	require.NoError(t, err)
	require.False(t, ok, "%v", path)
}

func TestArchiveRoundTrip(t *testing.T) {
	a := New()
	require.NoError(t, a.Add([]string{"a"}, sigOf(t, "contents of a")))
	require.NoError(t, a.Add([]string{"d", "b c"}, sigOf(t, "")))
	a.Delete([]string{"gone"})

	b, err := a.MarshalBinary()
	require.NoError(t, err)

	// Append a record of a type from the future.
	rec := []byte{77, 1, 'x', 'y', 'z'}
	b = append(b, binary.AppendUvarint(nil, uint64(len(rec)))...)
	b = append(b, rec...)

	a2, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, 2, a2.Len())
	require.Equal(t, 1, a2.Deleted())
	requireSig(t, a2, []string{"a"}, "contents of a")
	requireSig(t, a2, []string{"d", "b c"}, "")
	requireNoSig(t, a2, []string{"gone"})

	for _, bad := range [][]byte{nil, []byte("DBKA"), []byte("DBKA\x07"), b[:len(b)-1]} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, ErrFormat)
	}
}

func TestFold(t *testing.T) {
	full := New()
	require.NoError(t, full.Add([]string{"a"}, sigOf(t, "a1")))
	require.NoError(t, full.Add([]string{"b"}, sigOf(t, "b1")))
	require.NoError(t, full.Add([]string{"c"}, sigOf(t, "c1")))

	inc1 := New()
	require.NoError(t, inc1.Add([]string{"a"}, sigOf(t, "a2")))
	inc1.Delete([]string{"b"})

	inc2 := New()
	require.NoError(t, inc2.Add([]string{"b"}, sigOf(t, "b3")))
	inc2.Delete([]string{"c"})
	require.NoError(t, inc2.Add([]string{"d"}, sigOf(t, "d3")))

	full.Apply(inc1)
	requireSig(t, full, []string{"a"}, "a2")
	requireNoSig(t, full, []string{"b"})
	requireSig(t, full, []string{"c"}, "c1")

	full.Apply(inc2)
	require.Equal(t, 3, full.Len())
	requireSig(t, full, []string{"a"}, "a2")
	requireSig(t, full, []string{"b"}, "b3")
	requireNoSig(t, full, []string{"c"})
	requireSig(t, full, []string{"d"}, "d3")
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemory()
	dir := t.TempDir()
	s := &Store{Backend: b, Sealer: envelope.NewPlain(), Codec: codecs.Snappy, CacheDir: dir}

	t0 := time.Date(2017, 1, 2, 3, 4, 5, 0, time.UTC)
	fullKey := collection.FullKey(t0)
	incKey := collection.IncrementalKey(t0, t0, t0.Add(time.Hour))

	full := New()
	require.NoError(t, full.Add([]string{"a"}, sigOf(t, "a1")))
	require.NoError(t, full.Add([]string{"b"}, sigOf(t, "b1")))
	_, err := s.Put(ctx, fullKey, full)
	require.NoError(t, err)
	require.NoError(t, s.Cache(ctx, fullKey))

	inc := New()
	require.NoError(t, inc.Add([]string{"a"}, sigOf(t, "a2")))
	inc.Delete([]string{"b"})
	_, err = s.Put(ctx, incKey, inc)
	require.NoError(t, err)

	// Make the sets look complete so that they form a chain.
	var n collection.Naming
	names := []string{n.Manifest(fullKey, 0), n.Manifest(incKey, 0), n.Signatures(fullKey),
		n.Signatures(incKey)}
	st := collection.Analyze(names, collection.Options{})
	require.Len(t, st.Chains, 1)

	state, err := s.ChainState(ctx, st.Chains[0])
	require.NoError(t, err)
	require.Equal(t, 1, state.Len())
	requireSig(t, state, []string{"a"}, "a2")
	requireNoSig(t, state, []string{"b"})

	// Both archives are cached now, so the backend copies aren't needed.
	require.FileExists(t, filepath.Join(dir, n.Signatures(incKey)))
	for _, name := range names[2:] {
		require.NoError(t, b.Delete(ctx, name))
	}
	state, err = s.ChainState(ctx, st.Chains[0])
	require.NoError(t, err)
	requireSig(t, state, []string{"a"}, "a2")

	// A damaged cached copy is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, n.Signatures(incKey)), []byte("junk"), 0600))
	_, err = s.ChainState(ctx, st.Chains[0])
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Only the full set's archive remains in the listing.
	require.NoError(t, s.Prune([]string{n.Signatures(fullKey)}))
	require.FileExists(t, filepath.Join(dir, n.Signatures(fullKey)))
	require.NoFileExists(t, filepath.Join(dir, n.Signatures(incKey)))
}
