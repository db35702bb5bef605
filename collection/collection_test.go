// collection/collection_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package collection

import (
	"context"
	"testing"
	"time"

	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2017, 1, 2, 3, 4, 5, 0, time.UTC)

func hours(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Hour)
}

func TestNames(t *testing.T) {
	full := FullKey(t0)
	inc := IncrementalKey(t0, hours(1), hours(2))

	long := Naming{}
	assert.Equal(t, "dbk-full.20170102T030405Z.vol3.dv", long.Volume(full, 3))
	assert.Equal(t, "dbk-full.20170102T030405Z.manifest.n12", long.Manifest(full, 12))
	assert.Equal(t, "dbk-full.20170102T030405Z.manifest.part", long.Partial(full))
	assert.Equal(t, "dbk-full.20170102T030405Z.sigs", long.Signatures(full))
	assert.Equal(t, "dbk-inc.20170102T030405Z.20170102T040405Z.to.20170102T050405Z.manifest.n0",
		long.Manifest(inc, 0))

	for _, naming := range []Naming{{}, {Short: true}, {Prefix: "host1-"}, {Prefix: "x.y_", Short: true}} {
		for _, k := range []SetKey{full, inc} {
			for _, name := range []string{naming.Volume(k, 1), naming.Volume(k, 40),
				naming.Manifest(k, 40), naming.Partial(k), naming.Signatures(k)} {
				n, ok := Parse(name)
				require.True(t, ok, name)
				assert.Equal(t, name, n.String())
				assert.Equal(t, naming.Prefix, n.Prefix, name)
				assert.Equal(t, naming.Short, n.Short, name)
				assert.Equal(t, k.Type, n.Type, name)
				assert.True(t, k.Chain.Equal(n.Chain), name)
				assert.True(t, k.Start.Equal(n.Start), name)
				assert.True(t, k.End.Equal(n.End), name)

				// Trailing segments are ignored.
				n2, ok := Parse(name + ".gpg")
				require.True(t, ok, name)
				assert.Equal(t, name, n2.String())
			}
		}
	}

	for _, bad := range []string{
		"",
		"dbk.keyinfo",
		"dbk-full.20170102T030405Z",
		"dbk-full.2017-01-02.vol1.dv",
		"dbk-full.20170102T030405Z.vol0.dv",
		"dbk-full.20170102T030405Z.vol01.dv",
		"dbk-full.20170102T030405Z.vol1",
		"dbk-full.20170102T030405Z.manifest",
		"dbk-full.20170102T030405Z.manifest.nX",
		"dbk-inc.20170102T030405Z.20170102T040405Z.20170102T050405Z.sigs",
		// Ends before it starts.
		"dbk-inc.20170102T030405Z.20170102T050405Z.to.20170102T040405Z.sigs",
		"df.zzzzzzzzzzzzzzzz.s",
		"df.ABC.s",
		"di.1.2.s",
		"README",
	} {
		_, ok := Parse(bad)
		assert.False(t, ok, bad)
	}
}

// setNames returns the names of the objects of a complete set.
func setNames(k SetKey, volumes int) []string {
	var n Naming
	names := []string{n.Manifest(k, volumes), n.Signatures(k)}
	for i := 1; i <= volumes; i++ {
		names = append(names, n.Volume(k, i))
	}
	return names
}

// chainNames returns the names for a chain with a full set at hours(start)
// and incrementals at each of the following hours.
func chainNames(start, incrementals int) ([]string, []SetKey) {
	k := FullKey(hours(start))
	keys := []SetKey{k}
	names := setNames(k, 2)
	for i := 1; i <= incrementals; i++ {
		k = IncrementalKey(hours(start), hours(start+i-1), hours(start+i))
		keys = append(keys, k)
		names = append(names, setNames(k, 1+i%3)...)
	}
	return names, keys
}

func remove(names []string, name string) []string {
	var r []string
	for _, n := range names {
		if n != name {
			r = append(r, n)
		}
	}
	return r
}

func TestAnalyzeChain(t *testing.T) {
	names, keys := chainNames(0, 5)
	names = append(names, "unrelated", "dbk.keyinfo")
	st := Analyze(names, Options{})
	require.Len(t, st.Chains, 1)
	c := st.Chains[0]
	assert.Len(t, c.Incrementals, 5)
	assert.True(t, c.LatestTime().Equal(hours(5)))
	assert.True(t, c.Start().Equal(t0))
	assert.Empty(t, st.Orphaned)
	assert.Empty(t, st.Partial)
	assert.Empty(t, st.Extraneous())
	assert.Equal(t, 2, st.Ignored)
	assert.ElementsMatch(t, remove(remove(names, "unrelated"), "dbk.keyinfo"), c.Objects())

	// Listing order doesn't matter.
	rev := append([]string(nil), names...)
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	st2 := Analyze(rev, Options{})
	require.Len(t, st2.Chains, 1)
	assert.Len(t, st2.Chains[0].Incrementals, 5)

	// Deleting a volume of set k leaves the chain valid through k-1;
	// later sets are orphaned.
	for k := 1; k <= 5; k++ {
		n := remove(names, Naming{}.Volume(keys[k], 1))
		st := Analyze(n, Options{})
		require.Len(t, st.Chains, 1, "k = %d", k)
		assert.Len(t, st.Chains[0].Incrementals, k-1)
		assert.True(t, st.Chains[0].LatestTime().Equal(hours(k-1)))
		require.Len(t, st.Partial, 1)
		assert.Equal(t, keys[k], st.Partial[0].SetKey)
		assert.Contains(t, st.Partial[0].Reason, "volume 1")
		assert.Len(t, st.Orphaned, 5-k)
		for i, s := range st.Orphaned {
			assert.Equal(t, keys[k+1+i], s.SetKey)
		}
		assert.Len(t, st.Extraneous(), len(n)-2-len(st.Chains[0].Objects()))
	}

	// Without its full set's manifest, nothing is restorable.
	st = Analyze(remove(names, Naming{}.Manifest(keys[0], 2)), Options{})
	assert.Empty(t, st.Chains)
	assert.Len(t, st.Partial, 1)
	assert.Len(t, st.Orphaned, 5)
	assert.True(t, st.LastFullTime().IsZero())
	assert.Nil(t, st.ChainAt(time.Time{}))
}

func TestPartialMarker(t *testing.T) {
	names, keys := chainNames(0, 2)
	var n Naming
	inProgress := IncrementalKey(t0, hours(2), hours(3))
	names = append(names, n.Partial(inProgress), n.Volume(inProgress, 1))
	// A marker left behind in a complete set doesn't make it partial.
	names = append(names, n.Partial(keys[1]))

	st := Analyze(names, Options{})
	require.Len(t, st.Chains, 1)
	assert.Len(t, st.Chains[0].Incrementals, 2)
	require.Len(t, st.Partial, 1)
	assert.Equal(t, inProgress, st.Partial[0].SetKey)
	assert.Contains(t, st.Partial[0].Reason, "in progress")
	assert.ElementsMatch(t, []string{n.Partial(inProgress), n.Volume(inProgress, 1), n.Partial(keys[1])},
		st.Extraneous())

	// A retried incremental from the same start continues the chain.
	retry := IncrementalKey(t0, hours(2), hours(4))
	st = Analyze(append(names, setNames(retry, 1)...), Options{})
	require.Len(t, st.Chains, 1)
	require.Len(t, st.Chains[0].Incrementals, 3)
	assert.Equal(t, retry, st.Chains[0].Incrementals[2].SetKey)
}

func TestManifestOK(t *testing.T) {
	names, keys := chainNames(0, 3)
	bad := Naming{}.Manifest(keys[2], 1+2%3)
	st := Analyze(names, Options{ManifestOK: func(s *Set) bool {
		return s.ManifestName != bad
	}})
	require.Len(t, st.Chains, 1)
	assert.Len(t, st.Chains[0].Incrementals, 1)
	require.Len(t, st.Partial, 1)
	assert.Equal(t, "manifest unreadable", st.Partial[0].Reason)
	assert.Len(t, st.Orphaned, 1)
}

func TestMultipleChains(t *testing.T) {
	var names []string
	for _, start := range []int{0, 10, 20} {
		n, _ := chainNames(start, 3)
		names = append(names, n...)
	}
	// Other prefixes are someone else's.
	names = append(names, Naming{Prefix: "other-"}.Manifest(FullKey(hours(30)), 0))

	st := Analyze(names, Options{})
	require.Len(t, st.Chains, 3)
	assert.Equal(t, 1, st.Ignored)
	for i, start := range []int{20, 10, 0} {
		assert.True(t, st.Chains[i].Start().Equal(hours(start)))
	}
	assert.True(t, st.LastFullTime().Equal(hours(20)))

	assert.Equal(t, st.Chains[0], st.ChainAt(time.Time{}))
	assert.Equal(t, st.Chains[0], st.ChainAt(hours(25)))
	assert.Equal(t, st.Chains[1], st.ChainAt(hours(10)))
	assert.Equal(t, st.Chains[1], st.ChainAt(hours(19)))
	assert.Equal(t, st.Chains[2], st.ChainAt(hours(2)))
	assert.Equal(t, st.Chains[2], st.ChainAt(hours(-10)))

	assert.Empty(t, st.ChainsOlderThan(hours(3)))
	assert.Equal(t, []*Chain{st.Chains[2]}, st.ChainsOlderThan(hours(4)))
	assert.Equal(t, []*Chain{st.Chains[1], st.Chains[2]}, st.ChainsOlderThan(hours(100)))

	assert.Equal(t, []*Chain{st.Chains[1], st.Chains[2]}, st.AllButNFull(1))
	assert.Equal(t, []*Chain{st.Chains[2]}, st.AllButNFull(2))
	assert.Empty(t, st.AllButNFull(3))

	assert.Contains(t, st.String(), "Number of contained backup sets: 4")

	other := Analyze(names, Options{Prefix: "other-"})
	require.Len(t, other.Chains, 1)
	assert.Empty(t, other.Chains[0].Incrementals)
}

func TestLoader(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemory()
	sealer := envelope.NewPlain()
	var naming Naming

	put := func(k SetKey, mutate func(m *manifest.Manifest)) {
		m, err := manifest.WithSet(k.Chain, k.Type, k.Start, func(b *manifest.Builder) (time.Time, error) {
			return k.End, b.AddVolume(manifest.VolumeInfo{Index: 1})
		})
		require.NoError(t, err)
		if mutate != nil {
			mutate(m)
		}
		sealed, err := EncodeManifest(m, sealer, codecs.Zstd)
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, naming.Manifest(k, 1), sealed))
		require.NoError(t, b.Put(ctx, naming.Volume(k, 1), []byte("volume")))
	}

	full := FullKey(t0)
	inc1 := IncrementalKey(t0, t0, hours(1))
	inc2 := IncrementalKey(t0, hours(1), hours(2))
	put(full, nil)
	put(inc1, nil)
	// A manifest whose contents disagree with its name.
	put(inc2, func(m *manifest.Manifest) { m.End = hours(3) })

	st, l, err := AnalyzeBackend(ctx, b, sealer, Options{})
	require.NoError(t, err)
	require.Len(t, st.Chains, 1)
	assert.Len(t, st.Chains[0].Incrementals, 1)
	require.Len(t, st.Partial, 1)
	assert.Equal(t, inc2, st.Partial[0].SetKey)

	m, err := l.Manifest(ctx, st.Chains[0].Incrementals[0])
	require.NoError(t, err)
	assert.Equal(t, manifest.Incremental, m.Type)
	assert.True(t, m.End.Equal(hours(1)))

	// Garbage in place of a manifest.
	require.NoError(t, b.Put(ctx, naming.Manifest(inc1, 1), []byte("garbage")))
	st, _, err = AnalyzeBackend(ctx, b, sealer, Options{})
	require.NoError(t, err)
	require.Len(t, st.Chains, 1)
	assert.Empty(t, st.Chains[0].Incrementals)
}
