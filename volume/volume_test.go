// volume/volume_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package volume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/scan"
	"github.com/mmp/dbk/storage"
	"github.com/stretchr/testify/require"
)

var setStart = time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)

func volName(i int) string {
	return fmt.Sprintf("test.vol%d.dv", i)
}

type packed struct {
	backend  storage.Backend
	sealer   envelope.Sealer
	manifest *manifest.Manifest
	payloads map[string][]byte
}

// pack stores n entries, every third one without payload, with payloads
// of random sizes up to maxSize.
func pack(t *testing.T, n int, maxSize int, threshold int64) packed {
	ctx := context.Background()
	sealer, _, err := envelope.NewPassphrase(nil, "volume test")
	require.NoError(t, err)
	p := packed{
		backend:  storage.NewMemory(),
		sealer:   sealer,
		payloads: make(map[string][]byte),
	}
	r := rand.New(rand.NewSource(int64(n)))

	p.manifest, err = manifest.WithSet(setStart, manifest.Full, setStart,
		func(b *manifest.Builder) (time.Time, error) {
			pk := NewPackager(PackagerConfig{
				Backend:   p.backend,
				Sealer:    sealer,
				Codec:     codecs.Zstd,
				Threshold: threshold,
				Name:      volName,
				Recorder:  b,
			})
			for i := 0; i < n; i++ {
				e := manifest.Entry{
					Path:  []string{fmt.Sprintf("f%04d", i)},
					Op:    manifest.FullStore,
					Attrs: scan.Attrs{Type: scan.Regular},
				}
				var payload []byte
				if i%3 == 2 {
					e.Op = manifest.MetadataOnly
				} else {
					payload = make([]byte, r.Intn(maxSize))
					// Half random, half zeros, so it compresses somewhat.
					r.Read(payload[:len(payload)/2])
					p.payloads[e.String()] = payload
				}
				if err := pk.Add(ctx, e, payload); err != nil {
					return time.Time{}, err
				}
			}
			if err := pk.Close(ctx); err != nil {
				return time.Time{}, err
			}
			return setStart, nil
		})
	require.NoError(t, err)
	return p
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := pack(t, 300, 4000, 32*1024)
	m := p.manifest
	require.Greater(t, m.Volumes, 3)

	names, err := p.backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, names, m.Volumes)

	cache := NewCache(p.backend, p.sealer, 2)
	n := 0
	for _, e := range m.Entries() {
		if !e.HasPayload() {
			require.Equal(t, 0, e.Volume)
			continue
		}
		n++
		got, err := cache.Item(ctx, volName(e.Volume), e.Item)
		require.NoError(t, err, e.String())
		require.True(t, bytes.Equal(p.payloads[e.String()], got), e.String())
	}
	require.Equal(t, len(p.payloads), n)

	// Entries are added in volume order, so each volume is opened once.
	hits, misses := cache.Stats()
	require.Equal(t, m.Volumes, misses)
	require.Equal(t, n-m.Volumes, hits)

	for _, vi := range m.VolumeInfo {
		v, err := Open(ctx, p.backend, p.sealer, volName(vi.Index))
		require.NoError(t, err)
		require.Equal(t, vi.Hash, v.SealedHash.String())
		require.Equal(t, vi.SealedSize, v.SealedSize)
		require.Equal(t, vi.PlainSize, v.Size())
		require.Equal(t, vi.Items, len(v.Items()))
		require.Equal(t, vi.First, v.Items()[0].Path)
		require.Equal(t, vi.Last, v.Items()[len(v.Items())-1].Path)
	}
}

func TestVolumeBoundaries(t *testing.T) {
	ctx := context.Background()
	const threshold = 16 * 1024
	// Some payloads are bigger than a volume.
	p := pack(t, 200, 3*threshold/2, threshold)

	for _, vi := range p.manifest.VolumeInfo {
		v, err := Open(ctx, p.backend, p.sealer, volName(vi.Index))
		require.NoError(t, err)
		items := v.Items()
		last := items[len(items)-1]
		// Sealing happens as soon as the threshold is reached, so only
		// the last item may go past it.
		require.Less(t, last.Offset, int64(threshold), "volume %d", vi.Index)
		if vi.Index < p.manifest.Volumes {
			require.GreaterOrEqual(t, last.Offset+last.Length, int64(threshold-16),
				"volume %d", vi.Index)
		}
		// Items are never split: each is complete in its volume.
		for _, it := range items {
			b, err := v.Item(it.Item)
			require.NoError(t, err)
			require.Equal(t, p.payloads[it.Path], b)
		}
	}
}

func TestTamperedVolume(t *testing.T) {
	ctx := context.Background()
	p := pack(t, 120, 2000, 8*1024)
	require.Greater(t, p.manifest.Volumes, 2)

	name := volName(2)
	b, err := p.backend.Get(ctx, name)
	require.NoError(t, err)
	b[len(b)/2] ^= 0x40
	require.NoError(t, p.backend.Put(ctx, name, b))

	for i := 1; i <= p.manifest.Volumes; i++ {
		_, err := Open(ctx, p.backend, p.sealer, volName(i))
		if i != 2 {
			require.NoError(t, err, "volume %d", i)
			continue
		}
		var ve *VolumeCorruptError
		require.True(t, errors.As(err, &ve))
		require.Equal(t, name, ve.Name)
		require.Equal(t, -1, ve.Item)
		var ae *envelope.AuthenticationError
		require.True(t, errors.As(err, &ae))
		require.Equal(t, envelope.ReasonTampered, ae.Reason)
	}

	_, err = Open(ctx, p.backend, p.sealer, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCorruptItem(t *testing.T) {
	w := newWriter()
	w.add(KindContent, "a", []byte("first payload"))
	w.add(KindDelta, "b", []byte("second payload"))
	w.add(KindContent, "c", nil)
	plain := w.finish()

	items, err := parseIndex(plain)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, KindDelta, items[1].Kind)
	require.Equal(t, "b", items[1].Path)

	// Flip a byte of the second payload.
	plain[items[1].Offset+int64(len(BlobMagic))+3] ^= 1
	v := &Volume{Name: "v", plain: plain, items: items}

	got, err := v.Item(0)
	require.NoError(t, err)
	require.Equal(t, "first payload", string(got))
	_, err = v.Item(1)
	var ve *VolumeCorruptError
	require.True(t, errors.As(err, &ve))
	require.Equal(t, 1, ve.Item)
	got, err = v.Item(2)
	require.NoError(t, err)
	require.Empty(t, got)
	_, err = v.Item(3)
	require.Error(t, err)

	// Truncations and trailer damage are caught by the index parser.
	for _, n := range []int{0, 5, len(plain) / 2, len(plain) - 1} {
		_, err := parseIndex(plain[:n])
		require.Error(t, err, "%d bytes", n)
	}
	bad := append([]byte(nil), plain...)
	bad[len(bad)-trailerSize] = 0xff
	_, err = parseIndex(bad)
	require.Error(t, err)
}
