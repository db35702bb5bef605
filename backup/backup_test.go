// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/restore"
	"github.com/mmp/dbk/storage"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2017, 7, 1, 12, 0, 0, 0, time.UTC)

func at(h int) func() time.Time {
	return func() time.Time { return t0.Add(time.Duration(h) * time.Hour) }
}

func writeFile(t *testing.T, root, path string, content []byte, mode os.FileMode) {
	p := filepath.Join(root, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, content, mode))
	require.NoError(t, os.Chmod(p, mode))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

// testTree creates a small tree: "a", "c", "d/b", and a symlink to "a".
func testTree(t *testing.T) (root string, a []byte) {
	root = t.TempDir()
	a = randomBytes(10000)
	writeFile(t, root, "a", a, 0644)
	writeFile(t, root, "c", []byte("cccc"), 0644)
	writeFile(t, root, "d/b", []byte("bbb"), 0644)
	require.NoError(t, os.Symlink("a", filepath.Join(root, "link")))
	return root, a
}

func testConfig(t *testing.T, root string, b storage.Backend) Config {
	sealer, _, err := envelope.NewPassphrase(nil, "backup test")
	require.NoError(t, err)
	return Config{
		Root:       root,
		Backend:    b,
		Sealer:     sealer,
		Codec:      codecs.Zstd,
		VolumeSize: 4096,
		Workers:    3,
		ArchiveDir: t.TempDir(),
	}
}

func ops(m *manifest.Manifest) map[string]manifest.Op {
	r := make(map[string]manifest.Op)
	for _, e := range m.Entries() {
		r[e.String()] = e.Op
	}
	return r
}

func TestFullAndIncremental(t *testing.T) {
	ctx := context.Background()
	root, a := testTree(t)
	cfg := testConfig(t, root, storage.NewMemory())
	var status bytes.Buffer
	cfg.Status = u.NewStanzaWriter(&status)

	cfg.Now = at(0)
	res, err := Run(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, manifest.Full, res.Key.Type)
	require.True(t, res.Key.Chain.Equal(t0))
	require.Empty(t, res.Failures)
	s := res.Stats
	require.EqualValues(t, 6, s.SourceFiles)
	require.EqualValues(t, 6, s.NewFiles)
	require.EqualValues(t, 10007, s.NewFileSize)
	require.EqualValues(t, 6, s.DeltaEntries)
	require.EqualValues(t, 10007, s.RawDeltaSize)
	require.True(t, s.TotalDestinationSizeChange > 0)
	require.Equal(t, cfg.Naming.Manifest(res.Key, res.Manifest.Volumes), res.ManifestName)
	require.FileExists(t, filepath.Join(cfg.ArchiveDir, cfg.Naming.Signatures(res.Key)))
	_, err = cfg.Backend.Get(ctx, cfg.Naming.Partial(res.Key))
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Change things.
	a2 := append(append([]byte(nil), a...), []byte("more data")...)
	writeFile(t, root, "a", a2, 0644)
	require.NoError(t, os.Chmod(filepath.Join(root, "c"), 0600))
	require.NoError(t, os.Remove(filepath.Join(root, "d", "b")))
	writeFile(t, root, "e", []byte("eeee"), 0644)

	cfg.Now = at(1)
	res, err = Run(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, manifest.Incremental, res.Key.Type)
	require.True(t, res.Key.Start.Equal(t0))
	s = res.Stats
	require.EqualValues(t, 6, s.SourceFiles)
	require.EqualValues(t, 1, s.NewFiles)
	require.EqualValues(t, 2, s.ChangedFiles)
	require.EqualValues(t, 1, s.DeletedFiles)
	require.EqualValues(t, 4, s.DeltaEntries)
	require.True(t, s.ChangedDeltaSize > 0 && s.ChangedDeltaSize < 1000, "%d", s.ChangedDeltaSize)
	require.Equal(t, map[string]manifest.Op{
		"a":   manifest.IncrementalDelta,
		"c":   manifest.MetadataOnly,
		"d/b": manifest.Delete,
		"e":   manifest.FullStore,
	}, ops(res.Manifest))

	var deleted []string
	require.NoError(t, u.ReadStanzas(&status, func(st u.Stanza) error {
		if st.Keyword == u.KeywordInfo && st.Args[0] == "6" {
			deleted = append(deleted, st.Args[1])
		}
		return nil
	}))
	require.Equal(t, []string{"d/b"}, deleted)

	// Nothing changes.
	cfg.Now = at(2)
	res, err = Run(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, manifest.Incremental, res.Key.Type)
	require.EqualValues(t, 0, res.Stats.DeltaEntries)
	require.Equal(t, 0, res.Manifest.Volumes)

	st, loader, err := collection.AnalyzeBackend(ctx, cfg.Backend, cfg.Sealer, collection.Options{})
	require.NoError(t, err)
	require.Len(t, st.Chains, 1)
	chain := st.Chains[0]
	require.Len(t, chain.Sets(), 3)
	require.Empty(t, st.Partial)

	src := restore.NewBackendSource(cfg.Backend, cfg.Sealer, loader, 4)
	p, err := restore.NewPlanner(ctx, src, chain, t0)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, p.Reconstruct(ctx, []string{"a"}, &buf))
	require.Equal(t, a, buf.Bytes())
	_, ok := p.Lookup([]string{"d", "b"})
	require.True(t, ok)

	p, err = restore.NewPlanner(ctx, src, chain, time.Time{})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, p.Reconstruct(ctx, []string{"a"}, &buf))
	require.Equal(t, a2, buf.Bytes())

	vr, err := restore.Verify(ctx, p, root, nil, true)
	require.NoError(t, err)
	require.Empty(t, vr.Failures)
	require.Empty(t, vr.Differences)
	require.Equal(t, 6, vr.Checked)
}

func TestChooseSetType(t *testing.T) {
	ctx := context.Background()
	root, _ := testTree(t)
	cfg := testConfig(t, root, storage.NewMemory())

	// No chain yet.
	cfg.Mode, cfg.Now = Incremental, at(0)
	res, err := Run(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, manifest.Full, res.Key.Type)

	cfg.Mode, cfg.Now = Auto, at(1)
	cfg.FullIfOlderThan = 2 * time.Hour
	res, err = Run(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, manifest.Incremental, res.Key.Type)

	cfg.Now = at(3)
	res, err = Run(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, manifest.Full, res.Key.Type)
	require.EqualValues(t, 6, res.Stats.NewFiles)

	// Same time as the latest set.
	_, err = Run(ctx, cfg)
	require.Error(t, err)

	cfg.Mode, cfg.Now = Full, at(4)
	res, err = Run(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, manifest.Full, res.Key.Type)

	st, _, err := collection.AnalyzeBackend(ctx, cfg.Backend, cfg.Sealer, collection.Options{})
	require.NoError(t, err)
	require.Len(t, st.Chains, 3)
	require.Len(t, st.Chains[2].Sets(), 2)
}

// failingPuts fails to store objects of one kind.
type failingPuts struct {
	storage.Backend
	kind collection.Kind
}

func (f *failingPuts) Put(ctx context.Context, name string, data []byte) error {
	if n, ok := collection.Parse(name); ok && n.Kind == f.kind {
		return errors.New("injected failure")
	}
	return f.Backend.Put(ctx, name, data)
}

func TestInterrupted(t *testing.T) {
	ctx := context.Background()
	root, _ := testTree(t)
	mem := storage.NewMemory()
	cfg := testConfig(t, root, mem)

	cfg.Now = at(0)
	_, err := Run(ctx, cfg)
	require.NoError(t, err)

	writeFile(t, root, "new", randomBytes(5000), 0644)
	cfg.Backend = &failingPuts{Backend: mem, kind: collection.KindManifest}
	cfg.Now = at(1)
	_, err = Run(ctx, cfg)
	require.Error(t, err)

	st, _, err := collection.AnalyzeBackend(ctx, mem, cfg.Sealer, collection.Options{})
	require.NoError(t, err)
	require.Len(t, st.Chains, 1)
	require.Len(t, st.Chains[0].Sets(), 1)
	require.Len(t, st.Partial, 1)
	require.Equal(t, "backup in progress or interrupted", st.Partial[0].Reason)
	require.NotEmpty(t, st.Extraneous())

	// The next run starts over from the last complete set.
	cfg.Backend = mem
	cfg.Now = at(2)
	res, err := Run(ctx, cfg)
	require.NoError(t, err)
	require.True(t, res.Key.Start.Equal(t0))
	require.EqualValues(t, 1, res.Stats.NewFiles)

	st, _, err = collection.AnalyzeBackend(ctx, mem, cfg.Sealer, collection.Options{})
	require.NoError(t, err)
	require.Len(t, st.Chains[0].Sets(), 2)
	require.Len(t, st.Partial, 1)
}

func TestCancelled(t *testing.T) {
	root, _ := testTree(t)
	cfg := testConfig(t, root, storage.NewMemory())
	cfg.Now = at(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)

	st, _, err := collection.AnalyzeBackend(context.Background(), cfg.Backend, cfg.Sealer,
		collection.Options{})
	require.NoError(t, err)
	require.Empty(t, st.Chains)
}

func TestProgress(t *testing.T) {
	root, _ := testTree(t)
	cfg := testConfig(t, root, storage.NewMemory())
	var status bytes.Buffer
	cfg.Status = u.NewStanzaWriter(&status)
	cfg.ProgressBytes = 1000
	cfg.Now = at(0)
	_, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	var read []string
	require.NoError(t, u.ReadStanzas(&status, func(st u.Stanza) error {
		if st.Keyword == u.KeywordInfo && st.Args[0] == "2" {
			require.Len(t, st.Args, 3)
			require.Equal(t, "a", st.Args[1], "only a is larger than the interval")
			read = append(read, st.Args[2])
		}
		return nil
	}))
	require.True(t, len(read) > 1, "%v", read)
	require.Equal(t, "10000", read[len(read)-1])
}

func TestUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions don't apply to root")
	}
	ctx := context.Background()
	root, _ := testTree(t)
	writeFile(t, root, "secret", []byte("shh"), 0000)
	cfg := testConfig(t, root, storage.NewMemory())

	cfg.Now = at(0)
	res, err := Run(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "secret", res.Failures[0].Path)
	require.EqualValues(t, 1, res.Stats.Errors)
	_, ok := res.Manifest.Lookup([]string{"secret"})
	require.False(t, ok)
}

func TestStatsString(t *testing.T) {
	s := Stats{
		StartTime:                  time.Unix(1500000000, 250000000),
		EndTime:                    time.Unix(1500000062, 0),
		SourceFiles:                12,
		SourceFileSize:             123456,
		NewFiles:                   3,
		NewFileSize:                4096,
		DeletedFiles:               1,
		ChangedFiles:               2,
		ChangedFileSize:            2000,
		ChangedDeltaSize:           100,
		DeltaEntries:               6,
		RawDeltaSize:               4196,
		TotalDestinationSizeChange: 3000,
		Errors:                     1,
	}
	str := s.String()
	require.Contains(t, str, "--------------[ Backup Statistics ]--------------\n")
	require.Contains(t, str, "ElapsedTime 61.75 (1m1.75s)\n")
	require.Contains(t, str, "SourceFileSize 123456 (121 KiB)\n")
	require.Contains(t, str, "Errors 1\n")

	p, err := ParseStats(str)
	require.NoError(t, err)
	require.True(t, p.StartTime.Equal(s.StartTime))
	require.True(t, p.EndTime.Equal(s.EndTime))
	p.StartTime, p.EndTime = s.StartTime, s.EndTime
	require.Equal(t, s, *p)

	_, err = ParseStats("SourceFiles\n")
	require.Error(t, err)
	p, err = ParseStats("SomethingNew 12\nNewFiles 3\n")
	require.NoError(t, err)
	require.EqualValues(t, 3, p.NewFiles)
}
