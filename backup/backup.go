// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup stores a directory tree as a new backup set: either a
// full set that starts a chain or an incremental set holding the changes
// since the latest set of the most recent chain.
package backup

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/metrics"
	"github.com/mmp/dbk/restore"
	"github.com/mmp/dbk/scan"
	"github.com/mmp/dbk/sigarchive"
	"github.com/mmp/dbk/storage"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// DefaultVolumeSize is the volume size used when none is given.
const DefaultVolumeSize = 200 << 20

type Mode int

const (
	// Auto continues the most recent chain if there is one.
	Auto Mode = iota
	Full
	Incremental
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	}
	return "auto"
}

type Config struct {
	Root      string
	Selection *scan.Selection
	NoXattrs  bool

	Backend storage.Backend
	Sealer  envelope.Sealer
	Codec   codecs.Codec
	Naming  collection.Naming

	// Volumes are sealed once they hold VolumeSize bytes.
	VolumeSize int64
	Mode       Mode
	// In Auto mode, start a new chain once the current one is older
	// than this. Zero means never.
	FullIfOlderThan time.Duration
	// ArchiveDir, if set, holds local copies of the signature archives.
	ArchiveDir string
	// Files processed concurrently; GOMAXPROCS if zero.
	Workers int

	Status *u.StanzaWriter
	// Progress stanzas are emitted every ProgressBytes read from a file;
	// every u.DefaultReportBytes if zero.
	ProgressBytes int64
	// Now returns the time of the new set; time.Now if nil.
	Now func() time.Time
}

// Failure is a path that couldn't be backed up. The run continues
// without it.
type Failure struct {
	Path string
	Err  error
}

func (f Failure) String() string {
	return f.Path + ": " + f.Err.Error()
}

// Result describes a completed backup set.
type Result struct {
	RunID        uuid.UUID
	Key          collection.SetKey
	ManifestName string
	Manifest     *manifest.Manifest
	Stats        Stats
	Failures     []Failure
}

type run struct {
	cfg   Config
	key   collection.SetKey
	res   *Result
	store *sigarchive.Store

	// State as of the latest set of the chain being extended; empty for
	// a full backup.
	prevFiles []*restore.File
	prev      map[string]*restore.File
	prevSigs  *sigarchive.Archive

	// Signatures for this set.
	sigs *sigarchive.Archive
	seen map[string]bool

	mu         sync.Mutex
	unreadable [][]string
}

// Run backs up cfg.Root. Individual files that can't be read are
// skipped and reported in the Result; any other error ends the run
// without storing a manifest, which leaves a partial set behind.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.VolumeSize <= 0 {
		cfg.VolumeSize = DefaultVolumeSize
	}

	r := &run{
		cfg:  cfg,
		res:  &Result{RunID: uuid.New()},
		sigs: sigarchive.New(),
		seen: make(map[string]bool),
		prev: make(map[string]*restore.File),
		store: &sigarchive.Store{Backend: cfg.Backend, Sealer: cfg.Sealer, Codec: cfg.Codec,
			Naming: cfg.Naming, CacheDir: cfg.ArchiveDir},
	}
	r.res.Stats.StartTime = time.Now()
	now := cfg.Now().UTC().Truncate(time.Second)

	st, loader, err := collection.AnalyzeBackend(ctx, cfg.Backend, cfg.Sealer,
		collection.Options{Prefix: cfg.Naming.Prefix})
	if err != nil {
		return nil, errors.Wrapf(err, "%s", cfg.Backend)
	}
	for _, s := range st.Partial {
		log.Verbose("%s: ignoring partial set (%s)", s, s.Reason)
	}
	if err := r.choose(ctx, st, loader, now); err != nil {
		return nil, err
	}
	r.res.Key = r.key
	log.Print("%s: starting %s backup of %s", cfg.Backend, r.key, cfg.Root)
	cfg.Status.Info(u.InfoGeneric, []string{"run", r.res.RunID.String()}, "backup "+r.key.String())

	if err := r.backup(ctx, now); err != nil {
		metrics.ErrorsTotal.WithLabelValues("backup").Inc()
		return nil, err
	}

	s := &r.res.Stats
	s.EndTime = time.Now()
	s.Errors = int64(len(r.res.Failures))
	metrics.LastSuccessTimestamp.SetToCurrentTime()
	metrics.BackupDurationSeconds.Set(s.ElapsedTime().Seconds())
	log.Print("%s: stored %s", r.res.ManifestName, u.FmtBytes(s.TotalDestinationSizeChange))
	return r.res, nil
}

// choose decides which kind of set to make and loads the state it
// extends.
func (r *run) choose(ctx context.Context, st *collection.Status, loader *collection.Loader,
	now time.Time) error {
	var base *collection.Chain
	if len(st.Chains) > 0 {
		base = st.Chains[0]
		if !now.After(base.LatestTime()) {
			return errors.Errorf("latest backup at %s is not before %s", u.FormatTime(base.LatestTime()),
				u.FormatTime(now))
		}
	}

	full := r.cfg.Mode == Full || base == nil
	if base == nil && r.cfg.Mode == Incremental {
		log.Warning("no existing backup chain; doing a full backup")
	}
	if !full && r.cfg.Mode == Auto && r.cfg.FullIfOlderThan > 0 &&
		now.Sub(base.Start()) > r.cfg.FullIfOlderThan {
		log.Print("chain started %s is older than %s; starting a new one", u.FormatTime(base.Start()),
			r.cfg.FullIfOlderThan)
		full = true
	}
	if full {
		r.key = collection.FullKey(now)
		return nil
	}

	sigs, err := r.store.ChainState(ctx, base)
	if err != nil {
		if r.cfg.Mode == Incremental {
			return errors.Wrapf(err, "%s: signatures", base)
		}
		log.Warning("%s: %s; doing a full backup", base, err)
		r.key = collection.FullKey(now)
		return nil
	}
	p, err := restore.NewPlanner(ctx, restore.NewBackendSource(r.cfg.Backend, r.cfg.Sealer, loader, 1),
		base, time.Time{})
	if err != nil {
		return err
	}
	r.prevSigs = sigs
	r.prevFiles = p.Files()
	for _, f := range r.prevFiles {
		r.prev[f.String()] = f
	}
	r.key = collection.IncrementalKey(base.Start(), p.Time(), now)
	return nil
}

func (r *run) backup(ctx context.Context, now time.Time) error {
	cfg, key := r.cfg, r.key
	s := &r.res.Stats

	marker := cfg.Naming.Partial(key)
	if err := cfg.Backend.Put(ctx, marker, []byte(r.res.RunID.String()+"\n")); err != nil {
		return errors.Wrapf(err, "%s", marker)
	}

	b := manifest.StartSet(key.Chain, key.Type, key.Start)
	defer b.Discard()
	pk := newPackager(r, b)

	if err := r.walk(ctx, pk); err != nil {
		return err
	}
	if err := r.deletions(ctx, pk); err != nil {
		return err
	}
	if err := pk.Close(ctx); err != nil {
		return err
	}

	n, err := r.store.Put(ctx, key, r.sigs)
	if err != nil {
		return errors.Wrapf(err, "%s", cfg.Naming.Signatures(key))
	}
	r.stored(cfg.Naming.Signatures(key), n)

	m, err := b.Finalize(now)
	if err != nil {
		return err
	}
	enc, err := collection.EncodeManifest(m, cfg.Sealer, cfg.Codec)
	if err != nil {
		return err
	}
	name := cfg.Naming.Manifest(key, m.Volumes)
	cfg.Status.Info(u.InfoUploadBegin, []string{name}, "storing "+name)
	if err := cfg.Backend.Put(ctx, name, enc); err != nil {
		return errors.Wrapf(err, "%s", name)
	}
	r.stored(name, int64(len(enc)))
	r.res.Manifest, r.res.ManifestName = m, name

	// The set is complete now; failures from here on only leave clutter.
	if err := cfg.Backend.Delete(ctx, marker); err != nil {
		log.Warning("%s: %s", marker, err)
	}
	if err := r.store.Cache(ctx, key); err != nil {
		log.Warning("%s: caching signatures: %s", cfg.Naming.Signatures(key), err)
	}
	s.DeltaEntries = int64(len(m.Entries()))
	return nil
}

func (r *run) stored(name string, n int64) {
	r.res.Stats.TotalDestinationSizeChange += n
	metrics.SealedBytesTotal.Add(float64(n))
	r.cfg.Status.Info(u.InfoUploadDone, []string{name, strconv.FormatInt(n, 10)},
		"stored "+name+" ("+u.FmtBytes(n)+")")
}

func (r *run) fail(path string, err error) {
	log.Warning("%s: %s", path, err)
	r.cfg.Status.Warning(u.WarningCannotRead, []string{path}, err.Error())
	metrics.ErrorsTotal.WithLabelValues("read").Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.Failures = append(r.res.Failures, Failure{Path: path, Err: err})
}
