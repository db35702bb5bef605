// backup/pipeline.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/metrics"
	"github.com/mmp/dbk/rdiff"
	"github.com/mmp/dbk/scan"
	u "github.com/mmp/dbk/util"
	"github.com/mmp/dbk/volume"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type change int

const (
	unchanged change = iota
	added
	modified
	metadataOnly
	deleted
	failed
)

func (c change) String() string {
	return [...]string{"unchanged", "new", "changed", "metadata", "deleted", "failed"}[c]
}

// job carries one scanned path through the pipeline. Workers fill in
// everything after done; the packager reads it once done is closed.
type job struct {
	rec  scan.PathRecord
	done chan struct{}

	change  change
	entry   manifest.Entry
	payload []byte
	sig     *rdiff.Signature
	// The path had a signature that no longer applies.
	dropSig bool
	err     error
}

func newPackager(r *run, b *manifest.Builder) *volume.Packager {
	return volume.NewPackager(volume.PackagerConfig{
		Backend:   r.cfg.Backend,
		Sealer:    r.cfg.Sealer,
		Codec:     r.cfg.Codec,
		Threshold: r.cfg.VolumeSize,
		Name:      func(i int) string { return r.cfg.Naming.Volume(r.key, i) },
		Recorder:  b,
		OnSeal: func(v manifest.VolumeInfo) {
			metrics.VolumesSealedTotal.Inc()
			r.stored(r.cfg.Naming.Volume(r.key, v.Index), v.SealedSize)
		},
	})
}

// walk scans the tree, computing signatures and deltas in parallel, and
// hands the results to the packager in scan order.
func (r *run) walk(ctx context.Context, pk *volume.Packager) error {
	sc := &scan.Scanner{
		Root:      r.cfg.Root,
		Selection: r.cfg.Selection,
		NoXattrs:  r.cfg.NoXattrs,
		OnError: func(path []string, err error) {
			r.fail(scan.JoinPath(path), err)
			r.mu.Lock()
			r.unreadable = append(r.unreadable, path)
			r.mu.Unlock()
		},
	}

	queue := make(chan *job, 4*r.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		var workers errgroup.Group
		workers.SetLimit(r.cfg.Workers)
		err := sc.Walk(gctx, func(rec scan.PathRecord) error {
			j := &job{rec: rec, done: make(chan struct{})}
			select {
			case queue <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
			workers.Go(func() error {
				r.process(j)
				return nil
			})
			return nil
		})
		workers.Wait()
		return err
	})
	g.Go(func() error {
		for j := range queue {
			<-j.done
			if err := r.consume(gctx, pk, j); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// process works out how a path changed since the previous set, reading
// the file if its content may have changed.
func (r *run) process(j *job) {
	defer close(j.done)
	rec := &j.rec
	e := manifest.Entry{Path: rec.Path, Op: manifest.FullStore, Attrs: rec.Attrs}

	j.change = added
	prev := r.prev[rec.String()]
	if prev != nil {
		if prev.SameContent(&rec.Attrs) {
			if prev.SameMetadata(&rec.Attrs) {
				j.change = unchanged
				return
			}
			e.Op = manifest.MetadataOnly
			j.change, j.entry = metadataOnly, e
			return
		}
		j.change = modified
		j.dropSig = prev.Type == scan.Regular
	}
	if rec.Type != scan.Regular {
		j.entry = e
		return
	}

	var prevSig *rdiff.Signature
	if prev != nil && prev.Type == scan.Regular {
		sig, ok, err := r.prevSigs.Lookup(rec.Path)
		if err != nil {
			log.Warning("%s: previous signature: %s", rec, err)
		} else if ok {
			prevSig = sig
		}
	}
	if err := r.read(j, &e, prevSig); err != nil {
		j.change, j.err = failed, err
		return
	}
	j.entry = e
}

// read reads the file once, computing its new signature along the way,
// and sets the payload to either its content or its delta from prevSig,
// whichever is smaller.
func (r *run) read(j *job, e *manifest.Entry, prevSig *rdiff.Signature) error {
	f, err := j.rec.Open()
	if err != nil {
		return &rdiff.ContentReadError{Path: j.rec.String(), Err: err}
	}

	name := j.rec.String()
	rr := &u.ReportingReader{R: f, Msg: name, Log: log, Every: r.cfg.ProgressBytes,
		OnReport: func(n int64, elapsed time.Duration) {
			r.cfg.Status.Info(u.InfoProgress, []string{name, strconv.FormatInt(n, 10)},
				fmt.Sprintf("%s: read %s in %s", name, u.FmtBytes(n), elapsed.Round(time.Millisecond)))
		}}
	defer rr.Close()

	sw := rdiff.NewSignatureWriter(rdiff.BlockSizeFor(j.rec.Size))
	content, err := io.ReadAll(io.TeeReader(rr, sw))
	if err != nil {
		return &rdiff.ContentReadError{Path: j.rec.String(), Err: err}
	}
	j.sig = sw.Signature()
	// The file may have changed since it was scanned.
	e.Size = int64(len(content))
	e.SigRef = j.sig.ID()
	j.payload = content

	if prevSig != nil {
		d, err := rdiff.ComputeDelta(prevSig, bytes.NewReader(content))
		if err != nil {
			return err
		}
		b, err := d.MarshalBinary()
		if err != nil {
			return err
		}
		if len(b) < len(content) {
			e.Op = manifest.IncrementalDelta
			j.payload = b
		}
	}
	return nil
}

// consume passes a processed path to the packager and updates the run's
// statistics and signatures.
func (r *run) consume(ctx context.Context, pk *volume.Packager, j *job) error {
	name := j.rec.String()
	r.seen[name] = true
	s := &r.res.Stats
	s.SourceFiles++
	if j.rec.Type == scan.Regular {
		s.SourceFileSize += j.rec.Size
	}

	switch j.change {
	case unchanged:
		return nil
	case failed:
		var cre *rdiff.ContentReadError
		if !errors.As(j.err, &cre) {
			return j.err
		}
		r.fail(name, j.err)
		// Keep the previous version, if any.
		return nil
	}

	e := j.entry
	if j.sig != nil {
		if err := r.sigs.Add(e.Path, j.sig); err != nil {
			return err
		}
		metrics.SourceBytesTotal.Add(float64(e.Size))
	} else if j.dropSig {
		r.sigs.Delete(e.Path)
	}

	size := int64(0)
	if e.Type == scan.Regular {
		size = e.Size
	}
	switch j.change {
	case added:
		s.NewFiles++
		s.NewFileSize += size
		r.cfg.Status.Info(u.InfoDiffFileNew, []string{name}, "A "+name)
	case modified, metadataOnly:
		s.ChangedFiles++
		s.ChangedFileSize += size
		if e.Op == manifest.IncrementalDelta {
			s.ChangedDeltaSize += int64(len(j.payload))
		}
		r.cfg.Status.Info(u.InfoDiffFileChanged, []string{name}, "M "+name)
	}
	if e.HasPayload() {
		s.RawDeltaSize += int64(len(j.payload))
	}
	metrics.FilesTotal.WithLabelValues(j.change.String()).Inc()
	log.Debug("%s: %s, %s", name, j.change, e.Op)
	return pk.Add(ctx, e, j.payload)
}

// deletions records the paths of the previous state that weren't seen,
// other than those below paths that couldn't be scanned.
func (r *run) deletions(ctx context.Context, pk *volume.Packager) error {
	s := &r.res.Stats
	for _, f := range r.prevFiles {
		name := f.String()
		if r.seen[name] || r.wasUnreadable(f.Path) {
			continue
		}
		if f.Type == scan.Regular {
			r.sigs.Delete(f.Path)
		}
		s.DeletedFiles++
		r.cfg.Status.Info(u.InfoDiffFileDeleted, []string{name}, "D "+name)
		metrics.FilesTotal.WithLabelValues(deleted.String()).Inc()
		e := manifest.Entry{Path: f.Path, Op: manifest.Delete, Attrs: scan.Attrs{Type: scan.Deleted}}
		if err := pk.Add(ctx, e, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) wasUnreadable(path []string) bool {
	for _, p := range r.unreadable {
		if scan.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
