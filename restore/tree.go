// restore/tree.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmp/dbk/scan"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
)

// Failure records a path that couldn't be restored.
type Failure struct {
	Path string
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %v", f.Path, f.Err)
}

// Report summarizes a restore. Failures of individual paths don't stop
// the restore.
type Report struct {
	Files, Dirs, Other int
	Bytes              int64
	Failures           []Failure
}

func (r *Report) fail(path string, err error) {
	log.Warning("%s: %s", path, err)
	r.Failures = append(r.Failures, Failure{Path: path, Err: err})
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "restored %d files (%s), %d directories, %d other", r.Files,
		u.FmtBytes(r.Bytes), r.Dirs, r.Other)
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "; %d failures", len(r.Failures))
	}
	return b.String()
}

type TreeOptions struct {
	// Restore into an existing destination.
	Force bool
	// Don't restore ownership, even when running as root.
	NoOwners bool
}

// RestoreTree writes the files at or below subpath to dest. If subpath
// names a file, dest is that file.
func (p *Planner) RestoreTree(ctx context.Context, dest string, subpath []string,
	opts TreeOptions) (*Report, error) {
	top, ok := p.Lookup(subpath)
	if !ok {
		return nil, errors.Errorf("%s: not found in backup as of %s", scan.JoinPath(subpath),
			u.FormatTime(p.Time()))
	}
	if _, err := os.Lstat(dest); err == nil && !opts.Force {
		if top.Type != scan.Directory || !emptyDir(dest) {
			return nil, errors.Errorf("%s: already exists", dest)
		}
	}

	r := &Report{}
	var dirs []*File
	owners := !opts.NoOwners && os.Geteuid() == 0
	for _, f := range p.Files() {
		if !scan.HasPrefix(f.Path, subpath) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}
		target := filepath.Join(append([]string{dest}, f.Path[len(subpath):]...)...)
		if err := p.restoreOne(ctx, f, target, r); err != nil {
			r.fail(f.String(), err)
			continue
		}
		if f.Type == scan.Directory {
			// Directory metadata is set after their contents are written.
			dirs = append(dirs, f)
			continue
		}
		if err := setAttrs(target, &f.Attrs, owners); err != nil {
			r.fail(f.String(), err)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		f := dirs[i]
		target := filepath.Join(append([]string{dest}, f.Path[len(subpath):]...)...)
		if err := setAttrs(target, &f.Attrs, owners); err != nil {
			r.fail(f.String(), err)
		}
	}
	log.Verbose("%s: %s", dest, r)
	return r, nil
}

func emptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

func (p *Planner) restoreOne(ctx context.Context, f *File, target string, r *Report) error {
	if f.Type != scan.Directory {
		// Replace whatever is there when forcing.
		if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
	}

	switch f.Type {
	case scan.Directory:
		if err := os.MkdirAll(target, 0700); err != nil {
			return err
		}
		r.Dirs++
	case scan.Regular:
		b, err := p.content(ctx, f)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, b, 0600); err != nil {
			return err
		}
		r.Files++
		r.Bytes += int64(len(b))
	case scan.Symlink:
		if err := os.Symlink(f.Target, target); err != nil {
			return err
		}
		r.Other++
	case scan.Device:
		if err := mknod(target, &f.Attrs); err != nil {
			return err
		}
		r.Other++
	default:
		return errors.Errorf("unexpected file type %s", f.Type)
	}
	return nil
}
