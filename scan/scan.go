// scan/scan.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package scan walks a directory tree, yielding a PathRecord for each
// selected entry.
package scan

import (
	"context"
	"os"
	"path/filepath"

	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Scanner walks the tree under Root.
type Scanner struct {
	Root      string
	Selection *Selection
	// If set, extended attributes aren't read.
	NoXattrs bool
	// OnError is called for each path that can't be scanned; the walk
	// continues without it. If nil, errors are logged.
	OnError func(path []string, err error)
}

// Walk calls fn for the root and then each selected entry below it,
// depth first with each directory's entries in bytewise name order, so
// that parents always precede their children. An error from fn or
// cancellation of ctx stops the walk.
func (s *Scanner) Walk(ctx context.Context, fn func(PathRecord) error) error {
	fi, err := os.Stat(s.Root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.Errorf("%s: not a directory", s.Root)
	}
	rec, err := s.record(nil, s.Root, fi)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return s.walkDir(ctx, nil, s.Root, fn)
}

func (s *Scanner) fail(path []string, err error) {
	if s.OnError != nil {
		s.OnError(path, err)
	} else {
		log.Error("%s: %s", JoinPath(path), err)
	}
}

func (s *Scanner) walkDir(ctx context.Context, dir []string, abs string,
	fn func(PathRecord) error) error {
	// ReadDir returns the entries sorted by name.
	entries, err := os.ReadDir(abs)
	if err != nil {
		s.fail(dir, err)
		return nil
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := append(append([]string(nil), dir...), e.Name())
		include, descend := s.Selection.Match(path, e.IsDir())
		if !include {
			log.Debug("%s: excluding from backup", JoinPath(path))
			continue
		}

		childAbs := filepath.Join(abs, e.Name())
		fi, err := os.Lstat(childAbs)
		if err != nil {
			s.fail(path, err)
			continue
		}
		rec, err := s.record(path, childAbs, fi)
		if err != nil {
			s.fail(path, err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}

		if rec.Type == Directory && descend {
			if err := s.walkDir(ctx, path, childAbs, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) record(path []string, abs string, fi os.FileInfo) (PathRecord, error) {
	a, err := NewAttrs(fi)
	if err != nil {
		return PathRecord{}, err
	}
	fillSys(&a, fi)

	if a.Type == Symlink {
		if a.Target, err = os.Readlink(abs); err != nil {
			return PathRecord{}, err
		}
	}
	if !s.NoXattrs {
		if a.Xattrs, err = readXattrs(abs); err != nil {
			log.Debug("%s: extended attributes: %s", abs, err)
		}
	}
	return NewPathRecord(path, a, abs), nil
}
