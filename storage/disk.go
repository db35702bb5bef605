// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/mmp/dbk/rdso"
	"github.com/pkg/errors"
)

// The Reed-Solomon encoding implementation ends up reading the whole
// object into memory (and more); volumes are bounded in size, so this
// isn't too bad.
const (
	rsDataShards   = 17
	rsParityShards = 3
	rsHashRate     = 64 * 1024
)

type disk struct {
	dir    string
	parity bool
}

// DiskOptions configures a disk backend.
type DiskOptions struct {
	// If set, a Reed-Solomon parity sidecar is written next to each
	// object; corrupted objects are repaired when they're read.
	Parity bool `schema:"parity"`
}

// NewDisk returns a new storage.Backend that stores each object as a file
// in the given directory, which is created if necessary.
func NewDisk(dir string, opts DiskOptions) (Backend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	// Make sure that the backup directory is in fact a directory.
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	} else if !stat.IsDir() {
		return nil, errors.Errorf("%s: is not a directory", dir)
	}
	return &disk{dir: dir, parity: opts.Parity}, nil
}

func (d *disk) String() string {
	return "file://" + d.dir
}

func (d *disk) path(name string) string {
	return filepath.Join(d.dir, name)
}

func (d *disk) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.parity {
		var rs bytes.Buffer
		err := rdso.Encode(bytes.NewReader(data), int64(len(data)), &rs,
			rsDataShards, rsParityShards, rsHashRate)
		if err != nil {
			return errors.Wrapf(err, "%s: Reed-Solomon encoding", name)
		}
		if err := renameio.WriteFile(d.path(name)+".rs", rs.Bytes(), 0600); err != nil {
			return err
		}
	}
	// Write the data last so that an object is never visible without
	// its sidecar.
	return renameio.WriteFile(d.path(name), data, 0600)
}

func (d *disk) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(d.path(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	} else if err != nil {
		return nil, err
	}
	if !d.parity {
		return b, nil
	}

	rs, err := os.ReadFile(d.path(name) + ".rs")
	if os.IsNotExist(err) {
		log.Warning("%s: no Reed-Solomon sidecar", d.path(name))
		return b, nil
	} else if err != nil {
		return nil, err
	}

	err = rdso.Check(bytes.NewReader(b), bytes.NewReader(rs), nil)
	if err == nil {
		return b, nil
	} else if err != rdso.ErrFileCorrupt {
		return nil, errors.Wrapf(err, "%s", d.path(name))
	}

	log.Warning("%s: corrupt; restoring from Reed-Solomon encoding", d.path(name))
	var restored, restoredRs bytes.Buffer
	if err := rdso.Restore(bytes.NewReader(b), bytes.NewReader(rs), int64(len(b)),
		&restored, &restoredRs, log); err != nil {
		return nil, errors.Wrapf(err, "%s", d.path(name))
	}
	if err := renameio.WriteFile(d.path(name)+".rs", restoredRs.Bytes(), 0600); err != nil {
		log.Warning("%s.rs: %s", d.path(name), err)
	}
	if err := renameio.WriteFile(d.path(name), restored.Bytes(), 0600); err != nil {
		log.Warning("%s: %s", d.path(name), err)
	}
	return restored.Bytes(), nil
}

func (d *disk) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		// Skip Reed-Solomon sidecars and renameio's temporary files.
		if e.IsDir() || strings.HasPrefix(n, ".") || strings.HasSuffix(n, ".rs") {
			continue
		}
		names = append(names, n)
	}
	return names, nil
}

func (d *disk) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	for _, p := range []string{d.path(name), d.path(name) + ".rs"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
