// restore/attrs_other.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build !linux

package restore

import (
	"os"

	"github.com/mmp/dbk/scan"
	"github.com/pkg/errors"
)

func setAttrs(path string, a *scan.Attrs, owners bool) error {
	if owners {
		if err := os.Lchown(path, int(a.UID), int(a.GID)); err != nil {
			return err
		}
	}
	if a.Type == scan.Symlink {
		return nil
	}
	if err := os.Chmod(path, a.Mode&os.ModePerm); err != nil {
		return err
	}
	return os.Chtimes(path, a.ModTime, a.ModTime)
}

func mknod(path string, a *scan.Attrs) error {
	return errors.Errorf("%s: restoring devices isn't supported on this system", path)
}
