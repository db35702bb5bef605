// scan/xattr_linux.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package scan

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// readXattrs returns the extended attributes of the file at path, without
// following symlinks.
func readXattrs(path string) (map[string][]byte, error) {
	sz, err := unix.Llistxattr(path, nil)
	if err != nil || sz == 0 {
		return nil, ignoreUnsupported(err)
	}
	buf := make([]byte, sz)
	if sz, err = unix.Llistxattr(path, buf); err != nil {
		return nil, ignoreUnsupported(err)
	}

	var xattrs map[string][]byte
	for _, name := range bytes.Split(buf[:sz], []byte{0}) {
		if len(name) == 0 {
			continue
		}
		n := string(name)
		vsz, err := unix.Lgetxattr(path, n, nil)
		if err != nil {
			return xattrs, err
		}
		v := make([]byte, vsz)
		if vsz, err = unix.Lgetxattr(path, n, v); err != nil {
			return xattrs, err
		}
		if xattrs == nil {
			xattrs = make(map[string][]byte)
		}
		xattrs[n] = v[:vsz]
	}
	return xattrs, nil
}

func ignoreUnsupported(err error) error {
	if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
		return nil
	}
	return err
}
