// scan/xattr_other.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build !linux

package scan

func readXattrs(path string) (map[string][]byte, error) {
	return nil, nil
}
