// scan/sys_unix.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build !windows

package scan

import (
	"os"
	"syscall"
)

// fillSys fills in the owner and device number from the platform's stat
// information.
func fillSys(a *Attrs, fi os.FileInfo) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	a.UID = st.Uid
	a.GID = st.Gid
	if a.Type == Device {
		a.Rdev = uint64(st.Rdev)
	}
}
