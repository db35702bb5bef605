// restore/attrs_linux.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"os"

	"github.com/mmp/dbk/scan"
	"golang.org/x/sys/unix"
)

func setAttrs(path string, a *scan.Attrs, owners bool) error {
	if owners {
		if err := os.Lchown(path, int(a.UID), int(a.GID)); err != nil {
			return err
		}
	}
	for _, name := range a.XattrNames() {
		if err := unix.Lsetxattr(path, name, a.Xattrs[name], 0); err != nil {
			return &os.PathError{Op: "setxattr " + name, Path: path, Err: err}
		}
	}
	if a.Type != scan.Symlink {
		// Symlink permissions aren't meaningful on Linux.
		if err := os.Chmod(path, unixMode(a.Mode)); err != nil {
			return err
		}
	}
	ts := []unix.Timespec{unix.NsecToTimespec(a.ModTime.UnixNano()),
		unix.NsecToTimespec(a.ModTime.UnixNano())}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &os.PathError{Op: "utimes", Path: path, Err: err}
	}
	return nil
}

// unixMode keeps the permission and setuid/setgid/sticky bits.
func unixMode(m os.FileMode) os.FileMode {
	return m & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
}

func mknod(path string, a *scan.Attrs) error {
	mode := uint32(a.Mode.Perm())
	if a.Mode&os.ModeCharDevice != 0 {
		mode |= unix.S_IFCHR
	} else {
		mode |= unix.S_IFBLK
	}
	if err := unix.Mknod(path, mode, int(a.Rdev)); err != nil {
		return &os.PathError{Op: "mknod", Path: path, Err: err}
	}
	return nil
}
