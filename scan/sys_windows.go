// scan/sys_windows.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package scan

import "os"

func fillSys(a *Attrs, fi os.FileInfo) {}
