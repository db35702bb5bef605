// cmd/dbk/mount.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Access to backups via FUSE.

import (
	"bytes"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/restore"
	"github.com/mmp/dbk/scan"
	"golang.org/x/net/context"
)

type mountCommand struct {
	Args struct {
		Dir string `positional-arg-name:"mountpoint" required:"yes"`
	} `positional-args:"yes"`
}

func (c *mountCommand) Execute(args []string) error {
	ctx := commandContext
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	st, l, err := e.analyze(ctx)
	if err != nil {
		return err
	}
	src := restore.NewBackendSource(e.backend, e.sealer, l, cachedVolumes)
	return mountFUSE(ctx, c.Args.Dir, createPseudoHierarchy(st, src))
}

// mountFUSE exports a FUSE filesystem where the first two levels of the
// hierarchy are the yyyymmdd and hhmmss of each backup set's time. Below
// that is the tree as of that set.
func mountFUSE(ctx context.Context, dir string, root *pseudoDir) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("dbkfs"),
		fuse.Subtype("dbkfs"),
		fuse.VolumeName("backups"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		if err := fuse.Unmount(dir); err != nil {
			log.Warning("%s: %s", dir, err)
		}
	}()

	log.Print("%s: serving backups; interrupt to unmount", dir)
	if err := fs.Serve(conn, root); err != nil {
		return err
	}
	<-conn.Ready
	return conn.MountError
}

// snapshot is the tree as of one backup set. The planner is created the
// first time the tree is accessed, since that means reading the
// manifests of the chain up to the set.
type snapshot struct {
	src   restore.Source
	chain *collection.Chain
	time  time.Time

	once     sync.Once
	planner  *restore.Planner
	children map[string][]*restore.File
	err      error
}

func (s *snapshot) load() (*restore.Planner, error) {
	s.once.Do(func() {
		s.planner, s.err = restore.NewPlanner(context.Background(), s.src, s.chain, s.time)
		if s.err != nil {
			log.Error("%s: %s", s.chain, s.err)
			return
		}
		s.children = make(map[string][]*restore.File)
		for _, f := range s.planner.Files() {
			if len(f.Path) > 0 {
				parent := scan.JoinPath(f.Path[:len(f.Path)-1])
				s.children[parent] = append(s.children[parent], f)
			}
		}
	})
	return s.planner, s.err
}

// Implements various FUSE interfaces for the top levels of the
// hierarchy: yyyymmdd/hhmmss.
type pseudoDir struct {
	name string
	// Each pseudoDir either has 1+ subdirectories in entries or a
	// non-nil snapshot.
	entries []*pseudoDir
	snap    *snapshot
}

// createPseudoHierarchy returns a pseudoDir with an entry for every
// complete set reachable from a full set.
func createPseudoHierarchy(st *collection.Status, src restore.Source) *pseudoDir {
	var root pseudoDir
	for i := len(st.Chains) - 1; i >= 0; i-- {
		c := st.Chains[i]
		for _, s := range c.Sets() {
			t := s.Time().Local()
			snap := &snapshot{src: src, chain: c, time: s.Time()}
			pseudoAddRecursive(&root, []string{t.Format("20060102"), t.Format("150405")}, snap)
		}
	}
	return &root
}

func pseudoAddRecursive(pd *pseudoDir, comps []string, snap *snapshot) {
	if len(comps) == 0 {
		pd.snap = snap
		return
	}
	for _, e := range pd.entries {
		if e.name == comps[0] {
			pseudoAddRecursive(e, comps[1:], snap)
			return
		}
	}
	pd.entries = append(pd.entries, &pseudoDir{name: comps[0]})
	pseudoAddRecursive(pd.entries[len(pd.entries)-1], comps[1:], snap)
}

func (pd *pseudoDir) Root() (fs.Node, error) {
	return pd, nil
}

func (pd *pseudoDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (pd *pseudoDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, entry := range pd.entries {
		if entry.name != name {
			continue
		}
		if entry.snap == nil {
			return entry, nil
		}
		p, err := entry.snap.load()
		if err != nil {
			return nil, fuse.EIO
		}
		f, ok := p.Lookup(nil)
		if !ok {
			return nil, fuse.ENOENT
		}
		return &fileNode{f, entry.snap}, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (pd *pseudoDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, entry := range pd.entries {
		de = append(de, fuse.Dirent{Name: entry.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// fileNode is a path in a snapshot.
type fileNode struct {
	*restore.File
	snap *snapshot
}

func (n *fileNode) Attr(ctx context.Context, a *fuse.Attr) error {
	if n.IsFile() {
		a.Size = uint64(n.Size)
	}
	a.Mode = n.Mode
	a.Mtime = n.ModTime
	a.Uid = n.UID
	a.Gid = n.GID
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (n *fileNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if !n.IsDir() {
		return nil, fuse.ENOENT
	}
	for _, f := range n.snap.children[n.String()] {
		if f.Path[len(f.Path)-1] == name {
			return &fileNode{f, n.snap}, nil
		}
	}
	return nil, fuse.ENOENT
}

func direntType(f *restore.File) fuse.DirentType {
	switch f.Type {
	case scan.Directory:
		return fuse.DT_Dir
	case scan.Regular:
		return fuse.DT_File
	case scan.Symlink:
		return fuse.DT_Link
	}
	switch {
	case f.Mode&os.ModeNamedPipe != 0:
		return fuse.DT_FIFO
	case f.Mode&os.ModeSocket != 0:
		return fuse.DT_Socket
	case f.Mode&os.ModeCharDevice != 0:
		return fuse.DT_Char
	case f.Mode&os.ModeDevice != 0:
		return fuse.DT_Block
	}
	return fuse.DT_Unknown
}

// Implements fuse.fs.HandleReadDirAller
func (n *fileNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for _, f := range n.snap.children[n.String()] {
		dirents = append(dirents, fuse.Dirent{Name: f.Path[len(f.Path)-1], Type: direntType(f)})
	}
	return dirents, nil
}

// Implements fuse.fs.NodeReadlinker
func (n *fileNode) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	if !n.IsSymLink() {
		return "", fuse.Errno(syscall.EINVAL)
	}
	return n.Target, nil
}

// Implements fuse.fs.HandleReadAller
func (n *fileNode) ReadAll(ctx context.Context) ([]byte, error) {
	var b bytes.Buffer
	if err := n.snap.planner.Reconstruct(ctx, n.Path, &b); err != nil {
		log.Error("%s: %s", n, err)
		return nil, fuse.EIO
	}
	return b.Bytes(), nil
}
