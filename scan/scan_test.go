// scan/scan_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package scan

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeTree(t *testing.T, files map[string]string) string {
	root := t.TempDir()
	for p, contents := range files {
		abs := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(contents), 0644))
	}
	return root
}

func walk(t *testing.T, s *Scanner) []PathRecord {
	var recs []PathRecord
	require.NoError(t, s.Walk(context.Background(), func(r PathRecord) error {
		recs = append(recs, r)
		return nil
	}))
	return recs
}

func paths(recs []PathRecord) []string {
	var p []string
	for _, r := range recs {
		p = append(p, r.String())
	}
	return p
}

func TestWalkOrder(t *testing.T) {
	root := makeTree(t, map[string]string{
		"b/x":    "bx",
		"a-b":    "ab",
		"a/z":    "az",
		"a/c/d":  "acd",
		"ZZ":     "zz",
		"a/c/d2": "acd2",
	})
	require.NoError(t, os.Symlink("a/z", filepath.Join(root, "link")))

	recs := walk(t, &Scanner{Root: root, NoXattrs: true})
	require.Equal(t, []string{".", "ZZ", "a", "a/c", "a/c/d", "a/c/d2", "a/z",
		"a-b", "b", "b/x", "link"}, paths(recs))

	for _, r := range recs {
		switch r.String() {
		case ".", "a", "a/c", "b":
			require.Equal(t, Directory, r.Type, r.String())
		case "link":
			require.Equal(t, Symlink, r.Type)
			require.Equal(t, "a/z", r.Target)
		default:
			require.Equal(t, Regular, r.Type, r.String())
			f, err := r.Open()
			require.NoError(t, err)
			b, err := io.ReadAll(f)
			require.NoError(t, err)
			f.Close()
			require.Equal(t, r.Size, int64(len(b)))
		}
	}

	// The walk order agrees with ComparePaths.
	for i := 1; i < len(recs); i++ {
		require.Less(t, ComparePaths(recs[i-1].Path, recs[i].Path), 0)
	}
}

func TestSelection(t *testing.T) {
	root := makeTree(t, map[string]string{
		"src/main.go":      "",
		"src/main.o":       "",
		"src/sub/util.go":  "",
		"build/out":        "",
		"docs/README":      "",
		"docs/cache/x.tmp": "",
	})

	var sel Selection
	require.NoError(t, sel.Exclude("**/*.o"))
	require.NoError(t, sel.Exclude("build"))
	require.NoError(t, sel.Include("docs/README"))
	require.NoError(t, sel.Include("src"))
	require.NoError(t, sel.Exclude("**"))

	recs := walk(t, &Scanner{Root: root, Selection: &sel, NoXattrs: true})
	require.Equal(t, []string{".", "docs", "docs/README", "src", "src/main.go", "src/sub",
		"src/sub/util.go"}, paths(recs))
}

func TestGlobs(t *testing.T) {
	for _, c := range []struct {
		pattern string
		path    string
		match   bool
	}{
		{"*.go", "a.go", true},
		{"*.go", "d/a.go", false},
		{"**.go", "d/a.go", true},
		{"d", "d/e/f", true},
		{"d?", "d1", true},
		{"d?", "d12", false},
		{"[ab]x", "bx", true},
		{"[!ab]x", "bx", false},
		{"[!ab]x", "cx", true},
		{"ignorecase:FOO", "foo/bar", true},
		{"FOO", "foo", false},
		{"a[", "a[", true},
	} {
		var sel Selection
		require.NoError(t, sel.Exclude(c.pattern))
		include, _ := sel.Match(SplitPath(c.path), false)
		require.Equal(t, c.match, !include, "%s vs %s", c.pattern, c.path)
	}

	var sel Selection
	require.Error(t, sel.Exclude("a//b"))
	require.Error(t, sel.Include("/"))
}

func TestScanErrors(t *testing.T) {
	root := makeTree(t, map[string]string{"ok": "fine"})
	var failed []string
	s := &Scanner{Root: root, NoXattrs: true, OnError: func(p []string, err error) {
		failed = append(failed, JoinPath(p))
	}}
	require.Len(t, walk(t, s), 2)
	require.Empty(t, failed)

	// The root must be a directory.
	err := (&Scanner{Root: filepath.Join(root, "ok")}).Walk(context.Background(),
		func(PathRecord) error { return nil })
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Walk(ctx, func(PathRecord) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestAttrsCompare(t *testing.T) {
	root := makeTree(t, map[string]string{"f": "hello"})
	recs := walk(t, &Scanner{Root: root, NoXattrs: true})
	f := recs[1].Attrs

	g := f
	require.True(t, f.SameContent(&g))
	require.True(t, f.SameMetadata(&g))

	g.Mode = 0600
	require.True(t, f.SameContent(&g))
	require.False(t, f.SameMetadata(&g))

	g = f
	g.Size++
	require.False(t, f.SameContent(&g))

	g = f
	g.Xattrs = map[string][]byte{"user.x": []byte("y")}
	require.False(t, f.SameMetadata(&g))
}
