// cmd/dbk/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, text string) string {
	fn := filepath.Join(t.TempDir(), "dbk.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(text), 0600))
	return fn
}

func TestProfile(t *testing.T) {
	fn := writeProfile(t, `
url: file:///backups/home
root: /home/mmp
filters:
  - "- **/.cache"
  - "+ Documents"
  - "- **"
volsize: 8MiB
full_if_older_than: 2W
compress: gzip
`)
	p, err := loadProfile(fn)
	require.NoError(t, err)

	o := globalOptions{URL: "memory://", Compress: ""}
	p.applyTo(&o)
	require.Equal(t, "memory://", o.URL, "command line takes precedence")
	require.Equal(t, "gzip", o.Compress)
	require.Equal(t, "/home/mmp", p.Root)

	sz, err := p.volumeSize()
	require.NoError(t, err)
	require.Equal(t, int64(8<<20), sz)
	d, err := p.fullIfOlderThan()
	require.NoError(t, err)
	require.Equal(t, 14*24*time.Hour, d)

	sel, err := p.selection()
	require.NoError(t, err)
	inc, _ := sel.Match([]string{"Documents", "x"}, false)
	require.True(t, inc)
	inc, _ = sel.Match([]string{"Documents", ".cache", "y"}, false)
	require.False(t, inc)
	inc, _ = sel.Match([]string{"Music"}, true)
	require.False(t, inc)
}

func TestProfileErrors(t *testing.T) {
	for _, text := range []string{
		"filters:\n  - \"Documents\"\n",
		"unknown_key: 1\n",
		"url: [\n",
	} {
		_, err := loadProfile(writeProfile(t, text))
		require.Error(t, err, "%q", text)
	}

	p, err := loadProfile("")
	require.NoError(t, err)
	sel, err := p.selection()
	require.NoError(t, err)
	require.True(t, sel.Empty())
}
