// cmd/dbk/commands_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mmp/dbk/collection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTable(t *testing.T) {
	t0 := time.Date(2017, 3, 4, 5, 6, 7, 0, time.UTC)
	hour := func(n int) time.Time { return t0.Add(time.Duration(n) * time.Hour) }

	var n collection.Naming
	full := collection.FullKey(t0)
	inc := collection.IncrementalKey(t0, t0, hour(1))
	orphan := collection.IncrementalKey(t0, hour(2), hour(3))
	partial := collection.FullKey(hour(5))
	var names []string
	for _, k := range []collection.SetKey{full, inc, orphan} {
		names = append(names, n.Manifest(k, 1), n.Signatures(k), n.Volume(k, 1))
	}
	names = append(names, n.Volume(partial, 1), n.Partial(partial))

	st := collection.Analyze(names, collection.Options{})
	require.Len(t, st.Chains, 1)
	require.Len(t, st.Orphaned, 1)
	require.Len(t, st.Partial, 1)

	var b bytes.Buffer
	require.NoError(t, writeStatusTable(&b, st))
	out := b.String()
	for _, k := range []collection.SetKey{full, inc, orphan} {
		assert.Contains(t, out, n.Manifest(k, 1))
	}
	assert.Contains(t, out, "orphaned")
	assert.Contains(t, out, "partial")

	// Chain sets come first, then orphaned, then partial.
	iInc := strings.Index(out, n.Manifest(inc, 1))
	iOrphan := strings.Index(out, "orphaned")
	iPartial := strings.Index(out, "partial")
	assert.True(t, iInc < iOrphan && iOrphan < iPartial, out)
}

func TestStatusTableEmpty(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, writeStatusTable(&b, collection.Analyze(nil, collection.Options{})))
}
