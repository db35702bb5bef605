// metrics/metrics_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mmp/dbk/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	b := Instrument(storage.NewMemory())

	puts := testutil.ToFloat64(BackendOpsTotal.WithLabelValues("put", "ok"))
	missing := testutil.ToFloat64(BackendOpsTotal.WithLabelValues("get", "not_found"))
	putBytes := testutil.ToFloat64(BackendBytesTotal.WithLabelValues("put"))

	require.NoError(t, b.Put(ctx, "a", []byte("hello")))
	require.NoError(t, b.Put(ctx, "b", []byte("world!")))
	_, err := b.Get(ctx, "c")
	require.ErrorIs(t, err, storage.ErrNotFound)
	names, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, names, 2)

	require.Equal(t, puts+2, testutil.ToFloat64(BackendOpsTotal.WithLabelValues("put", "ok")))
	require.Equal(t, missing+1,
		testutil.ToFloat64(BackendOpsTotal.WithLabelValues("get", "not_found")))
	require.Equal(t, putBytes+11, testutil.ToFloat64(BackendBytesTotal.WithLabelValues("put")))
}

func TestWriteTextfile(t *testing.T) {
	SourceBytesTotal.Add(1234)
	FilesTotal.WithLabelValues("new").Inc()

	path := filepath.Join(t.TempDir(), "dbk.prom")
	require.NoError(t, WriteTextfile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(b)
	require.Contains(t, s, "# TYPE "+SourceBytesTotalKey+" counter")
	require.Contains(t, s, FilesTotalKey+`{change="new"}`)
	require.True(t, strings.HasSuffix(s, "\n"))

	// A second registry holds the same collectors.
	require.NoError(t, WriteTextfile(path))
}
