// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestSimple(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		if err := backend.Put(ctx, "simple", simple); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}

		b, err := backend.Get(ctx, "simple")
		if err != nil {
			t.Errorf("%s: get: %v", backend, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", backend, simple, b)
		}

		// Objects may be replaced.
		if err := backend.Put(ctx, "simple", []byte("world")); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}
		if b, err := backend.Get(ctx, "simple"); err != nil || string(b) != "world" {
			t.Errorf("%s: got %q, %v after replacing", backend, b, err)
		}
	}
}

func TestEmpty(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		if err := backend.Put(ctx, "empty", nil); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}
		b, err := backend.Get(ctx, "empty")
		if err != nil {
			t.Errorf("%s: get: %v", backend, err)
		}
		if len(b) != 0 {
			t.Errorf("%s: got %d bytes for empty object", backend, len(b))
		}
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		if _, err := backend.Get(ctx, "flurgz"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", backend, err)
		}
		// Deleting something that's not there is fine.
		if err := backend.Delete(ctx, "flurgz"); err != nil {
			t.Errorf("%s: delete: %v", backend, err)
		}
	}
}

func TestInvalidName(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		for _, n := range []string{"", ".hidden", "a/b", ".."} {
			if err := backend.Put(ctx, n, []byte("x")); !errors.Is(err, ErrInvalidName) {
				t.Errorf("%s: %q: expected ErrInvalidName, got %v", backend, n, err)
			}
		}
	}
}

func TestListDelete(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		for _, n := range []string{"blurp", "flurg", "zot"} {
			if err := backend.Put(ctx, n, []byte(n)); err != nil {
				t.Fatalf("%s: put: %v", backend, err)
			}
		}
		if err := backend.Delete(ctx, "flurg"); err != nil {
			t.Fatalf("%s: delete: %v", backend, err)
		}

		names, err := backend.List(ctx)
		if err != nil {
			t.Fatalf("%s: list: %v", backend, err)
		}
		sort.Strings(names)
		if len(names) != 2 || names[0] != "blurp" || names[1] != "zot" {
			t.Errorf("%s: unexpected listing %v", backend, names)
		}
		if _, err := backend.Get(ctx, "flurg"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: deleted object still readable: %v", backend, err)
		}
	}
}

func genRandom(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func TestManyRandom(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(11))
	for _, backend := range getStorage(t) {
		const count = 200
		var objects [][]byte
		for i := 0; i < count; i++ {
			buf := genRandom(r, r.Intn(64*1024))
			if err := backend.Put(ctx, name(i), buf); err != nil {
				t.Fatalf("%s: %d: %v", backend, i, err)
			}
			objects = append(objects, buf)
		}

		for _, i := range r.Perm(count) {
			b, err := backend.Get(ctx, name(i))
			if err != nil {
				t.Fatalf("%s: %d: %v", backend, i, err)
			}
			// Make sure the two match
			if !bytes.Equal(b, objects[i]) {
				t.Errorf("%s: %d: didn't get same bytes back!", backend, i)
			}
		}
	}
}

func name(i int) string {
	return "obj" + string(rune('a'+i%26)) + string(rune('a'+i/26))
}

func TestDiskParityRepair(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewDisk(dir, DiskOptions{Parity: true})
	if err != nil {
		t.Fatal(err)
	}

	data := genRandom(rand.New(rand.NewSource(5)), 300*1024)
	if err := backend.Put(ctx, "vol", data); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "vol.rs")); err != nil {
		t.Fatalf("no parity sidecar: %v", err)
	}

	// Flip some bits on disk; Get should transparently repair them.
	corrupted := append([]byte(nil), data...)
	corrupted[1000] ^= 0x55
	corrupted[200000] ^= 0xaa
	if err := os.WriteFile(filepath.Join(dir, "vol"), corrupted, 0600); err != nil {
		t.Fatal(err)
	}

	b, err := backend.Get(ctx, "vol")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(b, data) {
		t.Errorf("repaired data doesn't match")
	}
	onDisk, _ := os.ReadFile(filepath.Join(dir, "vol"))
	if !bytes.Equal(onDisk, data) {
		t.Errorf("repaired data not written back")
	}

	// Sidecars aren't listed as objects.
	names, err := backend.List(ctx)
	if err != nil || len(names) != 1 || names[0] != "vol" {
		t.Errorf("unexpected listing %v, %v", names, err)
	}
}

// flaky fails the first few operations.
type flaky struct {
	Backend
	failures int
	calls    int
}

var errFlaky = errors.New("flaky")

func (f *flaky) Put(ctx context.Context, name string, data []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errFlaky
	}
	return f.Backend.Put(ctx, name, data)
}

func (f *flaky) Get(ctx context.Context, name string) ([]byte, error) {
	f.calls++
	return f.Backend.Get(ctx, name)
}

func TestRetrying(t *testing.T) {
	ctx := context.Background()

	f := &flaky{Backend: NewMemory(), failures: 2}
	b := NewRetrying(f, 3)
	b.(*retrying).backoff = time.Millisecond
	if err := b.Put(ctx, "x", []byte("y")); err != nil {
		t.Fatalf("put should succeed on the third try: %v", err)
	}

	f = &flaky{Backend: NewMemory(), failures: 10}
	b = NewRetrying(f, 3)
	b.(*retrying).backoff = time.Millisecond
	err := b.Put(ctx, "x", []byte("y"))
	var bu *BackendUnavailable
	if !errors.As(err, &bu) {
		t.Fatalf("expected BackendUnavailable, got %v", err)
	}
	if bu.Tries != 3 || bu.Op != "put" || !errors.Is(err, errFlaky) {
		t.Errorf("unexpected error %+v", bu)
	}

	// Missing objects aren't retried.
	f.calls = 0
	if _, err := b.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if f.calls != 1 {
		t.Errorf("ErrNotFound retried %d times", f.calls)
	}
}

func TestRateLimited(t *testing.T) {
	ctx := context.Background()
	b := NewRateLimited(ctx, NewMemory(), 256*1024, 0)
	data := genRandom(rand.New(rand.NewSource(1)), 64*1024)

	start := time.Now()
	if err := b.Put(ctx, "x", data); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Errorf("upload of %d bytes wasn't limited", len(data))
	}
	if got, err := b.Get(ctx, "x"); err != nil || !bytes.Equal(got, data) {
		t.Errorf("get: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := b.Put(cctx, "y", data); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestRateLimiterStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewRateLimited(ctx, NewMemory(), 1024, 1024)
	rl := b.(*rateLimited)
	cancel()
	for _, bl := range []*bandwidthLimiter{rl.up, rl.down} {
		select {
		case <-bl.done:
		case <-time.After(5 * time.Second):
			t.Fatal("limiter goroutine still running")
		}
	}

	// Transfers through a stopped limiter fail rather than waiting for
	// bandwidth that will never come.
	if err := b.Put(context.Background(), "x", make([]byte, 4096)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, u := range []string{
		"memory://",
		"file://" + dir + "/a?parity=true",
		dir + "/b",
		"sqlite://" + dir + "/c.db?tries=2",
		"memory://?upload_limit=1000000",
	} {
		b, err := Open(ctx, u)
		if err != nil {
			t.Errorf("%s: %v", u, err)
			continue
		}
		if err := b.Put(ctx, "x", []byte("hi")); err != nil {
			t.Errorf("%s: put: %v", u, err)
		}
	}

	for _, u := range []string{
		"ftp://host/dir",
		"file://" + dir + "?bogus=1",
		"memory://?tries=many",
	} {
		if _, err := Open(ctx, u); err == nil {
			t.Errorf("%s: expected error", u)
		}
	}
}

func getStorage(t *testing.T) []Backend {
	var b []Backend

	b = append(b, NewMemory())
	b = append(b, NewRetrying(NewMemory(), 2))

	for _, opts := range []DiskOptions{{}, {Parity: true}} {
		d, err := NewDisk(t.TempDir(), opts)
		if err != nil {
			t.Fatalf("%v", err)
		}
		b = append(b, d)
	}

	s, err := NewSQLite(filepath.Join(t.TempDir(), "objects.db"))
	if err != nil {
		t.Fatalf("%v", err)
	}
	b = append(b, s)

	return b
}
