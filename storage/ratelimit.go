// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker

package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// bandwidthLimiter doles out a per-second budget of bytes in 1/8th second
// increments. Each backend gets its own, so independent runs don't share
// state. It runs until the context it was created with is done, after
// which transfers through it fail.
type bandwidthLimiter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	// Set once the limiter has stopped.
	err  error
	done chan struct{}
}

func newBandwidthLimiter(ctx context.Context, bytesPerSecond int) *bandwidthLimiter {
	bl := &bandwidthLimiter{done: make(chan struct{})}
	bl.cond = sync.NewCond(&bl.mu)

	// 1/8th of a second
	ticker := time.NewTicker(125 * time.Millisecond)
	go func() {
		defer close(bl.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				bl.mu.Lock()
				bl.err = ctx.Err()
				bl.cond.Broadcast()
				bl.mu.Unlock()
				return
			case <-ticker.C:
			}
			bl.mu.Lock()

			// Release 1/8th of the per-second limit every 8th of a second.
			// The 94/100 factor in the amount released adds some slop to
			// account for TCP/IP overhead and HTTP headers in an effort to
			// have the actual bandwidth used not exceed the desired limit.
			bl.available += bytesPerSecond * 94 / 100 / 8
			if bl.available > bytesPerSecond {
				// Don't ever queue up more than one second's worth of
				// transmission.
				bl.available = bytesPerSecond
			}

			// Wake up any threads that are waiting for more bandwidth now
			// that we've doled some more out.
			bl.cond.Broadcast()
			bl.mu.Unlock()
		}
	}()
	return bl
}

// rateLimitedReader is an io.Reader implementation that returns no more
// bytes than the limiter currently allows.
type rateLimitedReader struct {
	ctx context.Context
	R   io.Reader
	bl  *bandwidthLimiter
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	// Loop until some amount of bandwidth is available.
	lr.bl.mu.Lock()
	for {
		if err := lr.ctx.Err(); err != nil {
			lr.bl.mu.Unlock()
			return 0, err
		}
		if lr.bl.err != nil {
			lr.bl.mu.Unlock()
			return 0, errors.Wrap(lr.bl.err, "bandwidth limiter stopped")
		}
		if lr.bl.available > 0 {
			break
		}
		// No further transfer is possible at the moment; wait for the
		// ticker to dole out more bandwidth and signal the condition
		// variable.
		lr.bl.cond.Wait()
	}

	// The caller would like us to return up to this many bytes...
	n := len(dst)

	// but don't do more than we're allowed to...
	if n > lr.bl.available {
		n = lr.bl.available
	}

	// Update the budget for the maximum amount of what we may consume and
	// relinquish the lock so that other workers can claim bandwidth.
	lr.bl.available -= n
	lr.bl.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// It may turn out that the amount we read from the original
		// io.Reader is less than the caller asked for; in this case,
		// we give back the bandwidth that we reserved but didn't use.
		lr.bl.mu.Lock()
		lr.bl.available += n - read
		lr.bl.mu.Unlock()
	}

	return read, err
}

func (bl *bandwidthLimiter) transfer(ctx context.Context, b []byte) ([]byte, error) {
	if bl == nil {
		return b, nil
	}
	return io.ReadAll(rateLimitedReader{ctx: ctx, R: bytes.NewReader(b), bl: bl})
}

///////////////////////////////////////////////////////////////////////////
// Rate-limited Backend

type rateLimited struct {
	Backend
	up, down *bandwidthLimiter
}

// NewRateLimited returns a Backend that limits the rate at which object
// data is uploaded to and downloaded from b. Zero means unlimited. The
// limits are enforced until ctx is done; transfers fail after that.
func NewRateLimited(ctx context.Context, b Backend, uploadBytesPerSecond, downloadBytesPerSecond int) Backend {
	if uploadBytesPerSecond <= 0 && downloadBytesPerSecond <= 0 {
		return b
	}
	rl := &rateLimited{Backend: b}
	if uploadBytesPerSecond > 0 {
		rl.up = newBandwidthLimiter(ctx, uploadBytesPerSecond)
	}
	if downloadBytesPerSecond > 0 {
		rl.down = newBandwidthLimiter(ctx, downloadBytesPerSecond)
	}
	return rl
}

func (rl *rateLimited) Put(ctx context.Context, name string, data []byte) error {
	data, err := rl.up.transfer(ctx, data)
	if err != nil {
		return err
	}
	return rl.Backend.Put(ctx, name, data)
}

func (rl *rateLimited) Get(ctx context.Context, name string) ([]byte, error) {
	b, err := rl.Backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return rl.down.transfer(ctx, b)
}
