// storage/retry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type retrying struct {
	Backend
	maxTries int
	backoff  time.Duration
}

// NewRetrying returns a Backend that retries failed operations on b up to
// maxTries times in total, sleeping a little longer after each failure.
// Once the tries are exhausted, a *BackendUnavailable is returned. Missing
// objects and cancellation aren't retried.
func NewRetrying(b Backend, maxTries int) Backend {
	if maxTries < 1 {
		maxTries = 1
	}
	return &retrying{Backend: b, maxTries: maxTries, backoff: 100 * time.Millisecond}
}

func (r *retrying) retry(ctx context.Context, op, name string, f func() error) error {
	var err error
	for tries := 1; ; tries++ {
		err = f()
		if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) ||
			ctx.Err() != nil {
			return err
		}
		if tries == r.maxTries {
			return &BackendUnavailable{Backend: r.Backend.String(), Op: op, Name: name,
				Tries: tries, Err: err}
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: %s %s: sleeping due to error %s", r.Backend, op, name, err)
		select {
		case <-time.After(time.Duration(tries) * r.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *retrying) Put(ctx context.Context, name string, data []byte) error {
	return r.retry(ctx, "put", name, func() error {
		return r.Backend.Put(ctx, name, data)
	})
}

func (r *retrying) Get(ctx context.Context, name string) ([]byte, error) {
	var b []byte
	err := r.retry(ctx, "get", name, func() error {
		var err error
		b, err = r.Backend.Get(ctx, name)
		return err
	})
	return b, err
}

func (r *retrying) List(ctx context.Context) ([]string, error) {
	var names []string
	err := r.retry(ctx, "list", "", func() error {
		var err error
		names, err = r.Backend.List(ctx)
		return err
	})
	return names, err
}

func (r *retrying) Delete(ctx context.Context, name string) error {
	return r.retry(ctx, "delete", name, func() error {
		return r.Backend.Delete(ctx, name)
	})
}
