// storage/open.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
)

// CommonOptions are accepted in the query of every backend URL.
type CommonOptions struct {
	// Bytes per second; zero is unlimited.
	UploadLimit   int `schema:"upload_limit"`
	DownloadLimit int `schema:"download_limit"`
	// Total number of tries for each operation.
	Tries int `schema:"tries"`
}

// Open returns the Backend described by rawURL. Supported schemes are
//
//	file:///path/to/dir[?parity=true]
//	memory://
//	gs://bucket/prefix[?project=&location=&class=&credentials=]
//	s3://bucket/prefix[?endpoint=&region=&class=&insecure=true]
//	sqlite:///path/to/file.db
//
// A URL without a scheme is taken to be a local directory. Each backend
// is wrapped to retry failed operations and, if requested, to limit its
// bandwidth for as long as ctx lasts.
func Open(ctx context.Context, rawURL string) (Backend, error) {
	if !strings.Contains(rawURL, "://") {
		abs, err := filepath.Abs(rawURL)
		if err != nil {
			return nil, err
		}
		rawURL = "file://" + abs
	}
	ep, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	// Split the common options from the driver's own.
	query := ep.Query()
	common := url.Values{}
	for _, k := range []string{"upload_limit", "download_limit", "tries"} {
		if v, ok := query[k]; ok {
			common[k] = v
			query.Del(k)
		}
	}
	co := CommonOptions{Tries: 5}
	if err := decodeArgs(common, &co); err != nil {
		return nil, errors.Wrapf(err, "%s", rawURL)
	}

	var b Backend
	switch ep.Scheme {
	case "file":
		var opts DiskOptions
		if err = decodeArgs(query, &opts); err == nil {
			b, err = NewDisk(ep.Path, opts)
		}
	case "memory":
		if err = decodeArgs(query, &struct{}{}); err == nil {
			b = NewMemory()
		}
	case "gs":
		var opts GCSOptions
		if err = decodeArgs(query, &opts); err == nil {
			b, err = NewGCS(ctx, ep.Host, strings.TrimPrefix(ep.Path, "/"), opts)
		}
	case "s3":
		var opts S3Options
		if err = decodeArgs(query, &opts); err == nil {
			b, err = NewS3(ctx, ep.Host, strings.TrimPrefix(ep.Path, "/"), opts)
		}
	case "sqlite":
		if err = decodeArgs(query, &struct{}{}); err == nil {
			b, err = NewSQLite(ep.Path)
		}
	default:
		err = errors.Errorf("unsupported scheme %q", ep.Scheme)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s", rawURL)
	}

	b = NewRateLimited(ctx, b, co.UploadLimit, co.DownloadLimit)
	return NewRetrying(b, co.Tries), nil
}

// decodeArgs decodes URL query arguments into the given struct; unknown
// arguments are an error.
func decodeArgs(q url.Values, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if err := decoder.Decode(args, q); err != nil {
		return errors.Wrap(err, "parsing URL query")
	}
	return nil
}
