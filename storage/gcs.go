// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions are given as query arguments of gs:// URLs.
type GCSOptions struct {
	ProjectId string `schema:"project"`
	// Optional. Will use "us-central1" if not specified.
	Location string `schema:"location"`
	// Storage class of the objects; "STANDARD" if not specified.
	StorageClass    string `schema:"class"`
	CredentialsFile string `schema:"credentials"`
}

// Implements the Backend interface to store objects in Google Cloud
// Storage.
type gcsBackend struct {
	bucketName string
	prefix     string
	opts       GCSOptions
	client     *gcs.Client
	bucket     *gcs.BucketHandle
}

// NewGCS returns a Backend that stores objects in the given bucket under
// prefix, creating the bucket if it doesn't exist.
func NewGCS(ctx context.Context, bucket, prefix string, opts GCSOptions) (Backend, error) {
	var copts []option.ClientOption
	if opts.CredentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, copts...)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	g := &gcsBackend{bucketName: bucket, prefix: prefix, opts: opts, client: client,
		bucket: client.Bucket(bucket)}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := opts.Location
		if loc == "" {
			loc = "us-central1"
		}
		if opts.ProjectId == "" {
			return nil, errors.Errorf("gs://%s: bucket doesn't exist and no project given", bucket)
		}
		log.Verbose("%s: creating bucket @ %s", bucket, loc)
		if err := g.bucket.Create(ctx, opts.ProjectId, &gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return g, nil
}

func (g *gcsBackend) String() string {
	return "gs://" + g.bucketName + "/" + g.prefix
}

func (g *gcsBackend) Get(ctx context.Context, name string) ([]byte, error) {
	log.Debug("%s: starting gcs download", name)

	r, err := g.bucket.Object(g.prefix + name).NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	} else if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *gcsBackend) List(ctx context.Context) ([]string, error) {
	var names []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: g.prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return names, nil
		} else if err != nil {
			return nil, err
		}
		n := strings.TrimPrefix(obj.Name, g.prefix)
		if n == "" || strings.Contains(n, "/") || strings.HasSuffix(n, ".tmp") {
			continue
		}
		names = append(names, n)
	}
}

func (g *gcsBackend) Delete(ctx context.Context, name string) error {
	err := g.bucket.Object(g.prefix + name).Delete(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil
	}
	return err
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Put uploads to a temporary object, checks its CRC, and then copies it
// to the final name, so that a partially-uploaded object is never visible
// under its final name.
func (g *gcsBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	obj := g.bucket.Object(g.prefix + name)
	tmpObj := g.bucket.Object(g.prefix + name + ".tmp")

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than buffering it all.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(context.Background())

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is; a mismatch means the data was corrupted on the way.
	localCrc := crc32.Checksum(data, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return errors.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d", name,
			localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = "STANDARD"
	if g.opts.StorageClass != "" {
		copier.StorageClass = g.opts.StorageClass
	}
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(ctx)
	return err
}
