// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// S3Options are given as query arguments of s3:// URLs. Credentials are
// taken from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
type S3Options struct {
	// Defaults to s3.amazonaws.com.
	Endpoint     string `schema:"endpoint"`
	Region       string `schema:"region"`
	StorageClass string `schema:"class"`
	Insecure     bool   `schema:"insecure"`
}

type s3Backend struct {
	bucket string
	prefix string
	opts   S3Options
	client *minio.Client
}

// NewS3 returns a Backend that stores objects in an S3-compatible bucket
// under the given prefix.
func NewS3(ctx context.Context, bucket, prefix string, opts S3Options) (Backend, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(os.Getenv("AWS_ACCESS_KEY_ID"),
			os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN")),
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "s3://%s", bucket)
	} else if !exists {
		log.Verbose("s3://%s: creating bucket", bucket)
		if err := client.MakeBucket(ctx, bucket,
			minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, err
		}
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &s3Backend{bucket: bucket, prefix: prefix, opts: opts, client: client}, nil
}

func (s *s3Backend) String() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *s3Backend) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.prefix+name, bytes.NewReader(data),
		int64(len(data)), minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			StorageClass: s.opts.StorageClass,
		})
	return err
}

func (s *s3Backend) Get(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.prefix+name, minio.GetObjectOptions{})
	if err == nil {
		defer obj.Close()
		var b []byte
		if b, err = io.ReadAll(obj); err == nil {
			return b, nil
		}
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	}
	return nil, err
}

func (s *s3Backend) List(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix: s.prefix,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		n := strings.TrimPrefix(obj.Key, s.prefix)
		if n == "" || strings.Contains(n, "/") {
			continue
		}
		names = append(names, n)
	}
	return names, nil
}

func (s *s3Backend) Delete(ctx context.Context, name string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.prefix+name, minio.RemoveObjectOptions{})
}
