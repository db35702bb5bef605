// codecs/codecs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package codecs provides the compression schemes that may be applied to
// volumes and signature archives before they're sealed.
package codecs

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type Codec uint8

const (
	None   Codec = 0
	Gzip   Codec = 1
	Snappy Codec = 2
	Zstd   Codec = 3
)

var codecNames = map[Codec]string{None: "none", Gzip: "gzip", Snappy: "snappy", Zstd: "zstd"}

func (c Codec) String() string {
	if n, ok := codecNames[c]; ok {
		return n
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// Parse returns the Codec with the given name.
func Parse(name string) (Codec, error) {
	for c, n := range codecNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return None, fmt.Errorf("%s: unknown compression codec", name)
}

// Decompressor is a ReadCloser where Close releases Decompressor state,
// but does not Close the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close flushes final content to the
// underlying Writer, but does not Close it.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with codec.
func NewCodecReader(r io.Reader, codec Codec) (Decompressor, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with codec.
func NewCodecWriter(w io.Writer, codec Codec) (Compressor, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

///////////////////////////////////////////////////////////////////////////
// Whole-buffer compression

// Reusing gzip writers gives a big reduction in garbage.
var gzipPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		// Neither can fail with the default options.
		zstdEncoder, _ = zstd.NewWriter(nil)
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder
}

func compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case Gzip:
		var buf bytes.Buffer
		w := gzipPool.Get().(*gzip.Writer)
		defer gzipPool.Put(w)
		w.Reset(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Zstd:
		enc, _ := zstdCoders()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// Compress returns data compressed with the given codec, prefixed with a
// byte that records the codec used. If compression doesn't make the data
// smaller, it's stored as is, flagged with None.
func Compress(codec Codec, data []byte) ([]byte, error) {
	if codec != None {
		c, err := compress(codec, data)
		if err != nil {
			return nil, err
		}
		if len(c) < len(data) {
			return append([]byte{byte(codec)}, c...), nil
		}
	}
	return append([]byte{byte(None)}, data...), nil
}

// Decompress inverts Compress.
func Decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty compressed buffer")
	}
	codec, body := Codec(b[0]), b[1:]
	switch codec {
	case None:
		return body, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Snappy:
		return snappy.Decode(nil, body)
	case Zstd:
		_, dec := zstdCoders()
		return dec.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}
