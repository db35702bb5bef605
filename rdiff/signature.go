// rdiff/signature.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdiff implements rsync-style signatures and deltas: a signature
// summarizes old content with per-block weak and strong checksums, a
// delta describes new content as copies of old blocks and literal bytes,
// and applying the delta to the old content reproduces the new content.
package rdiff

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// StrongLen is the number of bytes of SHAKE256 output kept per block.
const StrongLen = 16

const (
	MinBlockSize = 512
	MaxBlockSize = 2048
)

var ErrSignatureFormat = errors.New("malformed signature")

// BlockSizeFor returns the signature block length to use for content of
// the given size. Small files use MinBlockSize; past roughly a megabyte the
// block length grows with the file, up to MaxBlockSize.
func BlockSizeFor(size int64) int {
	if size < 1024000 {
		return MinBlockSize
	}
	bs := int(size/(2000*512)) * 512
	if bs > MaxBlockSize {
		return MaxBlockSize
	}
	if bs < MinBlockSize {
		return MinBlockSize
	}
	return bs
}

type BlockSig struct {
	Weak   uint32
	Strong [StrongLen]byte
}

// Signature summarizes a byte stream; identical content with the same
// block length always produces an identical Signature.
type Signature struct {
	BlockLen int
	// Length of the content that the signature was computed from.
	Length int64
	Blocks []BlockSig
}

func strongSum(b []byte) (s [StrongLen]byte) {
	sha3.ShakeSum256(s[:], b)
	return
}

// tailLen returns the length of the final block, which may be shorter
// than BlockLen.
func (s *Signature) tailLen() int {
	if len(s.Blocks) == 0 {
		return 0
	}
	return int(s.Length - int64(len(s.Blocks)-1)*int64(s.BlockLen))
}

// SignatureWriter computes a Signature incrementally from the bytes
// written to it.
type SignatureWriter struct {
	sig *Signature
	buf []byte
}

func NewSignatureWriter(blockLen int) *SignatureWriter {
	return &SignatureWriter{
		sig: &Signature{BlockLen: blockLen},
		buf: make([]byte, 0, blockLen),
	}
}

func (w *SignatureWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.sig.Length += int64(n)
	for len(p) > 0 {
		c := w.sig.BlockLen - len(w.buf)
		if c > len(p) {
			c = len(p)
		}
		w.buf = append(w.buf, p[:c]...)
		p = p[c:]
		if len(w.buf) == w.sig.BlockLen {
			w.addBlock()
		}
	}
	return n, nil
}

func (w *SignatureWriter) addBlock() {
	w.sig.Blocks = append(w.sig.Blocks,
		BlockSig{Weak: weakSum(w.buf), Strong: strongSum(w.buf)})
	w.buf = w.buf[:0]
}

// Signature returns the signature of everything written so far. The
// writer must not be used afterward.
func (w *SignatureWriter) Signature() *Signature {
	if len(w.buf) > 0 {
		w.addBlock()
	}
	return w.sig
}

// ComputeSignature reads r to the end and returns its signature.
func ComputeSignature(r io.Reader, blockLen int) (*Signature, error) {
	if blockLen <= 0 {
		return nil, errors.Errorf("%d: invalid block length", blockLen)
	}
	w := NewSignatureWriter(blockLen)
	if _, err := io.Copy(w, r); err != nil {
		return nil, &ContentReadError{Err: err}
	}
	return w.Signature(), nil
}

///////////////////////////////////////////////////////////////////////////
// Serialization

var signatureMagic = [4]byte{'D', 'B', 'K', 'S'}

const signatureVersion = 1

// MarshalBinary encodes the signature as the magic number, a version
// byte, then the block length, strong checksum length, content length
// and block count as uvarints, followed by each block's 4-byte weak
// checksum and strong checksum.
func (s *Signature) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 32+len(s.Blocks)*(4+StrongLen))
	b = append(b, signatureMagic[:]...)
	b = append(b, signatureVersion)
	b = binary.AppendUvarint(b, uint64(s.BlockLen))
	b = binary.AppendUvarint(b, StrongLen)
	b = binary.AppendUvarint(b, uint64(s.Length))
	b = binary.AppendUvarint(b, uint64(len(s.Blocks)))
	for _, blk := range s.Blocks {
		b = binary.BigEndian.AppendUint32(b, blk.Weak)
		b = append(b, blk.Strong[:]...)
	}
	return b, nil
}

// ID returns a short hex identifier of the serialized signature.
func (s *Signature) ID() string {
	b, _ := s.MarshalBinary()
	var h [16]byte
	sha3.ShakeSum256(h[:], b)
	return hex.EncodeToString(h[:])
}

// ParseSignature decodes a signature encoded by MarshalBinary. Any bytes
// after the last block are ignored.
func ParseSignature(b []byte) (*Signature, error) {
	r := bytes.NewReader(b)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != signatureMagic {
		return nil, errors.Wrap(ErrSignatureFormat, "bad magic number")
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrSignatureFormat, "missing version")
	}
	if version != signatureVersion {
		return nil, errors.Wrapf(ErrSignatureFormat, "unsupported version %d", version)
	}

	var vals [4]uint64
	for i := range vals {
		if vals[i], err = binary.ReadUvarint(r); err != nil {
			return nil, errors.Wrap(ErrSignatureFormat, "truncated header")
		}
	}
	blockLen, strongLen, length, count := vals[0], vals[1], vals[2], vals[3]
	if blockLen == 0 || strongLen != StrongLen {
		return nil, errors.Wrapf(ErrSignatureFormat, "block length %d, strong length %d",
			blockLen, strongLen)
	}
	if count > uint64(r.Len())/(4+StrongLen) {
		return nil, errors.Wrapf(ErrSignatureFormat, "%d blocks: premature end of data", count)
	}
	if (length+blockLen-1)/blockLen != count {
		return nil, errors.Wrapf(ErrSignatureFormat, "%d blocks for length %d", count, length)
	}

	s := &Signature{BlockLen: int(blockLen), Length: int64(length),
		Blocks: make([]BlockSig, count)}
	var wb [4]byte
	for i := range s.Blocks {
		if _, err := io.ReadFull(r, wb[:]); err != nil {
			return nil, errors.Wrap(ErrSignatureFormat, "premature end of data")
		}
		s.Blocks[i].Weak = binary.BigEndian.Uint32(wb[:])
		if _, err := io.ReadFull(r, s.Blocks[i].Strong[:]); err != nil {
			return nil, errors.Wrap(ErrSignatureFormat, "premature end of data")
		}
	}
	return s, nil
}
