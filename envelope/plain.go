// envelope/plain.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package envelope

import (
	"bytes"

	"golang.org/x/crypto/sha3"
)

const plainSumLen = 32

// plain doesn't encrypt; it only appends a SHAKE256 checksum so that
// corruption is still detected when unsealing.
type plain struct{}

func NewPlain() Sealer {
	return plain{}
}

func (plain) String() string {
	return "none"
}

func (plain) Seal(data []byte) ([]byte, error) {
	out := header(modeNone)
	var sum [plainSumLen]byte
	sha3.ShakeSum256(sum[:], data)
	out = append(out, sum[:]...)
	return append(out, data...), nil
}

func (plain) Unseal(sealed []byte) ([]byte, error) {
	rest, err := parseHeader(sealed, modeNone)
	if err != nil {
		return nil, err
	}
	if len(rest) < plainSumLen {
		return nil, authErrorf(ReasonTampered, "truncated")
	}
	var sum [plainSumLen]byte
	sha3.ShakeSum256(sum[:], rest[plainSumLen:])
	if !bytes.Equal(sum[:], rest[:plainSumLen]) {
		return nil, authErrorf(ReasonTampered, "checksum mismatch")
	}
	return rest[plainSumLen:], nil
}
