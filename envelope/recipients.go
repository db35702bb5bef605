// envelope/recipients.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
)

const keyIDLen = 8

// Each recipient slot is the recipient's key ID and the data key sealed
// to their public key.
const slotLen = keyIDLen + chacha20poly1305.KeySize + box.AnonymousOverhead

type Key [32]byte

func keyID(pub *Key) (id [keyIDLen]byte) {
	sha3.ShakeSum256(id[:], pub[:])
	return
}

func parseKey(s string) (*Key, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(b) != len(Key{}) {
		return nil, errors.Errorf("key has %d bytes, expected %d", len(b), len(Key{}))
	}
	var k Key
	copy(k[:], b)
	return &k, nil
}

// GenerateKeyPair returns hex-encoded public and private keys for use as a
// recipient and identity, respectively.
func GenerateKeyPair() (pub, priv string, err error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(pk[:]), hex.EncodeToString(sk[:]), nil
}

// recipients seals a random per-object data key to each recipient with
// anonymous sealed boxes; any one recipient's private key unseals.
type recipients struct {
	pubs     []*Key
	identity *Key
	idPub    *Key
}

// NewRecipients returns a Sealer that seals to the given public keys
// and, if identity is non-empty, unseals with that private key.
func NewRecipients(pubHex []string, identity string) (Sealer, error) {
	r := &recipients{}
	for _, s := range pubHex {
		k, err := parseKey(s)
		if err != nil {
			return nil, errors.Wrapf(err, "recipient %q", s)
		}
		r.pubs = append(r.pubs, k)
	}
	if identity != "" {
		sk, err := parseKey(identity)
		if err != nil {
			return nil, errors.Wrap(err, "identity")
		}
		pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
		if err != nil {
			return nil, errors.Wrap(err, "identity")
		}
		r.identity = sk
		r.idPub = new(Key)
		copy(r.idPub[:], pub)
	}
	if len(r.pubs) == 0 && r.identity == nil {
		return nil, errors.New("recipients mode requires at least one recipient or an identity")
	}
	if len(r.pubs) > 255 {
		return nil, errors.Errorf("%d recipients: too many", len(r.pubs))
	}
	return r, nil
}

func (r *recipients) String() string {
	return "recipients"
}

func (r *recipients) Seal(plain []byte) ([]byte, error) {
	if len(r.pubs) == 0 {
		return nil, errors.New("no recipients to seal to")
	}
	dataKey, err := randomBytes(chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}

	hdr := header(modeRecipients)
	hdr = append(hdr, byte(len(r.pubs)))
	for _, pub := range r.pubs {
		id := keyID(pub)
		hdr = append(hdr, id[:]...)
		hdr, err = box.SealAnonymous(hdr, dataKey, (*[32]byte)(pub), rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "seal data key")
		}
	}
	return aeadSeal(dataKey, hdr, plain)
}

func (r *recipients) Unseal(sealed []byte) ([]byte, error) {
	rest, err := parseHeader(sealed, modeRecipients)
	if err != nil {
		return nil, err
	}
	if r.identity == nil {
		return nil, authErrorf(ReasonWrongKey, "no identity to unseal with")
	}
	if len(rest) < 1 {
		return nil, authErrorf(ReasonTampered, "truncated")
	}
	n := int(rest[0])
	slots := rest[1:]
	if len(slots) < n*slotLen {
		return nil, authErrorf(ReasonTampered, "truncated recipient list")
	}

	myID := keyID(r.idPub)
	var dataKey []byte
	for i := 0; i < n; i++ {
		slot := slots[i*slotLen : (i+1)*slotLen]
		if !bytes.Equal(slot[:keyIDLen], myID[:]) {
			continue
		}
		k, ok := box.OpenAnonymous(nil, slot[keyIDLen:], (*[32]byte)(r.idPub),
			(*[32]byte)(r.identity))
		if !ok {
			return nil, authErrorf(ReasonTampered, "recipient slot %d", i)
		}
		dataKey = k
		break
	}
	if dataKey == nil {
		return nil, authErrorf(ReasonWrongKey, "not sealed to this identity")
	}

	hdrLen := len(sealed) - len(rest) + 1 + n*slotLen
	return aeadOpen(dataKey, sealed[:hdrLen], sealed[hdrLen:])
}
