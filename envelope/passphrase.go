// envelope/passphrase.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package envelope

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mmp/dbk/storage"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

// KeyInfoName is the backend object that holds the passphrase-wrapped
// data key.
const KeyInfoName = "dbk.keyinfo"

const pbkdf2Rounds = 65536

var ErrWrongPassphrase = errors.New("incorrect passphrase")

// KeyStore is the subset of a storage backend needed to keep the key
// information.
type KeyStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
}

// passphrase seals with XChaCha20-Poly1305 under a random data key that
// is itself stored encrypted with a key derived from the passphrase.
type passphrase struct {
	key   []byte
	keyID [8]byte
}

type keyInfo struct {
	salt           []byte
	rounds         int
	passphraseHash []byte
	// Nonce and ciphertext of the data key.
	encryptedKey []byte
}

func (ki keyInfo) marshal() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "dbk-keyinfo 1\n")
	fmt.Fprintf(&b, "%s\n", hex.EncodeToString(ki.salt))
	fmt.Fprintf(&b, "%d\n", ki.rounds)
	fmt.Fprintf(&b, "%s\n", hex.EncodeToString(ki.passphraseHash))
	fmt.Fprintf(&b, "%s\n", hex.EncodeToString(ki.encryptedKey))
	return []byte(b.String())
}

func parseKeyInfo(b []byte) (keyInfo, error) {
	var ki keyInfo
	var version int
	var saltHex, hashHex, encHex string
	n, err := fmt.Sscanf(string(b), "dbk-keyinfo %d\n%s\n%d\n%s\n%s", &version,
		&saltHex, &ki.rounds, &hashHex, &encHex)
	if err != nil || n != 5 {
		return ki, errors.Errorf("%s: malformed key info", KeyInfoName)
	}
	if version != 1 {
		return ki, errors.Errorf("%s: unsupported version %d", KeyInfoName, version)
	}
	for _, v := range []struct {
		s   string
		dst *[]byte
	}{{saltHex, &ki.salt}, {hashHex, &ki.passphraseHash}, {encHex, &ki.encryptedKey}} {
		if *v.dst, err = hex.DecodeString(v.s); err != nil {
			return ki, errors.Wrapf(err, "%s", KeyInfoName)
		}
	}
	return ki, nil
}

// Derive a 64-byte hash from the passphrase using PBKDF2. The first 32
// bytes confirm that the right passphrase was given on later runs; the
// remaining 32 bytes are the key that encrypts the data key and are
// never stored.
func deriveKeys(pass string, salt []byte, rounds int) (passHash, kek []byte) {
	dk := pbkdf2.Key([]byte(pass), salt, rounds, 64, sha256.New)
	return dk[:32], dk[32:]
}

// generateKey creates a new random data key and the keyInfo that wraps
// it with the given passphrase.
func generateKey(pass string) ([]byte, keyInfo, error) {
	salt, err := randomBytes(32)
	if err != nil {
		return nil, keyInfo{}, err
	}
	passHash, kek := deriveKeys(pass, salt, pbkdf2Rounds)

	key, err := randomBytes(chacha20poly1305.KeySize)
	if err != nil {
		return nil, keyInfo{}, err
	}
	enc, err := aeadSeal(kek, nil, key)
	if err != nil {
		return nil, keyInfo{}, err
	}
	return key, keyInfo{salt: salt, rounds: pbkdf2Rounds, passphraseHash: passHash,
		encryptedKey: enc}, nil
}

func unwrapKey(ki keyInfo, pass string) ([]byte, error) {
	passHash, kek := deriveKeys(pass, ki.salt, ki.rounds)
	if !bytes.Equal(passHash, ki.passphraseHash) {
		return nil, ErrWrongPassphrase
	}
	key, err := aeadOpen(kek, nil, ki.encryptedKey)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", KeyInfoName)
	}
	return key, nil
}

func newPassphrase(key []byte) *passphrase {
	p := &passphrase{key: key}
	sha3.ShakeSum256(p.keyID[:], key)
	return p
}

// NewPassphrase returns a Sealer for the data key wrapped in the given key
// info. If keyInfoBytes is nil, a new data key is generated and the key
// info to store for it is returned.
func NewPassphrase(keyInfoBytes []byte, pass string) (Sealer, []byte, error) {
	if keyInfoBytes == nil {
		key, ki, err := generateKey(pass)
		if err != nil {
			return nil, nil, err
		}
		return newPassphrase(key), ki.marshal(), nil
	}

	ki, err := parseKeyInfo(keyInfoBytes)
	if err != nil {
		return nil, nil, err
	}
	key, err := unwrapKey(ki, pass)
	if err != nil {
		return nil, nil, err
	}
	return newPassphrase(key), keyInfoBytes, nil
}

// NewPassphraseFromStore loads the key info from ks, creating and storing
// it the first time.
func NewPassphraseFromStore(ctx context.Context, ks KeyStore, pass string) (Sealer, error) {
	b, err := ks.Get(ctx, KeyInfoName)
	if errors.Is(err, storage.ErrNotFound) {
		log.Verbose("%s: generating new data key", KeyInfoName)
		s, ki, err := NewPassphrase(nil, pass)
		if err != nil {
			return nil, err
		}
		if err := ks.Put(ctx, KeyInfoName, ki); err != nil {
			return nil, errors.Wrapf(err, "%s", KeyInfoName)
		}
		return s, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "%s", KeyInfoName)
	}
	s, _, err := NewPassphrase(b, pass)
	return s, err
}

func (p *passphrase) String() string {
	return "passphrase " + hex.EncodeToString(p.keyID[:4])
}

func (p *passphrase) Seal(plain []byte) ([]byte, error) {
	hdr := append(header(modePassphrase), p.keyID[:]...)
	return aeadSeal(p.key, hdr, plain)
}

func (p *passphrase) Unseal(sealed []byte) ([]byte, error) {
	rest, err := parseHeader(sealed, modePassphrase)
	if err != nil {
		return nil, err
	}
	if len(rest) < len(p.keyID) {
		return nil, authErrorf(ReasonTampered, "truncated")
	}
	if !bytes.Equal(rest[:len(p.keyID)], p.keyID[:]) {
		return nil, authErrorf(ReasonWrongKey, "sealed with key %x", rest[:4])
	}
	hdrLen := len(sealed) - len(rest) + len(p.keyID)
	return aeadOpen(p.key, sealed[:hdrLen], sealed[hdrLen:])
}
