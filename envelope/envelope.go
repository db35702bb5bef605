// envelope/envelope.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package envelope seals and unseals the objects written to a backend.
// A sealed object carries a small header identifying how it was sealed,
// and unsealing authenticates the whole object before returning any of
// its contents.
package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"

	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Sealer is implemented by each of the sealing schemes. Recipients (or the
// passphrase-derived key) are bound when the Sealer is created.
type Sealer interface {
	String() string
	Seal(plain []byte) ([]byte, error)
	Unseal(sealed []byte) ([]byte, error)
}

const (
	ReasonTampered  = "tampered or corrupt"
	ReasonWrongKey  = "wrong key"
	ReasonNotSealed = "not a sealed object"
)

// AuthenticationError is returned by Unseal when an object can't be
// authenticated, either because it was modified or because the Sealer
// doesn't have the key it was sealed with.
type AuthenticationError struct {
	Reason string
	Detail string
}

func (e *AuthenticationError) Error() string {
	if e.Detail == "" {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed: %s: %s", e.Reason, e.Detail)
}

func authErrorf(reason, f string, args ...interface{}) error {
	return &AuthenticationError{Reason: reason, Detail: fmt.Sprintf(f, args...)}
}

///////////////////////////////////////////////////////////////////////////
// Header

var envelopeMagic = [4]byte{'D', 'B', 'K', 'E'}

const envelopeVersion = 1

type mode byte

const (
	modeNone       mode = 'n'
	modePassphrase mode = 'p'
	modeRecipients mode = 'r'
)

func header(m mode) []byte {
	return append(append([]byte(nil), envelopeMagic[:]...), envelopeVersion, byte(m))
}

// parseHeader checks the header of a sealed object and returns the rest
// of it.
func parseHeader(sealed []byte, want mode) ([]byte, error) {
	if len(sealed) < 6 || !bytes.Equal(sealed[:4], envelopeMagic[:]) {
		return nil, authErrorf(ReasonNotSealed, "bad magic number")
	}
	if sealed[4] != envelopeVersion {
		return nil, authErrorf(ReasonTampered, "unknown envelope version %d", sealed[4])
	}
	if m := mode(sealed[5]); m != want {
		return nil, authErrorf(ReasonWrongKey, "sealed with mode %q, not %q", m, want)
	}
	return sealed[6:], nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errors.Wrap(err, "random bytes")
	}
	return b, nil
}

// aeadSeal appends nonce and ciphertext to hdr, authenticating hdr too.
func aeadSeal(key, hdr, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(hdr)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, hdr...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, hdr), nil
}

func aeadOpen(key, hdr, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, authErrorf(ReasonTampered, "truncated")
	}
	nonce, ct := body[:aead.NonceSize()], body[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, hdr)
	if err != nil {
		return nil, authErrorf(ReasonTampered, "%v", err)
	}
	return plain, nil
}

///////////////////////////////////////////////////////////////////////////
// Configuration

// Config selects and configures a sealing scheme.
type Config struct {
	// Mode is "passphrase", "recipients", or "none".
	Mode       string
	Passphrase string
	// Hex-encoded public keys that objects are sealed to.
	Recipients []string
	// Hex-encoded private key used to unseal in recipients mode. It's only
	// needed for reading.
	Identity string
}

// New returns the Sealer described by cfg. Passphrase mode keeps its
// wrapped data key in the given KeyStore, creating it on first use.
func New(ctx context.Context, cfg Config, ks KeyStore) (Sealer, error) {
	switch cfg.Mode {
	case "", "passphrase":
		if cfg.Passphrase == "" {
			return nil, errors.New("passphrase mode requires a passphrase")
		}
		return NewPassphraseFromStore(ctx, ks, cfg.Passphrase)
	case "recipients":
		return NewRecipients(cfg.Recipients, cfg.Identity)
	case "none":
		return NewPlain(), nil
	default:
		return nil, errors.Errorf("%s: unknown envelope mode", cfg.Mode)
	}
}
