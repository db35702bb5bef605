// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"encoding/hex"
	"fmt"

	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidName = errors.New("invalid object name")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values used to identify
// stored objects' contents.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a hexidecimal-encoded Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("%s: hash has %d bytes, expected %d", s, len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Backend describes a general interface for storing named, immutable
// objects (on disk, in the cloud, etc.). Objects are written once in
// their entirety, read back whole, and may be deleted; there's no
// in-place modification.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// Put stores data under the given name, replacing any existing
	// object with that name.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the contents of the named object, or an error that
	// wraps ErrNotFound if there's no such object.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns the names of all of the objects in the backend, in
	// no particular order.
	List(ctx context.Context) ([]string, error)

	// Delete removes the named object. Deleting an object that doesn't
	// exist isn't an error.
	Delete(ctx context.Context, name string) error
}

// BackendUnavailable is returned once a backend operation has failed
// repeatedly. It's terminal for the current run.
type BackendUnavailable struct {
	Backend string
	Op      string
	Name    string
	Tries   int
	Err     error
}

func (e *BackendUnavailable) Error() string {
	return fmt.Sprintf("%s: %s %s: unavailable after %d tries: %v", e.Backend, e.Op,
		e.Name, e.Tries, e.Err)
}

func (e *BackendUnavailable) Unwrap() error { return e.Err }

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

// checkName ensures that the name is a single flat path component.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || name[0] == '.' {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	for _, c := range name {
		if c == '/' || c == '\\' || c == 0 {
			return errors.Wrapf(ErrInvalidName, "%q", name)
		}
	}
	return nil
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}
