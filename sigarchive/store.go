// sigarchive/store.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package sigarchive

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/storage"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Store reads and writes archives in a backend, keeping copies of the
// sealed objects in an optional local directory so that they needn't be
// downloaded for each backup.
type Store struct {
	Backend storage.Backend
	Sealer  envelope.Sealer
	Codec   codecs.Codec
	Naming  collection.Naming
	// CacheDir, if non-empty, holds the local copies.
	CacheDir string
}

func (s *Store) cachePath(name string) string {
	return filepath.Join(s.CacheDir, name)
}

// Put stores the archive for the given set. The local copy is only
// written once the backend has the object.
func (s *Store) Put(ctx context.Context, key collection.SetKey, a *Archive) (int64, error) {
	b, err := a.MarshalBinary()
	if err != nil {
		return 0, err
	}
	c, err := codecs.Compress(s.Codec, b)
	if err != nil {
		return 0, err
	}
	sealed, err := s.Sealer.Seal(c)
	if err != nil {
		return 0, err
	}
	name := s.Naming.Signatures(key)
	if err := s.Backend.Put(ctx, name, sealed); err != nil {
		return 0, err
	}
	log.Verbose("%s: stored %d signatures, %d deletions (%s)", name, a.Len(), a.Deleted(),
		u.FmtBytes(int64(len(sealed))))
	return int64(len(sealed)), nil
}

// Cache saves the local copy of a set's archive, which must already be
// in the backend.
func (s *Store) Cache(ctx context.Context, key collection.SetKey) error {
	if s.CacheDir == "" {
		return nil
	}
	name := s.Naming.Signatures(key)
	b, err := s.Backend.Get(ctx, name)
	if err != nil {
		return err
	}
	return s.writeCache(name, b)
}

func (s *Store) writeCache(name string, sealed []byte) error {
	if err := os.MkdirAll(s.CacheDir, 0700); err != nil {
		return err
	}
	return renameio.WriteFile(s.cachePath(name), sealed, 0600)
}

// Load returns the named archive, from the local directory if it has a
// good copy.
func (s *Store) Load(ctx context.Context, name string) (*Archive, error) {
	if s.CacheDir != "" {
		if b, err := os.ReadFile(s.cachePath(name)); err == nil {
			a, err := s.decode(b)
			if err == nil {
				log.Debug("%s: using cached copy", name)
				return a, nil
			}
			log.Warning("%s: bad cached copy: %s", name, err)
		}
	}

	b, err := s.Backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	a, err := s.decode(b)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	if s.CacheDir != "" {
		if err := s.writeCache(name, b); err != nil {
			log.Warning("%s: caching: %s", name, err)
		}
	}
	return a, nil
}

func (s *Store) decode(sealed []byte) (*Archive, error) {
	c, err := s.Sealer.Unseal(sealed)
	if err != nil {
		return nil, err
	}
	b, err := codecs.Decompress(c)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// ChainState folds the archives of the chain's sets, giving the
// signatures as of its latest set.
func (s *Store) ChainState(ctx context.Context, c *collection.Chain) (*Archive, error) {
	var state *Archive
	for _, set := range c.Sets() {
		if set.SigName == "" {
			return nil, errors.Errorf("%s: no signature archive", set)
		}
		a, err := s.Load(ctx, set.SigName)
		if err != nil {
			return nil, err
		}
		if state == nil {
			state = a
		} else {
			state.Apply(a)
		}
	}
	return state, nil
}

// Prune removes local copies of archives that aren't in the given list of
// backend objects.
func (s *Store) Prune(names []string) error {
	if s.CacheDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.CacheDir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	keep := make(map[string]bool)
	for _, n := range names {
		keep[n] = true
	}
	for _, e := range entries {
		if n, ok := collection.Parse(e.Name()); ok && n.Kind == collection.KindSignatures &&
			!keep[e.Name()] {
			log.Verbose("%s: removing stale cached archive", e.Name())
			if err := os.Remove(s.cachePath(e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
