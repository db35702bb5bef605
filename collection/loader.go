// collection/loader.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package collection

import (
	"context"
	"sync"

	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/manifest"
	"github.com/mmp/dbk/storage"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// EncodeManifest returns the sealed object for a manifest.
func EncodeManifest(m *manifest.Manifest, s envelope.Sealer, codec codecs.Codec) ([]byte, error) {
	text, err := m.MarshalText()
	if err != nil {
		return nil, err
	}
	c, err := codecs.Compress(codec, text)
	if err != nil {
		return nil, err
	}
	return s.Seal(c)
}

// DecodeManifest inverts EncodeManifest.
func DecodeManifest(sealed []byte, s envelope.Sealer) (*manifest.Manifest, error) {
	c, err := s.Unseal(sealed)
	if err != nil {
		return nil, err
	}
	text, err := codecs.Decompress(c)
	if err != nil {
		return nil, &manifest.ManifestParseError{Reason: err.Error()}
	}
	return manifest.Parse(text)
}

// Loader reads and caches the manifests of a backend's sets.
type Loader struct {
	Backend storage.Backend
	Sealer  envelope.Sealer

	mu        sync.Mutex
	manifests map[string]*manifest.Manifest
}

func NewLoader(b storage.Backend, s envelope.Sealer) *Loader {
	return &Loader{Backend: b, Sealer: s, manifests: make(map[string]*manifest.Manifest)}
}

// Manifest returns the given set's manifest, checking that it agrees with
// the set's object names.
func (l *Loader) Manifest(ctx context.Context, s *Set) (*manifest.Manifest, error) {
	if s.ManifestName == "" {
		return nil, errors.Errorf("%s: no manifest", s)
	}
	l.mu.Lock()
	m, ok := l.manifests[s.ManifestName]
	l.mu.Unlock()
	if ok {
		return m, nil
	}

	b, err := l.Backend.Get(ctx, s.ManifestName)
	if err != nil {
		return nil, err
	}
	m, err = DecodeManifest(b, l.Sealer)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", s.ManifestName)
	}
	if m.Type != s.Type || !m.Chain.Equal(s.Chain) || !m.Start.Equal(s.Start) ||
		!m.End.Equal(s.End) || m.Volumes != s.Volumes || !m.Complete {
		return nil, errors.Wrapf(&manifest.ManifestParseError{Reason: "contents don't match name"},
			"%s", s.ManifestName)
	}

	l.mu.Lock()
	l.manifests[s.ManifestName] = m
	l.mu.Unlock()
	return m, nil
}

// Analyze lists the backend and analyzes its objects, reading each
// candidate manifest to make sure it's usable. Errors other than an
// unreadable manifest abort the analysis.
func (l *Loader) Analyze(ctx context.Context, opts Options) (*Status, error) {
	names, err := l.Backend.List(ctx)
	if err != nil {
		return nil, err
	}

	var fatal error
	opts.ManifestOK = func(s *Set) bool {
		if fatal != nil {
			return false
		}
		_, err := l.Manifest(ctx, s)
		var ae *envelope.AuthenticationError
		var pe *manifest.ManifestParseError
		switch {
		case err == nil:
			return true
		case errors.As(err, &ae), errors.As(err, &pe), errors.Is(err, storage.ErrNotFound):
			log.Warning("%s: %s", s, err)
			return false
		default:
			fatal = err
			return false
		}
	}
	st := Analyze(names, opts)
	if fatal != nil {
		return nil, fatal
	}
	return st, nil
}

// AnalyzeBackend is a shorthand for NewLoader(b, s).Analyze(ctx, opts).
func AnalyzeBackend(ctx context.Context, b storage.Backend, s envelope.Sealer,
	opts Options) (*Status, *Loader, error) {
	l := NewLoader(b, s)
	st, err := l.Analyze(ctx, opts)
	return st, l, err
}
