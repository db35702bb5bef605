// collection/collection.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package collection makes sense of the objects in a backend: it maps
// object names to backup sets and sets to chains, and decides which
// chains can be restored.
package collection

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmp/dbk/manifest"
	u "github.com/mmp/dbk/util"
)

// Set is a backup set as found in the backend.
type Set struct {
	SetKey
	// Volumes is the volume count from the manifest's name; it's only
	// meaningful if ManifestName is set.
	Volumes      int
	ManifestName string
	VolumeNames  map[int]string
	SigName      string
	// PartialName is the in-progress marker, if present.
	PartialName string

	Complete bool
	// Why the set isn't complete.
	Reason string
}

// Time returns the time the set's backup represents.
func (s *Set) Time() time.Time {
	return s.End
}

// Objects returns the names of all of the set's objects.
func (s *Set) Objects() []string {
	var names []string
	for _, n := range []string{s.ManifestName, s.SigName, s.PartialName} {
		if n != "" {
			names = append(names, n)
		}
	}
	var idx []int
	for i := range s.VolumeNames {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		names = append(names, s.VolumeNames[i])
	}
	return names
}

func (s *Set) String() string {
	return s.SetKey.String()
}

// Chain is a full set followed by the incrementals that build on it.
type Chain struct {
	Full         *Set
	Incrementals []*Set
}

// Start returns the chain's start time.
func (c *Chain) Start() time.Time {
	return c.Full.Chain
}

// LatestTime returns the most recent time the chain can be restored to.
func (c *Chain) LatestTime() time.Time {
	if n := len(c.Incrementals); n > 0 {
		return c.Incrementals[n-1].End
	}
	return c.Full.End
}

// Sets returns the full set and then the incrementals, in order.
func (c *Chain) Sets() []*Set {
	return append([]*Set{c.Full}, c.Incrementals...)
}

// Objects returns the names of all of the chain's objects.
func (c *Chain) Objects() []string {
	var names []string
	for _, s := range c.Sets() {
		names = append(names, s.Objects()...)
	}
	return names
}

func (c *Chain) String() string {
	return fmt.Sprintf("chain %s: %d incrementals, latest %s", u.FormatTime(c.Start()),
		len(c.Incrementals), u.FormatTime(c.LatestTime()))
}

type Options struct {
	// Only names with this prefix are considered.
	Prefix string
	// ManifestOK, if non-nil, is called for each set that otherwise looks
	// complete; it should report whether the set's manifest can be read.
	ManifestOK func(s *Set) bool
}

// Status is the result of analyzing a backend's objects.
type Status struct {
	// Restorable chains, most recent first.
	Chains []*Chain
	// Complete sets that can't be reached from a full set through
	// complete sets.
	Orphaned []*Set
	// Sets missing objects or with bad manifests.
	Partial []*Set
	// Number of names that weren't recognized.
	Ignored int
}

// Analyze classifies the given object names. It doesn't access the
// backend, other than through opts.ManifestOK.
func Analyze(names []string, opts Options) *Status {
	st := &Status{}
	sets := make(map[string]*Set)
	for _, name := range names {
		n, ok := Parse(name)
		if !ok || n.Prefix != opts.Prefix {
			st.Ignored++
			continue
		}
		id := n.SetKey.id()
		s, ok := sets[id]
		if !ok {
			s = &Set{SetKey: n.SetKey, VolumeNames: make(map[int]string)}
			sets[id] = s
		}
		switch n.Kind {
		case KindVolume:
			s.VolumeNames[n.Volume] = name
		case KindManifest:
			if s.ManifestName == "" || n.Volumes > s.Volumes {
				s.ManifestName, s.Volumes = name, n.Volumes
			}
		case KindPartial:
			s.PartialName = name
		case KindSignatures:
			s.SigName = name
		}
	}

	byChain := make(map[int64][]*Set)
	for _, s := range sets {
		classify(s, opts)
		byChain[s.Chain.Unix()] = append(byChain[s.Chain.Unix()], s)
	}

	for _, group := range byChain {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].End.Equal(group[j].End) {
				return group[i].End.Before(group[j].End)
			}
			if group[i].Type != group[j].Type {
				return group[i].Type == manifest.Full
			}
			return group[i].Start.Before(group[j].Start)
		})

		onChain := make(map[*Set]bool)
		var full *Set
		for _, s := range group {
			if s.Type == manifest.Full && s.Complete {
				full = s
				break
			}
		}
		if full != nil {
			c := &Chain{Full: full}
			onChain[full] = true
			cur := full
			for _, s := range group {
				if s.Type == manifest.Incremental && s.Complete && s.Start.Equal(cur.End) {
					c.Incrementals = append(c.Incrementals, s)
					onChain[s] = true
					cur = s
				}
			}
			st.Chains = append(st.Chains, c)
		}

		for _, s := range group {
			switch {
			case onChain[s]:
			case s.Complete:
				st.Orphaned = append(st.Orphaned, s)
			default:
				st.Partial = append(st.Partial, s)
			}
		}
	}

	sort.Slice(st.Chains, func(i, j int) bool {
		return st.Chains[i].Start().After(st.Chains[j].Start())
	})
	bySetTime := func(s []*Set) {
		sort.Slice(s, func(i, j int) bool {
			if !s[i].End.Equal(s[j].End) {
				return s[i].End.Before(s[j].End)
			}
			return s[i].id() < s[j].id()
		})
	}
	bySetTime(st.Orphaned)
	bySetTime(st.Partial)
	return st
}

func classify(s *Set, opts Options) {
	switch {
	case s.ManifestName == "":
		if s.PartialName != "" {
			s.Reason = "backup in progress or interrupted"
		} else {
			s.Reason = "no manifest"
		}
		return
	}
	for i := 1; i <= s.Volumes; i++ {
		if _, ok := s.VolumeNames[i]; !ok {
			s.Reason = fmt.Sprintf("volume %d of %d missing", i, s.Volumes)
			return
		}
	}
	if opts.ManifestOK != nil && !opts.ManifestOK(s) {
		s.Reason = "manifest unreadable"
		return
	}
	s.Complete = true
}

// ChainAt returns the chain to use for restoring to time t: the most
// recent chain that started at or before t, or the oldest chain if t
// precedes all of them. A zero t means the latest chain.
func (st *Status) ChainAt(t time.Time) *Chain {
	if len(st.Chains) == 0 {
		return nil
	}
	if t.IsZero() {
		return st.Chains[0]
	}
	for _, c := range st.Chains {
		if !c.Start().After(t) {
			return c
		}
	}
	return st.Chains[len(st.Chains)-1]
}

// ChainsOlderThan returns the chains whose most recent set precedes t.
// The most recent chain is never returned.
func (st *Status) ChainsOlderThan(t time.Time) []*Chain {
	var old []*Chain
	for i, c := range st.Chains {
		if i > 0 && c.LatestTime().Before(t) {
			old = append(old, c)
		}
	}
	return old
}

// AllButNFull returns the chains other than the n most recent ones.
func (st *Status) AllButNFull(n int) []*Chain {
	if n < 1 {
		n = 1
	}
	if n >= len(st.Chains) {
		return nil
	}
	return st.Chains[n:]
}

// LastFullTime returns the start of the most recent chain, or the zero
// time if there is none.
func (st *Status) LastFullTime() time.Time {
	if len(st.Chains) == 0 {
		return time.Time{}
	}
	return st.Chains[0].Start()
}

// Extraneous returns the names of objects that belong to no restorable
// chain, along with in-progress markers left in complete sets.
func (st *Status) Extraneous() []string {
	var names []string
	for _, s := range st.Partial {
		names = append(names, s.Objects()...)
	}
	for _, s := range st.Orphaned {
		names = append(names, s.Objects()...)
	}
	for _, c := range st.Chains {
		for _, s := range c.Sets() {
			if s.PartialName != "" {
				names = append(names, s.PartialName)
			}
		}
	}
	return names
}

func (st *Status) String() string {
	var b strings.Builder
	if len(st.Chains) == 0 {
		b.WriteString("No backup chains found.\n")
	}
	for i := len(st.Chains) - 1; i >= 0; i-- {
		c := st.Chains[i]
		fmt.Fprintf(&b, "Chain start time: %s\n", c.Start().Local().Format(time.ANSIC))
		fmt.Fprintf(&b, "Chain end time: %s\n", c.LatestTime().Local().Format(time.ANSIC))
		fmt.Fprintf(&b, "Number of contained backup sets: %d\n", len(c.Sets()))
		for _, s := range c.Sets() {
			fmt.Fprintf(&b, "  %-12s %s  %d volumes\n", s.Type, s.Time().Local().Format(time.ANSIC),
				s.Volumes)
		}
	}
	if len(st.Orphaned) > 0 {
		fmt.Fprintf(&b, "%d orphaned sets:\n", len(st.Orphaned))
		for _, s := range st.Orphaned {
			fmt.Fprintf(&b, "  %s\n", s)
		}
	}
	if len(st.Partial) > 0 {
		fmt.Fprintf(&b, "%d partial sets:\n", len(st.Partial))
		for _, s := range st.Partial {
			fmt.Fprintf(&b, "  %s: %s\n", s, s.Reason)
		}
	}
	return b.String()
}
