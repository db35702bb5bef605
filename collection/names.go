// collection/names.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package collection

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/dbk/manifest"
	u "github.com/mmp/dbk/util"
)

// Object names come in a long form:
//
//	dbk-full.<C>.vol<i>.dv
//	dbk-full.<C>.manifest.n<N>
//	dbk-full.<C>.manifest.part
//	dbk-full.<C>.sigs
//	dbk-inc.<C>.<S>.to.<E>.vol<i>.dv
//	dbk-inc.<C>.<S>.to.<E>.manifest.n<N>
//	dbk-inc.<C>.<S>.to.<E>.manifest.part
//	dbk-inc.<C>.<S>.to.<E>.sigs
//
// where C is the chain's start time, S and E the start and end of an
// incremental set, all in util.TimeFormat, and a short form for backends
// with restrictive name lengths that uses "df" and "di", base-36 unix
// times and indices, and ".v<i>", ".m<N>", ".mp" and ".s". Either may be
// preceded by an arbitrary prefix. Segments following a recognized name
// are ignored.

// Kind is the role of an object in its set.
type Kind int

const (
	KindVolume Kind = iota + 1
	KindManifest
	// KindPartial marks a set whose backup is in progress or was
	// interrupted.
	KindPartial
	KindSignatures
)

func (k Kind) String() string {
	switch k {
	case KindVolume:
		return "volume"
	case KindManifest:
		return "manifest"
	case KindPartial:
		return "partial"
	case KindSignatures:
		return "signatures"
	default:
		return "unknown"
	}
}

// SetKey identifies a backup set. A full set's Start and End are both its
// chain's start.
type SetKey struct {
	Type       manifest.SetType
	Chain      time.Time
	Start, End time.Time
}

// FullKey returns the key of the full set that starts the chain at t.
func FullKey(t time.Time) SetKey {
	t = t.UTC().Truncate(time.Second)
	return SetKey{Type: manifest.Full, Chain: t, Start: t, End: t}
}

// IncrementalKey returns the key of an incremental set in the chain
// started at chain that covers (start, end].
func IncrementalKey(chain, start, end time.Time) SetKey {
	tr := func(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }
	return SetKey{Type: manifest.Incremental, Chain: tr(chain), Start: tr(start), End: tr(end)}
}

func (k SetKey) String() string {
	if k.Type == manifest.Full {
		return "full " + u.FormatTime(k.Chain)
	}
	return fmt.Sprintf("inc %s to %s (chain %s)", u.FormatTime(k.Start), u.FormatTime(k.End),
		u.FormatTime(k.Chain))
}

func (k SetKey) id() string {
	return fmt.Sprintf("%d.%d.%d.%d", k.Type, k.Chain.Unix(), k.Start.Unix(), k.End.Unix())
}

// Name is a parsed object name.
type Name struct {
	SetKey
	Kind Kind
	// Volume is the 1-based index for volumes; Volumes is the volume count
	// for manifests.
	Volume  int
	Volumes int
	Short   bool
	Prefix  string
}

// Naming generates names for one backend's objects.
type Naming struct {
	Prefix string
	Short  bool
}

func (n Naming) name(k SetKey, kind Kind) Name {
	return Name{SetKey: k, Kind: kind, Short: n.Short, Prefix: n.Prefix}
}

func (n Naming) Volume(k SetKey, i int) string {
	nm := n.name(k, KindVolume)
	nm.Volume = i
	return nm.String()
}

func (n Naming) Manifest(k SetKey, volumes int) string {
	nm := n.name(k, KindManifest)
	nm.Volumes = volumes
	return nm.String()
}

func (n Naming) Partial(k SetKey) string {
	return n.name(k, KindPartial).String()
}

func (n Naming) Signatures(k SetKey) string {
	return n.name(k, KindSignatures).String()
}

func (n Name) String() string {
	var b strings.Builder
	b.WriteString(n.Prefix)
	if n.Short {
		t36 := func(t time.Time) string { return strconv.FormatInt(t.Unix(), 36) }
		if n.Type == manifest.Full {
			b.WriteString("df." + t36(n.Chain))
		} else {
			b.WriteString("di." + t36(n.Chain) + "." + t36(n.Start) + "." + t36(n.End))
		}
		switch n.Kind {
		case KindVolume:
			b.WriteString(".v" + strconv.FormatInt(int64(n.Volume), 36))
		case KindManifest:
			b.WriteString(".m" + strconv.FormatInt(int64(n.Volumes), 36))
		case KindPartial:
			b.WriteString(".mp")
		case KindSignatures:
			b.WriteString(".s")
		}
		return b.String()
	}

	if n.Type == manifest.Full {
		b.WriteString("dbk-full." + u.FormatTime(n.Chain))
	} else {
		b.WriteString("dbk-inc." + u.FormatTime(n.Chain) + "." + u.FormatTime(n.Start) +
			".to." + u.FormatTime(n.End))
	}
	switch n.Kind {
	case KindVolume:
		fmt.Fprintf(&b, ".vol%d.dv", n.Volume)
	case KindManifest:
		fmt.Fprintf(&b, ".manifest.n%d", n.Volumes)
	case KindPartial:
		b.WriteString(".manifest.part")
	case KindSignatures:
		b.WriteString(".sigs")
	}
	return b.String()
}

// Parse parses an object name, reporting false for names that aren't
// ours.
func Parse(name string) (Name, bool) {
	for i := 0; i < len(name); i++ {
		rest := name[i:]
		var n Name
		var ok bool
		switch {
		case strings.HasPrefix(rest, "dbk-full.") || strings.HasPrefix(rest, "dbk-inc."):
			n, ok = parseLong(strings.Split(rest, "."))
		case strings.HasPrefix(rest, "df.") || strings.HasPrefix(rest, "di."):
			n, ok = parseShort(strings.Split(rest, "."))
		}
		if ok {
			n.Prefix = name[:i]
			return n, true
		}
	}
	return Name{}, false
}

func parseLongTime(s string) (time.Time, bool) {
	t, err := time.Parse(u.TimeFormat, s)
	return t, err == nil
}

func parseLong(seg []string) (Name, bool) {
	var n Name
	var ok bool
	switch seg[0] {
	case "dbk-full":
		if len(seg) < 3 {
			return n, false
		}
		n.Type = manifest.Full
		if n.Chain, ok = parseLongTime(seg[1]); !ok {
			return n, false
		}
		n.Start, n.End = n.Chain, n.Chain
		seg = seg[2:]
	case "dbk-inc":
		if len(seg) < 6 || seg[3] != "to" {
			return n, false
		}
		n.Type = manifest.Incremental
		var ok1, ok2, ok3 bool
		n.Chain, ok1 = parseLongTime(seg[1])
		n.Start, ok2 = parseLongTime(seg[2])
		n.End, ok3 = parseLongTime(seg[4])
		if !ok1 || !ok2 || !ok3 {
			return n, false
		}
		seg = seg[5:]
	default:
		return n, false
	}

	switch {
	case strings.HasPrefix(seg[0], "vol") && len(seg) >= 2 && seg[1] == "dv":
		n.Kind = KindVolume
		n.Volume, ok = parseIndex(seg[0][3:], 10)
	case seg[0] == "manifest" && len(seg) >= 2 && seg[1] == "part":
		n.Kind, ok = KindPartial, true
	case seg[0] == "manifest" && len(seg) >= 2 && strings.HasPrefix(seg[1], "n"):
		n.Kind = KindManifest
		n.Volumes, ok = parseCount(seg[1][1:], 10)
	case seg[0] == "sigs":
		n.Kind, ok = KindSignatures, true
	}
	return n, ok && validTimes(n.SetKey)
}

func parseShortTime(s string) (time.Time, bool) {
	v, err := strconv.ParseInt(s, 36, 64)
	if err != nil || v < 0 || strconv.FormatInt(v, 36) != s {
		return time.Time{}, false
	}
	return time.Unix(v, 0).UTC(), true
}

func parseShort(seg []string) (Name, bool) {
	n := Name{Short: true}
	var ok bool
	switch seg[0] {
	case "df":
		if len(seg) < 3 {
			return n, false
		}
		n.Type = manifest.Full
		if n.Chain, ok = parseShortTime(seg[1]); !ok {
			return n, false
		}
		n.Start, n.End = n.Chain, n.Chain
		seg = seg[2:]
	case "di":
		if len(seg) < 5 {
			return n, false
		}
		n.Type = manifest.Incremental
		var ok1, ok2, ok3 bool
		n.Chain, ok1 = parseShortTime(seg[1])
		n.Start, ok2 = parseShortTime(seg[2])
		n.End, ok3 = parseShortTime(seg[3])
		if !ok1 || !ok2 || !ok3 {
			return n, false
		}
		seg = seg[4:]
	default:
		return n, false
	}

	switch s := seg[0]; {
	case s == "mp":
		n.Kind, ok = KindPartial, true
	case s == "s":
		n.Kind, ok = KindSignatures, true
	case strings.HasPrefix(s, "v"):
		n.Kind = KindVolume
		n.Volume, ok = parseIndex(s[1:], 36)
	case strings.HasPrefix(s, "m"):
		n.Kind = KindManifest
		n.Volumes, ok = parseCount(s[1:], 36)
	}
	return n, ok && validTimes(n.SetKey)
}

// parseCount parses a canonical non-negative number, so that a name
// that parses always prints the same way.
func parseCount(s string, base int) (int, bool) {
	v, err := strconv.ParseInt(s, base, 32)
	if err != nil || v < 0 || strconv.FormatInt(v, base) != s {
		return 0, false
	}
	return int(v), true
}

func parseIndex(s string, base int) (int, bool) {
	v, ok := parseCount(s, base)
	return v, ok && v > 0
}

func validTimes(k SetKey) bool {
	if k.Type == manifest.Full {
		return true
	}
	return !k.Start.Before(k.Chain) && k.End.After(k.Start)
}
