// manifest/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/dbk/scan"
	u "github.com/mmp/dbk/util"
)

// Manifests are line-oriented text:
//
//	DBK-MANIFEST 1
//	chain 20170102T030405Z
//	type inc
//	start 20170102T030405Z
//	end 20170103T030405Z
//	volumes 2
//	complete true
//	volume 1 size=... sealed=... hash=... first=... last=... items=...
//	entry path=a/b op=delta vol=1 item=0 sig=... type=reg size=... mode=644 ...
//
// Records start with a keyword; records with unknown keywords are
// skipped, as are unknown key=value fields of volume and entry records.
// Paths and other strings are percent-escaped so that fields never hold
// spaces.

const (
	magic   = "DBK-MANIFEST"
	version = 1
)

func escapePath(p []string) string {
	var segs []string
	for _, s := range p {
		segs = append(segs, url.PathEscape(s))
	}
	return strings.Join(segs, "/")
}

func unescapePath(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var p []string
	for _, seg := range strings.Split(s, "/") {
		us, err := url.PathUnescape(seg)
		if err != nil {
			return nil, err
		}
		p = append(p, us)
	}
	return p, nil
}

// MarshalText serializes the manifest.
func (m *Manifest) MarshalText() ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d\n", magic, version)
	fmt.Fprintf(&b, "chain %s\n", u.FormatTime(m.Chain))
	fmt.Fprintf(&b, "type %s\n", m.Type)
	fmt.Fprintf(&b, "start %s\n", u.FormatTime(m.Start))
	fmt.Fprintf(&b, "end %s\n", u.FormatTime(m.End))
	fmt.Fprintf(&b, "volumes %d\n", m.Volumes)
	fmt.Fprintf(&b, "complete %t\n", m.Complete)

	for _, v := range m.VolumeInfo {
		fmt.Fprintf(&b, "volume %d size=%d sealed=%d hash=%s first=%s last=%s items=%d\n",
			v.Index, v.PlainSize, v.SealedSize, v.Hash, url.PathEscape(v.First),
			url.PathEscape(v.Last), v.Items)
	}

	for _, e := range m.entries {
		fmt.Fprintf(&b, "entry path=%s op=%s", escapePath(e.Path), e.Op)
		if e.Volume != 0 {
			fmt.Fprintf(&b, " vol=%d item=%d", e.Volume, e.Item)
		}
		if e.SigRef != "" {
			fmt.Fprintf(&b, " sig=%s", e.SigRef)
		}
		fmt.Fprintf(&b, " type=%s", e.Type)
		if e.Type != scan.Deleted {
			fmt.Fprintf(&b, " size=%d mode=%o uid=%d gid=%d mtime=%d", e.Size,
				uint32(e.Mode), e.UID, e.GID, e.ModTime.UnixNano())
		}
		if e.Target != "" {
			fmt.Fprintf(&b, " target=%s", url.PathEscape(e.Target))
		}
		if e.Rdev != 0 {
			fmt.Fprintf(&b, " rdev=%d", e.Rdev)
		}
		for _, name := range e.XattrNames() {
			fmt.Fprintf(&b, " xattr.%s=%s", url.QueryEscape(name),
				base64.StdEncoding.EncodeToString(e.Xattrs[name]))
		}
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// fields splits "key=value" fields into a map. Fields without '=' are
// ignored.
func fields(f []string) map[string]string {
	kv := make(map[string]string, len(f))
	for _, s := range f {
		if i := strings.IndexByte(s, '='); i > 0 {
			kv[s[:i]] = s[i+1:]
		}
	}
	return kv
}

type parser struct {
	line int
	err  error
}

func (p *parser) fail(f string, args ...interface{}) {
	if p.err == nil {
		p.err = &ManifestParseError{Line: p.line, Reason: fmt.Sprintf(f, args...)}
	}
}

func (p *parser) int64(kv map[string]string, key string, base int, required bool) int64 {
	s, ok := kv[key]
	if !ok {
		if required {
			p.fail("missing %q", key)
		}
		return 0
	}
	v, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		p.fail("%s: %v", key, err)
	}
	return v
}

func (p *parser) uint64(kv map[string]string, key string, base int) uint64 {
	s, ok := kv[key]
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		p.fail("%s: %v", key, err)
	}
	return v
}

func (p *parser) unescape(kv map[string]string, key string) string {
	s, err := url.PathUnescape(kv[key])
	if err != nil {
		p.fail("%s: %v", key, err)
	}
	return s
}

func (p *parser) time(s string) time.Time {
	t, err := time.Parse(u.TimeFormat, s)
	if err != nil {
		p.fail("%v", err)
	}
	return t
}

// Parse parses a serialized manifest.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	var p parser
	seen := make(map[string]bool)
	records := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() && p.err == nil {
		p.line++
		f := strings.Fields(sc.Text())
		if p.line == 1 {
			if len(f) < 2 || f[0] != magic {
				return nil, &ManifestParseError{Line: 1, Reason: "not a manifest"}
			}
			if v, err := strconv.Atoi(f[1]); err != nil || v != version {
				return nil, &ManifestParseError{Line: 1, Reason: "unsupported version " + f[1]}
			}
			continue
		}
		if len(f) == 0 {
			continue
		}

		arg := func() string {
			if len(f) < 2 {
				p.fail("%s: missing value", f[0])
				return ""
			}
			return f[1]
		}
		switch f[0] {
		case "chain":
			m.Chain = p.time(arg())
		case "type":
			var err error
			if m.Type, err = parseSetType(arg()); err != nil {
				p.fail("%v", err)
			}
		case "start":
			m.Start = p.time(arg())
		case "end":
			m.End = p.time(arg())
		case "volumes":
			n, err := strconv.Atoi(arg())
			if err != nil || n < 0 {
				p.fail("bad volume count %q", f[1])
			}
			m.Volumes = n
		case "complete":
			m.Complete = arg() == "true"
		case "volume":
			idx, err := strconv.Atoi(arg())
			if err != nil {
				p.fail("bad volume index %q", f[1])
				break
			}
			kv := fields(f[2:])
			m.VolumeInfo = append(m.VolumeInfo, VolumeInfo{
				Index:      idx,
				PlainSize:  p.int64(kv, "size", 10, false),
				SealedSize: p.int64(kv, "sealed", 10, false),
				Hash:       kv["hash"],
				First:      p.unescape(kv, "first"),
				Last:       p.unescape(kv, "last"),
				Items:      int(p.int64(kv, "items", 10, false)),
			})
		case "entry":
			e := p.entry(fields(f[1:]))
			if p.err != nil {
				break
			}
			key := scan.JoinPath(e.Path)
			if seen[key] {
				p.fail("%s: duplicate path", key)
				break
			}
			seen[key] = true
			m.entries = append(m.entries, e)
		default:
			// Unknown record type; skip it.
		}
		records[f[0]] = true
	}
	if err := sc.Err(); err != nil {
		return nil, &ManifestParseError{Line: p.line, Reason: err.Error()}
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.line == 0 {
		return nil, &ManifestParseError{Reason: "empty"}
	}
	for _, r := range []string{"chain", "type", "start", "end", "volumes"} {
		if !records[r] {
			return nil, &ManifestParseError{Reason: "missing " + r + " record"}
		}
	}
	if err := m.validate(); err != nil {
		return nil, &ManifestParseError{Reason: err.Error()}
	}

	// Entries are written in order, but don't rely on it.
	sort.SliceStable(m.entries, func(i, j int) bool {
		return scan.ComparePaths(m.entries[i].Path, m.entries[j].Path) < 0
	})
	m.buildIndex()
	return m, nil
}

func (p *parser) entry(kv map[string]string) Entry {
	var e Entry
	var err error
	if e.Path, err = unescapePath(kv["path"]); err != nil {
		p.fail("path: %v", err)
	}
	if e.Op, err = parseOp(kv["op"]); err != nil {
		p.fail("%v", err)
	}
	if e.Type, err = scan.ParseFileType(kv["type"]); err != nil {
		p.fail("%v", err)
	}
	e.Volume = int(p.int64(kv, "vol", 10, e.HasPayload()))
	e.Item = int(p.int64(kv, "item", 10, e.HasPayload()))
	e.SigRef = kv["sig"]
	e.Size = p.int64(kv, "size", 10, false)
	e.Mode = os.FileMode(p.uint64(kv, "mode", 8))
	e.UID = uint32(p.uint64(kv, "uid", 10))
	e.GID = uint32(p.uint64(kv, "gid", 10))
	if _, ok := kv["mtime"]; ok {
		e.ModTime = time.Unix(0, p.int64(kv, "mtime", 10, false))
	}
	if _, ok := kv["target"]; ok {
		e.Target = p.unescape(kv, "target")
	}
	e.Rdev = p.uint64(kv, "rdev", 10)

	for k, v := range kv {
		if !strings.HasPrefix(k, "xattr.") {
			continue
		}
		name, err := url.QueryUnescape(strings.TrimPrefix(k, "xattr."))
		if err != nil {
			p.fail("%s: %v", k, err)
			continue
		}
		val, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			p.fail("%s: %v", k, err)
			continue
		}
		if e.Xattrs == nil {
			e.Xattrs = make(map[string][]byte)
		}
		e.Xattrs[name] = val
	}
	return e
}
