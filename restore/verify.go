// restore/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mmp/dbk/scan"
	"github.com/stevegt/readercomp"
)

// Difference describes a path whose backed-up state doesn't match the
// live tree.
type Difference struct {
	Path string
	What string
}

func (d Difference) String() string {
	return d.Path + ": " + d.What
}

type VerifyReport struct {
	Checked     int
	Differences []Difference
	// Paths that couldn't be checked.
	Failures []Failure
}

func (r *VerifyReport) diff(path, f string, args ...interface{}) {
	r.Differences = append(r.Differences, Difference{Path: path, What: fmt.Sprintf(f, args...)})
}

// Verify compares the backup as of the planner's time with the tree at
// root, optionally comparing the contents of regular files as well as
// their metadata.
func Verify(ctx context.Context, p *Planner, root string, sel *scan.Selection,
	compareData bool) (*VerifyReport, error) {
	r := &VerifyReport{}
	seen := make(map[string]bool)

	sc := &scan.Scanner{Root: root, Selection: sel, OnError: func(path []string, err error) {
		r.Failures = append(r.Failures, Failure{Path: scan.JoinPath(path), Err: err})
	}}
	err := sc.Walk(ctx, func(live scan.PathRecord) error {
		name := live.String()
		seen[name] = true
		f, ok := p.Lookup(live.Path)
		if !ok {
			r.diff(name, "new file, not in backup")
			return nil
		}
		r.Checked++

		switch {
		case f.Type != live.Type:
			r.diff(name, "type changed from %s to %s", f.Type, live.Type)
			return nil
		case !f.SameContent(&live.Attrs):
			r.diff(name, "content changed")
			return nil
		case !f.SameMetadata(&live.Attrs):
			r.diff(name, "metadata changed")
		}

		if compareData && f.Type == scan.Regular {
			var buf bytes.Buffer
			if err := p.Reconstruct(ctx, f.Path, &buf); err != nil {
				r.Failures = append(r.Failures, Failure{Path: name, Err: err})
				return nil
			}
			rd, err := live.Open()
			if err != nil {
				r.Failures = append(r.Failures, Failure{Path: name, Err: err})
				return nil
			}
			defer rd.Close()
			same, err := readercomp.Equal(&buf, rd, 64*1024)
			if err != nil {
				r.Failures = append(r.Failures, Failure{Path: name, Err: err})
			} else if !same {
				r.diff(name, "data differs")
			}
		}
		return nil
	})
	if err != nil {
		return r, err
	}

	for _, f := range p.Files() {
		if seen[f.String()] {
			continue
		}
		if include, _ := sel.Match(f.Path, f.Type == scan.Directory); include {
			r.diff(f.String(), "missing from %s", root)
		}
	}
	log.Verbose("verified %d paths: %d differences", r.Checked, len(r.Differences))
	return r, nil
}
