// cmd/dbk/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"os"
	"strings"
	"time"

	"github.com/mmp/dbk/scan"
	u "github.com/mmp/dbk/util"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// profile is a YAML file of defaults. Options given on the command line
// or through the environment take precedence.
//
//	url: file:///backups/home
//	root: /home/mmp
//	filters:
//	  - "- **/.cache"
//	  - "+ Documents"
//	volsize: 200MiB
//	full_if_older_than: 1M
type profile struct {
	URL            string   `yaml:"url,omitempty"`
	Root           string   `yaml:"root,omitempty"`
	Filters        []string `yaml:"filters,omitempty"`
	Encrypt        string   `yaml:"encrypt,omitempty"`
	Recipients     []string `yaml:"recipients,omitempty"`
	Identity       string   `yaml:"identity,omitempty"`
	FilePrefix     string   `yaml:"file_prefix,omitempty"`
	ShortFilenames bool     `yaml:"short_filenames,omitempty"`
	Compress       string   `yaml:"compress,omitempty"`
	ArchiveDir     string   `yaml:"archive_dir,omitempty"`
	VolSize        string   `yaml:"volsize,omitempty"`
	FullIfOlder    string   `yaml:"full_if_older_than,omitempty"`
	Workers        int      `yaml:"workers,omitempty"`
	LogFile        string   `yaml:"log_file,omitempty"`
	MetricsFile    string   `yaml:"metrics_file,omitempty"`
}

func loadProfile(path string) (*profile, error) {
	p := &profile{}
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(b, p); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	// Check the filters now rather than partway through a backup.
	if _, err := p.selection(); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return p, nil
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

func (p *profile) applyTo(o *globalOptions) {
	setDefault(&o.URL, p.URL)
	setDefault(&o.Encrypt, p.Encrypt)
	setDefault(&o.Identity, p.Identity)
	setDefault(&o.FilePrefix, p.FilePrefix)
	setDefault(&o.Compress, p.Compress)
	setDefault(&o.ArchiveDir, p.ArchiveDir)
	setDefault(&o.LogFile, p.LogFile)
	setDefault(&o.MetricsFile, p.MetricsFile)
	if len(o.Recipients) == 0 {
		o.Recipients = p.Recipients
	}
	o.ShortFilenames = o.ShortFilenames || p.ShortFilenames
}

// selection returns the profile's filters, each of which is "+ pattern"
// or "- pattern".
func (p *profile) selection() (*scan.Selection, error) {
	sel := &scan.Selection{}
	for _, f := range p.Filters {
		f = strings.TrimSpace(f)
		if len(f) < 2 || (f[0] != '+' && f[0] != '-') {
			return nil, errors.Errorf("%q: filter must start with '+' or '-'", f)
		}
		pat := strings.TrimSpace(f[1:])
		var err error
		if f[0] == '+' {
			err = sel.Include(pat)
		} else {
			err = sel.Exclude(pat)
		}
		if err != nil {
			return nil, err
		}
	}
	return sel, nil
}

func (p *profile) volumeSize() (int64, error) {
	if p.VolSize == "" {
		return 0, nil
	}
	return u.ParseBytes(p.VolSize)
}

func (p *profile) fullIfOlderThan() (time.Duration, error) {
	if p.FullIfOlder == "" {
		return 0, nil
	}
	return u.ParseInterval(p.FullIfOlder)
}
