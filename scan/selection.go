// scan/selection.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package scan

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Selection decides which paths are included in a backup. Rules are
// tried in order and the first one that matches a path decides; paths
// that no rule matches are included.
//
// Patterns are shell globs matched against paths relative to the
// backup root: "*" and "?" don't match "/", "**" matches anything, and
// "[...]" is a character class ("[!...]" negates). A pattern matches a
// path if it matches the path itself or any of its parent directories,
// so excluding a directory excludes everything below it. A pattern
// prefixed with "ignorecase:" is matched case-insensitively.
type Selection struct {
	rules []rule
}

type rule struct {
	include bool
	pattern string
	re      *regexp.Regexp
	// Regexps matching the leading directories of the pattern; a
	// directory that matches one of these must be scanned so that files
	// below it that the pattern includes are found.
	prefixes []*regexp.Regexp
}

// Include appends a rule that includes paths matching pattern.
func (s *Selection) Include(pattern string) error {
	return s.add(true, pattern)
}

// Exclude appends a rule that excludes paths matching pattern.
func (s *Selection) Exclude(pattern string) error {
	return s.add(false, pattern)
}

func (s *Selection) add(include bool, pattern string) error {
	orig := pattern
	flags := ""
	if strings.HasPrefix(pattern, "ignorecase:") {
		pattern = strings.TrimPrefix(pattern, "ignorecase:")
		flags = "(?i)"
	}
	pattern = strings.Trim(pattern, "/")
	if pattern == "" {
		return errors.Errorf("%q: empty pattern", orig)
	}
	parts := strings.Split(pattern, "/")
	for _, p := range parts {
		if p == "" {
			return errors.Errorf("%q: consecutive '/'s in pattern", orig)
		}
	}

	r := rule{include: include, pattern: orig}
	var err error
	if r.re, err = regexp.Compile(flags + "^" + globToRegexp(pattern) + "(/.*)?$"); err != nil {
		return errors.Wrapf(err, "%q", orig)
	}
	if include {
		for i := 1; i < len(parts); i++ {
			re, err := regexp.Compile(flags + "^" + globToRegexp(strings.Join(parts[:i], "/")) + "$")
			if err != nil {
				return errors.Wrapf(err, "%q", orig)
			}
			r.prefixes = append(r.prefixes, re)
		}
	}
	s.rules = append(s.rules, r)
	return nil
}

// globToRegexp converts a glob to an equivalent regular expression.
func globToRegexp(pat string) string {
	var res strings.Builder
	for i := 0; i < len(pat); i++ {
		c := pat[i]
		switch {
		case strings.HasPrefix(pat[i:], "**"):
			res.WriteString(".*")
			i++
		case c == '*':
			res.WriteString("[^/]*")
		case c == '?':
			res.WriteString("[^/]")
		case c == '[':
			j := i + 1
			if j < len(pat) && (pat[j] == '!' || pat[j] == '^') {
				j++
			}
			if j < len(pat) && pat[j] == ']' {
				j++
			}
			for j < len(pat) && pat[j] != ']' {
				j++
			}
			if j >= len(pat) {
				// Interpret the [ literally
				res.WriteString(`\[`)
				continue
			}
			class := strings.ReplaceAll(pat[i+1:j], `\`, `\\`)
			if class[0] == '!' {
				class = "^" + class[1:]
			}
			res.WriteString("[" + class + "]")
			i = j
		default:
			res.WriteString(regexp.QuoteMeta(pat[i : i+1]))
		}
	}
	return res.String()
}

// Match reports whether the path should be included and, for
// directories, whether its contents should be scanned. A directory that
// is excluded may still need to be scanned (and is then included) when a
// later include rule could match something below it.
func (s *Selection) Match(path []string, isDir bool) (include, descend bool) {
	if s == nil || len(path) == 0 {
		return true, true
	}
	p := strings.Join(path, "/")
	for _, r := range s.rules {
		if r.re.MatchString(p) {
			return r.include, r.include
		}
		if isDir && r.include {
			for _, pre := range r.prefixes {
				if pre.MatchString(p) {
					return true, true
				}
			}
		}
	}
	return true, true
}

// Empty reports whether the selection has no rules.
func (s *Selection) Empty() bool {
	return s == nil || len(s.rules) == 0
}
