// util/stanza.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/pkg/errors"
)

/*
Status stream format: a sequence of stanzas, each of which is

  KEYWORD arg...
  . human readable text
  . more human readable text
  <blank line>

Arguments that contain whitespace or quotes are written Go-quoted.
Readers skip stanzas with keywords they don't know and any line whose
prefix character they don't recognize.
*/

type InfoCode int

const (
	InfoGeneric           InfoCode = 1
	InfoProgress          InfoCode = 2
	InfoCollectionStatus  InfoCode = 3
	InfoDiffFileNew       InfoCode = 4
	InfoDiffFileChanged   InfoCode = 5
	InfoDiffFileDeleted   InfoCode = 6
	InfoPatchFileWriting  InfoCode = 7
	InfoPatchFilePatching InfoCode = 8
	InfoFileList          InfoCode = 10
	InfoUploadBegin       InfoCode = 11
	InfoUploadDone        InfoCode = 13
)

type WarningCode int

const (
	WarningGeneric          WarningCode = 1
	WarningOrphanedSig      WarningCode = 2
	WarningIncompleteBackup WarningCode = 5
	WarningOrphanedBackup   WarningCode = 6
	WarningCannotIterate    WarningCode = 8
	WarningCannotStat       WarningCode = 9
	WarningCannotRead       WarningCode = 10
	WarningNoSigForTime     WarningCode = 11
	WarningCannotProcess    WarningCode = 12
)

type ErrorCode int

const (
	ErrorGeneric            ErrorCode = 1
	ErrorCommandLine        ErrorCode = 2
	ErrorNoManifests        ErrorCode = 4
	ErrorUnreadableManifest ErrorCode = 6
	ErrorBadURL             ErrorCode = 8
	ErrorRestorePathExists  ErrorCode = 11
	ErrorRestoreNotFound    ErrorCode = 19
	ErrorMismatchedHash     ErrorCode = 21
	ErrorGPGFailed          ErrorCode = 31
	ErrorBackend            ErrorCode = 50
)

// Known stanza keywords.
const (
	KeywordInfo    = "INFO"
	KeywordNotice  = "NOTICE"
	KeywordWarning = "WARNING"
	KeywordError   = "ERROR"
)

var knownKeywords = map[string]bool{
	KeywordInfo:    true,
	KeywordNotice:  true,
	KeywordWarning: true,
	KeywordError:   true,
}

// Stanza is a single record of the status stream.
type Stanza struct {
	Keyword string
	Args    []string
	Text    []string
}

// StanzaWriter emits stanzas to an underlying writer. It's safe for
// concurrent use; a nil *StanzaWriter discards everything.
type StanzaWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStanzaWriter(w io.Writer) *StanzaWriter {
	return &StanzaWriter{w: w}
}

func quoteArg(a string) string {
	if a == "" || strings.IndexFunc(a, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || !unicode.IsPrint(r)
	}) >= 0 {
		return strconv.Quote(a)
	}
	return a
}

func (s *StanzaWriter) Write(st Stanza) error {
	if s == nil {
		return nil
	}

	var b strings.Builder
	b.WriteString(st.Keyword)
	for _, a := range st.Args {
		b.WriteByte(' ')
		b.WriteString(quoteArg(a))
	}
	b.WriteByte('\n')
	for _, t := range st.Text {
		for _, line := range strings.Split(t, "\n") {
			b.WriteString(". ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *StanzaWriter) Info(code InfoCode, extra []string, text string) {
	_ = s.Write(Stanza{Keyword: KeywordInfo,
		Args: append([]string{strconv.Itoa(int(code))}, extra...), Text: []string{text}})
}

func (s *StanzaWriter) Notice(text string) {
	_ = s.Write(Stanza{Keyword: KeywordNotice, Args: []string{"1"}, Text: []string{text}})
}

func (s *StanzaWriter) Warning(code WarningCode, extra []string, text string) {
	_ = s.Write(Stanza{Keyword: KeywordWarning,
		Args: append([]string{strconv.Itoa(int(code))}, extra...), Text: []string{text}})
}

func (s *StanzaWriter) Error(code ErrorCode, extra []string, text string) {
	_ = s.Write(Stanza{Keyword: KeywordError,
		Args: append([]string{strconv.Itoa(int(code))}, extra...), Text: []string{text}})
}

// ReadStanzas parses a status stream, calling fn for each stanza with a
// known keyword.
func ReadStanzas(r io.Reader, fn func(Stanza) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var cur *Stanza
	flush := func() error {
		if cur == nil {
			return nil
		}
		st := *cur
		cur = nil
		if !knownKeywords[st.Keyword] {
			return nil
		}
		return fn(st)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case cur == nil:
			fields, err := splitArgs(line)
			if err != nil {
				return errors.Wrapf(err, "%q", line)
			}
			cur = &Stanza{Keyword: fields[0], Args: fields[1:]}
		case strings.HasPrefix(line, ". "):
			cur.Text = append(cur.Text, line[2:])
		case line == ".":
			cur.Text = append(cur.Text, "")
		default:
			// Unrecognized line prefix.
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

func splitArgs(line string) ([]string, error) {
	var fields []string
	for {
		line = strings.TrimLeftFunc(line, unicode.IsSpace)
		if line == "" {
			return fields, nil
		}
		if line[0] == '"' {
			q, err := strconv.QuotedPrefix(line)
			if err != nil {
				return nil, err
			}
			s, err := strconv.Unquote(q)
			if err != nil {
				return nil, err
			}
			fields = append(fields, s)
			line = line[len(q):]
			continue
		}
		i := strings.IndexFunc(line, unicode.IsSpace)
		if i < 0 {
			i = len(line)
		}
		fields = append(fields, line[:i])
		line = line[i:]
	}
}
