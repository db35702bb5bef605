// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStanzaRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewStanzaWriter(&buf)
	w.Info(InfoDiffFileNew, []string{"a dir/file name"}, "A a dir/file name")
	w.Warning(WarningCannotRead, []string{"x"}, "first\nsecond")

	var got []Stanza
	err := ReadStanzas(&buf, func(st Stanza) error {
		got = append(got, st)
		return nil
	})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d stanzas, expected 2", len(got))
	}
	if got[0].Keyword != KeywordInfo || len(got[0].Args) != 2 ||
		got[0].Args[0] != "4" || got[0].Args[1] != "a dir/file name" {
		t.Errorf("unexpected first stanza %+v", got[0])
	}
	if len(got[1].Text) != 2 || got[1].Text[1] != "second" {
		t.Errorf("unexpected text %+v", got[1].Text)
	}
}

func TestStanzaUnknown(t *testing.T) {
	stream := "FROB 1 2\n. ignored\n\nINFO 2 17\n# comment line\n. progress\n\n"
	n := 0
	err := ReadStanzas(strings.NewReader(stream), func(st Stanza) error {
		n++
		if st.Keyword != KeywordInfo || len(st.Text) != 1 {
			t.Errorf("unexpected stanza %+v", st)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if n != 1 {
		t.Errorf("got %d stanzas, expected 1", n)
	}
}

func TestNilStanzaWriter(t *testing.T) {
	var w *StanzaWriter
	w.Notice("nothing")
	if err := w.Write(Stanza{Keyword: KeywordInfo}); err != nil {
		t.Errorf("%v", err)
	}
}

func TestParseTime(t *testing.T) {
	now := time.Date(2020, 5, 17, 12, 0, 0, 0, time.UTC)
	for _, c := range []struct {
		s    string
		want time.Time
	}{
		{"now", now},
		{"20200101T000000Z", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2020-05-16T12:00:00Z", now.Add(-24 * time.Hour)},
		{"3D", now.Add(-72 * time.Hour)},
		{"1W12h", now.Add(-7*24*time.Hour - 12*time.Hour)},
		{"1589716800", time.Unix(1589716800, 0)},
	} {
		got, err := ParseTime(c.s, now)
		if err != nil {
			t.Errorf("%s: %v", c.s, err)
		} else if !got.Equal(c.want) {
			t.Errorf("%s: got %s, expected %s", c.s, got, c.want)
		}
	}

	if _, err := ParseTime("yesterday-ish", now); err == nil {
		t.Errorf("expected error for bogus time")
	}
	if _, err := ParseInterval("3Q"); err == nil {
		t.Errorf("expected error for bogus unit")
	}
}

func TestFmtBytes(t *testing.T) {
	if s := FmtBytes(2048); s != "2.0 KiB" {
		t.Errorf("got %q", s)
	}
	n, err := ParseBytes("200MiB")
	if err != nil || n != 200*1024*1024 {
		t.Errorf("got %d, %v", n, err)
	}
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestReportingReader(t *testing.T) {
	src := &closeRecorder{Reader: bytes.NewReader(make([]byte, 1000))}
	var reports []int64
	rr := &ReportingReader{R: src, Msg: "test", Every: 100,
		OnReport: func(n int64, elapsed time.Duration) { reports = append(reports, n) }}

	buf := make([]byte, 50)
	for {
		if _, err := rr.Read(buf); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("%v", err)
		}
	}
	if rr.BytesRead() != 1000 {
		t.Errorf("read %d bytes, expected 1000", rr.BytesRead())
	}
	if err := rr.Close(); err != nil {
		t.Fatalf("%v", err)
	}
	if !src.closed {
		t.Errorf("underlying reader not closed")
	}

	// Every 100 bytes past the first 100, then the total from Close.
	expected := []int64{150, 250, 350, 450, 550, 650, 750, 850, 950, 1000}
	if len(reports) != len(expected) {
		t.Fatalf("got reports %v, expected %v", reports, expected)
	}
	for i := range expected {
		if reports[i] != expected[i] {
			t.Errorf("report %d: got %d, expected %d", i, reports[i], expected[i])
		}
	}
}

func TestReportingReaderSmall(t *testing.T) {
	reported := false
	rr := &ReportingReader{R: strings.NewReader("hello"),
		OnReport: func(int64, time.Duration) { reported = true }}
	if b, err := io.ReadAll(rr); err != nil || string(b) != "hello" {
		t.Fatalf("got %q, %v", b, err)
	}
	if err := rr.Close(); err != nil {
		t.Fatalf("%v", err)
	}
	if reported {
		t.Errorf("unexpected report for a short read")
	}
}
