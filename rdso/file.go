// rdso/file.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bufio"
	"bytes"
	"os"

	"github.com/google/renameio"
	u "github.com/mmp/dbk/util"
)

// EncodeFile writes the Reed-Solomon encoding of the file fn to rsfn.
func EncodeFile(fn, rsfn string, nDataShards, nParityShards, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	t, err := renameio.TempFile("", rsfn)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	w := bufio.NewWriter(t)
	if err := Encode(bufio.NewReader(f), fi.Size(), w, nDataShards, nParityShards,
		hashRate); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// CheckFile checks the file fn against its Reed-Solomon encoding in rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	return Check(bufio.NewReader(f), bufio.NewReader(rs), log)
}

// RestoreFile repairs the file fn, and its encoding rsfn, in place. Both
// files are replaced atomically and only if the repair succeeds.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	rs, err := os.ReadFile(rsfn)
	if err != nil {
		return err
	}

	var restored, restoredRs bytes.Buffer
	if err := Restore(bytes.NewReader(data), bytes.NewReader(rs), int64(len(data)),
		&restored, &restoredRs, log); err != nil {
		return err
	}

	if !bytes.Equal(rs, restoredRs.Bytes()) {
		if err := renameio.WriteFile(rsfn, restoredRs.Bytes(), 0600); err != nil {
			return err
		}
	}
	if !bytes.Equal(data, restored.Bytes()) {
		log.Verbose("%s: restored from Reed-Solomon encoding", fn)
		return renameio.WriteFile(fn, restored.Bytes(), 0600)
	}
	return nil
}
