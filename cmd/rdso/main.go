// cmd/rdso/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files. Provides facilities
// to check the integrity of encoded files and to recover corrupt files.

package main

import (
	"fmt"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/mmp/dbk/rdso"
	u "github.com/mmp/dbk/util"
)

var log *u.Logger

type encodeCmd struct {
	NShards  int `long:"nshards" default:"17" description:"number of data shards"`
	NParity  int `long:"nparity" default:"3" description:"number of parity shards"`
	HashRate int `long:"hashrate" default:"1048576" description:"chunk size for file hashes"`
}

func (c *encodeCmd) Execute(args []string) error {
	for _, fn := range args {
		if strings.HasSuffix(fn, ".rs") {
			fmt.Println(fn, ": skipping Reed-Solomon encoding of .rs file")
			continue
		}
		rsfn := fn + ".rs"
		if err := rdso.EncodeFile(fn, rsfn, c.NShards, c.NParity, c.HashRate); err != nil {
			log.Error("%s: %s", fn, err)
			continue
		}
		fmt.Printf("%s: created Reed-Solomon encoding file\n", rsfn)
	}
	return nil
}

type checkCmd struct{}

func (checkCmd) Execute(args []string) error {
	for _, fn := range args {
		if err := rdso.CheckFile(fn, fn+".rs", log); err != nil {
			return fmt.Errorf("%s: %v", fn, err)
		}
	}
	return nil
}

type restoreCmd struct{}

func (restoreCmd) Execute(args []string) error {
	for _, fn := range args {
		if err := rdso.RestoreFile(fn, fn+".rs", log); err != nil {
			return fmt.Errorf("%s: %v", fn, err)
		}
	}
	return nil
}

func main() {
	log = u.NewLogger(true /*verbose*/, false /*debug*/)

	parser := flags.NewNamedParser("rdso", flags.Default)
	parser.AddCommand("encode", "Reed-Solomon encode files",
		"Writes a <file>.rs parity file for each of the given files.", &encodeCmd{})
	parser.AddCommand("check", "Check files against their parity files", "", &checkCmd{})
	parser.AddCommand("restore", "Repair files using their parity files", "", &restoreCmd{})

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	os.Exit(log.ErrorCount())
}
