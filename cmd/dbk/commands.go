// cmd/dbk/commands.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/mmp/dbk/backup"
	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/restore"
	"github.com/mmp/dbk/scan"
	u "github.com/mmp/dbk/util"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// Number of decoded volumes kept in memory while restoring.
const cachedVolumes = 4

func addCommands(p *flags.Parser) {
	add := func(name, short, long string, data interface{}) {
		if _, err := p.AddCommand(name, short, long, data); err != nil {
			panic(err)
		}
	}
	add("backup", "Back up a directory",
		"Makes an incremental backup if there's a chain to extend and a full backup otherwise.",
		newBackupCommand(backup.Auto))
	add("full", "Make a full backup", "Starts a new backup chain with a full backup.",
		newBackupCommand(backup.Full))
	add("incremental", "Make an incremental backup",
		"Extends the most recent backup chain with an incremental backup.",
		newBackupCommand(backup.Incremental))
	add("restore", "Restore files", "Restores the tree, or part of it, as of a time.", &restoreCommand{})
	add("verify", "Compare a backup with a directory",
		"Reports the differences between the backup as of a time and a live tree.", newVerifyCommand())
	add("status", "Describe the backups", "Lists the backup chains and their sets.", &statusCommand{})
	add("list", "List backed-up files", "Lists the files in the backup as of a time.", &listCommand{})
	add("cleanup", "Remove leftovers",
		"Removes objects that belong to no restorable backup, such as those of interrupted runs.",
		&cleanupCommand{})
	add("remove-older-than", "Remove old backup chains",
		"Removes the chains whose latest backup is older than the given time. The most recent chain is always kept.",
		&removeOlderCommand{})
	add("remove-all-but-n-full", "Remove all but the most recent chains",
		"Removes all chains other than the n most recent ones.", &removeButNCommand{})
	add("mount", "Mount the backups with FUSE",
		"Mounts a read-only view with a directory for each backup, named by date and time.",
		&mountCommand{})
	add("keygen", "Generate a key pair", "Prints a new public and private key for recipients mode.",
		&keygenCommand{})
	add("readme", "Describe the storage formats", "Prints a description of how backups are stored.",
		&readmeCommand{})
}

///////////////////////////////////////////////////////////////////////////
// backup, full, incremental

type backupCommand struct {
	mode backup.Mode

	Include         func(string) error `long:"include" description:"Include paths matching the glob; rules are applied in order and the first match wins"`
	Exclude         func(string) error `long:"exclude" description:"Exclude paths matching the glob"`
	NoXattrs        bool               `long:"no-xattrs" description:"Don't save extended attributes"`
	VolSize         string             `long:"volsize" description:"Size at which volumes are sealed (e.g. 200MiB)"`
	FullIfOlderThan string             `long:"full-if-older-than" description:"Start a new chain if the current one is older than this (e.g. 1M)"`
	Workers         int                `long:"workers" description:"Number of files to process concurrently"`

	Args struct {
		Root string `positional-arg-name:"dir"`
	} `positional-args:"yes"`
}

func newBackupCommand(m backup.Mode) *backupCommand {
	return &backupCommand{mode: m, Include: selection.Include, Exclude: selection.Exclude}
}

// rules returns the selection from the command line, or the profile's if
// none was given.
func rules(e *env) (*scan.Selection, error) {
	if !selection.Empty() {
		return &selection, nil
	}
	return e.prof.selection()
}

func (c *backupCommand) Execute(args []string) error {
	ctx := commandContext
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	root := c.Args.Root
	setDefault(&root, e.prof.Root)
	if root == "" {
		return errors.New("no directory to back up")
	}
	sel, err := rules(e)
	if err != nil {
		return err
	}

	volSize, err := e.prof.volumeSize()
	if err != nil {
		return err
	}
	if c.VolSize != "" {
		if volSize, err = u.ParseBytes(c.VolSize); err != nil {
			return err
		}
	}
	fullIfOlder, err := e.prof.fullIfOlderThan()
	if err != nil {
		return err
	}
	if c.FullIfOlderThan != "" {
		if fullIfOlder, err = u.ParseInterval(c.FullIfOlderThan); err != nil {
			return err
		}
	}
	workers := c.Workers
	if workers == 0 {
		workers = e.prof.Workers
	}

	res, err := backup.Run(ctx, backup.Config{
		Root:            root,
		Selection:       sel,
		NoXattrs:        c.NoXattrs,
		Backend:         e.backend,
		Sealer:          e.sealer,
		Codec:           e.codec,
		Naming:          e.naming,
		VolumeSize:      volSize,
		Mode:            c.mode,
		FullIfOlderThan: fullIfOlder,
		ArchiveDir:      opts.ArchiveDir,
		Workers:         workers,
		Status:          e.status,
	})
	if err != nil {
		return err
	}
	fmt.Print(res.Stats.String())
	for _, f := range res.Failures {
		log.Verbose("not backed up: %s", f)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// restore

type restoreCommand struct {
	Time     string `short:"t" long:"time" description:"Restore the backup as of this time (default: the latest)"`
	Path     string `long:"path" description:"Restore only this file or directory"`
	Force    bool   `long:"force" description:"Restore into an existing destination"`
	NoOwners bool   `long:"no-owners" description:"Don't restore file ownership"`

	Args struct {
		Dest string `positional-arg-name:"dest" required:"yes"`
	} `positional-args:"yes"`
}

// planner returns a Planner for the backup as of the time given by ts.
func (e *env) planner(ts string) (*restore.Planner, *collection.Status, error) {
	ctx := commandContext
	st, l, err := e.analyze(ctx)
	if err != nil {
		return nil, nil, err
	}
	var t time.Time
	if ts != "" {
		if t, err = u.ParseTime(ts, time.Now()); err != nil {
			return nil, nil, err
		}
	}
	c := st.ChainAt(t)
	if c == nil {
		return nil, nil, errors.Errorf("%s: no backups found", e.backend)
	}
	if !t.IsZero() && t.After(c.LatestTime()) {
		e.status.Warning(u.WarningNoSigForTime, []string{u.FormatTime(t)},
			"using latest backup at "+u.FormatTime(c.LatestTime()))
	}
	p, err := restore.NewPlanner(ctx, restore.NewBackendSource(e.backend, e.sealer, l, cachedVolumes),
		c, t)
	if err != nil {
		return nil, nil, err
	}
	return p, st, nil
}

func (c *restoreCommand) Execute(args []string) error {
	ctx := commandContext
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	p, _, err := e.planner(c.Time)
	if err != nil {
		return err
	}
	log.Print("restoring backup of %s to %s", u.FormatTime(p.Time()), c.Args.Dest)
	rep, err := p.RestoreTree(ctx, c.Args.Dest, scan.SplitPath(c.Path),
		restore.TreeOptions{Force: c.Force, NoOwners: c.NoOwners})
	if err != nil {
		return err
	}
	fmt.Println(rep)
	if len(rep.Failures) > 0 {
		return errors.Errorf("%d paths couldn't be restored", len(rep.Failures))
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// verify

type verifyCommand struct {
	Time        string             `short:"t" long:"time" description:"Compare with the backup as of this time (default: the latest)"`
	CompareData bool               `long:"compare-data" description:"Compare file contents as well as metadata"`
	Include     func(string) error `long:"include" description:"Only compare paths matching the glob"`
	Exclude     func(string) error `long:"exclude" description:"Don't compare paths matching the glob"`

	Args struct {
		Root string `positional-arg-name:"dir"`
	} `positional-args:"yes"`
}

func newVerifyCommand() *verifyCommand {
	return &verifyCommand{Include: selection.Include, Exclude: selection.Exclude}
}

func (c *verifyCommand) Execute(args []string) error {
	ctx := commandContext
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	root := c.Args.Root
	setDefault(&root, e.prof.Root)
	if root == "" {
		return errors.New("no directory to compare with")
	}
	sel, err := rules(e)
	if err != nil {
		return err
	}
	p, _, err := e.planner(c.Time)
	if err != nil {
		return err
	}
	rep, err := restore.Verify(ctx, p, root, sel, c.CompareData)
	if err != nil {
		return err
	}
	for _, d := range rep.Differences {
		fmt.Println(d)
	}
	for _, f := range rep.Failures {
		log.Warning("%s", f)
	}
	fmt.Printf("Verified %d files as of %s, %d differences found.\n", rep.Checked,
		u.FormatTime(p.Time()), len(rep.Differences))
	if len(rep.Differences) > 0 {
		return errors.Errorf("%d differences", len(rep.Differences))
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// status, list

type statusCommand struct{}

func (c *statusCommand) Execute(args []string) error {
	ctx := commandContext
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	st, _, err := e.analyze(ctx)
	if err != nil {
		return err
	}

	if err := writeStatusTable(os.Stdout, st); err != nil {
		return err
	}
	fmt.Print(st.String())
	e.status.Info(u.InfoCollectionStatus, nil, st.String())
	return nil
}

// writeStatusTable writes a row for every set: the chains' sets, most
// recent chain first, then orphaned and partial ones.
func writeStatusTable(w io.Writer, st *collection.Status) error {
	table := tablewriter.NewWriter(w)
	table.Header("Chain", "Type", "Time", "Volumes", "Manifest")
	row := func(chain string, s *collection.Set, volumes int, last string) error {
		return table.Append([]string{chain, s.Type.String(), s.Time().Local().Format(time.ANSIC),
			strconv.Itoa(volumes), last})
	}
	for i := len(st.Chains) - 1; i >= 0; i-- {
		ch := st.Chains[i]
		for _, s := range ch.Sets() {
			if err := row(u.FormatTime(ch.Start()), s, s.Volumes, s.ManifestName); err != nil {
				return err
			}
		}
	}
	for _, s := range st.Orphaned {
		if err := row("orphaned", s, s.Volumes, s.ManifestName); err != nil {
			return err
		}
	}
	for _, s := range st.Partial {
		if err := row("partial", s, len(s.VolumeNames), s.Reason); err != nil {
			return err
		}
	}
	return table.Render()
}

type listCommand struct {
	Time string `short:"t" long:"time" description:"List the backup as of this time (default: the latest)"`
}

func (c *listCommand) Execute(args []string) error {
	e, err := setup(commandContext)
	if err != nil {
		return err
	}
	p, _, err := e.planner(c.Time)
	if err != nil {
		return err
	}
	for _, f := range p.Files() {
		line := f.ModTime.Local().Format(time.ANSIC) + " " + f.String()
		fmt.Println(line)
		e.status.Info(u.InfoFileList, []string{u.FormatTime(f.ModTime), f.String()}, line)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// cleanup, remove-older-than, remove-all-but-n-full

type forceOption struct {
	Force bool `long:"force" description:"Actually delete; otherwise only list what would be deleted"`
}

// remove deletes the given objects if force is set and lists them
// otherwise.
func (e *env) remove(names []string, force bool) error {
	if len(names) == 0 {
		fmt.Println("No objects to delete.")
		return nil
	}
	if !force {
		fmt.Printf("%d objects would be deleted (use --force to delete them):\n", len(names))
		for _, n := range names {
			fmt.Println("  " + n)
		}
		return nil
	}
	for _, n := range names {
		log.Verbose("deleting %s", n)
		if err := e.backend.Delete(commandContext, n); err != nil {
			return errors.Wrapf(err, "%s", n)
		}
	}
	fmt.Printf("Deleted %d objects.\n", len(names))
	return nil
}

// afterRemoval drops cached signature archives that are no longer needed.
func (e *env) afterRemoval(st *collection.Status, removed []*collection.Chain) error {
	gone := make(map[*collection.Chain]bool)
	for _, c := range removed {
		gone[c] = true
	}
	var keep []string
	for _, c := range st.Chains {
		if !gone[c] {
			keep = append(keep, c.Objects()...)
		}
	}
	return e.sigStore().Prune(keep)
}

type cleanupCommand struct {
	forceOption
}

func (c *cleanupCommand) Execute(args []string) error {
	e, err := setup(commandContext)
	if err != nil {
		return err
	}
	st, _, err := e.analyze(commandContext)
	if err != nil {
		return err
	}
	if err := e.remove(st.Extraneous(), c.Force); err != nil {
		return err
	}
	if c.Force {
		return e.afterRemoval(st, nil)
	}
	return nil
}

func (e *env) removeChains(st *collection.Status, chains []*collection.Chain, force bool) error {
	var names []string
	for _, ch := range chains {
		log.Print("%s: %s", ch, map[bool]string{false: "would be removed", true: "removing"}[force])
		names = append(names, ch.Objects()...)
	}
	if err := e.remove(names, force); err != nil {
		return err
	}
	if force {
		return e.afterRemoval(st, chains)
	}
	return nil
}

type removeOlderCommand struct {
	forceOption
	Args struct {
		Time string `positional-arg-name:"time" required:"yes"`
	} `positional-args:"yes"`
}

func (c *removeOlderCommand) Execute(args []string) error {
	t, err := u.ParseTime(c.Args.Time, time.Now())
	if err != nil {
		return err
	}
	e, err := setup(commandContext)
	if err != nil {
		return err
	}
	st, _, err := e.analyze(commandContext)
	if err != nil {
		return err
	}
	return e.removeChains(st, st.ChainsOlderThan(t), c.Force)
}

type removeButNCommand struct {
	forceOption
	Args struct {
		N int `positional-arg-name:"n" required:"yes"`
	} `positional-args:"yes"`
}

func (c *removeButNCommand) Execute(args []string) error {
	if c.Args.N < 1 {
		return errors.New("at least one chain must be kept")
	}
	e, err := setup(commandContext)
	if err != nil {
		return err
	}
	st, _, err := e.analyze(commandContext)
	if err != nil {
		return err
	}
	return e.removeChains(st, st.AllButNFull(c.Args.N), c.Force)
}

///////////////////////////////////////////////////////////////////////////
// keygen, readme

type keygenCommand struct{}

func (c *keygenCommand) Execute(args []string) error {
	pub, priv, err := envelope.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Printf("public key (for --recipient): %s\n", pub)
	fmt.Printf("private key (for --identity): %s\n", priv)
	return nil
}

type readmeCommand struct{}

func (c *readmeCommand) Execute(args []string) error {
	fmt.Print(readmeText)
	return nil
}
