// cmd/dbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// dbk makes encrypted, incremental backups of directory trees. Each
// backup chain starts with a full backup that's followed by incremental
// backups holding the changes since the previous one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/mmp/dbk/backup"
	"github.com/mmp/dbk/codecs"
	"github.com/mmp/dbk/collection"
	"github.com/mmp/dbk/envelope"
	"github.com/mmp/dbk/metrics"
	"github.com/mmp/dbk/restore"
	"github.com/mmp/dbk/scan"
	"github.com/mmp/dbk/sigarchive"
	"github.com/mmp/dbk/storage"
	u "github.com/mmp/dbk/util"
	"github.com/mmp/dbk/volume"
	"github.com/pkg/errors"
)

var log *u.Logger

// globalOptions are accepted by every command.
type globalOptions struct {
	Config string `long:"config" env:"DBK_CONFIG" description:"YAML profile supplying defaults for options that aren't given"`
	URL    string `long:"url" env:"DBK_URL" description:"Backend URL (file:///dir, gs://bucket/prefix, s3://bucket/prefix, sqlite:///file.db)"`

	Encrypt    string   `long:"encrypt" env:"DBK_ENCRYPT" choice:"passphrase" choice:"recipients" choice:"none" description:"How objects are sealed (default: passphrase)"`
	Passphrase string   `long:"passphrase" env:"DBK_PASSPHRASE" description:"Passphrase for passphrase mode"`
	Recipients []string `long:"recipient" env:"DBK_RECIPIENTS" env-delim:"," description:"Public key to seal to, in recipients mode; may be repeated"`
	Identity   string   `long:"identity" env:"DBK_IDENTITY" description:"File holding the private key used to read backups in recipients mode"`

	FilePrefix     string `long:"file-prefix" description:"Prefix for the names of stored objects"`
	ShortFilenames bool   `long:"short-filenames" description:"Use short object names"`
	Compress       string `long:"compress" choice:"none" choice:"gzip" choice:"snappy" choice:"zstd" description:"Compression for volumes, manifests and signatures (default: zstd)"`
	ArchiveDir     string `long:"archive-dir" env:"DBK_ARCHIVE_DIR" description:"Local directory for cached signature archives"`

	Verbose     bool   `short:"v" long:"verbose" description:"Report progress"`
	Debug       bool   `long:"debug" description:"Print debugging output"`
	LogFormat   string `long:"log-format" choice:"text" choice:"json" default:"text" description:"Format of log messages"`
	LogFile     string `long:"log-file" description:"Also append log messages to this file, rotating it as it grows"`
	LogFD       int    `long:"log-fd" default:"-1" description:"Write machine-readable status to this file descriptor"`
	MetricsFile string `long:"metrics-file" description:"Write Prometheus metrics to this file at exit"`
}

var opts globalOptions

// The selection rules given on the command line, in order.
var selection scan.Selection

// env is everything a command needs to get at the backups.
type env struct {
	backend storage.Backend
	sealer  envelope.Sealer
	codec   codecs.Codec
	naming  collection.Naming
	status  *u.StanzaWriter
	prof    *profile
}

func setup(ctx context.Context) (*env, error) {
	prof, err := loadProfile(opts.Config)
	if err != nil {
		return nil, err
	}
	prof.applyTo(&opts)

	if opts.URL == "" {
		return nil, errors.New("no backend URL given; use --url or DBK_URL")
	}
	b, err := storage.Open(ctx, opts.URL)
	if err != nil {
		return nil, err
	}
	b = metrics.Instrument(b)

	e := &env{
		backend: b,
		naming:  collection.Naming{Prefix: opts.FilePrefix, Short: opts.ShortFilenames},
		prof:    prof,
	}
	if opts.Compress == "" {
		opts.Compress = "zstd"
	}
	if e.codec, err = codecs.Parse(opts.Compress); err != nil {
		return nil, err
	}

	identity := ""
	if opts.Identity != "" {
		id, err := os.ReadFile(opts.Identity)
		if err != nil {
			return nil, err
		}
		identity = strings.TrimSpace(string(id))
	}
	e.sealer, err = envelope.New(ctx, envelope.Config{
		Mode:       opts.Encrypt,
		Passphrase: opts.Passphrase,
		Recipients: opts.Recipients,
		Identity:   identity,
	}, b)
	if err != nil {
		return nil, err
	}

	if opts.LogFD >= 0 {
		e.status = u.NewStanzaWriter(os.NewFile(uintptr(opts.LogFD), "status"))
	}
	log.Debug("%s, %s, %s compression", b, e.sealer, e.codec)
	return e, nil
}

func (e *env) analyze(ctx context.Context) (*collection.Status, *collection.Loader, error) {
	st, l, err := collection.AnalyzeBackend(ctx, e.backend, e.sealer,
		collection.Options{Prefix: e.naming.Prefix})
	if err != nil {
		return nil, nil, err
	}
	for _, s := range st.Orphaned {
		e.status.Warning(u.WarningOrphanedBackup, []string{s.ManifestName}, s.String())
	}
	for _, s := range st.Partial {
		e.status.Warning(u.WarningIncompleteBackup, []string{s.String()}, s.Reason)
	}
	return st, l, nil
}

func (e *env) sigStore() *sigarchive.Store {
	return &sigarchive.Store{Backend: e.backend, Sealer: e.sealer, Codec: e.codec,
		Naming: e.naming, CacheDir: opts.ArchiveDir}
}

func setLoggers(l *u.Logger) {
	log = l
	storage.SetLogger(l)
	envelope.SetLogger(l)
	scan.SetLogger(l)
	volume.SetLogger(l)
	collection.SetLogger(l)
	sigarchive.SetLogger(l)
	restore.SetLogger(l)
	backup.SetLogger(l)
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "dbk"
	parser.LongDescription = "dbk makes encrypted incremental backups of directory trees."
	addCommands(parser)

	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		l, err := u.NewLoggerConfig(u.LogConfig{
			Verbose:    opts.Verbose,
			Debug:      opts.Debug,
			Format:     opts.LogFormat,
			File:       opts.LogFile,
			MaxSizeMB:  100,
			MaxBackups: 5,
		})
		if err != nil {
			return err
		}
		defer l.Close()
		setLoggers(l)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		commandContext = ctx

		err = cmd.Execute(args)
		if opts.MetricsFile != "" {
			if merr := metrics.WriteTextfile(opts.MetricsFile); merr != nil {
				log.Error("%s: %s", opts.MetricsFile, merr)
			}
		}
		return err
	}

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok {
			if fe.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "dbk: %s\n", err)
		os.Exit(exitCode(err))
	}
	if log != nil && log.ErrorCount() > 0 {
		os.Exit(1)
	}
}

// commandContext is cancelled by SIGINT or SIGTERM.
var commandContext = context.Background()

func exitCode(err error) int {
	var nsv *restore.NoSuchVersionError
	var ae *envelope.AuthenticationError
	var bu *storage.BackendUnavailable
	switch {
	case errors.As(err, &nsv):
		return int(u.ErrorRestoreNotFound)
	case errors.As(err, &ae):
		return int(u.ErrorGPGFailed)
	case errors.As(err, &bu):
		return int(u.ErrorBackend)
	}
	return int(u.ErrorGeneric)
}
