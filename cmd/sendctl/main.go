// Command sendctl sends DICOM files to an archive, converting the ones the
// archive cannot accept.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/dicomctl/internal/config"
	"github.com/danmuck/dicomctl/internal/history"
	"github.com/danmuck/dicomctl/internal/logging"
	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/scan"
	"github.com/danmuck/dicomctl/internal/send"
	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/rs/zerolog/log"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitCancel = 130
)

func main() {
	logging.ConfigureRuntime()
	observability.RegisterMetrics()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, files, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "sendctl: %v\n", err)
		return exitUsage
	}
	target, err := resolveTarget(opts)
	if err != nil {
		fmt.Fprintf(stderr, "sendctl: %v\n", err)
		return exitUsage
	}

	if opts.Echo {
		n := send.Negotiator{Peer: target.Peer, Session: target.Session}
		rtt, err := n.Verify(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "sendctl: %v\n", err)
			return exitFailed
		}
		fmt.Fprintf(stdout, "C-ECHO %s ok in %s\n", target.Peer, rtt.Round(time.Millisecond))
		return exitOK
	}

	found, err := scan.Expand(files, scan.Options{Recursive: opts.Recursive})
	if err != nil {
		fmt.Fprintf(stderr, "sendctl: %v\n", err)
		return exitUsage
	}
	if len(found.Skipped) > 0 {
		fmt.Fprintf(stderr, "Skipping %d non-DICOM files\n", len(found.Skipped))
	}

	tc := transcode.New()
	if opts.Workers > 0 {
		tc.Workers = opts.Workers
	}
	job, err := send.NewJob(send.Config{
		Peer:         target.Peer,
		Session:      target.Session,
		Files:        found.Files,
		Transcoder:   tc,
		DIMSETimeout: target.DIMSETimeout,
		SkipProbe:    opts.SkipProbe,
		Sink:         progressPrinter(stderr),
	})
	if err != nil {
		fmt.Fprintf(stderr, "sendctl: %v\n", err)
		return exitUsage
	}

	sum := job.Run(ctx)
	if opts.HistoryDB != "" {
		recordHistory(opts.HistoryDB, target.Name, sum)
	}

	if opts.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
	} else {
		printReport(stdout, sum, opts.NoColor)
	}
	switch {
	case sum.Cancelled:
		return exitCancel
	case sum.OK():
		return exitOK
	default:
		return exitFailed
	}
}

func parseArgs(args []string, stderr io.Writer) (options, []string, error) {
	fs := flag.NewFlagSet("sendctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: sendctl [flags] <file|dir>...")
		fs.PrintDefaults()
	}
	var (
		cfgPath = fs.String("config", "", "sendctl TOML config")
		flagged options
		dimse   string
	)
	fs.StringVar(&flagged.Catalog, "catalog", "", "destination catalog (toml or yaml)")
	fs.StringVar(&flagged.Destination, "dest", "", "catalog destination name (default: catalog default)")
	fs.StringVar(&flagged.CallingAE, "aet", "", "calling AE title")
	fs.StringVar(&flagged.CalledAE, "aec", "", "called AE title")
	fs.StringVar(&flagged.Host, "host", "", "archive host (bypasses the catalog)")
	fs.IntVar(&flagged.Port, "port", 104, "archive port")
	fs.IntVar(&flagged.Workers, "workers", 0, "conversion workers (0 = logical CPUs)")
	fs.StringVar(&dimse, "dimse-timeout", "", "per-file response timeout, e.g. 2m")
	fs.BoolVar(&flagged.SkipProbe, "skip-probe", false, "send as-is without probing or converting")
	fs.BoolVar(&flagged.Recursive, "recursive", true, "descend into subdirectories")
	fs.StringVar(&flagged.HistoryDB, "history", "", "record the run in this SQLite history database")
	fs.BoolVar(&flagged.Echo, "echo", false, "verify the peer with C-ECHO and exit")
	fs.BoolVar(&flagged.JSON, "json", false, "print the summary as JSON")
	fs.BoolVar(&flagged.NoColor, "no-color", false, "disable coloured output")
	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}

	opts := defaultOptions()
	if *cfgPath != "" {
		var err error
		if opts, err = loadOptions(*cfgPath, opts); err != nil {
			return options{}, nil, err
		}
	}

	var parseErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "catalog":
			opts.Catalog = flagged.Catalog
		case "dest":
			opts.Destination = flagged.Destination
		case "aet":
			opts.CallingAE = flagged.CallingAE
		case "aec":
			opts.CalledAE = flagged.CalledAE
		case "host":
			opts.Host = flagged.Host
		case "port":
			opts.Port = flagged.Port
		case "workers":
			opts.Workers = flagged.Workers
		case "dimse-timeout":
			d, err := time.ParseDuration(dimse)
			if err != nil {
				parseErr = fmt.Errorf("-dimse-timeout: %w", err)
				return
			}
			opts.DIMSETimeout = d
		case "skip-probe":
			opts.SkipProbe = flagged.SkipProbe
		case "recursive":
			opts.Recursive = flagged.Recursive
		case "history":
			opts.HistoryDB = flagged.HistoryDB
		}
	})
	if parseErr != nil {
		return options{}, nil, parseErr
	}
	opts.Echo = flagged.Echo
	opts.JSON = flagged.JSON
	opts.NoColor = flagged.NoColor
	if opts.Host != "" && opts.Port == 0 {
		opts.Port = 104
	}

	files := fs.Args()
	if len(files) == 0 && !opts.Echo {
		return options{}, nil, errors.New("no files given")
	}
	return opts, files, nil
}

// resolveTarget picks the peer: an explicit host wins, otherwise the catalog
// destination. AE flags override either.
func resolveTarget(opts options) (config.Target, error) {
	var (
		target config.Target
		cat    config.Catalog
		err    error
	)
	if opts.Catalog != "" {
		if cat, err = config.LoadCatalog(opts.Catalog); err != nil {
			return config.Target{}, err
		}
	}

	switch {
	case strings.TrimSpace(opts.Host) != "":
		sess := session.DefaultConfig()
		if opts.Catalog != "" {
			if sess, err = cat.Session.Resolve(); err != nil {
				return config.Target{}, err
			}
		}
		calling := cat.AETitle
		if calling == "" {
			calling = config.DefaultAETitle
		}
		target = config.Target{
			Peer:    send.Peer{CallingAE: calling, Host: opts.Host, Port: opts.Port},
			Session: sess,
		}
	case opts.Catalog != "":
		if target, err = cat.Resolve(opts.Destination); err != nil {
			return config.Target{}, err
		}
	default:
		return config.Target{}, errors.New("either -host or -catalog is required")
	}

	if opts.CallingAE != "" {
		target.Peer.CallingAE = opts.CallingAE
	}
	if opts.CalledAE != "" {
		target.Peer.CalledAE = opts.CalledAE
	}
	if opts.DIMSETimeout > 0 {
		target.DIMSETimeout = opts.DIMSETimeout
	}
	return target, nil
}

func recordHistory(path, destination string, sum send.Summary) {
	store, err := history.Open(path)
	if err != nil {
		log.Warn().Err(err).Msg("sendctl history unavailable")
		return
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Record(ctx, destination, sum); err != nil {
		log.Warn().Err(err).Msg("sendctl history record failed")
	}
}
