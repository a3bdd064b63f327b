// Command sendd serves the send engine over HTTP: submit jobs, follow them
// over a websocket, and browse the send history. An optional drop folder
// submits whatever settles in it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/dicomctl/internal/auth"
	"github.com/danmuck/dicomctl/internal/config"
	"github.com/danmuck/dicomctl/internal/history"
	"github.com/danmuck/dicomctl/internal/logging"
	"github.com/danmuck/dicomctl/internal/server"
	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/danmuck/dicomctl/internal/watch"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := flag.String("config", "", "sendd TOML config")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()
	logging.ConfigureRuntime()

	cfg := defaultServiceConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = loadServiceConfig(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "sendd: %v\n", err)
			os.Exit(2)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sendd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serviceConfig) error {
	cat, err := config.LoadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}

	var store *history.Store
	if cfg.HistoryDB != "" {
		if store, err = history.Open(cfg.HistoryDB); err != nil {
			return err
		}
		defer store.Close()
	}

	tc := transcode.New()
	if cfg.Workers > 0 {
		tc.Workers = cfg.Workers
	}
	jobs := server.NewJobs(server.JobsConfig{Catalog: cat, History: store, Transcoder: tc})

	var validator auth.Validator
	if cfg.Token != "" {
		validator = auth.StaticToken{Token: cfg.Token}
	} else {
		log.Warn().Msg("sendd running without a token; the API is open")
	}
	srv := server.New(server.Config{
		Addr:        cfg.Addr,
		CorsOrigins: cfg.CorsOrigins,
		Auth:        validator,
		History:     store,
	}, jobs)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if cfg.Watch.Dir != "" {
		w, err := dropFolder(cfg.Watch, jobs)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// dropFolder submits each settled batch to the watch destination.
func dropFolder(cfg watchConfig, jobs *server.Jobs) (*watch.Watcher, error) {
	return watch.New(watch.Config{Dir: cfg.Dir, Settle: cfg.Settle, Recursive: cfg.Recursive},
		func(_ context.Context, files []string) error {
			view, err := jobs.Submit(server.JobRequest{Destination: cfg.Destination, Files: files})
			if err != nil {
				return err
			}
			log.Info().Str("job", view.ID).Int("files", view.Files).Str("dir", cfg.Dir).Msg("sendd drop folder submitted")
			return nil
		})
}
