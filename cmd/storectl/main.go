// Command storectl runs a storage acceptor that writes received instances
// to disk, one directory per study.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/dicomctl/internal/logging"
	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/scp"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "storectl TOML config")
		listen  = flag.String("listen", "", "listen address (overrides config)")
		aet     = flag.String("aet", "", "AE title (overrides config)")
		dir     = flag.String("dir", "", "storage directory (overrides config)")
	)
	flag.Parse()
	logging.ConfigureRuntime()
	observability.RegisterMetrics()

	cfg := scp.DefaultConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = loadServiceConfig(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "storectl: %v\n", err)
			os.Exit(2)
		}
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *aet != "" {
		cfg.AETitle = *aet
	}
	if *dir != "" {
		cfg.StorageDir = *dir
	}

	svc, err := scp.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storectl: %v\n", err)
		os.Exit(2)
	}
	svc.OnStudyComplete(func(study string, instances []scp.StoredInstance) {
		log.Info().Str("study", study).Int("instances", len(instances)).Msg("storectl study complete")
	})
	if err := svc.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "storectl: %v\n", err)
		os.Exit(1)
	}
}
