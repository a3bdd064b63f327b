package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// options is the resolved sendctl setup: defaults, then the config file,
// then flags the user actually set.
type options struct {
	Catalog      string
	Destination  string
	CallingAE    string
	CalledAE     string
	Host         string
	Port         int
	Workers      int
	DIMSETimeout time.Duration
	SkipProbe    bool
	Recursive    bool
	HistoryDB    string
	Echo         bool
	JSON         bool
	NoColor      bool
}

func defaultOptions() options {
	return options{Recursive: true}
}

type fileConfig struct {
	Catalog      string `toml:"catalog"`
	Destination  string `toml:"destination"`
	CallingAE    string `toml:"calling_ae"`
	CalledAE     string `toml:"called_ae"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Workers      int    `toml:"workers"`
	DIMSETimeout string `toml:"dimse_timeout"`
	SkipProbe    bool   `toml:"skip_probe"`
	Recursive    bool   `toml:"recursive"`
	HistoryDB    string `toml:"history_db"`
}

func loadOptions(path string, opts options) (options, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return options{}, fmt.Errorf("load sendctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return options{}, fmt.Errorf("load sendctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("catalog") {
		opts.Catalog = strings.TrimSpace(raw.Catalog)
	}
	if meta.IsDefined("destination") {
		opts.Destination = strings.TrimSpace(raw.Destination)
	}
	if meta.IsDefined("calling_ae") {
		opts.CallingAE = strings.TrimSpace(raw.CallingAE)
	}
	if meta.IsDefined("called_ae") {
		opts.CalledAE = strings.TrimSpace(raw.CalledAE)
	}
	if meta.IsDefined("host") {
		opts.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		opts.Port = raw.Port
	}
	if meta.IsDefined("workers") {
		if raw.Workers < 0 {
			return options{}, fmt.Errorf("workers must be >= 0, got %d", raw.Workers)
		}
		opts.Workers = raw.Workers
	}
	if meta.IsDefined("dimse_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DIMSETimeout))
		if err != nil {
			return options{}, fmt.Errorf("parse dimse_timeout: %w", err)
		}
		opts.DIMSETimeout = d
	}
	if meta.IsDefined("skip_probe") {
		opts.SkipProbe = raw.SkipProbe
	}
	if meta.IsDefined("recursive") {
		opts.Recursive = raw.Recursive
	}
	if meta.IsDefined("history_db") {
		opts.HistoryDB = strings.TrimSpace(raw.HistoryDB)
	}
	return opts, nil
}
