package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dicomctl/internal/watch"
)

type serviceConfig struct {
	Addr        string
	Catalog     string
	Token       string
	HistoryDB   string
	CorsOrigins []string
	Workers     int
	Watch       watchConfig
}

type watchConfig struct {
	Dir         string
	Destination string
	Settle      time.Duration
	Recursive   bool
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Addr:      ":8088",
		Catalog:   "catalog.toml",
		HistoryDB: "dicomctl.db",
		Watch:     watchConfig{Settle: watch.DefaultSettle},
	}
}

type fileConfig struct {
	Addr        string   `toml:"addr"`
	Catalog     string   `toml:"catalog"`
	Token       string   `toml:"token"`
	HistoryDB   string   `toml:"history_db"`
	CorsOrigins []string `toml:"cors_origins"`
	Workers     int      `toml:"workers"`
	Watch       struct {
		Dir         string `toml:"dir"`
		Destination string `toml:"destination"`
		Settle      string `toml:"settle"`
		Recursive   bool   `toml:"recursive"`
	} `toml:"watch"`
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load sendd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serviceConfig{}, fmt.Errorf("load sendd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		if addr := strings.TrimSpace(raw.Addr); addr != "" {
			cfg.Addr = addr
		}
	}
	if meta.IsDefined("catalog") {
		cfg.Catalog = strings.TrimSpace(raw.Catalog)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("history_db") {
		cfg.HistoryDB = strings.TrimSpace(raw.HistoryDB)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("workers") {
		if raw.Workers < 0 {
			return serviceConfig{}, fmt.Errorf("workers must be >= 0, got %d", raw.Workers)
		}
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("watch", "dir") {
		cfg.Watch.Dir = strings.TrimSpace(raw.Watch.Dir)
	}
	if meta.IsDefined("watch", "destination") {
		cfg.Watch.Destination = strings.TrimSpace(raw.Watch.Destination)
	}
	if meta.IsDefined("watch", "settle") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Watch.Settle))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse watch.settle: %w", err)
		}
		cfg.Watch.Settle = d
	}
	if meta.IsDefined("watch", "recursive") {
		cfg.Watch.Recursive = raw.Watch.Recursive
	}
	if cfg.Catalog == "" {
		return serviceConfig{}, fmt.Errorf("catalog is required")
	}
	return cfg, nil
}
