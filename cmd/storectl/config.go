package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/danmuck/dicomctl/internal/scp"
)

type fileConfig struct {
	Listen           string   `toml:"listen"`
	AETitle          string   `toml:"ae_title"`
	RequireCalledAE  bool     `toml:"require_called_ae"`
	StorageDir       string   `toml:"storage_dir"`
	StudyIdleTimeout string   `toml:"study_idle_timeout"`
	TransferSyntaxes []string `toml:"transfer_syntaxes"`
	SecurityMode     string   `toml:"security_mode"`
	TLS              struct {
		Enabled  bool   `toml:"enabled"`
		Mutual   bool   `toml:"mutual"`
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
		CAFile   string `toml:"ca_file"`
	} `toml:"tls"`
}

func loadServiceConfig(path string) (scp.Config, error) {
	cfg := scp.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return scp.Config{}, fmt.Errorf("load storectl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return scp.Config{}, fmt.Errorf("load storectl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		if addr := strings.TrimSpace(raw.Listen); addr != "" {
			cfg.ListenAddr = addr
		}
	}
	if meta.IsDefined("ae_title") {
		ae := strings.TrimSpace(raw.AETitle)
		if err := session.ValidateAETitle(ae); err != nil {
			return scp.Config{}, fmt.Errorf("ae_title: %w", err)
		}
		cfg.AETitle = ae
	}
	if meta.IsDefined("require_called_ae") {
		cfg.RequireCalledAE = raw.RequireCalledAE
	}
	if meta.IsDefined("storage_dir") {
		cfg.StorageDir = strings.TrimSpace(raw.StorageDir)
	}
	if meta.IsDefined("study_idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StudyIdleTimeout))
		if err != nil {
			return scp.Config{}, fmt.Errorf("parse study_idle_timeout: %w", err)
		}
		cfg.StudyIdleTimeout = d
	}
	if meta.IsDefined("transfer_syntaxes") {
		syntaxes := make([]string, 0, len(raw.TransferSyntaxes))
		for _, ts := range raw.TransferSyntaxes {
			if ts = uid.Normalize(ts); ts != "" {
				syntaxes = append(syntaxes, ts)
			}
		}
		cfg.Policy.TransferSyntaxes = syntaxes
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(strings.TrimSpace(raw.SecurityMode)))
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = session.TLSConfig{
			Enabled:  raw.TLS.Enabled || raw.TLS.Mutual,
			Mutual:   raw.TLS.Mutual,
			CertFile: strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:  strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:   strings.TrimSpace(raw.TLS.CAFile),
		}
	}
	return cfg, nil
}
