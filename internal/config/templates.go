package config

import (
	"fmt"
	"os"
	"strings"
)

// Kinds lists the template kinds WriteTemplate accepts.
var Kinds = []string{"catalog", "sendctl", "storectl", "sendd"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "catalog":
		return catalogTemplate, nil
	case "sendctl":
		return sendctlTemplate, nil
	case "storectl":
		return storectlTemplate, nil
	case "sendd":
		return senddTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const catalogTemplate = `ae_title = "DCMSCU"
default = "local"

[session]
connect_timeout = "10s"
read_timeout = "2m"
write_timeout = "2m"
dimse_timeout = "2m"
max_pdu_length = 16384
security_mode = "development"

[[destinations]]
name = "local"
called_ae = "STORESCP"
host = "127.0.0.1"
port = 11112

[[destinations]]
name = "archive"
called_ae = "ARCHIVE"
host = "pacs.example.org"
port = 2762

[destinations.tls]
enabled = true
ca_file = "certs/ca.pem"
server_name = "pacs.example.org"
`

const sendctlTemplate = `# Peer fields override the catalog destination when both are set.
catalog = "catalog.toml"
destination = "local"
calling_ae = "DCMSCU"
called_ae = ""
host = ""
port = 0
workers = 0
dimse_timeout = "2m"
skip_probe = false
recursive = true
history_db = ""
`

const storectlTemplate = `listen = ":11112"
ae_title = "STORESCP"
require_called_ae = false
storage_dir = "./received"
study_idle_timeout = "10s"
transfer_syntaxes = ["1.2.840.10008.1.2.1", "1.2.840.10008.1.2"]

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const senddTemplate = `addr = ":8088"
catalog = "catalog.toml"
token = ""
history_db = "dicomctl.db"
cors_origins = ["http://localhost:3000"]
workers = 0

[watch]
dir = ""
destination = ""
settle = "5s"
`
