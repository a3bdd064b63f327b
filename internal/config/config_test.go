package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCatalogTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "catalog.toml")
	if err := WriteTemplate(path, "catalog", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "catalog", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}

	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(cat.Names(), ","); got != "local,archive" {
		t.Fatalf("unexpected names=%q", got)
	}

	local, err := cat.Resolve("")
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if local.Peer.CallingAE != "DCMSCU" || local.Peer.CalledAE != "STORESCP" || local.Peer.Port != 11112 {
		t.Fatalf("unexpected peer: %+v", local.Peer)
	}
	if local.DIMSETimeout != 2*time.Minute || local.Session.ConnectTimeout != 10*time.Second {
		t.Fatalf("unexpected timeouts: dimse=%v connect=%v", local.DIMSETimeout, local.Session.ConnectTimeout)
	}
	if local.Session.TLS.Enabled {
		t.Fatalf("local destination should be plaintext")
	}

	archive, err := cat.Resolve("ARCHIVE")
	if err != nil {
		t.Fatalf("resolve archive: %v", err)
	}
	if !archive.Session.TLS.Enabled || archive.Session.TLS.ServerName != "pacs.example.org" {
		t.Fatalf("unexpected tls: %+v", archive.Session.TLS)
	}
}

func TestCatalogYAML(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "catalog.yaml", `
destinations:
  - name: orthanc
    calling_ae: MODALITY1
    called_ae: ORTHANC
    host: 10.0.0.5
    port: 4242
session:
  security_mode: production
`)
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cat.AETitle != DefaultAETitle || cat.Default != "orthanc" {
		t.Fatalf("defaults not applied: ae=%q default=%q", cat.AETitle, cat.Default)
	}
	target, err := cat.Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.Peer.CallingAE != "MODALITY1" {
		t.Fatalf("destination calling ae should win, got %q", target.Peer.CallingAE)
	}
	if target.Session.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("unexpected security mode=%q", target.Session.SecurityMode)
	}
}

func TestCatalogValidation(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing port",
			body: "[[destinations]]\nname = \"a\"\ncalled_ae = \"A\"\nhost = \"h\"\n",
			want: "Port",
		},
		{
			name: "ae title too long",
			body: "[[destinations]]\nname = \"a\"\ncalled_ae = \"ABCDEFGHIJKLMNOPQ\"\nhost = \"h\"\nport = 104\n",
			want: "aetitle",
		},
		{
			name: "duplicate names",
			body: "[[destinations]]\nname = \"a\"\ncalled_ae = \"A\"\nhost = \"h\"\nport = 104\n\n[[destinations]]\nname = \"A\"\ncalled_ae = \"B\"\nhost = \"h\"\nport = 105\n",
			want: "duplicate",
		},
		{
			name: "unknown default",
			body: "default = \"nope\"\n[[destinations]]\nname = \"a\"\ncalled_ae = \"A\"\nhost = \"h\"\nport = 104\n",
			want: "not defined",
		},
		{
			name: "bad duration",
			body: "[session]\nread_timeout = \"soon\"\n",
			want: "read_timeout",
		},
		{
			name: "mutual without cert",
			body: "[[destinations]]\nname = \"a\"\ncalled_ae = \"A\"\nhost = \"h\"\nport = 104\n[destinations.tls]\nmutual = true\n",
			want: "CertFile",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCatalog(writeFile(t, "catalog.toml", tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	testlog.Start(t)
	cat := Catalog{Destinations: []Destination{{Name: "a", CalledAE: "A", Host: "h", Port: 104}}}
	if _, err := cat.Resolve("b"); !errors.Is(err, ErrUnknownDestination) {
		t.Fatalf("expected ErrUnknownDestination, got %v", err)
	}
	target, err := cat.Resolve("a")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if target.Peer.CallingAE != DefaultAETitle {
		t.Fatalf("expected default calling ae, got %q", target.Peer.CallingAE)
	}
}

func TestTemplateKinds(t *testing.T) {
	testlog.Start(t)
	for _, kind := range Kinds {
		if _, err := Template(kind); err != nil {
			t.Fatalf("template %s: %v", kind, err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
