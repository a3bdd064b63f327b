package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/dicomctl/internal/config"
	"github.com/danmuck/dicomctl/internal/history"
	"github.com/danmuck/dicomctl/internal/scp"
	"github.com/danmuck/dicomctl/internal/send"
	"github.com/danmuck/dicomctl/internal/testutil/archivetest"
	"github.com/danmuck/dicomctl/internal/testutil/dcmtest"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOptionsDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "sendctl.toml", `
catalog = "/etc/dicomctl/catalog.toml"
destination = "archive"
workers = 3
dimse_timeout = "45s"
recursive = false
history_db = "history.db"
`)
	opts, err := loadOptions(path, defaultOptions())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.Catalog != "/etc/dicomctl/catalog.toml" || opts.Destination != "archive" {
		t.Fatalf("unexpected catalog selection: %+v", opts)
	}
	if opts.Workers != 3 || opts.DIMSETimeout != 45*time.Second {
		t.Fatalf("unexpected workers=%d dimse=%v", opts.Workers, opts.DIMSETimeout)
	}
	if opts.Recursive {
		t.Fatalf("recursive should be overridden to false")
	}
	if opts.Host != "" || opts.Port != 0 {
		t.Fatalf("undefined keys should keep defaults: host=%q port=%d", opts.Host, opts.Port)
	}
}

func TestLoadOptionsRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown key", body: "hots = \"x\"\n", want: "unknown key"},
		{name: "negative workers", body: "workers = -1\n", want: "workers"},
		{name: "bad duration", body: "dimse_timeout = \"later\"\n", want: "dimse_timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadOptions(writeConfig(t, "sendctl.toml", tc.body), defaultOptions())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestTemplateIsLoadable(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "sendctl.toml")
	if err := config.WriteTemplate(path, "sendctl", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := loadOptions(path, defaultOptions()); err != nil {
		t.Fatalf("template should load: %v", err)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "sendctl.toml", "host = \"10.0.0.1\"\nport = 4242\nworkers = 2\n")
	var stderr bytes.Buffer
	opts, files, err := parseArgs([]string{"-config", path, "-port", "11112", "-dimse-timeout", "5s", "a.dcm"}, &stderr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Host != "10.0.0.1" || opts.Port != 11112 || opts.Workers != 2 {
		t.Fatalf("unexpected precedence: %+v", opts)
	}
	if opts.DIMSETimeout != 5*time.Second {
		t.Fatalf("unexpected dimse timeout: %v", opts.DIMSETimeout)
	}
	if len(files) != 1 || files[0] != "a.dcm" {
		t.Fatalf("unexpected files: %v", files)
	}

	if _, _, err := parseArgs([]string{"-host", "h"}, &stderr); err == nil {
		t.Fatalf("expected error without files")
	}
	if _, _, err := parseArgs([]string{"-dimse-timeout", "x", "a.dcm"}, &stderr); err == nil {
		t.Fatalf("expected bad -dimse-timeout error")
	}
}

func TestResolveTarget(t *testing.T) {
	testlog.Start(t)
	catPath := writeConfig(t, "catalog.toml", `
ae_title = "WORKSTATION"
[session]
dimse_timeout = "30s"

[[destinations]]
name = "pacs"
called_ae = "PACS"
host = "pacs.local"
port = 104
`)

	target, err := resolveTarget(options{Catalog: catPath, CalledAE: "OVERRIDE"})
	if err != nil {
		t.Fatalf("resolve catalog: %v", err)
	}
	if target.Name != "pacs" || target.Peer.CallingAE != "WORKSTATION" || target.Peer.CalledAE != "OVERRIDE" {
		t.Fatalf("unexpected target: %+v", target)
	}
	if target.DIMSETimeout != 30*time.Second {
		t.Fatalf("unexpected dimse timeout: %v", target.DIMSETimeout)
	}

	direct, err := resolveTarget(options{Host: "10.1.1.1", Port: 4242, CalledAE: "ORTHANC"})
	if err != nil {
		t.Fatalf("resolve direct: %v", err)
	}
	if direct.Peer.CallingAE != config.DefaultAETitle || direct.Peer.Address() != "10.1.1.1:4242" {
		t.Fatalf("unexpected direct peer: %+v", direct.Peer)
	}

	if _, err := resolveTarget(options{}); err == nil {
		t.Fatalf("expected error without host or catalog")
	}
	if _, err := resolveTarget(options{Catalog: catPath, Destination: "nope"}); err == nil {
		t.Fatalf("expected unknown destination error")
	}
}

func TestRunSendsAndRecordsHistory(t *testing.T) {
	testlog.Start(t)
	archive := archivetest.Start(t, scp.UncompressedOnly())
	host, port, err := net.SplitHostPort(archive.Addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	dir := t.TempDir()
	dcmtest.Batch(t, dir, 2, dcmtest.Spec{})
	dcmtest.Write(t, dir, dcmtest.Spec{Name: "rle.dcm", TransferSyntax: "1.2.840.10008.1.2.5"})
	dbPath := filepath.Join(t.TempDir(), "history.db")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-host", host, "-port", port, "-aec", archive.AETitle,
		"-history", dbPath, "-json", dir,
	}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, stderr.String())
	}

	var sum send.Summary
	if err := json.Unmarshal(stdout.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, stdout.String())
	}
	if sum.Sent != 3 || sum.Converted != 1 {
		t.Fatalf("unexpected summary: sent=%d converted=%d", sum.Sent, sum.Converted)
	}
	if !strings.Contains(stderr.String(), "Sending 3/3") {
		t.Fatalf("expected progress lines, got:\n%s", stderr.String())
	}

	store, err := history.Open(dbPath)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	rec, err := store.Get(context.Background(), sum.JobID)
	if err != nil {
		t.Fatalf("history get: %v", err)
	}
	if rec.Sent != 3 || len(rec.Outcomes) != 3 {
		t.Fatalf("unexpected history record: sent=%d outcomes=%d", rec.Sent, len(rec.Outcomes))
	}
}

func TestRunEcho(t *testing.T) {
	testlog.Start(t)
	archive := archivetest.Start(t, scp.UncompressedOnly())
	host, port, _ := net.SplitHostPort(archive.Addr)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-host", host, "-port", port, "-aec", archive.AETitle, "-echo"}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "C-ECHO") {
		t.Fatalf("unexpected echo output: %q", stdout.String())
	}
}

func TestRunReportsFailures(t *testing.T) {
	testlog.Start(t)
	policy := scp.UncompressedOnly()
	policy.StatusFor = func(scp.StoredInstance) (uint16, string) { return 0xA700, "out of resources" }
	archive := archivetest.Start(t, policy)
	host, port, _ := net.SplitHostPort(archive.Addr)
	file := dcmtest.Write(t, t.TempDir(), dcmtest.Spec{})

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-host", host, "-port", port, "-aec", archive.AETitle, "-no-color", file,
	}, &stdout, &stderr)
	if code != exitFailed {
		t.Fatalf("exit=%d, want %d", code, exitFailed)
	}
	out := stdout.String()
	if !strings.Contains(out, "Failed: 1") || !strings.Contains(out, "fail  "+filepath.Base(file)) {
		t.Fatalf("unexpected report:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("-no-color output contains escape codes:\n%s", out)
	}
}

func TestRunUsageErrors(t *testing.T) {
	testlog.Start(t)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"a.dcm"}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("missing target exit=%d", code)
	}
	junk := dcmtest.WriteGarbage(t, t.TempDir(), "junk.dcm")
	if code := run(context.Background(), []string{"-host", "127.0.0.1", "-aec", "X", junk}, &stdout, &stderr); code != exitUsage {
		t.Fatalf("non-dicom exit=%d", code)
	}
}
