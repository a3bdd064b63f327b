// Package archivetest runs an in-process storage acceptor on a loopback port.
package archivetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/scp"
)

type Archive struct {
	Addr    string
	AETitle string
	Dir     string
	Service *scp.Service

	stop func()
}

// Stop shuts the archive down before the test ends. Later dials are refused.
func (a *Archive) Stop() {
	a.stop()
}

// Fast is a session config with timeouts suited to loopback tests.
func Fast() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReadTimeout = 3 * time.Second
	cfg.WriteTimeout = 3 * time.Second
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 50 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

// Start serves policy until the test ends.
func Start(t testing.TB, policy scp.Policy) *Archive {
	t.Helper()
	cfg := scp.DefaultConfig()
	cfg.Policy = policy
	cfg.Session = Fast()
	return StartWithConfig(t, cfg)
}

// StartWithConfig overrides the listen address and storage directory of cfg.
func StartWithConfig(t testing.TB, cfg scp.Config) *Archive {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.StorageDir = t.TempDir()
	svc, err := scp.New(cfg)
	if err != nil {
		t.Fatalf("new scp: %v", err)
	}
	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, ln)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("scp serve: %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Errorf("scp did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return &Archive{
		Addr:    ln.Addr().String(),
		AETitle: svc.Config().AETitle,
		Dir:     cfg.StorageDir,
		Service: svc,
		stop:    stop,
	}
}
