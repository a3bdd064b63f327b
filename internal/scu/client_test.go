package scu

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/dicomctl/internal/protocol/pdu"
	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
)

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.HandshakeTimeout = 500 * time.Millisecond
	cfg.Backoff.InitialDelay = 5 * time.Millisecond
	cfg.Backoff.MaxDelay = 10 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

func TestNewClientValidatesConfig(t *testing.T) {
	testlog.Start(t)
	if _, err := NewClient(Config{CallingAE: "A", CalledAE: "B"}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.CallingAE = "THIS-TITLE-IS-WAY-TOO-LONG"
	if _, err := NewClient(cfg); !errors.Is(err, session.ErrInvalidAETitle) {
		t.Fatalf("expected ErrInvalidAETitle, got %v", err)
	}
}

func TestAssociateRetriesDialThenGivesUp(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.Session = fastSession()
	cfg.MaxConnectAttempts = 3
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	start := time.Now()
	if _, err := c.Associate(context.Background(), []session.PresentationContext{VerificationContext(1)}); err == nil {
		t.Fatalf("expected dial failure")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestAssociateTimesOutOnSilentPeer(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = pdu.ReadPDU(conn, pdu.DefaultLimits())
		time.Sleep(2 * time.Second)
	}()

	cfg := DefaultConfig()
	cfg.Address = ln.Addr().String()
	cfg.Session = fastSession()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Associate(context.Background(), []session.PresentationContext{VerificationContext(1)})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAssociateAbortedDuringNegotiation(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = pdu.ReadPDU(conn, pdu.DefaultLimits())
		_ = pdu.WritePDU(conn, pdu.EncodeAbort(pdu.Abort{Source: 2, Reason: 0}), pdu.DefaultLimits())
	}()

	cfg := DefaultConfig()
	cfg.Address = ln.Addr().String()
	cfg.Session = fastSession()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Associate(context.Background(), []session.PresentationContext{VerificationContext(1)}); !errors.Is(err, ErrAssociationAborted) {
		t.Fatalf("expected ErrAssociationAborted, got %v", err)
	}
}

func TestAssociateHonoursCancelledContext(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.Session = fastSession()
	cfg.MaxConnectAttempts = 0
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Associate(ctx, []session.PresentationContext{VerificationContext(1)}); err == nil {
		t.Fatalf("expected error once context ends")
	}
}
