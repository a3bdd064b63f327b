// Package scu is the association requestor: it dials an archive, negotiates
// presentation contexts and runs C-ECHO / C-STORE over the result.
package scu

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/protocol/pdu"
	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired     = errors.New("scu: peer address required")
	ErrAssociationRejected = errors.New("scu: association rejected")
	ErrAssociationAborted  = errors.New("scu: association aborted by peer")
	ErrAssociationClosed   = errors.New("scu: association closed")
	ErrUnexpectedPDU       = errors.New("scu: unexpected pdu")
	ErrTimeout             = errors.New("scu: timed out waiting for peer")
	// ErrRequestNotSent marks a transport failure while the request was still
	// being written, so the peer cannot have acted on it.
	ErrRequestNotSent = errors.New("scu: request not sent")
)

type Config struct {
	Address            string
	CallingAE          string
	CalledAE           string
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		CallingAE:          "DCMSCU",
		CalledAE:           "ANY-SCP",
		Session:            session.DefaultConfig(),
		MaxConnectAttempts: 1,
	}
}

type Client struct {
	cfg Config
	rng *rand.Rand
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if err := session.ValidateAETitle(cfg.CallingAE); err != nil {
		return nil, fmt.Errorf("calling ae: %w", err)
	}
	if err := session.ValidateAETitle(cfg.CalledAE); err != nil {
		return nil, fmt.Errorf("called ae: %w", err)
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (c *Client) Config() Config {
	return c.cfg
}

// Associate dials the peer and negotiates contexts, retrying transport
// failures with backoff. An A-ASSOCIATE-RJ is returned immediately.
func (c *Client) Associate(ctx context.Context, contexts []session.PresentationContext) (*Association, error) {
	rq := session.AssociateRQ{
		CalledAE:     c.cfg.CalledAE,
		CallingAE:    c.cfg.CallingAE,
		Contexts:     contexts,
		MaxPDULength: c.cfg.Session.MaxPDULength,
	}
	if err := rq.Validate(); err != nil {
		return nil, err
	}

	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("scu.Client dial failed")
			observability.RecordAssociation("requestor", "dial_error")
			if !c.shouldRetry(attempt) {
				return nil, err
			}
			if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
				return nil, err
			}
			continue
		}

		assoc, err := c.negotiate(ctx, conn, rq)
		if err == nil {
			observability.RecordAssociation("requestor", "accepted")
			return assoc, nil
		}
		_ = conn.Close()
		if errors.Is(err, ErrAssociationRejected) {
			observability.RecordAssociation("requestor", "rejected")
			return nil, err
		}
		observability.RecordAssociation("requestor", "error")
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if err := c.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) negotiate(ctx context.Context, conn net.Conn, rq session.AssociateRQ) (*Association, error) {
	deadline := time.Now().Add(c.cfg.Session.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	p, err := session.EncodeAssociateRQ(rq)
	if err != nil {
		return nil, err
	}
	if err := pdu.WritePDU(conn, p, pdu.DefaultLimits()); err != nil {
		return nil, wrapTimeout(err)
	}
	reader := bufio.NewReader(conn)
	resp, err := pdu.ReadPDU(reader, pdu.DefaultLimits())
	if err != nil {
		return nil, wrapTimeout(err)
	}

	switch resp.Type {
	case pdu.TypeAssociateAC:
	case pdu.TypeAssociateRJ:
		rj, err := session.DecodeAssociateRJ(resp.Payload)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAssociationRejected, rj)
	case pdu.TypeAbort:
		ab, _ := pdu.DecodeAbort(resp.Payload)
		return nil, fmt.Errorf("%w: %s", ErrAssociationAborted, ab)
	default:
		return nil, fmt.Errorf("%w: type=0x%02x during negotiation", ErrUnexpectedPDU, resp.Type)
	}

	ac, err := session.DecodeAssociateAC(resp.Payload)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	assoc := newAssociation(conn, reader, c.cfg.Session, rq.Contexts, ac)
	log.Debug().
		Str("addr", c.cfg.Address).
		Str("called_ae", rq.CalledAE).
		Int("proposed", len(rq.Contexts)).
		Int("accepted", len(assoc.Accepted())).
		Uint32("peer_max_pdu", ac.MaxPDULength).
		Msg("scu.Client association established")
	return assoc, nil
}

// VerificationContext is the C-ECHO context every proposal carries.
func VerificationContext(id uint8) session.PresentationContext {
	return session.PresentationContext{
		ID:               id,
		AbstractSyntax:   uid.Verification,
		TransferSyntaxes: uid.DefaultTransferSyntaxes(),
	}
}

func wrapTimeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
