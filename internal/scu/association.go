package scu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/protocol/dimse"
	"github.com/danmuck/dicomctl/internal/protocol/pdu"
	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/rs/zerolog/log"
)

// AcceptedContext is a proposed context the peer accepted, with the single
// transfer syntax it chose.
type AcceptedContext struct {
	ID             uint8
	AbstractSyntax string
	TransferSyntax string
}

// Association is one established requestor session. It is not safe for
// concurrent DIMSE operations; calls are serialized.
type Association struct {
	conn       net.Conn
	reader     *bufio.Reader
	cfg        session.Config
	accepted   []AcceptedContext
	rejected   []session.ContextResult
	peerMaxPDU uint32

	mu        sync.Mutex
	closed    bool
	messageID uint16
}

func newAssociation(
	conn net.Conn,
	reader *bufio.Reader,
	cfg session.Config,
	proposed []session.PresentationContext,
	ac session.AssociateAC,
) *Association {
	byID := make(map[uint8]session.PresentationContext, len(proposed))
	for _, pc := range proposed {
		byID[pc.ID] = pc
	}
	a := &Association{
		conn:       conn,
		reader:     reader,
		cfg:        cfg,
		peerMaxPDU: ac.MaxPDULength,
	}
	for _, r := range ac.Results {
		pc, ok := byID[r.ID]
		if !ok {
			continue
		}
		if !r.Accepted() {
			a.rejected = append(a.rejected, r)
			continue
		}
		a.accepted = append(a.accepted, AcceptedContext{
			ID:             r.ID,
			AbstractSyntax: pc.AbstractSyntax,
			TransferSyntax: r.TransferSyntax,
		})
	}
	return a
}

func (a *Association) Accepted() []AcceptedContext {
	out := make([]AcceptedContext, len(a.accepted))
	copy(out, a.accepted)
	return out
}

func (a *Association) Rejected() []session.ContextResult {
	out := make([]session.ContextResult, len(a.rejected))
	copy(out, a.rejected)
	return out
}

// FindContext returns the accepted context carrying exactly (abstract, ts).
func (a *Association) FindContext(abstract, ts string) (uint8, bool) {
	abstract, ts = uid.Normalize(abstract), uid.Normalize(ts)
	for _, ac := range a.accepted {
		if ac.AbstractSyntax == abstract && ac.TransferSyntax == ts {
			return ac.ID, true
		}
	}
	return 0, false
}

func (a *Association) PeerMaxPDU() uint32 {
	return a.peerMaxPDU
}

// aliveWait bounds the read Alive uses to look for a close from an idle peer.
const aliveWait = time.Millisecond

// Alive reports whether the transport is still usable. A peer that closed
// the connection or sent A-ABORT or A-RELEASE-RQ while idle is seen here,
// and the association is closed.
func (a *Association) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	_ = a.conn.SetReadDeadline(time.Now().Add(aliveWait))
	head, err := a.reader.Peek(1)
	_ = a.conn.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		log.Debug().Err(err).Msg("scu.Association peer closed while idle")
		a.closeLocked()
		return false
	}
	switch head[0] {
	case pdu.TypeAbort, pdu.TypeReleaseRQ:
		log.Debug().Uint8("type", head[0]).Msg("scu.Association peer ended idle association")
		a.closeLocked()
		return false
	}
	return true
}

// Echo runs C-ECHO on the verification context.
func (a *Association) Echo(ctx context.Context) error {
	ctxID, ok := a.FindContext(uid.Verification, uid.ExplicitVRLittleEndian)
	if !ok {
		ctxID, ok = a.FindContext(uid.Verification, uid.ImplicitVRLittleEndian)
	}
	if !ok {
		return fmt.Errorf("scu: verification context not accepted")
	}
	start := time.Now()
	rsp, err := a.exchange(ctx, ctxID, func(id uint16) dimse.Command { return dimse.NewEchoRQ(id) }, nil)
	if err != nil {
		observability.RecordDIMSE("c-echo", "error", time.Since(start))
		return err
	}
	observability.RecordDIMSE("c-echo", fmt.Sprintf("0x%04X", rsp.Status), time.Since(start))
	if rsp.Status != dimse.StatusSuccess {
		return fmt.Errorf("scu: c-echo status %s", dimse.StatusString(rsp.Status))
	}
	return nil
}

// Store sends one data set on ctxID and returns the peer's response command.
// A transport failure closes the association.
func (a *Association) Store(ctx context.Context, ctxID uint8, sopClass, sopInstance string, data io.Reader) (dimse.Command, error) {
	start := time.Now()
	rsp, err := a.exchange(ctx, ctxID, func(id uint16) dimse.Command {
		return dimse.NewStoreRQ(id, sopClass, sopInstance)
	}, data)
	if err != nil {
		observability.RecordDIMSE("c-store", "error", time.Since(start))
		return dimse.Command{}, err
	}
	status := "none"
	if rsp.Has(dimse.TagStatus) {
		status = fmt.Sprintf("0x%04X", rsp.Status)
	}
	observability.RecordDIMSE("c-store", status, time.Since(start))
	return rsp, nil
}

func (a *Association) exchange(
	ctx context.Context,
	ctxID uint8,
	build func(messageID uint16) dimse.Command,
	data io.Reader,
) (dimse.Command, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return dimse.Command{}, ErrAssociationClosed
	}
	if err := ctx.Err(); err != nil {
		return dimse.Command{}, err
	}

	a.messageID++
	rq := build(a.messageID)
	if err := a.setWriteDeadline(ctx); err != nil {
		return dimse.Command{}, a.fail(err)
	}
	maxPDV := pdu.MaxPDVData(a.peerMaxPDU)
	if err := dimse.WriteMessage(a.conn, ctxID, rq, data, maxPDV, pdu.DefaultLimits()); err != nil {
		err = a.fail(err)
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrRequestNotSent, err)
		}
		return dimse.Command{}, err
	}

	var asm dimse.Assembler
	for {
		if err := a.setReadDeadline(ctx); err != nil {
			return dimse.Command{}, a.fail(err)
		}
		p, err := pdu.ReadPDU(a.reader, pdu.DefaultLimits())
		if err != nil {
			return dimse.Command{}, a.fail(err)
		}
		switch p.Type {
		case pdu.TypePDataTF:
		case pdu.TypeAbort:
			ab, _ := pdu.DecodeAbort(p.Payload)
			return dimse.Command{}, a.fail(fmt.Errorf("%w: %s", ErrAssociationAborted, ab))
		default:
			return dimse.Command{}, a.fail(fmt.Errorf("%w: type=0x%02x awaiting response", ErrUnexpectedPDU, p.Type))
		}
		values, err := pdu.DecodePData(p.Payload)
		if err != nil {
			return dimse.Command{}, a.fail(err)
		}
		for _, v := range values {
			msg, err := asm.Add(v)
			if err != nil {
				return dimse.Command{}, a.fail(err)
			}
			if msg == nil {
				continue
			}
			if msg.Command.MessageIDBeingRespondedTo != rq.MessageID {
				log.Warn().
					Uint16("want", rq.MessageID).
					Uint16("got", msg.Command.MessageIDBeingRespondedTo).
					Msg("scu.Association response message id mismatch")
			}
			return msg.Command, nil
		}
	}
}

// Release performs an orderly A-RELEASE and closes the transport.
func (a *Association) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAssociationClosed
	}
	defer a.closeLocked()

	if err := a.setWriteDeadline(ctx); err != nil {
		return err
	}
	if err := pdu.WritePDU(a.conn, pdu.ReleaseRQ(), pdu.DefaultLimits()); err != nil {
		return wrapTimeout(err)
	}
	for {
		if err := a.setReadDeadline(ctx); err != nil {
			return err
		}
		p, err := pdu.ReadPDU(a.reader, pdu.DefaultLimits())
		if err != nil {
			return wrapTimeout(err)
		}
		switch p.Type {
		case pdu.TypeReleaseRP:
			return nil
		case pdu.TypePDataTF:
			// Late fragments from a previous exchange.
			continue
		case pdu.TypeAbort:
			return ErrAssociationAborted
		default:
			return fmt.Errorf("%w: type=0x%02x awaiting release", ErrUnexpectedPDU, p.Type)
		}
	}
}

// Abort sends A-ABORT and closes the transport without waiting.
func (a *Association) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := pdu.WritePDU(a.conn, pdu.EncodeAbort(pdu.Abort{}), pdu.DefaultLimits())
	a.closeLocked()
	return err
}

func (a *Association) fail(err error) error {
	a.closeLocked()
	err = wrapTimeout(err)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrAssociationClosed, err)
	}
	return err
}

func (a *Association) closeLocked() {
	if a.closed {
		return
	}
	a.closed = true
	_ = a.conn.Close()
}

func (a *Association) setWriteDeadline(ctx context.Context) error {
	deadline := time.Now().Add(a.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return a.conn.SetWriteDeadline(deadline)
}

func (a *Association) setReadDeadline(ctx context.Context) error {
	deadline := time.Now().Add(a.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return a.conn.SetReadDeadline(deadline)
}
