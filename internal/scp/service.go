// Package scp is a storage acceptor: it answers C-ECHO and writes every
// C-STORE data set to disk as a Part 10 file, one directory per study.
package scp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/protocol/dimse"
	"github.com/danmuck/dicomctl/internal/protocol/pdu"
	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/rs/zerolog"
)

var (
	ErrStorageDirRequired = errors.New("scp: storage directory required")
	errDropped            = errors.New("scp: connection dropped by policy")
)

type Config struct {
	ListenAddr string
	AETitle    string
	// RequireCalledAE refuses requestors that address a different AE title.
	RequireCalledAE bool
	StorageDir      string
	// StudyIdleTimeout is how long a study must go without new instances
	// before OnStudyComplete fires.
	StudyIdleTimeout time.Duration
	Policy           Policy
	Session          session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":11112",
		AETitle:          "STORESCP",
		StorageDir:       "./received",
		StudyIdleTimeout: 10 * time.Second,
		Session:          session.DefaultConfig(),
	}
}

// StoredInstance is one data set the acceptor wrote to disk.
type StoredInstance struct {
	Path             string
	SOPClassUID      string
	SOPInstanceUID   string
	StudyInstanceUID string
	TransferSyntax   string
	CallingAE        string
	Size             int
	Status           uint16
	ReceivedAt       time.Time
}

type Service struct {
	cfg    Config
	logger zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64

	mu       sync.Mutex
	received []StoredInstance
	studies  map[string]*studyState
	onStored func(StoredInstance)
	onStudy  func(study string, instances []StoredInstance)
}

type studyState struct {
	instances []StoredInstance
	timer     *time.Timer
}

func New(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.StorageDir) == "" {
		return nil, ErrStorageDirRequired
	}
	if strings.TrimSpace(cfg.AETitle) == "" {
		cfg.AETitle = DefaultConfig().AETitle
	}
	if err := session.ValidateAETitle(cfg.AETitle); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.StudyIdleTimeout <= 0 {
		cfg.StudyIdleTimeout = DefaultConfig().StudyIdleTimeout
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{
		cfg:     cfg,
		logger:  observability.Component("scp"),
		conns:   make(map[net.Conn]struct{}),
		studies: make(map[string]*studyState),
	}, nil
}

func (s *Service) Config() Config {
	return s.cfg
}

// OnStored registers a callback run after every stored instance.
func (s *Service) OnStored(fn func(StoredInstance)) {
	s.mu.Lock()
	s.onStored = fn
	s.mu.Unlock()
}

// OnStudyComplete registers a callback run once a study has been idle for
// StudyIdleTimeout.
func (s *Service) OnStudyComplete(fn func(study string, instances []StoredInstance)) {
	s.mu.Lock()
	s.onStudy = fn
	s.mu.Unlock()
}

// Received returns every stored instance in arrival order.
func (s *Service) Received() []StoredInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredInstance, len(s.received))
	copy(out, s.received)
	return out
}

// Run listens on ListenAddr and serves until SIGINT/SIGTERM or ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("ae", s.cfg.AETitle).
		Str("dir", s.cfg.StorageDir).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Msg("scp listening")
	return s.Serve(ctx, ln)
}

// Listen opens a TCP or TLS listener according to the session transport policy.
func (s *Service) Listen() (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts associations on ln until ctx is cancelled.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := os.MkdirAll(s.cfg.StorageDir, 0o755); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.flushStudies()
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	s.logger.Debug().Str("remote", remote).Int64("active", active).Msg("scp client connected")
	defer func() {
		remaining := s.active.Add(-1)
		s.logger.Debug().Str("remote", remote).Int64("active", remaining).Msg("scp client disconnected")
	}()

	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			s.logger.Warn().Err(err).Str("remote", remote).Msg("scp tls handshake failed")
			return
		}
	}

	a, err := s.accept(conn, reader)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", remote).Msg("scp association not established")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	stores := 0
	var asm dimse.Assembler
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.ReadTimeout))
		p, err := pdu.ReadPDU(reader, pdu.DefaultLimits())
		if err != nil {
			return
		}
		switch p.Type {
		case pdu.TypePDataTF:
		case pdu.TypeReleaseRQ:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
			_ = pdu.WritePDU(conn, pdu.ReleaseRP(), pdu.DefaultLimits())
			s.logger.Debug().Str("calling_ae", a.callingAE).Int("stores", stores).Msg("scp association released")
			return
		case pdu.TypeAbort:
			s.logger.Debug().Str("calling_ae", a.callingAE).Msg("scp association aborted by peer")
			return
		default:
			s.logger.Warn().Uint8("type", p.Type).Msg("scp unexpected pdu")
			_ = pdu.WritePDU(conn, pdu.EncodeAbort(pdu.Abort{Source: 2}), pdu.DefaultLimits())
			return
		}
		values, err := pdu.DecodePData(p.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("scp decode p-data")
			return
		}
		for _, v := range values {
			msg, err := asm.Add(v)
			if err != nil {
				s.logger.Warn().Err(err).Msg("scp reassemble message")
				return
			}
			if msg == nil {
				continue
			}
			if msg.Command.CommandField == dimse.CStoreRQ {
				stores++
			}
			if err := s.dispatch(conn, a, msg, stores); err != nil {
				if !errors.Is(err, errDropped) {
					s.logger.Warn().Err(err).Msg("scp dispatch")
				}
				return
			}
		}
	}
}

// association is the acceptor's view of one negotiated session.
type association struct {
	callingAE  string
	contexts   map[uint8]session.ContextResult
	abstracts  map[uint8]string
	peerMaxPDU uint32
}

func (s *Service) accept(conn net.Conn, reader *bufio.Reader) (*association, error) {
	p, err := pdu.ReadPDU(reader, pdu.DefaultLimits())
	if err != nil {
		return nil, err
	}
	if p.Type != pdu.TypeAssociateRQ {
		return nil, fmt.Errorf("scp: expected a-associate-rq, got type=0x%02x", p.Type)
	}
	rq, err := session.DecodeAssociateRQ(p.Payload)
	if err != nil {
		_ = pdu.WritePDU(conn, pdu.EncodeAbort(pdu.Abort{Source: 2}), pdu.DefaultLimits())
		observability.RecordAssociation("acceptor", "error")
		return nil, err
	}

	if rj := s.rejection(rq); rj != nil {
		_ = pdu.WritePDU(conn, session.EncodeAssociateRJ(*rj), pdu.DefaultLimits())
		observability.RecordAssociation("acceptor", "rejected")
		return nil, rj
	}

	results := s.cfg.Policy.answer(rq.Contexts)
	ac := session.AssociateAC{
		CalledAE:     rq.CalledAE,
		CallingAE:    rq.CallingAE,
		Results:      results,
		MaxPDULength: s.cfg.Session.MaxPDULength,
	}
	out, err := session.EncodeAssociateAC(ac)
	if err != nil {
		return nil, err
	}
	if err := pdu.WritePDU(conn, out, pdu.DefaultLimits()); err != nil {
		return nil, err
	}
	observability.RecordAssociation("acceptor", "accepted")

	a := &association{
		callingAE:  rq.CallingAE,
		contexts:   make(map[uint8]session.ContextResult, len(results)),
		abstracts:  make(map[uint8]string, len(rq.Contexts)),
		peerMaxPDU: rq.MaxPDULength,
	}
	for _, pc := range rq.Contexts {
		a.abstracts[pc.ID] = uid.Normalize(pc.AbstractSyntax)
	}
	accepted := 0
	for _, r := range results {
		a.contexts[r.ID] = r
		if r.Accepted() {
			accepted++
		}
	}
	s.logger.Info().
		Str("calling_ae", rq.CallingAE).
		Str("called_ae", rq.CalledAE).
		Int("proposed", len(rq.Contexts)).
		Int("accepted", accepted).
		Msg("scp association accepted")
	return a, nil
}

func (s *Service) rejection(rq session.AssociateRQ) *session.AssociateRJ {
	if rj := s.cfg.Policy.Reject; rj != nil {
		out := *rj
		return &out
	}
	if s.cfg.RequireCalledAE && !strings.EqualFold(strings.TrimSpace(rq.CalledAE), s.cfg.AETitle) {
		return &session.AssociateRJ{
			Result: session.RejectPermanent,
			Source: session.RejectSourceUser,
			Reason: session.RejectReasonCalledAENotRecg,
		}
	}
	return nil
}

func (s *Service) dispatch(conn net.Conn, a *association, msg *dimse.Message, stores int) error {
	r, ok := a.contexts[msg.ContextID]
	if !ok || !r.Accepted() {
		_ = pdu.WritePDU(conn, pdu.EncodeAbort(pdu.Abort{Source: 2}), pdu.DefaultLimits())
		return fmt.Errorf("scp: message on unaccepted context %d", msg.ContextID)
	}

	var rsp dimse.Command
	switch msg.Command.CommandField {
	case dimse.CEchoRQ:
		rsp = dimse.NewEchoRSP(msg.Command, dimse.StatusSuccess)
	case dimse.CStoreRQ:
		if n := s.cfg.Policy.DropAfter; n > 0 && stores >= n {
			s.logger.Info().Int("store", stores).Msg("scp dropping connection")
			return errDropped
		}
		inst := s.store(a, r, msg)
		rsp = dimse.NewStoreRSP(msg.Command, inst.Status, "")
		if fn := s.cfg.Policy.StatusFor; fn != nil && inst.Status == dimse.StatusSuccess {
			status, comment := fn(inst)
			inst.Status = status
			rsp = dimse.NewStoreRSP(msg.Command, status, comment)
			if status != dimse.StatusSuccess && !dimse.IsWarning(status) {
				_ = os.Remove(inst.Path)
				inst.Path = ""
			}
		}
		observability.RecordStoredInstance(inst.Status)
		if inst.Path != "" {
			s.record(inst)
		}
	default:
		return fmt.Errorf("scp: unsupported command %s", dimse.CommandName(msg.Command.CommandField))
	}

	if d := s.cfg.Policy.ResponseDelay; d > 0 {
		time.Sleep(d)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	return dimse.WriteMessage(conn, msg.ContextID, rsp, nil, pdu.MaxPDVData(a.peerMaxPDU), pdu.DefaultLimits())
}

// store writes the data set and returns the instance with its status.
// Unparseable data sets are removed and answered with 0xC000.
func (s *Service) store(a *association, r session.ContextResult, msg *dimse.Message) StoredInstance {
	inst := StoredInstance{
		SOPClassUID:    uid.Normalize(msg.Command.AffectedSOPClassUID),
		SOPInstanceUID: uid.Normalize(msg.Command.AffectedSOPInstanceUID),
		TransferSyntax: r.TransferSyntax,
		CallingAE:      a.callingAE,
		Size:           len(msg.Data),
		ReceivedAt:     time.Now().UTC(),
	}
	if inst.SOPInstanceUID == "" {
		inst.Status = dimse.StatusCannotUnderstand
		return inst
	}
	if abstract := a.abstracts[msg.ContextID]; abstract != "" && abstract != inst.SOPClassUID {
		inst.Status = dimse.StatusDataSetMismatch
		return inst
	}

	incoming := filepath.Join(s.cfg.StorageDir, ".incoming", inst.SOPInstanceUID+".dcm")
	meta := dcmfile.Meta{
		MediaStorageSOPClassUID:    inst.SOPClassUID,
		MediaStorageSOPInstanceUID: inst.SOPInstanceUID,
		TransferSyntaxUID:          r.TransferSyntax,
		SourceAETitle:              a.callingAE,
	}
	if err := dcmfile.WritePart10Bytes(incoming, meta, msg.Data); err != nil {
		s.logger.Error().Err(err).Str("sop_instance", inst.SOPInstanceUID).Msg("scp write failed")
		inst.Status = dimse.StatusOutOfResources
		return inst
	}
	h, err := dcmfile.ReadHeader(incoming)
	if err != nil {
		_ = os.Remove(incoming)
		s.logger.Warn().Err(err).Str("sop_instance", inst.SOPInstanceUID).Msg("scp data set not understood")
		inst.Status = dimse.StatusCannotUnderstand
		return inst
	}
	inst.StudyInstanceUID = h.StudyInstanceUID
	study := h.StudyInstanceUID
	if study == "" {
		study = "unknown"
	}
	final := filepath.Join(s.cfg.StorageDir, study, inst.SOPInstanceUID+".dcm")
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		_ = os.Remove(incoming)
		inst.Status = dimse.StatusOutOfResources
		return inst
	}
	if err := os.Rename(incoming, final); err != nil {
		_ = os.Remove(incoming)
		inst.Status = dimse.StatusOutOfResources
		return inst
	}
	inst.Path = final
	inst.Status = dimse.StatusSuccess
	s.logger.Debug().
		Str("sop_instance", inst.SOPInstanceUID).
		Str("study", study).
		Str("syntax", uid.Name(inst.TransferSyntax)).
		Int("bytes", inst.Size).
		Msg("scp stored")
	return inst
}

func (s *Service) record(inst StoredInstance) {
	s.mu.Lock()
	s.received = append(s.received, inst)
	onStored := s.onStored
	if s.onStudy != nil && inst.StudyInstanceUID != "" {
		st, ok := s.studies[inst.StudyInstanceUID]
		if !ok {
			st = &studyState{}
			s.studies[inst.StudyInstanceUID] = st
		}
		st.instances = append(st.instances, inst)
		study := inst.StudyInstanceUID
		if st.timer != nil {
			st.timer.Stop()
		}
		st.timer = time.AfterFunc(s.cfg.StudyIdleTimeout, func() { s.completeStudy(study) })
	}
	s.mu.Unlock()
	if onStored != nil {
		onStored(inst)
	}
}

func (s *Service) completeStudy(study string) {
	s.mu.Lock()
	st, ok := s.studies[study]
	if ok {
		delete(s.studies, study)
	}
	fn := s.onStudy
	s.mu.Unlock()
	if !ok || fn == nil {
		return
	}
	s.logger.Info().Str("study", study).Int("instances", len(st.instances)).Msg("scp study complete")
	fn(study, st.instances)
}

// flushStudies completes every pending study on shutdown.
func (s *Service) flushStudies() {
	s.mu.Lock()
	pending := make([]string, 0, len(s.studies))
	for study, st := range s.studies {
		if st.timer != nil {
			st.timer.Stop()
		}
		pending = append(pending, study)
	}
	s.mu.Unlock()
	for _, study := range pending {
		s.completeStudy(study)
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
