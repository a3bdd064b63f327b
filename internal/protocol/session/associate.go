package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/dicomctl/internal/protocol/item"
	"github.com/danmuck/dicomctl/internal/protocol/pdu"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
)

const (
	protocolVersion = 0x0001
	fixedPartLen    = 68
	aeTitleLen      = 16

	// MaxContexts is the number of odd context IDs between 1 and 253.
	MaxContexts = 127
)

var (
	ErrShortAssociate      = errors.New("session: short a-associate body")
	ErrInvalidAETitle      = errors.New("session: invalid ae title")
	ErrInvalidContextID    = errors.New("session: invalid presentation context id")
	ErrDuplicateContextID  = errors.New("session: duplicate presentation context id")
	ErrTooManyContexts     = errors.New("session: too many presentation contexts")
	ErrNoContexts          = errors.New("session: no presentation contexts")
	ErrMissingAbstract     = errors.New("session: missing abstract syntax")
	ErrMissingTransfer     = errors.New("session: missing transfer syntax")
	ErrUnsupportedProtocol = errors.New("session: unsupported protocol version")
)

// Presentation context results from PS3.8 9.3.3.2.
const (
	ResultAcceptance                   uint8 = 0
	ResultUserRejection                uint8 = 1
	ResultNoReason                     uint8 = 2
	ResultAbstractSyntaxNotSupported   uint8 = 3
	ResultTransferSyntaxesNotSupported uint8 = 4
)

// A-ASSOCIATE-RJ result/source values.
const (
	RejectPermanent uint8 = 1
	RejectTransient uint8 = 2

	RejectSourceUser     uint8 = 1
	RejectSourceProvider uint8 = 2

	RejectReasonNoReason         uint8 = 1
	RejectReasonContextNotSupp   uint8 = 2
	RejectReasonCallingAENotRecg uint8 = 3
	RejectReasonCalledAENotRecg  uint8 = 7
)

// PresentationContext is one proposed (abstract syntax, transfer syntaxes) pairing.
type PresentationContext struct {
	ID               uint8
	AbstractSyntax   string
	TransferSyntaxes []string
}

// ContextResult is the acceptor's answer for one proposed context.
type ContextResult struct {
	ID             uint8
	Result         uint8
	TransferSyntax string
}

func (r ContextResult) Accepted() bool {
	return r.Result == ResultAcceptance
}

func ResultString(result uint8) string {
	switch result {
	case ResultAcceptance:
		return "acceptance"
	case ResultUserRejection:
		return "user-rejection"
	case ResultNoReason:
		return "no-reason"
	case ResultAbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case ResultTransferSyntaxesNotSupported:
		return "transfer-syntaxes-not-supported"
	default:
		return fmt.Sprintf("result-%d", result)
	}
}

// AssociateRQ is the requestor's association proposal.
type AssociateRQ struct {
	CalledAE               string
	CallingAE              string
	ApplicationContext     string
	Contexts               []PresentationContext
	MaxPDULength           uint32
	ImplementationClassUID string
	ImplementationVersion  string
}

// AssociateAC is the acceptor's answer.
type AssociateAC struct {
	CalledAE               string
	CallingAE              string
	ApplicationContext     string
	Results                []ContextResult
	MaxPDULength           uint32
	ImplementationClassUID string
	ImplementationVersion  string
}

// AssociateRJ is the acceptor's refusal of the whole association.
type AssociateRJ struct {
	Result uint8
	Source uint8
	Reason uint8
}

func (r AssociateRJ) Permanent() bool {
	return r.Result == RejectPermanent
}

func (r AssociateRJ) Error() string {
	kind := "transient"
	if r.Permanent() {
		kind = "permanent"
	}
	return fmt.Sprintf("session: association rejected (%s) source=%d reason=%d", kind, r.Source, r.Reason)
}

// ContextID returns the odd identifier for the n-th (0-based) proposed context.
func ContextID(n int) uint8 {
	return uint8(2*n + 1)
}

func ValidateAETitle(ae string) error {
	ae = strings.TrimSpace(ae)
	if ae == "" || len(ae) > aeTitleLen {
		return fmt.Errorf("%w: %q", ErrInvalidAETitle, ae)
	}
	for _, r := range ae {
		if r < 0x20 || r > 0x7e || r == '\\' {
			return fmt.Errorf("%w: %q", ErrInvalidAETitle, ae)
		}
	}
	return nil
}

func (rq AssociateRQ) Validate() error {
	if err := ValidateAETitle(rq.CalledAE); err != nil {
		return err
	}
	if err := ValidateAETitle(rq.CallingAE); err != nil {
		return err
	}
	if len(rq.Contexts) == 0 {
		return ErrNoContexts
	}
	if len(rq.Contexts) > MaxContexts {
		return fmt.Errorf("%w: %d > %d", ErrTooManyContexts, len(rq.Contexts), MaxContexts)
	}
	seen := make(map[uint8]struct{}, len(rq.Contexts))
	for _, pc := range rq.Contexts {
		if pc.ID%2 == 0 {
			return fmt.Errorf("%w: %d", ErrInvalidContextID, pc.ID)
		}
		if _, dup := seen[pc.ID]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateContextID, pc.ID)
		}
		seen[pc.ID] = struct{}{}
		if strings.TrimSpace(pc.AbstractSyntax) == "" {
			return fmt.Errorf("%w: context %d", ErrMissingAbstract, pc.ID)
		}
		if len(pc.TransferSyntaxes) == 0 {
			return fmt.Errorf("%w: context %d", ErrMissingTransfer, pc.ID)
		}
	}
	return nil
}

func EncodeAssociateRQ(rq AssociateRQ) (pdu.PDU, error) {
	if err := rq.Validate(); err != nil {
		return pdu.PDU{}, err
	}
	items := []item.Item{item.UID(item.TypeApplicationContext, appContext(rq.ApplicationContext))}
	for _, pc := range rq.Contexts {
		sub := []item.Item{item.UID(item.TypeAbstractSyntax, pc.AbstractSyntax)}
		for _, ts := range pc.TransferSyntaxes {
			sub = append(sub, item.UID(item.TypeTransferSyntax, ts))
		}
		body, err := item.EncodeItems(sub)
		if err != nil {
			return pdu.PDU{}, err
		}
		value := append([]byte{pc.ID, 0, 0, 0}, body...)
		items = append(items, item.Item{Type: item.TypePresentationContextRQ, Value: value})
	}
	ui, err := userInfo(rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersion)
	if err != nil {
		return pdu.PDU{}, err
	}
	items = append(items, ui)
	return associatePDU(pdu.TypeAssociateRQ, rq.CalledAE, rq.CallingAE, items)
}

func DecodeAssociateRQ(payload []byte) (AssociateRQ, error) {
	called, calling, items, err := splitAssociate(payload)
	if err != nil {
		return AssociateRQ{}, err
	}
	rq := AssociateRQ{CalledAE: called, CallingAE: calling}
	for _, it := range items {
		switch it.Type {
		case item.TypeApplicationContext:
			rq.ApplicationContext = uid.Normalize(string(it.Value))
		case item.TypePresentationContextRQ:
			if len(it.Value) < 4 {
				return AssociateRQ{}, ErrShortAssociate
			}
			sub, err := item.DecodeItems(it.Value[4:])
			if err != nil {
				return AssociateRQ{}, err
			}
			pc := PresentationContext{ID: it.Value[0]}
			for _, s := range sub {
				switch s.Type {
				case item.TypeAbstractSyntax:
					pc.AbstractSyntax = uid.Normalize(string(s.Value))
				case item.TypeTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, uid.Normalize(string(s.Value)))
				}
			}
			rq.Contexts = append(rq.Contexts, pc)
		case item.TypeUserInformation:
			maxLen, class, version, err := parseUserInfo(it.Value)
			if err != nil {
				return AssociateRQ{}, err
			}
			rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersion = maxLen, class, version
		}
	}
	return rq, nil
}

func EncodeAssociateAC(ac AssociateAC) (pdu.PDU, error) {
	items := []item.Item{item.UID(item.TypeApplicationContext, appContext(ac.ApplicationContext))}
	for _, r := range ac.Results {
		ts := r.TransferSyntax
		if !r.Accepted() {
			// The transfer syntax sub-item is not significant when rejected.
			ts = ""
		}
		body, err := item.EncodeItem(item.UID(item.TypeTransferSyntax, ts))
		if err != nil {
			return pdu.PDU{}, err
		}
		value := append([]byte{r.ID, 0, r.Result, 0}, body...)
		items = append(items, item.Item{Type: item.TypePresentationContextAC, Value: value})
	}
	ui, err := userInfo(ac.MaxPDULength, ac.ImplementationClassUID, ac.ImplementationVersion)
	if err != nil {
		return pdu.PDU{}, err
	}
	items = append(items, ui)
	return associatePDU(pdu.TypeAssociateAC, ac.CalledAE, ac.CallingAE, items)
}

func DecodeAssociateAC(payload []byte) (AssociateAC, error) {
	called, calling, items, err := splitAssociate(payload)
	if err != nil {
		return AssociateAC{}, err
	}
	ac := AssociateAC{CalledAE: called, CallingAE: calling}
	for _, it := range items {
		switch it.Type {
		case item.TypeApplicationContext:
			ac.ApplicationContext = uid.Normalize(string(it.Value))
		case item.TypePresentationContextAC:
			if len(it.Value) < 4 {
				return AssociateAC{}, ErrShortAssociate
			}
			r := ContextResult{ID: it.Value[0], Result: it.Value[2]}
			sub, err := item.DecodeItems(it.Value[4:])
			if err != nil {
				return AssociateAC{}, err
			}
			if ts, ok := item.GetItem(sub, item.TypeTransferSyntax); ok {
				r.TransferSyntax = uid.Normalize(string(ts.Value))
			}
			ac.Results = append(ac.Results, r)
		case item.TypeUserInformation:
			maxLen, class, version, err := parseUserInfo(it.Value)
			if err != nil {
				return AssociateAC{}, err
			}
			ac.MaxPDULength, ac.ImplementationClassUID, ac.ImplementationVersion = maxLen, class, version
		}
	}
	return ac, nil
}

func EncodeAssociateRJ(rj AssociateRJ) pdu.PDU {
	return pdu.PDU{Type: pdu.TypeAssociateRJ, Payload: []byte{0, rj.Result, rj.Source, rj.Reason}}
}

func DecodeAssociateRJ(payload []byte) (AssociateRJ, error) {
	if len(payload) < 4 {
		return AssociateRJ{}, ErrShortAssociate
	}
	return AssociateRJ{Result: payload[1], Source: payload[2], Reason: payload[3]}, nil
}

func appContext(v string) string {
	if strings.TrimSpace(v) == "" {
		return uid.ApplicationContext
	}
	return v
}

func associatePDU(typeID uint8, called, calling string, items []item.Item) (pdu.PDU, error) {
	body, err := item.EncodeItems(items)
	if err != nil {
		return pdu.PDU{}, err
	}
	payload := make([]byte, fixedPartLen, fixedPartLen+len(body))
	binary.BigEndian.PutUint16(payload[0:2], protocolVersion)
	copy(payload[4:20], padAE(called))
	copy(payload[20:36], padAE(calling))
	payload = append(payload, body...)
	return pdu.PDU{Type: typeID, Payload: payload}, nil
}

func splitAssociate(payload []byte) (string, string, []item.Item, error) {
	if len(payload) < fixedPartLen {
		return "", "", nil, ErrShortAssociate
	}
	if v := binary.BigEndian.Uint16(payload[0:2]); v&protocolVersion == 0 {
		return "", "", nil, fmt.Errorf("%w: 0x%04x", ErrUnsupportedProtocol, v)
	}
	called := strings.TrimSpace(string(payload[4:20]))
	calling := strings.TrimSpace(string(payload[20:36]))
	items, err := item.DecodeItems(payload[fixedPartLen:])
	if err != nil {
		return "", "", nil, err
	}
	return called, calling, items, nil
}

func padAE(ae string) []byte {
	out := []byte(strings.Repeat(" ", aeTitleLen))
	copy(out, strings.TrimSpace(ae))
	return out
}

func userInfo(maxLen uint32, class, version string) (item.Item, error) {
	if strings.TrimSpace(class) == "" {
		class = uid.ImplementationClass
	}
	if strings.TrimSpace(version) == "" {
		version = uid.ImplementationVersion
	}
	sub := []item.Item{
		item.U32(item.TypeMaxLength, maxLen),
		item.UID(item.TypeImplementationClass, class),
		item.UID(item.TypeImplementationVersion, version),
	}
	body, err := item.EncodeItems(sub)
	if err != nil {
		return item.Item{}, err
	}
	return item.Item{Type: item.TypeUserInformation, Value: body}, nil
}

func parseUserInfo(value []byte) (uint32, string, string, error) {
	sub, err := item.DecodeItems(value)
	if err != nil {
		return 0, "", "", err
	}
	var (
		maxLen  uint32
		class   string
		version string
	)
	if it, ok := item.GetItem(sub, item.TypeMaxLength); ok {
		maxLen, err = item.U32FromBytes(it.Value)
		if err != nil {
			return 0, "", "", err
		}
	}
	if it, ok := item.GetItem(sub, item.TypeImplementationClass); ok {
		class = uid.Normalize(string(it.Value))
	}
	if it, ok := item.GetItem(sub, item.TypeImplementationVersion); ok {
		version = strings.TrimSpace(string(it.Value))
	}
	return maxLen, class, version, nil
}
