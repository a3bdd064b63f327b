package scp

import (
	"slices"
	"time"

	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
)

// Policy shapes how the acceptor answers. The zero value accepts every
// proposed context on its first transfer syntax and stores everything.
type Policy struct {
	// TransferSyntaxes is the acceptor's preference order. A context is
	// accepted on the first entry the requestor also proposed.
	TransferSyntaxes []string
	// SOPClasses limits the storage classes accepted. Verification is always accepted.
	SOPClasses []string
	// Reject refuses every association with this A-ASSOCIATE-RJ.
	Reject *session.AssociateRJ
	// StatusFor overrides the C-STORE response for a stored instance.
	StatusFor func(StoredInstance) (status uint16, comment string)
	// DropAfter closes the transport without answering the N-th store on a connection.
	DropAfter int
	// ResponseDelay holds every DIMSE response back.
	ResponseDelay time.Duration
}

// UncompressedOnly accepts the two little endian native syntaxes.
func UncompressedOnly() Policy {
	return Policy{TransferSyntaxes: []string{uid.ExplicitVRLittleEndian, uid.ImplicitVRLittleEndian}}
}

func (p Policy) chooseSyntax(proposed []string) (string, bool) {
	if len(proposed) == 0 {
		return "", false
	}
	if len(p.TransferSyntaxes) == 0 {
		return uid.Normalize(proposed[0]), true
	}
	for _, want := range p.TransferSyntaxes {
		for _, ts := range proposed {
			if uid.Normalize(ts) == want {
				return want, true
			}
		}
	}
	return "", false
}

func (p Policy) acceptsClass(abstract string) bool {
	if abstract == uid.Verification || len(p.SOPClasses) == 0 {
		return true
	}
	return slices.Contains(p.SOPClasses, abstract)
}

// answer builds the per-context results for an association request.
func (p Policy) answer(contexts []session.PresentationContext) []session.ContextResult {
	out := make([]session.ContextResult, 0, len(contexts))
	for _, pc := range contexts {
		r := session.ContextResult{ID: pc.ID}
		switch {
		case !p.acceptsClass(uid.Normalize(pc.AbstractSyntax)):
			r.Result = session.ResultAbstractSyntaxNotSupported
		default:
			ts, ok := p.chooseSyntax(pc.TransferSyntaxes)
			if !ok {
				r.Result = session.ResultTransferSyntaxesNotSupported
				break
			}
			r.Result = session.ResultAcceptance
			r.TransferSyntax = ts
		}
		out = append(out, r)
	}
	return out
}
