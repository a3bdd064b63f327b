package send

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/danmuck/dicomctl/internal/scu"
	"github.com/rs/zerolog/log"
)

// Context is one accepted (object class, transfer syntax) pairing.
type Context struct {
	ID             uint8  `json:"id"`
	AbstractSyntax string `json:"abstract_syntax"`
	TransferSyntax string `json:"transfer_syntax"`
}

// NegotiationResult answers "is X supported?" for the rest of a pass.
type NegotiationResult struct {
	Established bool
	Accepted    []Context
	Rejected    []session.ContextResult
}

func (r NegotiationResult) Supports(class, ts string) bool {
	_, ok := r.ContextFor(class, ts)
	return ok
}

func (r NegotiationResult) SupportsClass(class string) bool {
	class = uid.Normalize(class)
	return slices.ContainsFunc(r.Accepted, func(c Context) bool { return c.AbstractSyntax == class })
}

// SupportsEncoding reports whether any accepted context carries ts.
func (r NegotiationResult) SupportsEncoding(ts string) bool {
	ts = uid.Normalize(ts)
	return slices.ContainsFunc(r.Accepted, func(c Context) bool { return c.TransferSyntax == ts })
}

func (r NegotiationResult) ContextFor(class, ts string) (Context, bool) {
	class, ts = uid.Normalize(class), uid.Normalize(ts)
	for _, c := range r.Accepted {
		if c.AbstractSyntax == class && c.TransferSyntax == ts {
			return c, true
		}
	}
	return Context{}, false
}

// Negotiator opens associations with one peer.
type Negotiator struct {
	Peer    Peer
	Session session.Config
	// Echo runs C-ECHO after establishment as a liveness check.
	Echo bool
}

// Proposals builds one context per (class, encoding) plus a verification
// context. No encodings means the default uncompressed pair per class.
func Proposals(classes, encodings []string) ([]session.PresentationContext, error) {
	out := []session.PresentationContext{scu.VerificationContext(session.ContextID(0))}
	for _, class := range classes {
		if len(encodings) == 0 {
			out = append(out, session.PresentationContext{
				AbstractSyntax:   class,
				TransferSyntaxes: uid.DefaultTransferSyntaxes(),
			})
			continue
		}
		for _, ts := range encodings {
			out = append(out, session.PresentationContext{
				AbstractSyntax:   class,
				TransferSyntaxes: []string{ts},
			})
		}
	}
	if len(out) > session.MaxContexts {
		return nil, fmt.Errorf("%w: %d classes x %d encodings", session.ErrTooManyContexts, len(classes), len(encodings))
	}
	for i := range out {
		out[i].ID = session.ContextID(i)
	}
	return out, nil
}

// Negotiate opens an association proposing classes x encodings. On failure
// the result is not established and the error is a *NegotiationError.
func (n Negotiator) Negotiate(ctx context.Context, classes, encodings []string) (NegotiationResult, *scu.Association, error) {
	peer := n.Peer.withDefaults()
	fail := func(err error) (NegotiationResult, *scu.Association, error) {
		return NegotiationResult{}, nil, &NegotiationError{Address: peer.Address(), Err: err}
	}

	contexts, err := Proposals(classes, encodings)
	if err != nil {
		return fail(err)
	}
	client, err := scu.NewClient(scu.Config{
		Address:            peer.Address(),
		CallingAE:          peer.CallingAE,
		CalledAE:           peer.CalledAE,
		Session:            n.Session,
		MaxConnectAttempts: 1,
	})
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	assoc, err := client.Associate(ctx, contexts)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("send.Negotiator association failed")
		return fail(err)
	}

	res := NegotiationResult{Established: true, Rejected: assoc.Rejected()}
	for _, ac := range assoc.Accepted() {
		if ac.AbstractSyntax == uid.Verification {
			continue
		}
		res.Accepted = append(res.Accepted, Context{ID: ac.ID, AbstractSyntax: ac.AbstractSyntax, TransferSyntax: ac.TransferSyntax})
	}
	log.Info().
		Str("peer", peer.String()).
		Int("proposed", len(contexts)).
		Int("accepted", len(res.Accepted)).
		Dur("took", time.Since(start)).
		Msg("send.Negotiator association established")

	if n.Echo {
		if err := assoc.Echo(ctx); err != nil {
			log.Warn().Err(err).Str("peer", peer.String()).Msg("send.Negotiator c-echo failed")
		}
	}
	return res, assoc, nil
}

// release ends an association within timeout; failures are only logged.
func release(assoc *scu.Association, timeout time.Duration) {
	if assoc == nil || !assoc.Alive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := assoc.Release(ctx); err != nil {
		log.Warn().Err(err).Msg("send release failed")
		_ = assoc.Abort()
	}
}

// Verify associates with the peer, runs C-ECHO and releases. It reports the
// round trip of the echo alone.
func (n Negotiator) Verify(ctx context.Context) (time.Duration, error) {
	n.Echo = false
	_, assoc, err := n.Negotiate(ctx, nil, nil)
	if err != nil {
		return 0, err
	}
	defer release(assoc, DefaultReleaseTimeout)
	start := time.Now()
	if err := assoc.Echo(ctx); err != nil {
		return 0, fmt.Errorf("c-echo %s: %w", n.Peer.withDefaults().Address(), err)
	}
	return time.Since(start), nil
}
