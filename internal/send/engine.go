package send

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/protocol/dimse"
	"github.com/danmuck/dicomctl/internal/scu"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	DefaultDIMSETimeout   = 2 * time.Minute
	DefaultReleaseTimeout = 10 * time.Second
)

// Delivery pairs the file that goes on the wire with the input it stands for.
type Delivery struct {
	Original  string
	Path      string
	Converted bool
}

// DeliveryResult is the outcome of one final pass.
type DeliveryResult struct {
	Established  bool
	Outcomes     []FileOutcome
	NotAttempted []string
	Cancelled    bool
	// Err is set when the pass could not start at all.
	Err error
}

// Engine runs the final delivery pass over one association at a time.
type Engine struct {
	Negotiator   Negotiator
	DIMSETimeout time.Duration
	// Progress is called after every attempted file.
	Progress func(index, total int, counts Counts, file string)
}

// Deliver negotiates for the actual file set, then stores each file in order.
func (e *Engine) Deliver(ctx context.Context, files []Delivery) DeliveryResult {
	timeout := e.DIMSETimeout
	if timeout <= 0 {
		timeout = DefaultDIMSETimeout
	}

	inv := Inventory(ctx, lo.Map(files, func(d Delivery, _ int) string { return d.Path }))
	var res DeliveryResult
	if ctx.Err() != nil {
		res.Cancelled = true
		res.NotAttempted = originals(files)
		return res
	}

	negotiation, assoc, err := e.Negotiator.Negotiate(ctx, inv.Classes, inv.Encodings)
	if err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
		} else {
			res.Err = err
		}
		res.NotAttempted = originals(files)
		return res
	}
	res.Established = true
	defer func() { release(assoc, DefaultReleaseTimeout) }()

	var counts Counts
	for i, d := range files {
		i, d := i, d
		if ctx.Err() != nil {
			res.Cancelled = true
			res.NotAttempted = originals(files[i:])
			log.Info().Int("attempted", i).Int("remaining", len(files)-i).Msg("send.Engine cancelled")
			break
		}

		reestablish := func() bool {
			release(assoc, time.Second)
			var nerr error
			negotiation, assoc, nerr = e.Negotiator.Negotiate(ctx, inv.Classes, inv.Encodings)
			if nerr != nil {
				assoc = nil
				e.record(&res, &counts, i, len(files), FileOutcome{
					Path:   d.Original,
					State:  StateFailed,
					Detail: detail(d.Original, fmt.Sprintf("Could not re-establish association: %v", nerr)),
				})
				return false
			}
			return true
		}
		reconnected := false
		if assoc == nil || !assoc.Alive() {
			if !reestablish() {
				continue
			}
			reconnected = true
		}

		o, err := e.deliverOne(ctx, assoc, negotiation, d, inv.ClassOf(d.Path), timeout)
		if errors.Is(err, scu.ErrRequestNotSent) && !reconnected && ctx.Err() == nil {
			log.Info().Err(err).Str("file", filepath.Base(d.Path)).Msg("send.Engine association dropped before store, retrying once")
			if !reestablish() {
				continue
			}
			o, err = e.deliverOne(ctx, assoc, negotiation, d, inv.ClassOf(d.Path), timeout)
		}
		e.record(&res, &counts, i, len(files), o)
		if errors.Is(err, scu.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			for _, rest := range files[i+1:] {
				e.record(&res, &counts, len(res.Outcomes), len(files), FileOutcome{
					Path:   rest.Original,
					State:  StateFailed,
					Detail: detail(rest.Original, ErrAbandoned.Error()),
				})
			}
			log.Warn().Err(err).Int("abandoned", len(files)-i-1).Msg("send.Engine dimse timeout, abandoning pass")
			break
		}
	}
	return res
}

// deliverOne stores d under class, the same SOP class the negotiation
// proposed for it. The meta group's class is used only when class is empty.
func (e *Engine) deliverOne(ctx context.Context, assoc *scu.Association, negotiation NegotiationResult, d Delivery, class string, timeout time.Duration) (FileOutcome, error) {
	o := FileOutcome{Path: d.Original, Delivered: d.Path, Converted: d.Converted}
	failed := func(err error) (FileOutcome, error) {
		o.State = StateFailed
		o.Detail = detail(d.Original, err.Error())
		if LikelyIncompatible(err.Error()) {
			o.Hint = "possible encoding incompatibility"
		}
		return o, err
	}

	ds, err := dcmfile.OpenDataset(d.Path)
	if err != nil {
		return failed(&IOError{Path: d.Path, Op: "open", Err: err})
	}
	defer ds.Close()
	if class == "" {
		class = ds.Meta.MediaStorageSOPClassUID
	}
	ts := ds.Meta.TransferSyntaxUID
	if !negotiation.SupportsClass(class) {
		return failed(&ContextRejectedError{SOPClassUID: class, TransferSyntax: ts})
	}
	pc, ok := negotiation.ContextFor(class, ts)
	if !ok {
		return failed(&ContextRejectedError{SOPClassUID: class, TransferSyntax: ts, ClassAccepted: true})
	}

	// Cancellation is cooperative: an in-flight store runs to completion or timeout.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	rsp, err := assoc.Store(storeCtx, pc.ID, class, ds.Meta.MediaStorageSOPInstanceUID, ds)
	if err != nil {
		return failed(err)
	}

	if !rsp.Has(dimse.TagStatus) {
		return failed(&StatusError{Missing: true})
	}
	status := rsp.Status
	o.Status = &status
	switch {
	case status == dimse.StatusSuccess:
		o.State = StateSent
		log.Debug().Str("file", filepath.Base(d.Path)).Msg("send.Engine stored")
		return o, nil
	case dimse.IsWarning(status):
		o.State = StateWarned
		o.Detail = detail(d.Original, (&StatusError{Status: status}).Error())
		return o, nil
	default:
		o, _ = failed(&StatusError{Status: status})
		if dimse.IsFormatError(status) {
			o.Hint = "status suggests an encoding or sop class problem"
		}
		if rsp.ErrorComment != "" {
			o.Detail += " (" + rsp.ErrorComment + ")"
		}
		return o, nil
	}
}

func (e *Engine) record(res *DeliveryResult, counts *Counts, index, total int, o FileOutcome) {
	res.Outcomes = append(res.Outcomes, o)
	counts.add(o.State)
	observability.RecordFileOutcome(string(o.State))
	if e.Progress != nil {
		e.Progress(index+1, total, *counts, filepath.Base(o.Path))
	}
}

func originals(files []Delivery) []string {
	return lo.Map(files, func(d Delivery, _ int) string { return d.Original })
}
