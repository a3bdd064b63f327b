// Package send delivers a batch of DICOM files to one archive. A job
// inventories encodings, probes the peer, converts the files it cannot
// accept, then stores the final set in input order.
package send

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/protocol/session"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type Config struct {
	Peer    Peer
	Session session.Config
	Files   []string
	// Classes are the object classes in the batch. Empty means taken from headers.
	Classes      []string
	Transcoder   *transcode.Transcoder
	DIMSETimeout time.Duration
	// SkipProbe sends without probing or converting.
	SkipProbe bool
	Sink      EventSink
}

// Job is one send action. It holds no state across runs.
type Job struct {
	id  string
	cfg Config

	mu    sync.Mutex
	phase Phase
	temps []string
}

func NewJob(cfg Config) (*Job, error) {
	if len(cfg.Files) == 0 {
		return nil, ErrNoFiles
	}
	cfg.Peer = cfg.Peer.withDefaults()
	if err := cfg.Peer.Validate(); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Transcoder == nil {
		cfg.Transcoder = transcode.New()
	}
	if cfg.DIMSETimeout <= 0 {
		cfg.DIMSETimeout = DefaultDIMSETimeout
	}
	return &Job{id: uuid.NewString(), cfg: cfg}, nil
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Phase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// Run executes the job to completion. It always returns a summary and
// always emits exactly one terminal event.
func (j *Job) Run(ctx context.Context) (sum Summary) {
	done := observability.TrackJob()
	defer done()
	started := time.Now()
	sum = Summary{JobID: j.id, Peer: j.cfg.Peer, Total: len(j.cfg.Files), StartedAt: started.UTC()}
	logger := log.With().Str("job", j.id).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("send.Job panic")
			sum.Fatal = fmt.Sprintf("internal error: %v", r)
		}
		j.cleanup()
		sum.Timing.Total = time.Since(started)
		sum.FinishedAt = time.Now().UTC()
		j.setPhase(PhaseDone)
		s := sum
		if sum.Fatal != "" {
			j.emit(Event{Kind: EventFailed, Phase: PhaseDone, Message: sum.Fatal, Summary: &s})
			return
		}
		j.emit(Event{Kind: EventComplete, Phase: PhaseDone, Message: strings.TrimSpace(sum.Report()), Summary: &s})
	}()

	logger.Info().Str("peer", j.cfg.Peer.String()).Int("files", len(j.cfg.Files)).Msg("send.Job start")
	negotiator := Negotiator{Peer: j.cfg.Peer, Session: j.cfg.Session}
	final := lo.Map(j.cfg.Files, func(p string, _ int) Delivery { return Delivery{Original: p, Path: p} })

	if !j.cfg.SkipProbe {
		// Analysis.
		j.setPhase(PhaseAnalysis)
		j.status("Analyzing %d files", len(j.cfg.Files))
		t0 := time.Now()
		inv := Inventory(ctx, j.cfg.Files)
		classes := j.cfg.Classes
		if len(classes) == 0 {
			classes = inv.Classes
		}
		sum.Timing.Analysis = time.Since(t0)
		if ctx.Err() != nil {
			return j.cancelled(sum)
		}

		// Compatibility probe.
		j.setPhase(PhaseCompatibility)
		j.status("Checking %d encodings with %s", len(inv.Encodings), j.cfg.Peer.CalledAE)
		t0 = time.Now()
		probe, assoc, err := negotiator.Negotiate(ctx, classes, inv.Encodings)
		release(assoc, DefaultReleaseTimeout)
		if err != nil {
			if permanentRejection(err) {
				sum.Timing.Compatibility = time.Since(t0)
				sum.NotAttempted = append([]string(nil), j.cfg.Files...)
				sum.Fatal = err.Error()
				return sum
			}
			logger.Warn().Err(err).Msg("send.Job probe failed, treating every encoding as incompatible")
		}
		incompatible := Classify(probe, inv.Encodings)
		flagged := FlagFiles(ctx, j.cfg.Files, incompatible)
		sum.Timing.Compatibility = time.Since(t0)
		if len(incompatible) > 0 {
			j.status("Peer rejected %s; %d files flagged", strings.Join(lo.Map(incompatible, func(ts string, _ int) string { return uid.Name(ts) }), ", "), len(flagged))
		}
		if ctx.Err() != nil {
			return j.cancelled(sum)
		}

		// Conversion.
		if len(flagged) > 0 {
			j.setPhase(PhaseConversion)
			t0 = time.Now()
			for _, p := range flagged {
				if _, err := os.Stat(transcode.ConvertedPath(p)); errors.Is(err, os.ErrNotExist) {
					j.track(transcode.ConvertedPath(p))
				}
			}
			records := j.cfg.Transcoder.ConvertAll(ctx, flagged, func(done, total int, path string) {
				j.emit(Event{Kind: EventConversion, Phase: PhaseConversion, Index: done, Total: total, File: filepath.Base(path)})
			})
			sum.Conversions = records
			byOriginal := make(map[string]transcode.ConversionRecord, len(records))
			for _, r := range records {
				byOriginal[r.Original] = r
				switch {
				case r.Validated:
					sum.Converted++
				case r.Err != nil && !errors.Is(r.Err, context.Canceled):
					sum.Details = append(sum.Details, detail(r.Original, "conversion failed, sending original: "+r.Err.Error()))
				}
			}
			for i, d := range final {
				if r, ok := byOriginal[d.Original]; ok && r.Validated {
					final[i].Path = r.Converted
					final[i].Converted = true
				}
			}
			sum.Timing.Conversion = time.Since(t0)
			if ctx.Err() != nil {
				return j.cancelled(sum)
			}
		}
	}

	// Delivery.
	j.setPhase(PhaseSending)
	j.status("Sending %d files to %s", len(final), j.cfg.Peer.CalledAE)
	t0 := time.Now()
	engine := Engine{
		Negotiator:   Negotiator{Peer: j.cfg.Peer, Session: j.cfg.Session, Echo: true},
		DIMSETimeout: j.cfg.DIMSETimeout,
		Progress: func(index, total int, c Counts, file string) {
			j.emit(Event{
				Kind: EventProgress, Phase: PhaseSending,
				Index: index, Total: total,
				Sent: c.Sent, Warned: c.Warned, Failed: c.Failed,
				File: file,
			})
		},
	}
	res := engine.Deliver(ctx, final)
	sum.Timing.Send = time.Since(t0)
	for _, o := range res.Outcomes {
		sum.add(o)
	}
	sum.NotAttempted = res.NotAttempted
	sum.Cancelled = res.Cancelled
	if res.Err != nil {
		sum.Fatal = res.Err.Error()
	}
	logger.Info().
		Int("sent", sum.Sent).
		Int("warned", sum.Warned).
		Int("failed", sum.Failed).
		Int("converted", sum.Converted).
		Int("not_attempted", len(sum.NotAttempted)).
		Msg("send.Job finished")
	return sum
}

func (j *Job) cancelled(sum Summary) Summary {
	sum.Cancelled = true
	sum.NotAttempted = append([]string(nil), j.cfg.Files...)
	return sum
}

func (j *Job) track(path string) {
	j.mu.Lock()
	j.temps = append(j.temps, path)
	j.mu.Unlock()
}

// cleanup removes every replacement file the job may have produced.
func (j *Job) cleanup() {
	j.mu.Lock()
	temps := j.temps
	j.temps = nil
	j.mu.Unlock()
	for _, p := range temps {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("job", j.id).Str("file", p).Msg("send.Job temp cleanup failed")
		}
	}
}

func (j *Job) setPhase(p Phase) {
	j.mu.Lock()
	j.phase = p
	j.mu.Unlock()
}

func (j *Job) status(format string, args ...any) {
	j.emit(Event{Kind: EventStatus, Phase: j.Phase(), Message: fmt.Sprintf(format, args...)})
}

func (j *Job) emit(ev Event) {
	if j.cfg.Sink == nil {
		return
	}
	ev.JobID = j.id
	j.cfg.Sink(ev)
}

func permanentRejection(err error) bool {
	var rj session.AssociateRJ
	return errors.As(err, &rj) && rj.Permanent()
}

// Handle controls a job running in the background.
type Handle struct {
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}
	sum    Summary
}

// Start runs job on its own goroutine.
func Start(ctx context.Context, job *Job) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{job: job, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.sum = job.Run(ctx)
	}()
	return h
}

func (h *Handle) ID() string {
	return h.job.ID()
}

// Cancel asks the job to stop before its next file.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job ends and returns its summary.
func (h *Handle) Wait() Summary {
	<-h.done
	return h.sum
}
