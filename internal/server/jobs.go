package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/dicomctl/internal/config"
	"github.com/danmuck/dicomctl/internal/history"
	"github.com/danmuck/dicomctl/internal/scan"
	"github.com/danmuck/dicomctl/internal/send"
	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/rs/zerolog/log"
)

var (
	ErrJobNotFound   = errors.New("server: job not found")
	ErrNoDestination = errors.New("server: destination or peer required")
	ErrShuttingDown  = errors.New("server: shutting down")
)

const (
	backlogLimit  = 1024
	subscriberBuf = 256
)

// JobRequest starts a send. Files may name directories; Peer overrides the
// catalog destination when its Host is set.
type JobRequest struct {
	Destination string     `json:"destination"`
	Peer        *send.Peer `json:"peer,omitempty"`
	Files       []string   `json:"files" binding:"required,min=1"`
	Recursive   bool       `json:"recursive"`
	SkipProbe   bool       `json:"skip_probe"`
}

// JobView is the API shape of a job, live or finished.
type JobView struct {
	ID          string        `json:"id"`
	Destination string        `json:"destination,omitempty"`
	Peer        send.Peer     `json:"peer"`
	Files       int           `json:"files"`
	Phase       send.Phase    `json:"phase"`
	Running     bool          `json:"running"`
	Progress    send.Counts   `json:"progress"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Summary     *send.Summary `json:"summary,omitempty"`
}

type jobEntry struct {
	id          string
	destination string
	peer        send.Peer
	files       int
	submitted   time.Time
	job         *send.Job
	handle      *send.Handle
	// finished closes once the summary is recorded.
	finished chan struct{}

	mu      sync.Mutex
	backlog []send.Event
	subs    map[chan send.Event]struct{}
	counts  send.Counts
	summary *send.Summary
	closed  bool
}

func (e *jobEntry) publish(ev send.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.Kind == send.EventProgress {
		e.counts = send.Counts{Sent: ev.Sent, Warned: ev.Warned, Failed: ev.Failed}
	}
	if ev.Summary != nil {
		e.summary = ev.Summary
		e.counts = ev.Summary.Counts
	}
	e.backlog = append(e.backlog, ev)
	if len(e.backlog) > backlogLimit {
		e.backlog = e.backlog[len(e.backlog)-backlogLimit:]
	}
	terminal := ev.Kind == send.EventComplete || ev.Kind == send.EventFailed
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			if !terminal {
				log.Warn().Str("job", e.id).Str("kind", string(ev.Kind)).Msg("server.jobs subscriber lagging, event dropped")
				continue
			}
			// Make room so the terminal event always lands.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

func (e *jobEntry) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
}

func (e *jobEntry) view() JobView {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := JobView{
		ID:          e.id,
		Destination: e.destination,
		Peer:        e.peer,
		Files:       e.files,
		Phase:       e.job.Phase(),
		Running:     !e.closed,
		Progress:    e.counts,
		SubmittedAt: e.submitted,
	}
	if e.summary != nil {
		s := *e.summary
		v.Summary = &s
	}
	return v
}

type JobsConfig struct {
	Catalog    config.Catalog
	History    *history.Store
	Transcoder *transcode.Transcoder
	// Sink sees every event of every job, after the job's own subscribers.
	Sink send.EventSink
}

// Jobs runs send jobs in the background and fans their events out.
type Jobs struct {
	cfg    JobsConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	entries map[string]*jobEntry
	closing bool
}

func NewJobs(cfg JobsConfig) *Jobs {
	if cfg.Transcoder == nil {
		cfg.Transcoder = transcode.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{cfg: cfg, ctx: ctx, cancel: cancel, entries: make(map[string]*jobEntry)}
}

func (j *Jobs) Catalog() config.Catalog {
	return j.cfg.Catalog
}

func (j *Jobs) resolve(req JobRequest) (config.Target, error) {
	if req.Peer != nil && strings.TrimSpace(req.Peer.Host) != "" {
		sess, err := j.cfg.Catalog.Session.Resolve()
		if err != nil {
			return config.Target{}, err
		}
		peer := *req.Peer
		if peer.CallingAE == "" {
			peer.CallingAE = j.cfg.Catalog.AETitle
		}
		return config.Target{Name: req.Destination, Peer: peer, Session: sess}, nil
	}
	if strings.TrimSpace(req.Destination) == "" && j.cfg.Catalog.Default == "" {
		return config.Target{}, ErrNoDestination
	}
	return j.cfg.Catalog.Resolve(req.Destination)
}

// Submit validates req and starts the job.
func (j *Jobs) Submit(req JobRequest) (JobView, error) {
	target, err := j.resolve(req)
	if err != nil {
		return JobView{}, err
	}
	found, err := scan.Expand(req.Files, scan.Options{Recursive: req.Recursive})
	if err != nil {
		return JobView{}, err
	}
	if len(found.Files) == 0 {
		return JobView{}, send.ErrNoFiles
	}

	entry := &jobEntry{
		destination: target.Name,
		files:       len(found.Files),
		submitted:   time.Now().UTC(),
		finished:    make(chan struct{}),
		subs:        make(map[chan send.Event]struct{}),
	}
	job, err := send.NewJob(send.Config{
		Peer:         target.Peer,
		Session:      target.Session,
		Files:        found.Files,
		Transcoder:   j.cfg.Transcoder,
		DIMSETimeout: target.DIMSETimeout,
		SkipProbe:    req.SkipProbe,
		Sink:         send.Fanout(entry.publish, j.cfg.Sink),
	})
	if err != nil {
		return JobView{}, err
	}
	entry.id = job.ID()
	entry.job = job
	entry.peer = target.Peer

	j.mu.Lock()
	if j.closing {
		j.mu.Unlock()
		return JobView{}, ErrShuttingDown
	}
	j.entries[entry.id] = entry
	j.wg.Add(1)
	entry.handle = send.Start(j.ctx, job)
	j.mu.Unlock()

	go j.finish(entry)
	log.Info().Str("job", entry.id).Str("destination", target.Name).Int("files", entry.files).Msg("server.jobs submitted")
	return entry.view(), nil
}

func (j *Jobs) finish(e *jobEntry) {
	defer j.wg.Done()
	defer close(e.finished)
	sum := e.handle.Wait()
	e.mu.Lock()
	if e.summary == nil {
		e.summary = &sum
	}
	e.mu.Unlock()
	e.close()
	if j.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.cfg.History.Record(ctx, e.destination, sum); err != nil {
		log.Error().Err(err).Str("job", e.id).Msg("server.jobs history record failed")
	}
}

func (j *Jobs) entry(id string) (*jobEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e, nil
}

func (j *Jobs) Get(id string) (JobView, error) {
	e, err := j.entry(id)
	if err != nil {
		return JobView{}, err
	}
	return e.view(), nil
}

// List returns jobs known to this process, newest first.
func (j *Jobs) List() []JobView {
	j.mu.RLock()
	entries := make([]*jobEntry, 0, len(j.entries))
	for _, e := range j.entries {
		entries = append(entries, e)
	}
	j.mu.RUnlock()
	out := make([]JobView, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.view())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.After(out[b].SubmittedAt) })
	return out
}

// Cancel asks a running job to stop. Cancelling a finished job is a no-op.
func (j *Jobs) Cancel(id string) error {
	e, err := j.entry(id)
	if err != nil {
		return err
	}
	e.handle.Cancel()
	log.Info().Str("job", id).Msg("server.jobs cancel requested")
	return nil
}

// Wait blocks until the job ends and its history row is written, or ctx is done.
func (j *Jobs) Wait(ctx context.Context, id string) (send.Summary, error) {
	e, err := j.entry(id)
	if err != nil {
		return send.Summary{}, err
	}
	select {
	case <-e.finished:
		return e.handle.Wait(), nil
	case <-ctx.Done():
		return send.Summary{}, ctx.Err()
	}
}

// Subscribe returns the events so far and a channel of later ones. The
// channel is closed when the job ends; it is nil when the job already has.
func (j *Jobs) Subscribe(id string) ([]send.Event, <-chan send.Event, func(), error) {
	e, err := j.entry(id)
	if err != nil {
		return nil, nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	backlog := append([]send.Event(nil), e.backlog...)
	if e.closed {
		return backlog, nil, func() {}, nil
	}
	ch := make(chan send.Event, subscriberBuf)
	e.subs[ch] = struct{}{}
	unsubscribe := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}
	return backlog, ch, unsubscribe, nil
}

// Shutdown cancels every running job and waits for them to finish.
func (j *Jobs) Shutdown(ctx context.Context) error {
	j.mu.Lock()
	j.closing = true
	j.mu.Unlock()
	j.cancel()
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
