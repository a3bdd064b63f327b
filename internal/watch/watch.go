// Package watch turns a drop folder into send batches: files that stop
// changing for a settle period are handed over together.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/dicomctl/internal/scan"
	"github.com/danmuck/dicomctl/internal/transcode"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

var ErrDirRequired = errors.New("watch: directory required")

const DefaultSettle = 5 * time.Second

type Config struct {
	Dir       string
	Settle    time.Duration
	Recursive bool
}

// SubmitFunc receives each settled batch in lexical order.
type SubmitFunc func(ctx context.Context, files []string) error

type Watcher struct {
	cfg     Config
	submit  SubmitFunc
	pending map[string]time.Time
}

func New(cfg Config, submit SubmitFunc) (*Watcher, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, ErrDirRequired
	}
	if submit == nil {
		return nil, errors.New("watch: submit func required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	return &Watcher{cfg: cfg, submit: submit, pending: make(map[string]time.Time)}, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer fw.Close()
	if err := w.add(fw, w.cfg.Dir); err != nil {
		return err
	}
	log.Info().Str("dir", w.cfg.Dir).Dur("settle", w.cfg.Settle).Msg("watch: drop folder armed")

	tick := time.NewTicker(max(w.cfg.Settle/4, 10*time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch: watcher error")
		case now := <-tick.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) add(fw *fsnotify.Watcher, dir string) error {
	if !w.cfg.Recursive {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch: add %s: %w", dir, err)
		}
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch: add %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, transcode.ConvertedSuffix) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.pending, ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if w.cfg.Recursive && ev.Has(fsnotify.Create) {
				if err := w.add(fw, ev.Name); err != nil {
					log.Warn().Err(err).Str("dir", ev.Name).Msg("watch: subdirectory not watched")
				}
			}
			return
		}
		w.pending[ev.Name] = time.Now()
	}
}

// flush submits every file that has been quiet for the settle period.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	for p, last := range w.pending {
		if now.Sub(last) >= w.cfg.Settle {
			ready = append(ready, p)
			delete(w.pending, p)
		}
	}
	if len(ready) == 0 {
		return
	}
	sort.Strings(ready)
	batch := ready[:0]
	for _, p := range ready {
		ok, err := scan.IsDICOM(p)
		if err != nil || !ok {
			log.Debug().Str("file", p).Msg("watch: ignoring non-DICOM file")
			continue
		}
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return
	}
	log.Info().Int("files", len(batch)).Msg("watch: batch settled")
	if err := w.submit(ctx, batch); err != nil {
		log.Error().Err(err).Int("files", len(batch)).Msg("watch: submit failed")
	}
}
