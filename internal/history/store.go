// Package history keeps an audit trail of send jobs in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/dicomctl/internal/send"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("history: job not found")

// StateNotAttempted marks an outcome row for a file the job never reached.
const StateNotAttempted = "not_attempted"

type JobRecord struct {
	ID           string `gorm:"primaryKey" json:"id"`
	Destination  string `gorm:"index" json:"destination,omitempty"`
	CallingAE    string `json:"calling_ae"`
	CalledAE     string `json:"called_ae"`
	Address      string `json:"address"`
	Total        int    `json:"total"`
	Sent         int    `json:"sent"`
	Warned       int    `json:"warned"`
	Failed       int    `json:"failed"`
	Converted    int    `json:"converted"`
	NotAttempted int    `json:"not_attempted"`
	Cancelled    bool   `json:"cancelled"`
	Fatal        string `json:"fatal,omitempty"`

	AnalysisNS      int64 `json:"analysis_ns"`
	CompatibilityNS int64 `json:"compatibility_ns"`
	ConversionNS    int64 `json:"conversion_ns"`
	SendNS          int64 `json:"send_ns"`
	TotalNS         int64 `json:"total_ns"`

	StartedAt  time.Time       `gorm:"index" json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Outcomes   []OutcomeRecord `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"outcomes,omitempty"`
}

type OutcomeRecord struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	JobID     string `gorm:"index;not null" json:"job_id"`
	Seq       int    `json:"seq"`
	Path      string `json:"path"`
	Delivered string `json:"delivered,omitempty"`
	State     string `gorm:"index" json:"state"`
	Status    *int   `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Converted bool   `json:"converted"`
}

// OK mirrors send.Summary.OK for a stored job.
func (j JobRecord) OK() bool {
	return j.Fatal == "" && j.Failed == 0 && j.NotAttempted == 0
}

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("history: enable foreign keys: %w", err)
	}
	if err := db.AutoMigrate(&JobRecord{}, &OutcomeRecord{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	log.Debug().Str("path", path).Msg("history.Open")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// FromSummary flattens a job summary into rows.
func FromSummary(destination string, sum send.Summary) JobRecord {
	rec := JobRecord{
		ID:              sum.JobID,
		Destination:     destination,
		CallingAE:       sum.Peer.CallingAE,
		CalledAE:        sum.Peer.CalledAE,
		Address:         sum.Peer.Address(),
		Total:           sum.Total,
		Sent:            sum.Sent,
		Warned:          sum.Warned,
		Failed:          sum.Failed,
		Converted:       sum.Converted,
		NotAttempted:    len(sum.NotAttempted),
		Cancelled:       sum.Cancelled,
		Fatal:           sum.Fatal,
		AnalysisNS:      int64(sum.Timing.Analysis),
		CompatibilityNS: int64(sum.Timing.Compatibility),
		ConversionNS:    int64(sum.Timing.Conversion),
		SendNS:          int64(sum.Timing.Send),
		TotalNS:         int64(sum.Timing.Total),
		StartedAt:       sum.StartedAt,
		FinishedAt:      sum.FinishedAt,
	}
	seq := 0
	for _, o := range sum.Outcomes {
		row := OutcomeRecord{
			JobID:     sum.JobID,
			Seq:       seq,
			Path:      o.Path,
			Delivered: o.Delivered,
			State:     string(o.State),
			Detail:    o.Detail,
			Hint:      o.Hint,
			Converted: o.Converted,
		}
		if o.Status != nil {
			v := int(*o.Status)
			row.Status = &v
		}
		rec.Outcomes = append(rec.Outcomes, row)
		seq++
	}
	for _, p := range sum.NotAttempted {
		rec.Outcomes = append(rec.Outcomes, OutcomeRecord{JobID: sum.JobID, Seq: seq, Path: p, State: StateNotAttempted})
		seq++
	}
	return rec
}

// Record stores one finished job with its outcomes.
func (s *Store) Record(ctx context.Context, destination string, sum send.Summary) error {
	rec := FromSummary(destination, sum)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("history: record %s: %w", sum.JobID, err)
	}
	log.Debug().Str("job", sum.JobID).Int("outcomes", len(rec.Outcomes)).Msg("history.Record")
	return nil
}

type Filter struct {
	Destination string
	Since       time.Time
	FailedOnly  bool
	Limit       int
	Offset      int
	// WithOutcomes preloads per-file rows.
	WithOutcomes bool
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]JobRecord, error) {
	q := s.db.WithContext(ctx).Model(&JobRecord{}).Order("started_at DESC")
	if f.Destination != "" {
		q = q.Where("destination = ?", f.Destination)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since)
	}
	if f.FailedOnly {
		q = q.Where("failed > 0 OR not_attempted > 0 OR fatal <> ''")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if f.WithOutcomes {
		q = q.Preload("Outcomes", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") })
	}
	var out []JobRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (JobRecord, error) {
	var rec JobRecord
	err := s.db.WithContext(ctx).
		Preload("Outcomes", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("history: get %s: %w", id, err)
	}
	return rec, nil
}

// Prune deletes jobs that started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&JobRecord{}).Select("id").Where("started_at < ?", cutoff)
		if err := tx.Where("job_id IN (?)", ids).Delete(&OutcomeRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("started_at < ?", cutoff).Delete(&JobRecord{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return n, nil
}
