package send

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/dicomctl/internal/transcode"
)

// FileState is the terminal state of an attempted file.
type FileState string

const (
	StateSent   FileState = "sent"
	StateWarned FileState = "warned"
	StateFailed FileState = "failed"
)

// FileOutcome is the result of one delivery attempt. Path is always the
// original input path, even when a converted copy was sent.
type FileOutcome struct {
	Path      string    `json:"path"`
	Delivered string    `json:"delivered,omitempty"`
	State     FileState `json:"state"`
	Status    *uint16   `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Converted bool      `json:"converted,omitempty"`
	// Hint notes a failure that looks like an encoding incompatibility.
	Hint string `json:"hint,omitempty"`
}

// Counts are the running totals of a delivery pass.
type Counts struct {
	Sent   int `json:"sent"`
	Warned int `json:"warned"`
	Failed int `json:"failed"`
}

func (c *Counts) add(state FileState) {
	switch state {
	case StateSent:
		c.Sent++
	case StateWarned:
		c.Warned++
	default:
		c.Failed++
	}
}

// Timing is the wall time spent in each phase.
type Timing struct {
	Analysis      time.Duration `json:"analysis"`
	Compatibility time.Duration `json:"compatibility"`
	Conversion    time.Duration `json:"conversion"`
	Send          time.Duration `json:"send"`
	Total         time.Duration `json:"total"`
}

// Summary is the terminal report of a job.
type Summary struct {
	Counts

	JobID        string                       `json:"job_id"`
	Peer         Peer                         `json:"peer"`
	Total        int                          `json:"total"`
	Converted    int                          `json:"converted"`
	NotAttempted []string                     `json:"not_attempted,omitempty"`
	Outcomes     []FileOutcome                `json:"outcomes"`
	Conversions  []transcode.ConversionRecord `json:"-"`
	Details      []string                     `json:"details,omitempty"`
	Timing       Timing                       `json:"timing"`
	Cancelled    bool                         `json:"cancelled,omitempty"`
	Fatal        string                       `json:"fatal,omitempty"`
	StartedAt    time.Time                    `json:"started_at"`
	FinishedAt   time.Time                    `json:"finished_at"`
}

func (s Summary) Attempted() int {
	return s.Sent + s.Warned + s.Failed
}

func (s Summary) OK() bool {
	return s.Fatal == "" && s.Failed == 0 && len(s.NotAttempted) == 0
}

// Report renders the summary the way an operator reads it.
func (s Summary) Report() string {
	var b strings.Builder
	if s.Fatal != "" {
		fmt.Fprintf(&b, "Send failed: %s\n", s.Fatal)
	}
	fmt.Fprintf(&b, "Sent: %d  Warnings: %d  Failed: %d", s.Sent, s.Warned, s.Failed)
	if s.Converted > 0 {
		fmt.Fprintf(&b, "  Converted: %d", s.Converted)
	}
	if n := len(s.NotAttempted); n > 0 {
		fmt.Fprintf(&b, "  Not attempted: %d", n)
	}
	b.WriteByte('\n')
	for _, line := range []struct {
		label string
		d     time.Duration
	}{
		{"Analysis", s.Timing.Analysis},
		{"Compatibility Check", s.Timing.Compatibility},
		{"Conversion", s.Timing.Conversion},
		{"Sending", s.Timing.Send},
		{"Total", s.Timing.Total},
	} {
		if line.d > 0 {
			fmt.Fprintf(&b, "%s: %.1fs\n", line.label, line.d.Seconds())
		}
	}
	for _, d := range s.Details {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Summary) add(o FileOutcome) {
	s.Counts.add(o.State)
	s.Outcomes = append(s.Outcomes, o)
	if o.Detail != "" {
		s.Details = append(s.Details, o.Detail)
	}
}

func detail(path, msg string) string {
	return fmt.Sprintf("%s: %s", filepath.Base(path), msg)
}
