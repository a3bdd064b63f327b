package history

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("history: unknown export format %q", s)
	}
}

func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

func Export(w io.Writer, f Format, jobs []JobRecord) error {
	if f == FormatCSV {
		return WriteCSV(w, jobs)
	}
	return WriteJSON(w, jobs)
}

func WriteJSON(w io.Writer, jobs []JobRecord) error {
	if jobs == nil {
		jobs = []JobRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jobs)
}

var csvHeader = []string{
	"job_id", "started_at", "destination", "called_ae", "address",
	"seq", "path", "state", "status", "converted", "detail", "hint", "fatal",
}

// WriteCSV writes one row per file outcome. A job with no outcome rows still
// gets a single row so a fatal failure is visible.
func WriteCSV(w io.Writer, jobs []JobRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, j := range jobs {
		prefix := []string{j.ID, j.StartedAt.UTC().Format(time.RFC3339), j.Destination, j.CalledAE, j.Address}
		if len(j.Outcomes) == 0 {
			row := append(append([]string{}, prefix...), "", "", "", "", "", "", "", j.Fatal)
			if err := cw.Write(row); err != nil {
				return err
			}
			continue
		}
		for _, o := range j.Outcomes {
			status := ""
			if o.Status != nil {
				status = fmt.Sprintf("0x%04X", *o.Status)
			}
			row := append(append([]string{}, prefix...),
				strconv.Itoa(o.Seq), o.Path, o.State, status,
				strconv.FormatBool(o.Converted), o.Detail, o.Hint, j.Fatal)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
