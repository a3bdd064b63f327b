// Package transcode rewrites compressed DICOM files as Explicit VR Little
// Endian with native pixel data, and validates each rewrite against its source.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/danmuck/dicomctl/internal/observability"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/sync/errgroup"
)

const ConvertedSuffix = "_converted_explicit_vr.dcm"

// ConversionRecord is the outcome of one Convert call. Converted is empty
// when no replacement exists; only Validated records may be substituted.
type ConversionRecord struct {
	Original     string
	Converted    string
	SourceSyntax string
	TargetSyntax string
	Validated    bool
	Err          error
	Duration     time.Duration
}

// Needed reports whether the source was compressed and a rewrite was attempted.
func (r ConversionRecord) Needed() bool {
	return uid.IsCompressed(r.SourceSyntax)
}

// Path is the file that should be delivered for this record.
func (r ConversionRecord) Path() string {
	if r.Validated && r.Converted != "" {
		return r.Converted
	}
	return r.Original
}

// Progress is called once per finished file with a 1-based completion index.
type Progress func(done, total int, path string)

type Transcoder struct {
	Registry Registry
	Workers  int
}

func New() *Transcoder {
	return &Transcoder{Registry: DefaultRegistry(), Workers: DefaultWorkers()}
}

// DefaultWorkers is the number of logical CPUs, or 1 when unknown.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ConvertedPath is the deterministic sibling path a replacement is written to.
// The full original name is kept so "IMG1" and "IMG1.dcm" never share one.
func ConvertedPath(original string) string {
	return original + ConvertedSuffix
}

// Convert rewrites one file. Failures never leave output on disk, and a file
// already present at the converted path is never replaced or removed.
func (t *Transcoder) Convert(ctx context.Context, path string) ConversionRecord {
	start := time.Now()
	rec := t.convert(ctx, path)
	rec.Duration = time.Since(start)

	outcome := "passthrough"
	switch {
	case rec.Validated:
		outcome = "validated"
	case rec.Err != nil:
		outcome = "failed"
	}
	if rec.Needed() || rec.Err != nil {
		observability.RecordTranscode(rec.SourceSyntax, outcome, rec.Duration)
	}
	return rec
}

func (t *Transcoder) convert(ctx context.Context, path string) ConversionRecord {
	rec := ConversionRecord{Original: path, TargetSyntax: uid.Canonical}
	if err := ctx.Err(); err != nil {
		rec.Err = err
		return rec
	}

	h, err := dcmfile.ReadHeader(path)
	if err != nil {
		rec.Err = &TranscodeError{Path: path, Op: "read header", Err: err}
		return rec
	}
	rec.SourceSyntax = h.TransferSyntax
	if !uid.IsCompressed(h.TransferSyntax) {
		log.Debug().Str("file", path).Str("syntax", h.TransferSyntax).Msg("transcode: not compressed, passing through")
		return rec
	}

	fail := func(op string, err error) ConversionRecord {
		rec.Err = &TranscodeError{Path: path, Syntax: h.TransferSyntax, Op: op, Err: err}
		log.Warn().Err(rec.Err).Str("file", path).Msg("transcode: conversion failed, keeping original")
		return rec
	}

	registry := t.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	dec, ok := registry.Lookup(h.TransferSyntax)
	if !ok {
		return fail("decode", fmt.Errorf("%w: %s", ErrNoDecoder, uid.Name(h.TransferSyntax)))
	}
	frames, _, err := dcmfile.EncapsulatedFrames(path)
	if err != nil {
		return fail("read pixel data", err)
	}
	if len(frames) != h.Frames {
		return fail("read pixel data", fmt.Errorf("%w: %d fragments for %d frames", ErrFrameMismatch, len(frames), h.Frames))
	}
	img, err := dec.Decode(frames, h)
	if err != nil {
		return fail("decode", err)
	}
	if img.BitsAllocated != 8 && img.BitsAllocated != 16 {
		return fail("normalize", fmt.Errorf("%w: %d", ErrBitDepth, img.BitsAllocated))
	}

	dst := ConvertedPath(path)
	if err := dcmfile.WriteConverted(dst, path, img); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fail("write", fmt.Errorf("%w: %s", ErrOutputExists, dst))
		}
		_ = os.Remove(dst)
		return fail("write", err)
	}
	if err := Validate(dst, h); err != nil {
		_ = os.Remove(dst)
		rec.Err = err
		log.Warn().Err(err).Str("file", path).Msg("transcode: validation failed, keeping original")
		return rec
	}

	rec.Converted = dst
	rec.Validated = true
	log.Info().
		Str("file", path).
		Str("from", uid.Name(h.TransferSyntax)).
		Str("geometry", h.Geometry().String()).
		Msg("transcode: converted")
	return rec
}

// Validate re-reads converted and checks it against the original header.
func Validate(converted string, original dcmfile.Header) error {
	d, err := dcmfile.ReadDecoded(converted)
	if err != nil {
		return &ValidationError{Path: converted, Reason: fmt.Sprintf("unreadable: %v", err)}
	}
	if d.TransferSyntax != uid.Canonical {
		return &ValidationError{Path: converted, Reason: fmt.Sprintf("declares %s, want %s", d.TransferSyntax, uid.Canonical)}
	}
	if d.Encapsulated {
		return &ValidationError{Path: converted, Reason: "pixel data still encapsulated"}
	}
	if d.SOPInstanceUID == "" {
		return &ValidationError{Path: converted, Reason: "missing SOP instance UID"}
	}
	if want := original.Geometry(); d.Geometry != want {
		return &ValidationError{Path: converted, Reason: fmt.Sprintf("shape %s, want %s", d.Geometry, want)}
	}
	if d.BitsPerSample != 8 && d.BitsPerSample != 16 {
		return &ValidationError{Path: converted, Reason: fmt.Sprintf("sample width %d bits", d.BitsPerSample)}
	}
	return nil
}

// ConvertAll converts paths on a bounded pool and returns records in input
// order. A path listed twice is converted once. A distinct path whose
// converted path is already claimed by an earlier input is not converted.
func (t *Transcoder) ConvertAll(ctx context.Context, paths []string, progress Progress) []ConversionRecord {
	records := make([]ConversionRecord, len(paths))
	first := make(map[string]int, len(paths))
	outputs := make(map[string]string, len(paths))
	unique := make([]int, 0, len(paths))
	for i, p := range paths {
		if _, seen := first[p]; seen {
			continue
		}
		first[p] = i
		dst := filepath.Clean(ConvertedPath(p))
		if owner, taken := outputs[dst]; taken {
			records[i] = collision(p, owner, dst)
			continue
		}
		outputs[dst] = p
		unique = append(unique, i)
	}

	workers := t.Workers
	if workers < 1 {
		workers = DefaultWorkers()
	}
	var (
		mu   sync.Mutex
		done int
	)
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, idx := range unique {
		idx := idx
		g.Go(func() error {
			records[idx] = t.Convert(ctx, paths[idx])
			if progress != nil {
				mu.Lock()
				done++
				progress(done, len(unique), paths[idx])
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range paths {
		if j := first[p]; j != i {
			records[i] = records[j]
		}
	}
	return records
}

func collision(path, owner, dst string) ConversionRecord {
	rec := ConversionRecord{Original: path, TargetSyntax: uid.Canonical}
	if h, err := dcmfile.ReadHeader(path); err == nil {
		rec.SourceSyntax = h.TransferSyntax
	}
	rec.Err = &TranscodeError{
		Path:   path,
		Syntax: rec.SourceSyntax,
		Op:     "write",
		Err:    fmt.Errorf("%w: %s also maps to %s", ErrOutputCollision, owner, dst),
	}
	log.Warn().Err(rec.Err).Str("file", path).Msg("transcode: output path claimed, keeping original")
	return rec
}

// Substitute returns paths with every validated record's replacement swapped in.
func Substitute(paths []string, records []ConversionRecord) []string {
	byOriginal := make(map[string]ConversionRecord, len(records))
	for _, r := range records {
		byOriginal[r.Original] = r
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if r, ok := byOriginal[p]; ok {
			out[i] = r.Path()
			continue
		}
		out[i] = p
	}
	return out
}

// IsFallback reports a record whose rewrite failed and whose original stands.
func IsFallback(r ConversionRecord) bool {
	var te *TranscodeError
	var ve *ValidationError
	return errors.As(r.Err, &te) || errors.As(r.Err, &ve)
}
