// Package dcmfile reads and writes DICOM Part 10 files: header inspection,
// raw meta/data set access for network transfer, and native pixel rewrites.
package dcmfile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var ErrMissingElement = errors.New("dcmfile: missing element")

// Header is the subset of a file's elements the transmission core reads
// without touching pixel data.
type Header struct {
	Path                      string
	TransferSyntax            string
	SOPClassUID               string
	SOPInstanceUID            string
	StudyInstanceUID          string
	SeriesInstanceUID         string
	PatientID                 string
	Modality                  string
	Rows                      int
	Columns                   int
	Frames                    int
	SamplesPerPixel           int
	BitsAllocated             int
	BitsStored                int
	PixelRepresentation       int
	PhotometricInterpretation string
}

// Geometry is the decoded pixel shape a converted file must reproduce.
type Geometry struct {
	Frames          int
	Rows            int
	Columns         int
	SamplesPerPixel int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dx%d (%d samples)", g.Frames, g.Rows, g.Columns, g.SamplesPerPixel)
}

func (h Header) Geometry() Geometry {
	return Geometry{
		Frames:          h.Frames,
		Rows:            h.Rows,
		Columns:         h.Columns,
		SamplesPerPixel: h.SamplesPerPixel,
	}
}

// ReadHeader parses path with pixel data skipped.
func ReadHeader(path string) (Header, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return headerFromDataset(path, &ds), nil
}

func headerFromDataset(path string, ds *dicom.Dataset) Header {
	h := Header{
		Path:                      path,
		TransferSyntax:            stringValue(ds, tag.TransferSyntaxUID),
		SOPClassUID:               stringValue(ds, tag.SOPClassUID),
		SOPInstanceUID:            stringValue(ds, tag.SOPInstanceUID),
		StudyInstanceUID:          stringValue(ds, tag.StudyInstanceUID),
		SeriesInstanceUID:         stringValue(ds, tag.SeriesInstanceUID),
		PatientID:                 stringValue(ds, tag.PatientID),
		Modality:                  stringValue(ds, tag.Modality),
		Rows:                      intValue(ds, tag.Rows, 0),
		Columns:                   intValue(ds, tag.Columns, 0),
		Frames:                    intValue(ds, tag.NumberOfFrames, 1),
		SamplesPerPixel:           intValue(ds, tag.SamplesPerPixel, 1),
		BitsAllocated:             intValue(ds, tag.BitsAllocated, 0),
		BitsStored:                intValue(ds, tag.BitsStored, 0),
		PixelRepresentation:       intValue(ds, tag.PixelRepresentation, 0),
		PhotometricInterpretation: stringValue(ds, tag.PhotometricInterpretation),
	}
	if h.SOPClassUID == "" {
		h.SOPClassUID = stringValue(ds, tag.MediaStorageSOPClassUID)
	}
	if h.SOPInstanceUID == "" {
		h.SOPInstanceUID = stringValue(ds, tag.MediaStorageSOPInstanceUID)
	}
	if h.Frames < 1 {
		h.Frames = 1
	}
	return h
}

func stringValue(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return ""
		}
		return uid.Normalize(v[0])
	default:
		return ""
	}
}

func intValue(ds *dicom.Dataset, t tag.Tag, def int) int {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return def
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(v[0])); err == nil {
				return n
			}
		}
	}
	return def
}
