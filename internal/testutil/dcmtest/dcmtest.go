// Package dcmtest writes small synthetic Part 10 files for tests. Pixel data
// can be native, baseline JPEG, RLE Lossless or opaque encapsulated bytes.
package dcmtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
)

const (
	CTImageStorage = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage = "1.2.840.10008.5.1.4.1.1.4"
	SCImageStorage = "1.2.840.10008.5.1.4.1.1.7"
)

// Spec describes one synthetic instance. Zero fields take small defaults.
type Spec struct {
	Name             string
	SOPClassUID      string
	SOPInstanceUID   string
	StudyInstanceUID string
	TransferSyntax   string
	Rows             int
	Columns          int
	Frames           int
	SamplesPerPixel  int
	BitsAllocated    int
	// MetaSOPClassUID overrides the class written to the meta group.
	MetaSOPClassUID string
	// OmitMetaClass leaves the meta group's class empty.
	OmitMetaClass bool
}

func (s Spec) withDefaults() Spec {
	if s.SOPClassUID == "" {
		s.SOPClassUID = CTImageStorage
	}
	if s.SOPInstanceUID == "" {
		s.SOPInstanceUID = uid.New()
	}
	if s.StudyInstanceUID == "" {
		s.StudyInstanceUID = "1.2.826.0.1.3680043.2.1125.1"
	}
	if s.TransferSyntax == "" {
		s.TransferSyntax = uid.ExplicitVRLittleEndian
	}
	if s.Rows == 0 {
		s.Rows = 8
	}
	if s.Columns == 0 {
		s.Columns = 8
	}
	if s.Frames == 0 {
		s.Frames = 1
	}
	if s.SamplesPerPixel == 0 {
		s.SamplesPerPixel = 1
	}
	if s.BitsAllocated == 0 {
		s.BitsAllocated = 8
	}
	if s.Name == "" {
		s.Name = s.SOPInstanceUID + ".dcm"
	}
	return s
}

// Write creates the file under dir and returns its path.
func Write(t testing.TB, dir string, spec Spec) string {
	t.Helper()
	spec = spec.withDefaults()
	path := filepath.Join(dir, spec.Name)
	dataset, err := Dataset(spec)
	if err != nil {
		t.Fatalf("build dataset %s: %v", spec.Name, err)
	}
	meta := dcmfile.Meta{
		MediaStorageSOPClassUID:    spec.SOPClassUID,
		MediaStorageSOPInstanceUID: spec.SOPInstanceUID,
		TransferSyntaxUID:          spec.TransferSyntax,
	}
	switch {
	case spec.OmitMetaClass:
		meta.MediaStorageSOPClassUID = ""
	case spec.MetaSOPClassUID != "":
		meta.MediaStorageSOPClassUID = spec.MetaSOPClassUID
	}
	if err := dcmfile.WritePart10Bytes(path, meta, dataset); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Batch writes n instances sharing spec, named file-00.dcm, file-01.dcm, ...
func Batch(t testing.TB, dir string, n int, spec Spec) []string {
	t.Helper()
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s := spec
		s.Name = fmt.Sprintf("file-%02d.dcm", i)
		s.SOPInstanceUID = ""
		paths = append(paths, Write(t, dir, s))
	}
	return paths
}

// WriteGarbage creates a file that is not DICOM at all.
func WriteGarbage(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("not a dicom file"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Dataset encodes the data set (no meta) of spec in its transfer syntax.
func Dataset(spec Spec) ([]byte, error) {
	spec = spec.withDefaults()
	implicit := spec.TransferSyntax == uid.ImplicitVRLittleEndian
	e := encoder{implicit: implicit}

	photometric := "MONOCHROME2"
	if spec.SamplesPerPixel == 3 {
		photometric = "RGB"
		if spec.TransferSyntax == uid.JPEGBaseline8Bit {
			photometric = "YBR_FULL_422"
		}
	}

	e.str(0x0008, 0x0016, "UI", spec.SOPClassUID, 0)
	e.str(0x0008, 0x0018, "UI", spec.SOPInstanceUID, 0)
	e.str(0x0008, 0x0060, "CS", "OT", ' ')
	e.str(0x0010, 0x0010, "PN", "TEST^PATIENT", ' ')
	e.str(0x0010, 0x0020, "LO", "PID001", ' ')
	e.str(0x0020, 0x000D, "UI", spec.StudyInstanceUID, 0)
	e.str(0x0020, 0x000E, "UI", spec.StudyInstanceUID+".1", 0)
	e.us(0x0028, 0x0002, spec.SamplesPerPixel)
	e.str(0x0028, 0x0004, "CS", photometric, ' ')
	if spec.SamplesPerPixel > 1 {
		e.us(0x0028, 0x0006, 0)
	}
	if spec.Frames > 1 {
		e.str(0x0028, 0x0008, "IS", strconv.Itoa(spec.Frames), ' ')
	}
	e.us(0x0028, 0x0010, spec.Rows)
	e.us(0x0028, 0x0011, spec.Columns)
	e.us(0x0028, 0x0100, spec.BitsAllocated)
	e.us(0x0028, 0x0101, spec.BitsAllocated)
	e.us(0x0028, 0x0102, spec.BitsAllocated-1)
	e.us(0x0028, 0x0103, 0)

	frames := NativeFrames(spec)
	switch spec.TransferSyntax {
	case uid.ImplicitVRLittleEndian, uid.ExplicitVRLittleEndian:
		var raw []byte
		for _, f := range frames {
			raw = append(raw, f...)
		}
		vr := "OW"
		if spec.BitsAllocated == 8 {
			vr = "OB"
		}
		e.raw(0x7FE0, 0x0010, vr, pad(raw, 0))
	case uid.JPEGBaseline8Bit:
		if spec.BitsAllocated != 8 {
			return nil, fmt.Errorf("dcmtest: baseline jpeg needs 8-bit samples")
		}
		fragments := make([][]byte, 0, len(frames))
		for _, f := range frames {
			b, err := encodeJPEG(f, spec)
			if err != nil {
				return nil, err
			}
			fragments = append(fragments, b)
		}
		e.encapsulated(fragments)
	case uid.RLELossless:
		fragments := make([][]byte, 0, len(frames))
		for _, f := range frames {
			fragments = append(fragments, EncodeRLE(f, spec.Rows*spec.Columns, spec.SamplesPerPixel, spec.BitsAllocated/8))
		}
		e.encapsulated(fragments)
	default:
		// Any other compressed syntax gets opaque fragments no decoder accepts.
		fragments := make([][]byte, 0, len(frames))
		for range frames {
			fragments = append(fragments, []byte{0xFF, 0x4F, 0xFF, 0x51, 0, 0})
		}
		e.encapsulated(fragments)
	}
	return e.buf.Bytes(), nil
}

// NativeFrames returns the deterministic gradient samples Dataset encodes.
func NativeFrames(spec Spec) [][]byte {
	spec = spec.withDefaults()
	bytesPer := spec.BitsAllocated / 8
	frames := make([][]byte, spec.Frames)
	for f := range frames {
		buf := make([]byte, 0, spec.Rows*spec.Columns*spec.SamplesPerPixel*bytesPer)
		for y := 0; y < spec.Rows; y++ {
			for x := 0; x < spec.Columns; x++ {
				for s := 0; s < spec.SamplesPerPixel; s++ {
					v := (x*16 + y*8 + s*32 + f*4) & 0xFF
					if bytesPer == 2 {
						buf = binary.LittleEndian.AppendUint16(buf, uint16(v*64))
					} else {
						buf = append(buf, byte(v))
					}
				}
			}
		}
		frames[f] = buf
	}
	return frames
}

func encodeJPEG(frame []byte, spec Spec) ([]byte, error) {
	rect := image.Rect(0, 0, spec.Columns, spec.Rows)
	var img image.Image
	if spec.SamplesPerPixel == 1 {
		g := image.NewGray(rect)
		copy(g.Pix, frame)
		img = g
	} else {
		rgba := image.NewRGBA(rect)
		for i := 0; i < spec.Rows*spec.Columns; i++ {
			rgba.Set(i%spec.Columns, i/spec.Columns, color.RGBA{
				R: frame[i*3], G: frame[i*3+1], B: frame[i*3+2], A: 0xFF,
			})
		}
		img = rgba
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// EncodeRLE builds one RLE Lossless frame: a 64-byte segment header followed
// by one PackBits segment per byte plane, most significant byte first.
func EncodeRLE(frame []byte, pixels, samples, bytesPer int) []byte {
	var segments [][]byte
	for s := 0; s < samples; s++ {
		for b := bytesPer - 1; b >= 0; b-- {
			plane := make([]byte, pixels)
			for p := 0; p < pixels; p++ {
				plane[p] = frame[(p*samples+s)*bytesPer+b]
			}
			segments = append(segments, pad(packBits(plane), 0))
		}
	}
	header := make([]byte, 64)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(segments)))
	offset := 64
	for i, seg := range segments {
		binary.LittleEndian.PutUint32(header[4+i*4:8+i*4], uint32(offset))
		offset += len(seg)
	}
	out := header
	for _, seg := range segments {
		out = append(out, seg...)
	}
	return out
}

func packBits(in []byte) []byte {
	var out []byte
	for i := 0; i < len(in); {
		run := 1
		for i+run < len(in) && run < 128 && in[i+run] == in[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(int8(1-run)), in[i])
			i += run
			continue
		}
		start := i
		for i < len(in) && i-start < 128 {
			if i+2 < len(in) && in[i] == in[i+1] && in[i] == in[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, in[start:i]...)
	}
	return out
}

type encoder struct {
	implicit bool
	buf      bytes.Buffer
}

func (e *encoder) header(group, element uint16, vr string, length uint32) {
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, group)
	b = binary.LittleEndian.AppendUint16(b, element)
	switch {
	case e.implicit:
		b = binary.LittleEndian.AppendUint32(b, length)
	case vr == "OB" || vr == "OW" || vr == "SQ" || vr == "UN" || vr == "UT":
		b = append(b, vr...)
		b = append(b, 0, 0)
		b = binary.LittleEndian.AppendUint32(b, length)
	default:
		b = append(b, vr...)
		b = binary.LittleEndian.AppendUint16(b, uint16(length))
	}
	e.buf.Write(b)
}

func (e *encoder) raw(group, element uint16, vr string, value []byte) {
	e.header(group, element, vr, uint32(len(value)))
	e.buf.Write(value)
}

func (e *encoder) str(group, element uint16, vr, value string, padByte byte) {
	e.raw(group, element, vr, pad([]byte(value), padByte))
}

func (e *encoder) us(group, element uint16, v int) {
	e.raw(group, element, "US", binary.LittleEndian.AppendUint16(nil, uint16(v)))
}

func (e *encoder) encapsulated(fragments [][]byte) {
	e.header(0x7FE0, 0x0010, "OB", 0xFFFFFFFF)
	e.item(nil)
	for _, f := range fragments {
		e.item(pad(f, 0))
	}
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, 0xFFFE)
	b = binary.LittleEndian.AppendUint16(b, 0xE0DD)
	b = binary.LittleEndian.AppendUint32(b, 0)
	e.buf.Write(b)
}

func (e *encoder) item(value []byte) {
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, 0xFFFE)
	b = binary.LittleEndian.AppendUint16(b, 0xE000)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(value)))
	e.buf.Write(b)
	e.buf.Write(value)
}

func pad(b []byte, with byte) []byte {
	if len(b)%2 == 1 {
		return append(b, with)
	}
	return b
}
