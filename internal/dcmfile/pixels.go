package dcmfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/danmuck/dicomctl/internal/protocol/uid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	ErrNoPixelData     = errors.New("dcmfile: no pixel data")
	ErrNotEncapsulated = errors.New("dcmfile: pixel data is not encapsulated")
)

// EncapsulatedFrames returns the compressed fragments of path, one per frame.
// A single-frame image split across fragments is joined back together.
func EncapsulatedFrames(path string) ([][]byte, Header, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, Header{}, fmt.Errorf("parse %s: %w", path, err)
	}
	h := headerFromDataset(path, &ds)
	info, err := pixelInfo(&ds)
	if err != nil {
		return nil, h, err
	}
	if !info.IsEncapsulated {
		return nil, h, ErrNotEncapsulated
	}
	out := make([][]byte, 0, len(info.Frames))
	for _, f := range info.Frames {
		out = append(out, f.EncapsulatedData.Data)
	}
	if h.Frames == 1 && len(out) > 1 {
		var joined []byte
		for _, frag := range out {
			joined = append(joined, frag...)
		}
		out = [][]byte{joined}
	}
	return out, h, nil
}

// Decoded describes the pixel data of a native file as parsed back from disk.
type Decoded struct {
	Geometry
	BitsPerSample  int
	TransferSyntax string
	SOPInstanceUID string
	Encapsulated   bool
}

// ReadDecoded fully parses path, pixel data included.
func ReadDecoded(path string) (Decoded, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return Decoded{}, fmt.Errorf("parse %s: %w", path, err)
	}
	h := headerFromDataset(path, &ds)
	info, err := pixelInfo(&ds)
	if err != nil {
		return Decoded{}, err
	}
	d := Decoded{
		TransferSyntax: h.TransferSyntax,
		SOPInstanceUID: h.SOPInstanceUID,
		Encapsulated:   info.IsEncapsulated,
	}
	d.Frames = len(info.Frames)
	if d.Frames == 0 || info.IsEncapsulated {
		return d, nil
	}
	nd := info.Frames[0].NativeData
	d.Rows = nd.Rows
	d.Columns = nd.Cols
	d.BitsPerSample = nd.BitsPerSample
	if len(nd.Data) > 0 {
		d.SamplesPerPixel = len(nd.Data[0])
	}
	return d, nil
}

func pixelInfo(ds *dicom.Dataset) (dicom.PixelDataInfo, error) {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || el.Value == nil {
		return dicom.PixelDataInfo{}, ErrNoPixelData
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return dicom.PixelDataInfo{}, ErrNoPixelData
	}
	return info, nil
}

// NativeImage is decoded pixel data ready to be written uncompressed. Each
// frame holds little endian samples, interleaved by pixel.
type NativeImage struct {
	Frames                    [][]byte
	Rows                      int
	Columns                   int
	SamplesPerPixel           int
	BitsAllocated             int
	PhotometricInterpretation string
}

func (img NativeImage) Geometry() Geometry {
	return Geometry{
		Frames:          len(img.Frames),
		Rows:            img.Rows,
		Columns:         img.Columns,
		SamplesPerPixel: img.SamplesPerPixel,
	}
}

// WriteConverted writes dst as a copy of src with img as native pixel data
// under the canonical transfer syntax and a fresh meta group. dst must not
// exist yet.
func WriteConverted(dst, src string, img NativeImage) error {
	ds, err := dicom.ParseFile(src, nil, dicom.SkipPixelData())
	if err != nil {
		return fmt.Errorf("parse %s: %w", src, err)
	}
	h := headerFromDataset(src, &ds)
	if img.BitsAllocated != 8 && img.BitsAllocated != 16 {
		return fmt.Errorf("dcmfile: unsupported bits allocated %d", img.BitsAllocated)
	}

	elements, err := convertedElements(&ds, h, img)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	writeErr := func() error {
		meta := Meta{
			MediaStorageSOPClassUID:    h.SOPClassUID,
			MediaStorageSOPInstanceUID: h.SOPInstanceUID,
			TransferSyntaxUID:          uid.Canonical,
		}
		if _, err := bw.Write(EncodeMeta(meta)); err != nil {
			return err
		}
		w := dicom.NewWriter(bw, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification())
		w.SetTransferSyntax(binary.LittleEndian, false)
		for _, el := range elements {
			if err := w.WriteElement(el); err != nil {
				return fmt.Errorf("write %v: %w", el.Tag, err)
			}
		}
		if err := writeNativePixelData(bw, img); err != nil {
			return err
		}
		return bw.Flush()
	}()
	closeErr := f.Close()
	if writeErr != nil {
		_ = os.Remove(dst)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(dst)
		return closeErr
	}
	return nil
}

// convertedElements copies every non-meta, non-pixel element of ds, replacing
// the image pixel module attributes that describe the new layout.
func convertedElements(ds *dicom.Dataset, h Header, img NativeImage) ([]*dicom.Element, error) {
	photometric := img.PhotometricInterpretation
	if photometric == "" {
		photometric = h.PhotometricInterpretation
	}
	bitsStored := h.BitsStored
	if bitsStored <= 0 || bitsStored > img.BitsAllocated {
		bitsStored = img.BitsAllocated
	}
	replace := map[tag.Tag]any{
		tag.SamplesPerPixel:           []int{img.SamplesPerPixel},
		tag.PhotometricInterpretation: []string{photometric},
		tag.BitsAllocated:             []int{img.BitsAllocated},
		tag.BitsStored:                []int{bitsStored},
		tag.HighBit:                   []int{bitsStored - 1},
	}
	if img.SamplesPerPixel > 1 {
		replace[tag.PlanarConfiguration] = []int{0}
	}

	out := make([]*dicom.Element, 0, len(ds.Elements)+2)
	for _, el := range ds.Elements {
		if el.Tag.Group == 0x0002 || el.Tag.Group >= 0x7FE0 {
			continue
		}
		if _, ok := replace[el.Tag]; ok {
			continue
		}
		if el.Tag == tag.PlanarConfiguration && img.SamplesPerPixel == 1 {
			continue
		}
		out = append(out, el)
	}
	for t, v := range replace {
		el, err := dicom.NewElement(t, v)
		if err != nil {
			return nil, fmt.Errorf("build %v: %w", t, err)
		}
		out = append(out, el)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tag.Group != out[j].Tag.Group {
			return out[i].Tag.Group < out[j].Tag.Group
		}
		return out[i].Tag.Element < out[j].Tag.Element
	})
	return out, nil
}

func writeNativePixelData(w *bufio.Writer, img NativeImage) error {
	var total int
	for _, fr := range img.Frames {
		total += len(fr)
	}
	pad := total%2 == 1
	if pad {
		total++
	}
	vr := "OW"
	if img.BitsAllocated == 8 {
		vr = "OB"
	}
	hdr := make([]byte, 0, 12)
	hdr = binary.LittleEndian.AppendUint16(hdr, 0x7FE0)
	hdr = binary.LittleEndian.AppendUint16(hdr, 0x0010)
	hdr = append(hdr, vr...)
	hdr = append(hdr, 0, 0)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(total))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, fr := range img.Frames {
		if _, err := w.Write(fr); err != nil {
			return err
		}
	}
	if pad {
		return w.WriteByte(0)
	}
	return nil
}
