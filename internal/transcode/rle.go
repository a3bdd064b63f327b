package transcode

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/dicomctl/internal/dcmfile"
)

const rleHeaderLen = 64

// decodeRLE implements RLE Lossless (PS3.5 Annex G): one PackBits segment
// per byte plane, most significant byte first, sample planes in order.
func decodeRLE(frames [][]byte, h dcmfile.Header) (dcmfile.NativeImage, error) {
	bits, err := bitsAllocated(h)
	if err != nil {
		return dcmfile.NativeImage{}, err
	}
	bytesPer := bits / 8
	samples := max(h.SamplesPerPixel, 1)
	pixels := h.Rows * h.Columns
	if pixels <= 0 {
		return dcmfile.NativeImage{}, fmt.Errorf("%w: empty geometry %dx%d", ErrCorruptFrame, h.Rows, h.Columns)
	}

	out := dcmfile.NativeImage{
		Rows:                      h.Rows,
		Columns:                   h.Columns,
		SamplesPerPixel:           samples,
		BitsAllocated:             bits,
		PhotometricInterpretation: h.PhotometricInterpretation,
	}
	for i, f := range frames {
		raw, err := decodeRLEFrame(f, pixels, samples, bytesPer)
		if err != nil {
			return dcmfile.NativeImage{}, fmt.Errorf("frame %d: %w", i, err)
		}
		out.Frames = append(out.Frames, raw)
	}
	return out, nil
}

func decodeRLEFrame(f []byte, pixels, samples, bytesPer int) ([]byte, error) {
	if len(f) < rleHeaderLen {
		return nil, fmt.Errorf("%w: short rle header", ErrCorruptFrame)
	}
	nseg := int(binary.LittleEndian.Uint32(f[0:4]))
	if nseg != samples*bytesPer || nseg > 15 {
		return nil, fmt.Errorf("%w: %d segments for %d samples x %d bytes", ErrCorruptFrame, nseg, samples, bytesPer)
	}
	offsets := make([]int, nseg+1)
	for i := 0; i < nseg; i++ {
		offsets[i] = int(binary.LittleEndian.Uint32(f[4+i*4 : 8+i*4]))
	}
	offsets[nseg] = len(f)

	out := make([]byte, pixels*samples*bytesPer)
	for seg := 0; seg < nseg; seg++ {
		start, end := offsets[seg], offsets[seg+1]
		if start < rleHeaderLen || start > end || end > len(f) {
			return nil, fmt.Errorf("%w: segment %d bounds %d..%d", ErrCorruptFrame, seg, start, end)
		}
		plane, err := unpackBits(f[start:end], pixels)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", seg, err)
		}
		s := seg / bytesPer
		b := bytesPer - 1 - seg%bytesPer
		for p := 0; p < pixels; p++ {
			out[(p*samples+s)*bytesPer+b] = plane[p]
		}
	}
	return out, nil
}

func unpackBits(src []byte, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	i := 0
	for len(out) < n && i < len(src) {
		c := int8(src[i])
		i++
		switch {
		case c >= 0:
			cnt := int(c) + 1
			if i+cnt > len(src) {
				return nil, fmt.Errorf("%w: literal run past end", ErrCorruptFrame)
			}
			out = append(out, src[i:i+cnt]...)
			i += cnt
		case c == -128:
		default:
			if i >= len(src) {
				return nil, fmt.Errorf("%w: replicate run past end", ErrCorruptFrame)
			}
			cnt := 1 - int(c)
			for k := 0; k < cnt; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	if len(out) < n {
		return nil, fmt.Errorf("%w: plane has %d of %d bytes", ErrCorruptFrame, len(out), n)
	}
	return out[:n], nil
}
