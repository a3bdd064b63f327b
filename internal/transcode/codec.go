package transcode

import (
	"github.com/danmuck/dicomctl/internal/dcmfile"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
)

// Decoder turns the compressed frames of one file into native samples.
type Decoder interface {
	Decode(frames [][]byte, h dcmfile.Header) (dcmfile.NativeImage, error)
}

type DecoderFunc func(frames [][]byte, h dcmfile.Header) (dcmfile.NativeImage, error)

func (f DecoderFunc) Decode(frames [][]byte, h dcmfile.Header) (dcmfile.NativeImage, error) {
	return f(frames, h)
}

// Registry maps a transfer syntax UID to its decoder.
type Registry map[string]Decoder

// DefaultRegistry covers baseline/extended JPEG and RLE Lossless. JPEG
// lossless, JPEG-LS and JPEG 2000 have no decoder and fall back.
func DefaultRegistry() Registry {
	return Registry{
		uid.JPEGBaseline8Bit:  DecoderFunc(decodeJPEG),
		uid.JPEGExtended12Bit: DecoderFunc(decodeJPEG),
		uid.RLELossless:       DecoderFunc(decodeRLE),
	}
}

func (r Registry) Lookup(ts string) (Decoder, bool) {
	d, ok := r[uid.Normalize(ts)]
	return d, ok
}

// bitsAllocated picks the 8 or 16-bit container for a declared depth.
func bitsAllocated(h dcmfile.Header) (int, error) {
	switch {
	case h.BitsAllocated <= 0, h.BitsAllocated <= 8:
		return 8, nil
	case h.BitsAllocated <= 16:
		return 16, nil
	default:
		return 0, ErrBitDepth
	}
}
