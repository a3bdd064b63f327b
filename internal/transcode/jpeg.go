package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/danmuck/dicomctl/internal/dcmfile"
)

// decodeJPEG handles 8-bit baseline frames. Colour frames come back as
// interleaved RGB.
func decodeJPEG(frames [][]byte, h dcmfile.Header) (dcmfile.NativeImage, error) {
	out := dcmfile.NativeImage{
		BitsAllocated:             8,
		PhotometricInterpretation: h.PhotometricInterpretation,
	}
	for i, f := range frames {
		img, err := jpeg.Decode(bytes.NewReader(f))
		if err != nil {
			return dcmfile.NativeImage{}, fmt.Errorf("frame %d: %w", i, err)
		}
		b := img.Bounds()
		if i == 0 {
			out.Rows, out.Columns = b.Dy(), b.Dx()
		}
		var (
			samples int
			raw     []byte
		)
		switch v := img.(type) {
		case *image.Gray:
			samples, raw = 1, grayBytes(v)
		case *image.YCbCr:
			samples, raw = 3, ycbcrBytes(v)
		default:
			rgba := image.NewRGBA(b)
			draw.Draw(rgba, b, img, b.Min, draw.Src)
			samples, raw = 3, rgbaBytes(rgba)
		}
		if i == 0 {
			out.SamplesPerPixel = samples
		}
		out.Frames = append(out.Frames, raw)
	}
	if out.SamplesPerPixel == 3 {
		out.PhotometricInterpretation = "RGB"
	} else if out.PhotometricInterpretation == "" {
		out.PhotometricInterpretation = "MONOCHROME2"
	}
	return out, nil
}

func grayBytes(g *image.Gray) []byte {
	b := g.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := g.PixOffset(b.Min.X, y)
		out = append(out, g.Pix[off:off+b.Dx()]...)
	}
	return out
}

func ycbcrBytes(img *image.YCbCr) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			yi := img.YOffset(x, y)
			ci := img.COffset(x, y)
			r, g, bl := color.YCbCrToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci])
			out = append(out, r, g, bl)
		}
	}
	return out
}

func rgbaBytes(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			off := img.PixOffset(x, y)
			out = append(out, img.Pix[off], img.Pix[off+1], img.Pix[off+2])
		}
	}
	return out
}
