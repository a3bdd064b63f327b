// Package uid holds the DICOM unique identifiers the wire contract depends on.
package uid

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Transfer syntaxes.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLE   = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	JPEGBaseline8Bit       = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit      = "1.2.840.10008.1.2.4.51"
	JPEGLossless           = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1        = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless         = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless     = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
	JPEG2000               = "1.2.840.10008.1.2.4.91"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// Canonical is the uncompressed syntax every converted file is written in.
const Canonical = ExplicitVRLittleEndian

const (
	ApplicationContext = "1.2.840.10008.3.1.1.1"
	Verification       = "1.2.840.10008.1.1"

	// ImplementationClass identifies this implementation in A-ASSOCIATE and file meta.
	ImplementationClass   = "2.25.209571433913287245601245136733541871501"
	ImplementationVersion = "DICOMCTL_01"
)

var compressed = map[string]string{
	JPEGBaseline8Bit:   "JPEG Baseline",
	JPEGExtended12Bit:  "JPEG Extended",
	JPEGLossless:       "JPEG Lossless",
	JPEGLosslessSV1:    "JPEG Lossless SV1",
	JPEGLSLossless:     "JPEG-LS Lossless",
	JPEGLSNearLossless: "JPEG-LS Near-Lossless",
	JPEG2000Lossless:   "JPEG 2000 Lossless",
	JPEG2000:           "JPEG 2000",
	RLELossless:        "RLE Lossless",
}

var uncompressed = map[string]string{
	ImplicitVRLittleEndian: "Implicit VR Little Endian",
	ExplicitVRLittleEndian: "Explicit VR Little Endian",
	DeflatedExplicitVRLE:   "Deflated Explicit VR Little Endian",
	ExplicitVRBigEndian:    "Explicit VR Big Endian",
}

// IsCompressed reports whether ts encapsulates a compressed pixel payload.
func IsCompressed(ts string) bool {
	_, ok := compressed[Normalize(ts)]
	return ok
}

// Name returns a human label for a transfer syntax, or the UID itself.
func Name(ts string) string {
	ts = Normalize(ts)
	if n, ok := compressed[ts]; ok {
		return n
	}
	if n, ok := uncompressed[ts]; ok {
		return n
	}
	return ts
}

// DefaultTransferSyntaxes is proposed when no explicit encoding set is given.
func DefaultTransferSyntaxes() []string {
	return []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
}

// Normalize strips the NUL/space padding UIDs carry on the wire and in files.
func Normalize(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "\x00 ")
}

// New returns a fresh UID under the 2.25 UUID-derived root (PS3.5 B.2).
func New() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return "2.25." + n.String()
}
