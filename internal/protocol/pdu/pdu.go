package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const HeaderLen = 6

// PDU types from PS3.8 9.3.
const (
	TypeAssociateRQ uint8 = 0x01
	TypeAssociateAC uint8 = 0x02
	TypeAssociateRJ uint8 = 0x03
	TypePDataTF     uint8 = 0x04
	TypeReleaseRQ   uint8 = 0x05
	TypeReleaseRP   uint8 = 0x06
	TypeAbort       uint8 = 0x07
)

var (
	ErrShortHeader     = errors.New("pdu: short header")
	ErrUnknownType     = errors.New("pdu: unknown type")
	ErrPayloadTooLarge = errors.New("pdu: payload too large")
	ErrShortPDV        = errors.New("pdu: short presentation data value")
)

// Header is the fixed six-byte PDU header.
type Header struct {
	Type   uint8
	Length uint32
}

// PDU is one complete upper-layer message.
type PDU struct {
	Type    uint8
	Payload []byte
}

// Limits constrains decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024 * 1024,
	}
}

func ReadPDU(r io.Reader, limits Limits) (PDU, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return PDU{}, ErrShortHeader
		}
		return PDU{}, err
	}

	h := DecodeHeader(fixed)
	if h.Type < TypeAssociateRQ || h.Type > TypeAbort {
		return PDU{}, fmt.Errorf("%w: 0x%02x", ErrUnknownType, h.Type)
	}
	if limits.MaxPayloadBytes > 0 && h.Length > limits.MaxPayloadBytes {
		return PDU{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return PDU{}, err
		}
	}
	return PDU{Type: h.Type, Payload: payload}, nil
}

func WritePDU(w io.Writer, p PDU, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(p.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	hb := EncodeHeader(Header{Type: p.Type, Length: uint32(len(p.Payload))})
	buf := make([]byte, 0, HeaderLen+len(p.Payload))
	buf = append(buf, hb[:]...)
	buf = append(buf, p.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) [HeaderLen]byte {
	var buf [HeaderLen]byte
	buf[0] = h.Type
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	return buf
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Type:   b[0],
		Length: binary.BigEndian.Uint32(b[2:6]),
	}
}

// PDV is one presentation data value inside a P-DATA-TF.
type PDV struct {
	ContextID uint8
	Command   bool
	Last      bool
	Data      []byte
}

const pdvHeaderLen = 6

// EncodePData builds a P-DATA-TF carrying the given values.
func EncodePData(values ...PDV) PDU {
	size := 0
	for _, v := range values {
		size += pdvHeaderLen + len(v.Data)
	}
	payload := make([]byte, 0, size)
	for _, v := range values {
		var hdr [pdvHeaderLen]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(len(v.Data)+2))
		hdr[4] = v.ContextID
		var mch uint8
		if v.Command {
			mch |= 0x01
		}
		if v.Last {
			mch |= 0x02
		}
		hdr[5] = mch
		payload = append(payload, hdr[:]...)
		payload = append(payload, v.Data...)
	}
	return PDU{Type: TypePDataTF, Payload: payload}
}

func DecodePData(payload []byte) ([]PDV, error) {
	out := make([]PDV, 0, 1)
	i := 0
	for i < len(payload) {
		if len(payload)-i < pdvHeaderLen {
			return nil, ErrShortPDV
		}
		l := binary.BigEndian.Uint32(payload[i : i+4])
		if l < 2 || uint64(len(payload)-i-4) < uint64(l) {
			return nil, ErrShortPDV
		}
		ctxID := payload[i+4]
		mch := payload[i+5]
		data := make([]byte, l-2)
		copy(data, payload[i+pdvHeaderLen:i+4+int(l)])
		out = append(out, PDV{
			ContextID: ctxID,
			Command:   mch&0x01 != 0,
			Last:      mch&0x02 != 0,
			Data:      data,
		})
		i += 4 + int(l)
	}
	return out, nil
}

// MaxPDVData returns the largest PDV data fragment that fits a peer's max PDU length.
// Zero means the peer set no limit.
func MaxPDVData(maxPDULength uint32) int {
	const fallback = 16 * 1024
	if maxPDULength == 0 {
		return 1024 * 1024
	}
	if maxPDULength <= pdvHeaderLen {
		return fallback
	}
	return int(maxPDULength - pdvHeaderLen)
}

// Reason-bearing PDUs share a four-byte body: reserved, result/reserved, source, reason.

// Abort is the A-ABORT body.
type Abort struct {
	Source uint8
	Reason uint8
}

func EncodeAbort(a Abort) PDU {
	return PDU{Type: TypeAbort, Payload: []byte{0, 0, a.Source, a.Reason}}
}

func DecodeAbort(payload []byte) (Abort, error) {
	if len(payload) < 4 {
		return Abort{}, fmt.Errorf("pdu: short a-abort body: %d", len(payload))
	}
	return Abort{Source: payload[2], Reason: payload[3]}, nil
}

func (a Abort) String() string {
	return fmt.Sprintf("a-abort source=%d reason=%d", a.Source, a.Reason)
}

func ReleaseRQ() PDU {
	return PDU{Type: TypeReleaseRQ, Payload: make([]byte, 4)}
}

func ReleaseRP() PDU {
	return PDU{Type: TypeReleaseRP, Payload: make([]byte, 4)}
}
