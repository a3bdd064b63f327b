package dimse

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/dicomctl/internal/protocol/pdu"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

func TestStoreRQRoundTrip(t *testing.T) {
	testlog.Start(t)
	rq := NewStoreRQ(7, ctImageStorage, "1.2.3.4.5")
	got, err := DecodeCommand(EncodeCommand(rq))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CommandField != CStoreRQ || got.MessageID != 7 {
		t.Fatalf("unexpected command: %+v", got)
	}
	if got.AffectedSOPClassUID != ctImageStorage || got.AffectedSOPInstanceUID != "1.2.3.4.5" {
		t.Fatalf("uids not preserved: %+v", got)
	}
	if !got.HasDataSet() {
		t.Fatalf("store request must carry a data set")
	}
}

func TestStoreRSPZeroStatusIsPresent(t *testing.T) {
	testlog.Start(t)
	rq := NewStoreRQ(3, ctImageStorage, "1.2.3")
	got, err := DecodeCommand(EncodeCommand(NewStoreRSP(rq, StatusSuccess, "")))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Has(TagStatus) || got.Status != StatusSuccess {
		t.Fatalf("expected explicit success status: %+v", got)
	}
	if got.MessageIDBeingRespondedTo != 3 || got.HasDataSet() {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestDecodeCommandMissingStatusDeterministic(t *testing.T) {
	testlog.Start(t)
	var raw []byte
	raw = appendU16(raw, TagCommandField, CStoreRSP)
	raw = appendU16(raw, TagMessageIDBeingRespondedTo, 1)
	raw = appendU16(raw, TagCommandDataSetType, DataSetAbsent)

	_, err := DecodeCommand(raw)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Element != TagStatus || ve.Reason != "missing required element" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestDecodeCommandTruncated(t *testing.T) {
	testlog.Start(t)
	raw := EncodeCommand(NewEchoRQ(1))
	if _, err := DecodeCommand(raw[:len(raw)-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestWriteMessageFragmentsAndReassembles(t *testing.T) {
	testlog.Start(t)
	data := bytes.Repeat([]byte{0xAB, 0xCD}, 50)
	var wire bytes.Buffer
	rq := NewStoreRQ(9, ctImageStorage, "1.2.3.9")
	if err := WriteMessage(&wire, 5, rq, bytes.NewReader(data), 16, pdu.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}

	var asm Assembler
	var msg *Message
	pdus := 0
	for wire.Len() > 0 {
		p, err := pdu.ReadPDU(&wire, pdu.DefaultLimits())
		if err != nil {
			t.Fatalf("read pdu: %v", err)
		}
		pdus++
		values, err := pdu.DecodePData(p.Payload)
		if err != nil {
			t.Fatalf("decode pdata: %v", err)
		}
		for _, v := range values {
			if len(v.Data) > 16 {
				t.Fatalf("fragment exceeds max: %d", len(v.Data))
			}
			m, err := asm.Add(v)
			if err != nil {
				t.Fatalf("assemble: %v", err)
			}
			if m != nil {
				msg = m
			}
		}
	}
	if msg == nil {
		t.Fatalf("message never completed after %d pdus", pdus)
	}
	if msg.ContextID != 5 || msg.Command.MessageID != 9 {
		t.Fatalf("unexpected message: ctx=%d cmd=%+v", msg.ContextID, msg.Command)
	}
	if !bytes.Equal(msg.Data, data) {
		t.Fatalf("data mismatch: got %d bytes want %d", len(msg.Data), len(data))
	}
}

func TestWriteMessageExactChunkMarksLast(t *testing.T) {
	testlog.Start(t)
	var wire bytes.Buffer
	if err := writeDataSet(&wire, 1, bytes.NewReader(make([]byte, 32)), 16, pdu.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	var lasts, frags int
	for wire.Len() > 0 {
		p, err := pdu.ReadPDU(&wire, pdu.DefaultLimits())
		if err != nil {
			t.Fatalf("read pdu: %v", err)
		}
		values, _ := pdu.DecodePData(p.Payload)
		for _, v := range values {
			frags++
			if v.Last {
				lasts++
			}
		}
	}
	if frags != 2 || lasts != 1 {
		t.Fatalf("unexpected fragmentation: frags=%d lasts=%d", frags, lasts)
	}
}

func TestAssemblerRejectsDataBeforeCommand(t *testing.T) {
	testlog.Start(t)
	var asm Assembler
	if _, err := asm.Add(pdu.PDV{ContextID: 1, Last: true, Data: []byte{1, 2}}); !errors.Is(err, ErrUnexpectedData) {
		t.Fatalf("expected ErrUnexpectedData, got %v", err)
	}
}

func TestStatusTaxonomy(t *testing.T) {
	testlog.Start(t)
	for _, s := range []uint16{0xB000, 0xB006, 0xB007} {
		if !IsWarning(s) {
			t.Fatalf("expected warning for 0x%04X", s)
		}
	}
	if IsWarning(StatusSuccess) || IsWarning(0xA700) {
		t.Fatalf("success and failures are not warnings")
	}
	if !IsFormatError(0xC000) || IsFormatError(0xA700) {
		t.Fatalf("format error classification mismatch")
	}
	if got := StatusString(0xA700); got != "0xA700" {
		t.Fatalf("unexpected status string=%q", got)
	}
}
