package dimse

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/dicomctl/internal/protocol/pdu"
)

var (
	ErrUnexpectedData   = errors.New("dimse: data fragment before command")
	ErrContextMismatch  = errors.New("dimse: fragment context id changed mid-message")
	ErrUnexpectedCmdPDV = errors.New("dimse: command fragment after command set completed")
)

// Message is one reassembled command plus its optional data set.
type Message struct {
	ContextID uint8
	Command   Command
	Data      []byte
}

// WriteMessage sends cmd, then the data set read from data when non-nil, as
// P-DATA-TF PDUs whose fragments never exceed maxPDV bytes.
func WriteMessage(w io.Writer, ctxID uint8, cmd Command, data io.Reader, maxPDV int, limits pdu.Limits) error {
	if maxPDV <= 0 {
		maxPDV = pdu.MaxPDVData(0)
	}
	raw := EncodeCommand(cmd)
	for off := 0; off < len(raw); off += maxPDV {
		end := min(off+maxPDV, len(raw))
		v := pdu.PDV{ContextID: ctxID, Command: true, Last: end == len(raw), Data: raw[off:end]}
		if err := pdu.WritePDU(w, pdu.EncodePData(v), limits); err != nil {
			return fmt.Errorf("write command: %w", err)
		}
	}
	if data == nil {
		return nil
	}
	return writeDataSet(w, ctxID, data, maxPDV, limits)
}

// writeDataSet streams data with one chunk of lookahead so the final fragment
// carries the last flag.
func writeDataSet(w io.Writer, ctxID uint8, data io.Reader, maxPDV int, limits pdu.Limits) error {
	cur := make([]byte, maxPDV)
	next := make([]byte, maxPDV)
	n, err := io.ReadFull(data, cur)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read data set: %w", err)
	}
	done := err != nil
	for {
		var m int
		if !done {
			m, err = io.ReadFull(data, next)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read data set: %w", err)
			}
			if err != nil {
				done = true
			}
		}
		last := m == 0 && done
		v := pdu.PDV{ContextID: ctxID, Last: last, Data: cur[:n]}
		if err := pdu.WritePDU(w, pdu.EncodePData(v), limits); err != nil {
			return fmt.Errorf("write data set: %w", err)
		}
		if last {
			return nil
		}
		cur, next = next, cur
		n = m
	}
}

// Assembler rebuilds messages from PDVs in arrival order.
type Assembler struct {
	ctxID   uint8
	started bool
	cmdRaw  []byte
	command *Command
	data    []byte
}

// Add consumes one fragment and returns a message once it is complete.
func (a *Assembler) Add(v pdu.PDV) (*Message, error) {
	if a.started && v.ContextID != a.ctxID {
		return nil, fmt.Errorf("%w: %d != %d", ErrContextMismatch, v.ContextID, a.ctxID)
	}
	a.ctxID = v.ContextID
	a.started = true

	if v.Command {
		if a.command != nil {
			return nil, ErrUnexpectedCmdPDV
		}
		a.cmdRaw = append(a.cmdRaw, v.Data...)
		if !v.Last {
			return nil, nil
		}
		cmd, err := DecodeCommand(a.cmdRaw)
		if err != nil {
			a.Reset()
			return nil, err
		}
		a.command = &cmd
		if !cmd.HasDataSet() {
			return a.finish(), nil
		}
		return nil, nil
	}

	if a.command == nil {
		return nil, ErrUnexpectedData
	}
	a.data = append(a.data, v.Data...)
	if v.Last {
		return a.finish(), nil
	}
	return nil, nil
}

func (a *Assembler) Reset() {
	*a = Assembler{}
}

func (a *Assembler) finish() *Message {
	msg := &Message{ContextID: a.ctxID, Command: *a.command, Data: a.data}
	a.Reset()
	return msg
}
