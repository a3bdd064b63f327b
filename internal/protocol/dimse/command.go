// Package dimse encodes DIMSE-C command sets (PS3.7) and carries them, with
// their data sets, as presentation data values.
package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/dicomctl/internal/protocol/uid"
)

var (
	ErrTruncated      = errors.New("dimse: truncated command set")
	ErrUnknownCommand = errors.New("dimse: unknown command field")
)

// Command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
)

// Command set element numbers within group 0000.
const (
	TagGroupLength               uint16 = 0x0000
	TagAffectedSOPClassUID       uint16 = 0x0002
	TagCommandField              uint16 = 0x0100
	TagMessageID                 uint16 = 0x0110
	TagMessageIDBeingRespondedTo uint16 = 0x0120
	TagPriority                  uint16 = 0x0700
	TagCommandDataSetType        uint16 = 0x0800
	TagStatus                    uint16 = 0x0900
	TagErrorComment              uint16 = 0x0902
	TagAffectedSOPInstanceUID    uint16 = 0x1000
)

const (
	PriorityMedium uint16 = 0x0000

	// DataSetAbsent marks a command with no data set following it.
	DataSetAbsent  uint16 = 0x0101
	DataSetPresent uint16 = 0x0000
)

// Command is a decoded command set. Present records which elements were on
// the wire so a zero Status can be told apart from a missing one.
type Command struct {
	CommandField              uint16
	AffectedSOPClassUID       string
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	AffectedSOPInstanceUID    string
	ErrorComment              string

	Present map[uint16]bool
}

func (c Command) Has(element uint16) bool {
	return c.Present[element]
}

func (c Command) HasDataSet() bool {
	return c.CommandDataSetType != DataSetAbsent
}

func (c Command) String() string {
	return fmt.Sprintf("%s msg_id=%d", CommandName(c.CommandField), c.MessageID)
}

func CommandName(field uint16) string {
	switch field {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	default:
		return fmt.Sprintf("command-0x%04x", field)
	}
}

func NewEchoRQ(messageID uint16) Command {
	return Command{
		CommandField:        CEchoRQ,
		AffectedSOPClassUID: uid.Verification,
		MessageID:           messageID,
		CommandDataSetType:  DataSetAbsent,
	}
}

func NewEchoRSP(rq Command, status uint16) Command {
	return Command{
		CommandField:              CEchoRSP,
		AffectedSOPClassUID:       uid.Verification,
		MessageIDBeingRespondedTo: rq.MessageID,
		CommandDataSetType:        DataSetAbsent,
		Status:                    status,
		Present:                   map[uint16]bool{TagStatus: true},
	}
}

func NewStoreRQ(messageID uint16, sopClass, sopInstance string) Command {
	return Command{
		CommandField:           CStoreRQ,
		AffectedSOPClassUID:    sopClass,
		MessageID:              messageID,
		Priority:               PriorityMedium,
		CommandDataSetType:     DataSetPresent,
		AffectedSOPInstanceUID: sopInstance,
	}
}

func NewStoreRSP(rq Command, status uint16, comment string) Command {
	return Command{
		CommandField:              CStoreRSP,
		AffectedSOPClassUID:       rq.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: rq.MessageID,
		CommandDataSetType:        DataSetAbsent,
		Status:                    status,
		AffectedSOPInstanceUID:    rq.AffectedSOPInstanceUID,
		ErrorComment:              comment,
		Present:                   map[uint16]bool{TagStatus: true},
	}
}

// EncodeCommand serializes c as an implicit VR little endian group 0000.
func EncodeCommand(c Command) []byte {
	body := make([]byte, 0, 128)
	if c.AffectedSOPClassUID != "" {
		body = appendString(body, TagAffectedSOPClassUID, c.AffectedSOPClassUID, 0)
	}
	body = appendU16(body, TagCommandField, c.CommandField)
	if isRequest(c.CommandField) {
		body = appendU16(body, TagMessageID, c.MessageID)
	} else {
		body = appendU16(body, TagMessageIDBeingRespondedTo, c.MessageIDBeingRespondedTo)
	}
	if c.CommandField == CStoreRQ {
		body = appendU16(body, TagPriority, c.Priority)
	}
	body = appendU16(body, TagCommandDataSetType, c.CommandDataSetType)
	if !isRequest(c.CommandField) {
		body = appendU16(body, TagStatus, c.Status)
		if c.ErrorComment != "" {
			body = appendString(body, TagErrorComment, c.ErrorComment, ' ')
		}
	}
	if c.AffectedSOPInstanceUID != "" {
		body = appendString(body, TagAffectedSOPInstanceUID, c.AffectedSOPInstanceUID, 0)
	}

	out := make([]byte, 0, len(body)+12)
	out = appendHeader(out, TagGroupLength, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// DecodeCommand parses a command set and checks the elements its command
// field requires. Unknown elements are skipped.
func DecodeCommand(b []byte) (Command, error) {
	c := Command{Present: make(map[uint16]bool)}
	i := 0
	for i < len(b) {
		if len(b)-i < 8 {
			return Command{}, ErrTruncated
		}
		group := binary.LittleEndian.Uint16(b[i : i+2])
		element := binary.LittleEndian.Uint16(b[i+2 : i+4])
		l := int(binary.LittleEndian.Uint32(b[i+4 : i+8]))
		i += 8
		if l < 0 || len(b)-i < l {
			return Command{}, ErrTruncated
		}
		v := b[i : i+l]
		i += l
		if group != 0x0000 {
			continue
		}
		c.Present[element] = true
		switch element {
		case TagAffectedSOPClassUID:
			c.AffectedSOPClassUID = uid.Normalize(string(v))
		case TagCommandField:
			c.CommandField = u16(v)
		case TagMessageID:
			c.MessageID = u16(v)
		case TagMessageIDBeingRespondedTo:
			c.MessageIDBeingRespondedTo = u16(v)
		case TagPriority:
			c.Priority = u16(v)
		case TagCommandDataSetType:
			c.CommandDataSetType = u16(v)
		case TagStatus:
			c.Status = u16(v)
		case TagErrorComment:
			c.ErrorComment = strings.TrimRight(string(v), " \x00")
		case TagAffectedSOPInstanceUID:
			c.AffectedSOPInstanceUID = uid.Normalize(string(v))
		}
	}
	if err := Validate(c); err != nil {
		return Command{}, err
	}
	return c, nil
}

func isRequest(field uint16) bool {
	return field&0x8000 == 0
}

func u16(v []byte) uint16 {
	if len(v) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func appendHeader(b []byte, element uint16, length uint32) []byte {
	b = binary.LittleEndian.AppendUint16(b, 0x0000)
	b = binary.LittleEndian.AppendUint16(b, element)
	return binary.LittleEndian.AppendUint32(b, length)
}

func appendU16(b []byte, element uint16, v uint16) []byte {
	b = appendHeader(b, element, 2)
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendString(b []byte, element uint16, v string, pad byte) []byte {
	raw := []byte(v)
	if len(raw)%2 == 1 {
		raw = append(raw, pad)
	}
	b = appendHeader(b, element, uint32(len(raw)))
	return append(b, raw...)
}
