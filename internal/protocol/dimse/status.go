package dimse

import "fmt"

const StatusSuccess uint16 = 0x0000

// Storage warning family: coercion, elements discarded, data set mismatch.
var warningStatuses = map[uint16]string{
	0xB000: "coercion of data elements",
	0xB006: "elements discarded",
	0xB007: "data set does not match sop class",
}

// Failures that point at the encoding or layout of the data set.
var formatErrorStatuses = map[uint16]string{
	0x0122: "sop class not supported",
	0x0124: "refused: not authorized",
	0xA900: "data set does not match sop class",
	0xC000: "cannot understand",
}

// Common failure labels used in details and by the storage acceptor.
const (
	StatusOutOfResources     uint16 = 0xA700
	StatusDataSetMismatch    uint16 = 0xA900
	StatusCannotUnderstand   uint16 = 0xC000
	StatusSOPClassNotSupport uint16 = 0x0122
	StatusProcessingFailure  uint16 = 0x0110
)

func IsWarning(status uint16) bool {
	_, ok := warningStatuses[status]
	return ok
}

// IsFormatError reports codes that hint the file would need a different encoding.
func IsFormatError(status uint16) bool {
	_, ok := formatErrorStatuses[status]
	return ok
}

// StatusString formats a status as 0xNNNN with a label when one is known.
func StatusString(status uint16) string {
	if status == StatusSuccess {
		return "0x0000 success"
	}
	if label, ok := warningStatuses[status]; ok {
		return fmt.Sprintf("0x%04X %s", status, label)
	}
	if label, ok := formatErrorStatuses[status]; ok {
		return fmt.Sprintf("0x%04X %s", status, label)
	}
	return fmt.Sprintf("0x%04X", status)
}
