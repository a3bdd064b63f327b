package send

import (
	"errors"
	"fmt"

	"github.com/danmuck/dicomctl/internal/protocol/dimse"
	"github.com/danmuck/dicomctl/internal/protocol/uid"
)

var (
	ErrNoFiles      = errors.New("send: no input files")
	ErrPeerRequired = errors.New("send: peer host and port required")
	ErrAbandoned    = errors.New("send: abandoned after timeout")
)

// NegotiationError means no association could be established with the peer.
type NegotiationError struct {
	Address string
	Err     error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("association with %s failed: %v", e.Address, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// ContextRejectedError means the peer accepted no context for a file's
// object class, or none for its transfer syntax.
type ContextRejectedError struct {
	SOPClassUID    string
	TransferSyntax string
	ClassAccepted  bool
}

func (e *ContextRejectedError) Error() string {
	if !e.ClassAccepted {
		return fmt.Sprintf("object class not accepted (%s)", e.SOPClassUID)
	}
	return fmt.Sprintf("transfer syntax not accepted (%s)", uid.Name(e.TransferSyntax))
}

// StatusError is a non-success C-STORE status.
type StatusError struct {
	Status uint16
	// Missing is set when the response carried no status element.
	Missing bool
}

func (e *StatusError) Error() string {
	switch {
	case e.Missing:
		return "No status returned"
	case e.Warning():
		return fmt.Sprintf("Warning 0x%04X", e.Status)
	default:
		return fmt.Sprintf("Failed %s", dimse.StatusString(e.Status))
	}
}

func (e *StatusError) Warning() bool {
	return !e.Missing && dimse.IsWarning(e.Status)
}

// IOError is a local read failure for one file.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
