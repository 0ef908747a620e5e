package session

import (
	"errors"
	"fmt"
)

// ErrRemoteClosed marks a transport that was closed by the remote side
// while a session was live.
var ErrRemoteClosed = errors.New("remote closed the channel")

// AcquisitionError reports that a resource could not be opened during
// session start. No partial resources are retained when it is surfaced.
type AcquisitionError struct {
	Resource string // "transport" or "capture"
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// TransportError reports that the channel failed after being open. The
// session is torn down and must be restarted explicitly.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
