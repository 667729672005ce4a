package session

import "errors"

// Error kinds. Every error returned by a Session matches exactly one of them
// under errors.Is, as well as the device error that caused it.
var (
	ErrDeviceInit   = errors.New("device init failed")
	ErrTransfer     = errors.New("transfer failed")
	ErrKernelLaunch = errors.New("kernel launch failed")
	ErrSync         = errors.New("synchronize failed")
	ErrClosed       = errors.New("session closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Error is a failed session operation.
type Error struct {
	// Op is the step that failed, e.g. "upload input" or "launch relu".
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := "session: " + e.Op + ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(kind error, op string, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}
