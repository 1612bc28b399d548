package serial

import "errors"

var (
	// ErrUnknownPort means the name does not refer to a serial device.
	ErrUnknownPort = errors.New("no such serial device")
	// ErrShortRead means a read returned fewer bytes than requested.
	ErrShortRead = errors.New("short read")
	// ErrShortWrite means a write accepted fewer bytes than requested.
	ErrShortWrite = errors.New("short write")
	// ErrUnsupportedBaud means the tty has no termios speed for the rate.
	ErrUnsupportedBaud = errors.New("unsupported baud rate")
)

// OpError records the operation that failed and the underlying cause.
// Its message has the form "op: cause".
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	return &OpError{Op: op, Err: err}
}
