// internal/host/errors.go
package host

import "errors"

// Transport errors reported in Command.Err and Data.Err.
var (
	// ErrTimeout indicates the card did not answer in time.
	ErrTimeout = errors.New("host: timeout")

	// ErrAgain is the transient data error: resubmit the same request.
	ErrAgain = errors.New("host: try again")

	// ErrCRC indicates a checksum mismatch on the bus.
	ErrCRC = errors.New("host: crc error")

	// ErrIO is a generic hard transfer failure.
	ErrIO = errors.New("host: i/o error")

	// ErrNoMedium indicates the card is gone.
	ErrNoMedium = errors.New("host: no medium")

	// ErrUnsupported indicates an opcode the host cannot issue.
	ErrUnsupported = errors.New("host: unsupported command")
)

// Code maps a transport error onto the errno value the original driver
// logs. Unknown errors yield EIO.
func Code(err error) uint16 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimeout):
		return 110 // ETIMEDOUT
	case errors.Is(err, ErrAgain):
		return 11 // EAGAIN
	case errors.Is(err, ErrCRC):
		return 84 // EILSEQ
	case errors.Is(err, ErrNoMedium):
		return 123 // ENOMEDIUM
	case errors.Is(err, ErrUnsupported):
		return 95 // EOPNOTSUPP
	default:
		return 5 // EIO
	}
}
