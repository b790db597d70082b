package labbus

import (
	"errors"
	"fmt"
)

// Transport errors: the byte pipe could not honor a request at all.
var (
	// ErrPipeNotOpen is returned when a caller tries to read from or write
	// to a BytePipe that has not been opened, or has already been closed.
	ErrPipeNotOpen = errors.New("labbus: pipe is not open")
	// ErrPipeOpenFailed signals that the underlying transport could not be
	// opened by the collaborator.
	ErrPipeOpenFailed = errors.New("labbus: pipe open failed")
	// ErrPipeWriteFailed signals a short write or an I/O failure while
	// writing a framed request; the write is never silently truncated.
	ErrPipeWriteFailed = errors.New("labbus: pipe write failed")
	// ErrPipeReadFailed signals an I/O failure while reading from the pipe.
	ErrPipeReadFailed = errors.New("labbus: pipe read failed")
)

// Usage errors: caller misuse, detected deterministically.
var (
	// ErrNilArgument is returned when a required argument was nil.
	ErrNilArgument = errors.New("labbus: argument must not be nil")
	// ErrDuplicateMessageCode is returned by Bus.AddMessage when a message
	// with the same opcode is already registered.
	ErrDuplicateMessageCode = errors.New("labbus: message code already registered")
)

// PacketFormatError indicates a frame could not be parsed into a Packet:
// too short, an invalid length encoding, or a reserved bit set.
type PacketFormatError struct {
	Reason string
}

func (e *PacketFormatError) Error() string {
	return "labbus: packet format error: " + e.Reason
}

// ChecksumError indicates a packet's trailing checksum byte did not match
// the value computed over the rest of the frame.
type ChecksumError struct {
	Expected byte
	Actual   byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("labbus: checksum mismatch (expected %#02x, got %#02x)", e.Expected, e.Actual)
}

// PeripheralNotRespondingError is raised by Bus.Execute when no response to
// the current function arrived within the configured timeout.
type PeripheralNotRespondingError struct {
	TimeoutMs int
}

func (e *PeripheralNotRespondingError) Error() string {
	return fmt.Sprintf("labbus: peripheral not responding (timeout after %dms)", e.TimeoutMs)
}

// FunctionNotAcknowledgedError is raised when the peripheral returns a NAK
// (opcode 0x00) in response to the in-flight function. Code is the raw
// peripheral error byte; Message is the device's human-readable translation
// of that code.
type FunctionNotAcknowledgedError struct {
	Code    byte
	Message string
}

func (e *FunctionNotAcknowledgedError) Error() string {
	return fmt.Sprintf("labbus: function not acknowledged: %s (code %#02x)", e.Message, e.Code)
}

// IncompatibleDeviceError is raised by Device.IdentifyAndCheck when
// identification succeeds but IsCompatible rejects the peripheral.
type IncompatibleDeviceError struct {
	Identification string
}

func (e *IncompatibleDeviceError) Error() string {
	return "labbus: incompatible device: " + e.Identification
}
