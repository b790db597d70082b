package labbus

import (
	"fmt"

	"github.com/GoAethereal/cancel"
	"go.uber.org/zap"
)

// Generic error codes every peripheral is expected to honor. Anything
// outside this range is peripheral-specific and delegated to a
// PeripheralErrorTranslator.
const (
	errCodeNone            byte = 0x00
	errCodeUnknownFunction byte = 0x01
	errCodeInvalidContent  byte = 0x02
)

// PeripheralErrorTranslator supplies the peripheral-specific half of
// Device.GetErrorString: error codes a generic Device cannot name on its
// own. A concrete peripheral wires one in through NewDevice.
type PeripheralErrorTranslator interface {
	PeripheralErrorString(code byte) string
}

// CompatibilityChecker decides, from a peripheral's reported identification,
// whether a Device considers it supported. Device.IdentifyAndCheck calls
// this after a successful DeviceIdentification exchange.
type CompatibilityChecker interface {
	IsCompatible(id *DeviceIdentification) bool
}

// Device layers retry policy, identification, compatibility checking, and
// error-code translation on top of a Bus. It also stands in as the Bus's
// ErrorResolver and MessageListener, forwarding unsolicited messages to
// whatever Listener the caller registers.
type Device struct {
	Bus *Bus
	// Address is the peripheral address used for Execute/Send calls that
	// don't specify one explicitly. 0 means unaddressed.
	Address byte
	// Retries bounds how many times Execute (re)attempts a function before
	// giving up. Zero behaves like 1: a single attempt, no retry.
	Retries int
	Logger  *zap.Logger

	translator PeripheralErrorTranslator
	compat     CompatibilityChecker
	listener   MessageListener
}

// NewDevice wires a Device around pipe. translator and compat may be nil;
// a nil translator falls back to a generic "unknown error code" string, and
// a nil compat accepts every identification.
func NewDevice(pipe BytePipe, translator PeripheralErrorTranslator, compat CompatibilityChecker) *Device {
	d := &Device{
		Retries:    1,
		Logger:     zap.NewNop(),
		translator: translator,
		compat:     compat,
	}
	d.Bus = NewBus(pipe, d)
	d.Bus.SetMessageListener(d)
	return d
}

// Open opens the underlying bus. Calling Open twice is a no-op.
func (d *Device) Open() error { return d.Bus.Open() }

// Close closes the underlying bus. Calling Close twice is a no-op.
func (d *Device) Close() error { return d.Bus.Close() }

// IsOpen reports whether the underlying bus is open.
func (d *Device) IsOpen() bool { return d.Bus.IsOpen() }

// SetMessageListener registers listener to receive unsolicited messages
// dispatched through this device.
func (d *Device) SetMessageListener(listener MessageListener) {
	d.listener = listener
}

// HandleMessage implements MessageListener by forwarding to the registered
// Listener, if any. Device sits between Bus and the application listener so
// a future release can intercept built-in messages without breaking callers.
func (d *Device) HandleMessage(msg DeviceMessage) {
	if d.listener != nil {
		d.listener.HandleMessage(msg)
	}
}

// AddMessage registers msg's dispatcher with the underlying bus.
func (d *Device) AddMessage(msg DeviceMessage) error {
	return d.Bus.AddMessage(msg)
}

// Execute runs fn against the device's address, making up to Retries
// attempts in total and returning the last error if every attempt fails.
func (d *Device) Execute(ctx cancel.Context, fn DeviceFunction) error {
	retries := d.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		lastErr = d.Bus.Execute(ctx, fn, d.Address)
		if lastErr == nil {
			return nil
		}
		d.Logger.Debug("device execute attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Error(lastErr))
	}
	return lastErr
}

// Send transmits msg fire-and-forget to the device's address.
func (d *Device) Send(msg DeviceMessage) error {
	return d.Bus.Send(msg, d.Address)
}

// Ping executes the built-in health-check function and returns the
// peripheral's response counter, or -1 if the exchange failed for any
// reason.
func (d *Device) Ping(ctx cancel.Context) int {
	p := NewPing()
	if err := d.Execute(ctx, p); err != nil {
		return -1
	}
	return int(p.Count)
}

// IdentifyAndCheck executes the built-in identification function and, if a
// CompatibilityChecker was provided, rejects peripherals it doesn't accept.
// The identification is returned even on rejection, so callers can log what
// was found.
func (d *Device) IdentifyAndCheck(ctx cancel.Context) (*DeviceIdentification, error) {
	id := NewDeviceIdentification()
	if err := d.Execute(ctx, id); err != nil {
		return nil, err
	}
	if d.compat != nil && !d.compat.IsCompatible(id) {
		return id, &IncompatibleDeviceError{Identification: id.String()}
	}
	return id, nil
}

// ResolveError implements ErrorResolver, making Device the Bus's error-code
// translator without the Bus holding a reference back to the concrete
// peripheral type.
func (d *Device) ResolveError(code byte) string {
	return d.GetErrorString(code)
}

// GetErrorString translates a peripheral error code to a human-readable
// string. The generic codes every peripheral is expected to share are
// handled here; anything else is delegated to the PeripheralErrorTranslator
// supplied at construction.
func (d *Device) GetErrorString(code byte) string {
	switch code {
	case errCodeNone:
		return "no error"
	case errCodeUnknownFunction:
		return "unknown function"
	case errCodeInvalidContent:
		return "invalid content"
	}
	if d.translator != nil {
		return d.translator.PeripheralErrorString(code)
	}
	return fmt.Sprintf("unknown error code %#02x", code)
}
