package labbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoAethereal/cancel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// defaultTimeoutMs is the per-request timeout used when Bus.TimeoutMs is
// left at its zero value.
const defaultTimeoutMs = 500

// readerPollInterval bounds how long the reader goroutine sleeps between
// ReadNonblocking polls when nothing is available, so it yields instead of
// busy-looping while remaining responsive.
const readerPollInterval = 2 * time.Millisecond

// BusState is a bus's small state machine: IDLE except while a function is
// in flight.
type BusState int

const (
	BusIdle BusState = iota
	BusWaiting
	BusCompleted
	BusError
)

func (s BusState) String() string {
	switch s {
	case BusIdle:
		return "IDLE"
	case BusWaiting:
		return "WAITING"
	case BusCompleted:
		return "COMPLETED"
	case BusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrorResolver translates a peripheral-originated NAK code into a
// human-readable string. Device implements this; Bus holds it as a
// non-owning handle, so neither side needs to own the other.
type ErrorResolver interface {
	ResolveError(code byte) string
}

// Bus is the single-outstanding-function coordinator: it serializes
// outgoing function requests, matches them to responses, demultiplexes
// unsolicited messages, and enforces a per-request timeout. One Bus wraps
// exactly one BytePipe and lives from Open to Close.
type Bus struct {
	// TimeoutMs bounds how long Execute waits for a response. Zero means
	// the default of 500ms.
	TimeoutMs int
	// Logger receives structured diagnostics for bus lifecycle events,
	// dropped frames, and reader-loop errors. Defaults to a no-op logger.
	Logger *zap.Logger

	pipe     BytePipe
	resolver ErrorResolver

	destuffer *Destuffer
	execLock  mutex

	dispatchersMu sync.RWMutex
	dispatchers   map[byte]MessageDispatcher
	listener      MessageListener

	lifecycleMu  sync.Mutex
	open         bool
	readerCancel context.CancelFunc
	group        *errgroup.Group

	state           BusState
	currentFunction DeviceFunction
	currentErr      error
	completion      chan struct{}
	startTime       time.Time
}

// NewBus returns a Bus over pipe, using resolver to translate NAK codes
// for FunctionNotAcknowledgedError. resolver is typically a Device.
func NewBus(pipe BytePipe, resolver ErrorResolver) *Bus {
	return &Bus{
		TimeoutMs:   defaultTimeoutMs,
		Logger:      zap.NewNop(),
		pipe:        pipe,
		resolver:    resolver,
		execLock:    newMutex(),
		dispatchers: make(map[byte]MessageDispatcher),
		completion:  make(chan struct{}, 1),
		state:       BusIdle,
	}
}

func (b *Bus) timeout() time.Duration {
	ms := b.TimeoutMs
	if ms <= 0 {
		ms = defaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// State returns the bus's current state, mainly useful for diagnostics
// and for tests asserting it always settles back to IDLE.
func (b *Bus) State() BusState {
	return b.state
}

// SetMessageListener registers the listener invoked for unsolicited
// messages. A nil listener disables dispatch; messages are then dropped.
func (b *Bus) SetMessageListener(listener MessageListener) {
	b.listener = listener
}

// Open acquires the byte pipe and starts the background reader goroutine.
// Calling Open on an already open Bus is a no-op.
func (b *Bus) Open() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.open {
		return nil
	}

	if err := b.pipe.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrPipeOpenFailed, err)
	}

	b.destuffer = NewDestuffer()
	b.destuffer.OnReceive(b.handleFrame)

	ctx, cancelReader := context.WithCancel(context.Background())
	b.readerCancel = cancelReader

	group, groupCtx := errgroup.WithContext(ctx)
	b.group = group
	group.Go(func() error {
		b.readLoop(groupCtx)
		return nil
	})

	b.open = true
	b.Logger.Debug("bus opened")
	return nil
}

// Close cancels the reader goroutine, waits for it to exit, and closes the
// byte pipe. Calling Close on an already closed Bus is a no-op. Any
// in-flight Execute will observe the subsequent timeout.
func (b *Bus) Close() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.open {
		return nil
	}

	b.readerCancel()
	_ = b.group.Wait()

	err := b.pipe.Close()
	b.open = false
	b.Logger.Debug("bus closed")
	return err
}

// IsOpen reports whether the bus's byte pipe is open.
func (b *Bus) IsOpen() bool {
	return b.pipe.IsOpen()
}

// readLoop polls the byte pipe and feeds the destuffer until ctx is
// canceled by Close. Decode errors observed here are logged and dropped:
// the caller of Execute recovers via timeout, never via a surfaced decode
// error.
func (b *Bus) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, data, err := b.pipe.ReadNonblocking(1024)
		if err != nil {
			b.Logger.Warn("bus reader: pipe read failed, stopping", zap.Error(err))
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(readerPollInterval):
			}
			continue
		}

		b.destuffer.AddBytes(data)
	}
}

// handleFrame classifies a destuffed frame payload and routes it. It runs
// synchronously on the reader goroutine.
func (b *Bus) handleFrame(payload []byte) {
	packet, err := DecodePacket(payload)
	if err != nil {
		b.Logger.Debug("bus reader: dropping undecodable frame", zap.Error(err))
		return
	}

	switch {
	case packet.IsNAK():
		b.handleNAK(packet)
	case packet.IsFunction():
		b.handleFunctionResponse(packet)
	default:
		b.dispatchMessage(packet)
	}
}

func (b *Bus) handleNAK(packet *Packet) {
	if packet.Empty() {
		b.Logger.Debug("bus reader: empty NAK packet, dropping")
		return
	}
	code := packet.GetUint8(0)
	message := ""
	if b.resolver != nil {
		message = b.resolver.ResolveError(code)
	}
	b.currentErr = &FunctionNotAcknowledgedError{Code: code, Message: message}
	b.state = BusError
	b.signalCompletion()
}

func (b *Bus) handleFunctionResponse(packet *Packet) {
	fn := b.currentFunction
	if fn == nil {
		b.Logger.Debug("bus reader: function response with no function in flight, dropping")
		return
	}
	if err := fn.SetResponse(packet); err != nil {
		b.Logger.Warn("bus reader: dropping malformed function response", zap.Error(err))
		return
	}
	fn.OnReceived()
	b.state = BusCompleted
	b.signalCompletion()
}

func (b *Bus) dispatchMessage(packet *Packet) {
	b.dispatchersMu.RLock()
	dispatcher, ok := b.dispatchers[packet.Code()]
	listener := b.listener
	b.dispatchersMu.RUnlock()

	if !ok || listener == nil {
		b.Logger.Debug("bus reader: dropping unsolicited message", zap.Uint8("code", packet.Code()))
		return
	}
	msg := dispatcher(packet)
	msg.Dispatch(listener)
}

func (b *Bus) signalCompletion() {
	select {
	case b.completion <- struct{}{}:
	default:
	}
}

func (b *Bus) drainCompletion() {
	select {
	case <-b.completion:
	default:
	}
}

// Execute transmits fn's request, waits at most TimeoutMs for a response,
// and populates fn via SetResponse. At most one Execute call is in flight
// on a Bus at any time; callers attempting concurrent Execute calls block
// on the exclusion primitive in issue order.
//
// Regardless of outcome, state returns to IDLE and the completion signal
// is cleared before Execute returns.
func (b *Bus) Execute(ctx cancel.Context, fn DeviceFunction, address byte) error {
	if fn == nil {
		return ErrNilArgument
	}

	if err := b.execLock.lock(ctx); err != nil {
		return err
	}
	defer b.execLock.unlock()

	b.drainCompletion()

	fn.OnSend()
	request := fn.EncodeRequest(address)
	framed := EncodeFrame(request)

	b.currentFunction = fn
	b.currentErr = nil
	b.state = BusWaiting
	b.startTime = time.Now()

	if err := b.pipe.WriteBytes(framed); err != nil {
		b.state = BusIdle
		b.currentFunction = nil
		return fmt.Errorf("%w: %v", ErrPipeWriteFailed, err)
	}

	select {
	case <-b.completion:
	case <-time.After(b.timeout()):
		b.state = BusError
		b.currentErr = &PeripheralNotRespondingError{TimeoutMs: int(b.timeout() / time.Millisecond)}
	case <-ctx.Done():
		b.state = BusIdle
		b.currentFunction = nil
		b.drainCompletion()
		return ctx.Err()
	}

	fn.SetTransmissionTime(time.Since(b.startTime))

	outcome := b.currentErr
	b.state = BusIdle
	b.currentFunction = nil
	b.drainCompletion()

	return outcome
}

// Send transmits msg fire-and-forget: no response is awaited, and writes
// are not serialized against Execute's exclusion primitive. It is a
// silent no-op if the bus is closed or msg is nil.
func (b *Bus) Send(msg DeviceMessage, address byte) error {
	if msg == nil || !b.IsOpen() {
		return nil
	}
	msg.OnSend()
	framed := EncodeFrame(msg.Encode(address))
	if err := b.pipe.WriteBytes(framed); err != nil {
		return fmt.Errorf("%w: %v", ErrPipeWriteFailed, err)
	}
	return nil
}

// AddMessage registers a dispatcher for message.Code(), so that future
// unsolicited packets with that opcode are demultiplexed to the listener.
// Registering a second message with an already-registered code fails.
func (b *Bus) AddMessage(message DeviceMessage) error {
	if message == nil {
		return ErrNilArgument
	}

	b.dispatchersMu.Lock()
	defer b.dispatchersMu.Unlock()

	code := message.Code()
	if _, exists := b.dispatchers[code]; exists {
		return ErrDuplicateMessageCode
	}
	b.dispatchers[code] = message.CreateDispatcher()
	return nil
}
