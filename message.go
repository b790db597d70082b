package labbus

// MessageDispatcher constructs a fresh DeviceMessage instance from a
// received Packet. Bus.AddMessage stores one dispatcher per opcode.
type MessageDispatcher func(packet *Packet) DeviceMessage

// DeviceMessage is an unsolicited, device-originated notification: opcode
// >= 128. Unlike a DeviceFunction it carries no response slot.
type DeviceMessage interface {
	// Code returns the message's opcode.
	Code() byte
	// Encode serializes the message for outbound (fire-and-forget)
	// transmission to the given peripheral address.
	Encode(address byte) []byte
	// OnSend is invoked immediately before an outbound message is sent.
	OnSend()
	// CreateDispatcher returns a factory used to construct new instances
	// of this message type from packets the bus receives.
	CreateDispatcher() MessageDispatcher
	// Dispatch invokes the type-appropriate callback on listener, resolved
	// by a sealed interface check rather than duck-typed attribute probing.
	Dispatch(listener MessageListener)
}

// MessageListener receives unsolicited messages demultiplexed by Bus. A
// message handler must not call Execute/Send on the same bus that invoked
// it; re-entrant execution is undefined.
type MessageListener interface {
	HandleMessage(msg DeviceMessage)
}

// DispatchToListener is a ready-made Dispatch implementation for
// DeviceMessage types: it hands the message to the listener's single
// HandleMessage method, leaving per-opcode routing to MessageMux or any
// other MessageListener implementation.
func DispatchToListener(msg DeviceMessage, listener MessageListener) {
	if listener == nil {
		return
	}
	listener.HandleMessage(msg)
}

// MessageMux is a convenience MessageListener that redirects each message
// to a per-opcode callback: a code-keyed handler table instead of one
// monolithic switch, with an optional Fallback for unregistered codes.
type MessageMux struct {
	Fallback func(msg DeviceMessage)
	handlers map[byte]func(msg DeviceMessage)
}

// NewMessageMux returns an empty MessageMux.
func NewMessageMux() *MessageMux {
	return &MessageMux{handlers: make(map[byte]func(msg DeviceMessage))}
}

// Handle registers fn as the callback for messages with the given opcode.
// It returns the receiver to allow chained registration.
func (m *MessageMux) Handle(code byte, fn func(msg DeviceMessage)) *MessageMux {
	m.handlers[code] = fn
	return m
}

// HandleMessage implements MessageListener.
func (m *MessageMux) HandleMessage(msg DeviceMessage) {
	if fn, ok := m.handlers[msg.Code()]; ok {
		fn(msg)
		return
	}
	if m.Fallback != nil {
		m.Fallback(msg)
	}
}
