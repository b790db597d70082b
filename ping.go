package labbus

// FuncPing is the reserved opcode for the standard round-trip health-check
// function: the peripheral echoes back a counter it increments on every
// ping it answers.
const FuncPing byte = 0x02

// Ping is a minimal request/response health check. Device.Ping executes it
// and returns the peripheral's counter, or -1 on any failure.
type Ping struct {
	BaseFunction
	Count uint16
}

// NewPing returns a Ping ready to execute.
func NewPing() *Ping {
	return &Ping{BaseFunction: NewBaseFunction(FuncPing)}
}

func (p *Ping) EncodeRequest(address byte) []byte {
	return NewPacketBuilder(p.Code(), ChecksumNone).Build(address)
}

func (p *Ping) SetResponse(response *Packet) error {
	if response.Length() < 2 {
		return &PacketFormatError{Reason: "ping response too short"}
	}
	p.Count = response.GetUint16(0)
	return nil
}
