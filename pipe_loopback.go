package labbus

import "sync"

// LoopbackPipe is an in-process, full-duplex BytePipe backed by a pair of
// byte queues. It exists to drive the bus/device test suite against a
// simulated peripheral without a real serial port, generalizing the
// teacher's own habit of exercising its codec directly in tests
// (modbus_test.go) into a full BytePipe double.
//
// Outbound writes made by the bus under test land in Inbox, where a test's
// simulated peripheral can read them; the peripheral's own responses are
// pushed onto Outbox with Push, which the bus's reader loop then observes
// via ReadNonblocking.
type LoopbackPipe struct {
	mu     sync.Mutex
	open   bool
	Inbox  chan []byte // bytes written by the bus under test
	Outbox []byte      // bytes queued for the bus under test to read
}

// NewLoopbackPipe returns a closed LoopbackPipe ready for Open.
func NewLoopbackPipe() *LoopbackPipe {
	return &LoopbackPipe{Inbox: make(chan []byte, 64)}
}

func (p *LoopbackPipe) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	return nil
}

func (p *LoopbackPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	return nil
}

func (p *LoopbackPipe) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *LoopbackPipe) WriteBytes(data []byte) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	if !open {
		return ErrPipeNotOpen
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.Inbox <- cp
	return nil
}

func (p *LoopbackPipe) ReadNonblocking(maxBytes int) (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0, nil, ErrPipeNotOpen
	}
	if len(p.Outbox) == 0 {
		return 0, nil, nil
	}
	n := maxBytes
	if n > len(p.Outbox) {
		n = len(p.Outbox)
	}
	out := p.Outbox[:n]
	p.Outbox = p.Outbox[n:]
	return n, out, nil
}

// Push queues bytes for the bus under test to read on its next
// ReadNonblocking call, as if a peripheral had transmitted them.
func (p *LoopbackPipe) Push(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Outbox = append(p.Outbox, data...)
}
