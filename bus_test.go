package labbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/GoAethereal/labbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeripheral answers frames written to pipe.Inbox according to handle,
// pushing any response back onto pipe.Outbox for the bus under test to
// read, exercising the wire codec directly rather than standing up a real
// transport.
type fakePeripheral struct {
	pipe *labbus.LoopbackPipe
}

// handlerFunc decides how to answer a decoded request packet. Returning
// respond=false simulates a peripheral that never answers (a timeout).
type handlerFunc func(req *labbus.Packet) (resp []byte, respond bool)

func startFakePeripheral(t *testing.T, pipe *labbus.LoopbackPipe, handle handlerFunc) {
	t.Helper()
	d := labbus.NewDestuffer()
	d.OnReceive(func(payload []byte) {
		req, err := labbus.DecodePacket(payload)
		if err != nil {
			return
		}
		resp, respond := handle(req)
		if !respond {
			return
		}
		pipe.Push(labbus.EncodeFrame(resp))
	})

	go func() {
		for frame := range pipe.Inbox {
			d.AddBytes(frame)
		}
	}()
}

func nakResponse(code byte) []byte {
	return labbus.NewPacketBuilder(0x00, labbus.ChecksumNone).PutUint8(code).Build(0)
}

func pingResponse(count uint16) []byte {
	return labbus.NewPacketBuilder(labbus.FuncPing, labbus.ChecksumNone).PutUint16(count).Build(0)
}

func TestBusExecuteSuccess(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)
	bus.TimeoutMs = 200

	startFakePeripheral(t, pipe, func(req *labbus.Packet) ([]byte, bool) {
		require.Equal(t, labbus.FuncPing, req.Code())
		return pingResponse(42), true
	})

	require.NoError(t, bus.Open())
	defer bus.Close()

	p := labbus.NewPing()
	err := bus.Execute(cancel.New(), p, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), p.Count)
	assert.Equal(t, labbus.BusIdle, bus.State())
}

type nakResolver struct{}

func (nakResolver) ResolveError(code byte) string {
	if code == 0x05 {
		return "simulated peripheral fault"
	}
	return "unknown"
}

func TestBusExecuteNAK(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nakResolver{})
	bus.TimeoutMs = 200

	startFakePeripheral(t, pipe, func(req *labbus.Packet) ([]byte, bool) {
		return nakResponse(0x05), true
	})

	require.NoError(t, bus.Open())
	defer bus.Close()

	err := bus.Execute(cancel.New(), labbus.NewPing(), 0)
	require.Error(t, err)

	var nak *labbus.FunctionNotAcknowledgedError
	require.ErrorAs(t, err, &nak)
	assert.Equal(t, byte(0x05), nak.Code)
	assert.Equal(t, "simulated peripheral fault", nak.Message)
	assert.Equal(t, labbus.BusIdle, bus.State())
}

func TestBusExecuteTimeout(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)
	bus.TimeoutMs = 30

	startFakePeripheral(t, pipe, func(req *labbus.Packet) ([]byte, bool) {
		return nil, false // never answer
	})

	require.NoError(t, bus.Open())
	defer bus.Close()

	start := time.Now()
	err := bus.Execute(cancel.New(), labbus.NewPing(), 0)
	elapsed := time.Since(start)

	require.Error(t, err)
	var timeoutErr *labbus.PeripheralNotRespondingError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 30, timeoutErr.TimeoutMs)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Equal(t, labbus.BusIdle, bus.State())
}

func TestBusExecuteRecoversAfterTimeout(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)
	bus.TimeoutMs = 30

	answer := false
	var mu sync.Mutex
	startFakePeripheral(t, pipe, func(req *labbus.Packet) ([]byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		if !answer {
			return nil, false
		}
		return pingResponse(7), true
	})

	require.NoError(t, bus.Open())
	defer bus.Close()

	err := bus.Execute(cancel.New(), labbus.NewPing(), 0)
	require.Error(t, err)

	mu.Lock()
	answer = true
	mu.Unlock()

	p := labbus.NewPing()
	err = bus.Execute(cancel.New(), p, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), p.Count)
}

func TestBusExecuteSerializesConcurrentCallers(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)
	bus.TimeoutMs = 500

	startFakePeripheral(t, pipe, func(req *labbus.Packet) ([]byte, bool) {
		time.Sleep(5 * time.Millisecond)
		return pingResponse(1), true
	})

	require.NoError(t, bus.Open())
	defer bus.Close()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = bus.Execute(cancel.New(), labbus.NewPing(), 0)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, labbus.BusIdle, bus.State())
}

type testMessage struct {
	code  byte
	value byte
}

func (m *testMessage) Code() byte { return m.code }

func (m *testMessage) Encode(address byte) []byte {
	return labbus.NewPacketBuilder(m.code, labbus.ChecksumNone).PutUint8(m.value).Build(address)
}

func (m *testMessage) OnSend() {}

func (m *testMessage) CreateDispatcher() labbus.MessageDispatcher {
	return func(packet *labbus.Packet) labbus.DeviceMessage {
		return &testMessage{code: packet.Code(), value: packet.GetUint8(0)}
	}
}

func (m *testMessage) Dispatch(listener labbus.MessageListener) {
	labbus.DispatchToListener(m, listener)
}

type recordingListener struct {
	mu       sync.Mutex
	received []labbus.DeviceMessage
}

func (r *recordingListener) HandleMessage(msg labbus.DeviceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
}

func (r *recordingListener) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func TestBusDispatchesUnsolicitedMessage(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)

	listener := &recordingListener{}
	bus.SetMessageListener(listener)
	require.NoError(t, bus.AddMessage(&testMessage{code: 0x90}))

	require.NoError(t, bus.Open())
	defer bus.Close()

	pipe.Push(labbus.EncodeFrame((&testMessage{code: 0x90, value: 0x11}).Encode(0)))

	require.Eventually(t, func() bool { return listener.count() == 1 }, time.Second, time.Millisecond)

	msg := listener.received[0].(*testMessage)
	assert.Equal(t, byte(0x90), msg.code)
	assert.Equal(t, byte(0x11), msg.value)
}

func TestBusAddMessageRejectsDuplicateCode(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)

	require.NoError(t, bus.AddMessage(&testMessage{code: 0x91}))
	err := bus.AddMessage(&testMessage{code: 0x91})
	assert.ErrorIs(t, err, labbus.ErrDuplicateMessageCode)
}

func TestBusAddMessageRejectsNil(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)
	assert.ErrorIs(t, bus.AddMessage(nil), labbus.ErrNilArgument)
}

func TestBusOpenCloseIdempotent(t *testing.T) {
	pipe := labbus.NewLoopbackPipe()
	bus := labbus.NewBus(pipe, nil)

	require.NoError(t, bus.Open())
	require.NoError(t, bus.Open())
	assert.True(t, bus.IsOpen())

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.False(t, bus.IsOpen())
}
