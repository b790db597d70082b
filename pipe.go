package labbus

// BytePipe is the external collaborator providing the raw byte transport:
// a non-blocking serial port, or any equivalent. labbus never interprets
// the bytes it moves; it only frames and destuffs them.
//
// Implementations are supplied by the caller. labbus never opens, closes,
// or configures a concrete serial port itself.
type BytePipe interface {
	// Open acquires the underlying transport. Calling Open on an already
	// open pipe is a no-op.
	Open() error
	// Close releases the underlying transport. Calling Close on an already
	// closed pipe is a no-op.
	Close() error
	// IsOpen reports whether the pipe is currently usable.
	IsOpen() bool
	// WriteBytes writes all of data or returns an error; a short write must
	// never be silently reported as success.
	WriteBytes(data []byte) error
	// ReadNonblocking returns up to maxBytes immediately available, without
	// blocking. It returns (0, nil, nil) when nothing is available.
	ReadNonblocking(maxBytes int) (int, []byte, error)
}
