package esp

import (
	"context"
	"io"
	"time"
)

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=esp

// Transport is the byte-level connection to an ESP8266 module. The driver
// knows nothing about the wire beyond these four primitives.
//
// WriteByte and ReadByte are blocking; from the driver's point of view
// writes never fail. Poll reports whether ReadByte would return without
// blocking. Idle is called whenever the receive engine has drained what
// Poll reports; it may yield, sleep, or do nothing.
//
// Typical implementations are serial ports, TCP connections to emulators,
// or scripted fakes used for testing.
type Transport interface {
	WriteByte(b byte)
	ReadByte() byte
	Poll() bool
	Idle()
}

// Dialer opens a Transport to an ESP8266 module.
//
// Dialer abstracts how the connection is created (serial port, TCP-based
// emulator, test double) and is used during device construction only. Once a
// Transport is obtained, the Dialer is no longer needed.
type Dialer interface {
	// Dial creates and returns a connected Transport. It may perform
	// blocking operations and should respect cancellation and deadlines
	// provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// IOTransport adapts any io.ReadWriter to the byte-primitive Transport. A
// background goroutine pumps reads into a buffered channel so Poll can be
// answered without blocking, the same way a UART receive FIFO would.
type IOTransport struct {
	w    io.Writer
	in   chan byte
	idle time.Duration
	err  error
}

// NewIOTransport wraps rw and starts the read pump. When the underlying
// reader fails or reaches EOF the channel is closed and subsequent ReadByte
// calls return 0; the cause is available from Err.
func NewIOTransport(rw io.ReadWriter) *IOTransport {
	t := &IOTransport{
		w:    rw,
		in:   make(chan byte, 4096),
		idle: time.Millisecond,
	}
	go t.pump(rw)
	return t
}

func (t *IOTransport) pump(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			t.in <- b
		}
		if err != nil {
			t.err = err
			close(t.in)
			return
		}
	}
}

func (t *IOTransport) WriteByte(b byte) {
	t.w.Write([]byte{b})
}

// ReadByte blocks until one byte is available. After the underlying reader
// has failed it returns 0; callers that care use Err to distinguish.
func (t *IOTransport) ReadByte() byte {
	b, ok := <-t.in
	if !ok {
		return 0
	}
	return b
}

func (t *IOTransport) Poll() bool {
	return len(t.in) > 0
}

func (t *IOTransport) Idle() {
	time.Sleep(t.idle)
}

// Err returns the read-side error, if the pump has stopped.
func (t *IOTransport) Err() error {
	return t.err
}

// Close closes the underlying stream when it is an io.Closer; the read pump
// then terminates on its next Read.
func (t *IOTransport) Close() error {
	if c, ok := t.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
