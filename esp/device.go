// Package esp drives an ESP8266 Wi-Fi module speaking the Espressif AT
// command protocol over a byte-oriented link. It multiplexes up to
// NConnection concurrent TCP/UDP sessions, each with its own byte-delivery
// callback, over the single full-duplex transport.
//
// The driver runs in one of two scheduling modes chosen at construction. In
// the default cooperative mode the foreground owns everything: waiting for a
// response flag simply runs the receive engine until the flag flips. In the
// two-thread mode one goroutine runs Loop while the foreground yields via
// the configured Yield hook; the scheduler must be cooperative (explicit
// yield points) or the embedder must serialise the two goroutines around
// command issuance. Concurrent foreground operations are not supported in
// either mode.
package esp

import (
	"context"
	"io"
	"log/slog"
)

// NConnection is the number of session slots the AT firmware multiplexes in
// CIPMUX=1 mode, identified by ids 0..NConnection-1.
const NConnection = 5

// RecvFunc delivers one received byte (0..255) for a session. The sentinel
// ch == -1 marks end of stream: remote close for TCP, end of datagram for
// UDP, or driver reset.
type RecvFunc func(sock, ch int)

// AcceptFunc is invoked when the module reports a new inbound connection on
// a listening port. The sentinel sock == -1 announces that the listener is
// gone because the module reset.
type AcceptFunc func(sock int)

// session is one slot of the multiplexed socket table.
type session struct {
	rxCallback   RecvFunc
	open         bool // slot occupied by a logical socket
	connected    bool // remote peer currently connected
	disconnected bool // close observed since last open, sticky until released
	udp          bool // datagram semantics, rx callback gets -1 per datagram
}

// capture is one slot of the capture buffer table. Field-extracting handlers
// append into data up to max-1 bytes; extra bytes are discarded on the wire.
type capture struct {
	data []byte
	max  int
}

// Device is a driver instance bound to one transport.
type Device struct {
	t     Transport
	yield func()
	log   *slog.Logger

	acceptCb AcceptFunc
	lastErr  Error
	closed   bool

	state [NConnection]session
	bufs  []capture // set by the foreground across exactly one query

	// Parser transient state. first is the anchor byte of the current
	// line: '\n' between lines, '9' while accumulating a leading decimal
	// id, 0 once the line has been rejected or consumed.
	first  int
	s0     int // candidate pattern index
	ss     int // matched prefix length
	respID int // accumulator fed by leading-digit lines and readID
	ipdID  int
	ipdLen int

	// Command-response flags. Set only by the receive engine; cleared by
	// the foreground before the command each one completes.
	ready         bool
	wifiConnected bool
	wifiGotIP     bool
	respOK        bool
	respFail      bool
	respError     bool
	respDNSFail   bool
	respClosed    bool
	sendReady     bool
	sendOK        bool
	sendFail      bool
}

// New creates a Device from the given configuration, dialing the transport
// if one was not supplied directly. The module is not touched; call Reset,
// WaitReset or Start before using sockets.
func New(ctx context.Context, config Config) (*Device, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	t := config.Transport
	if t == nil {
		var err error
		if t, err = config.Dialer.Dial(ctx); err != nil {
			return nil, err
		}
	}

	d := &Device{
		t:     t,
		yield: config.Yield,
		log:   config.Logger,
	}
	if d.yield == nil {
		d.yield = d.Receive
	}
	d.clear(false)
	return d, nil
}

// clear resets every per-instance flag and session, as on construction.
// With notify set it first announces the teardown: accept callback with -1,
// then rx callback with -1 for every open, not-yet-disconnected session.
// The receive engine calls clear(true) when the module reports ready after
// an unexpected or requested reset.
func (d *Device) clear(notify bool) {
	if notify && d.acceptCb != nil {
		d.acceptCb(-1)
	}

	for sock := range d.state {
		s := &d.state[sock]
		if notify && s.open && !s.disconnected && s.rxCallback != nil {
			s.rxCallback(sock, -1)
		}
		*s = session{}
	}

	d.first = '\n'
	d.s0, d.ss = 0, 0
	d.respID, d.ipdID, d.ipdLen = 0, 0, 0

	d.ready = false
	d.wifiConnected, d.wifiGotIP = false, false
	d.respOK, d.respFail, d.respError = false, false, false
	d.respDNSFail, d.respClosed = false, false
	d.sendReady, d.sendOK, d.sendFail = false, false, false

	d.lastErr = Ok
	d.acceptCb = nil
	d.bufs = nil
}

// lookup resolves a socket id for the foreground, recording Invalid for an
// out-of-range id.
func (d *Device) lookup(sock int) *session {
	if sock < 0 || sock >= NConnection {
		d.lastErr = Invalid
		return nil
	}
	return &d.state[sock]
}

// sessionAt is the engine-side lookup: out-of-range ids resolve to nil with
// no side effect on the error slot.
func (d *Device) sessionAt(sock int) *session {
	if sock < 0 || sock >= NConnection {
		return nil
	}
	return &d.state[sock]
}

// fail records e in the sticky last-error slot and returns it.
func (d *Device) fail(e Error) error {
	d.lastErr = e
	return e
}

// LastError returns the last error recorded by a failed operation. It is
// sticky until the next failure overwrites it; read it immediately after a
// call reports failure.
func (d *Device) LastError() Error {
	return d.lastErr
}

// Ready reports whether the module has announced ready since the last reset.
func (d *Device) Ready() bool {
	return d.ready
}

// Loop runs the receive engine until ctx is done. It is the engine half of
// the two-thread mode; the foreground must then be configured with a
// scheduler-level Yield. Receive itself calls the transport's Idle once the
// input is drained, so the loop does not spin hot.
func (d *Device) Loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			d.Receive()
		}
	}
}

// Shutdown releases the transport when it is closeable. The device must not
// be used afterwards.
func (d *Device) Shutdown() error {
	if d.closed {
		return ErrAlreadyClosed
	}
	d.closed = true
	if c, ok := d.t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
