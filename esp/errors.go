package esp

import "errors"

// Error enumerates the driver's failure kinds. Every operation that fails
// records its Error in the device's sticky last-error slot and also returns
// it; the zero value Ok is nominal and is never returned as a failure.
type Error uint8

const (
	// Ok means success.
	Ok Error = iota
	// Fail means the module replied FAIL or ERROR, or a preceding query
	// confirmed an inconsistent state that could not be rectified.
	Fail
	// Invalid is a programmer error: bad socket id, UDP address on a TCP
	// socket, close of an unopened socket.
	Invalid
	// DNSFail is an ERROR response accompanied by a DNS Fail line.
	DNSFail
	// Disconnected is a write to a socket whose session has observed a
	// remote close.
	Disconnected
	// Resource means no free session slots.
	Resource
)

var errorText = [...]string{
	"Ok",
	"Fail",
	"Invalid",
	"DNS Fail",
	"Disconnected",
	"Resource",
}

func (e Error) Error() string {
	if int(e) >= len(errorText) {
		return "Unknown"
	}
	return errorText[e]
}

var (
	// ErrNoTransport is returned when a Device is constructed with neither
	// a Transport nor a Dialer.
	//
	// This indicates a configuration error. The driver needs a byte
	// transport to talk to the module.
	ErrNoTransport = errors.New("no transport or dialer configured")

	// ErrAlreadyClosed is returned when Shutdown is called on a Device
	// whose transport has already been released.
	ErrAlreadyClosed = errors.New("device already shut down")
)
