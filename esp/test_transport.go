package esp

import (
	"fmt"
	"strings"
)

// TestTransport is a scripted in-memory transport for driving the driver in
// the cooperative mode. Outbound bytes are captured; whenever a complete
// CRLF-terminated command (or a declared count of raw payload bytes) matches
// the next script step, that step's reply is queued for the receive engine.
//
// Unsolicited traffic is injected with Feed. ReadByte panics when no data is
// queued: under a cooperative scheduler a blocking read past the scripted
// input can only be a test bug, and a panic beats a deadlock.
//
// Exported for use in tests.
type TestTransport struct {
	rx      []byte // queued for the driver to read
	tx      []byte // everything the driver wrote
	line    []byte // current outbound line being accumulated
	script  []scriptStep
	rawLeft int // raw payload bytes still expected by the current step
}

type scriptStep struct {
	expect string // command line, without CRLF; "" matches anything
	raw    int    // when > 0, step consumes raw bytes instead of a line
	reply  string
}

// NewTestTransport creates an empty scripted transport.
func NewTestTransport() *TestTransport {
	return &TestTransport{}
}

// Expect appends a script step: when the driver writes cmd followed by CRLF,
// reply is queued for reading.
func (t *TestTransport) Expect(cmd, reply string) *TestTransport {
	t.script = append(t.script, scriptStep{expect: cmd, reply: reply})
	return t
}

// ExpectRaw appends a script step that consumes n raw payload bytes (the
// AT+CIPSEND data phase) and then queues reply.
func (t *TestTransport) ExpectRaw(n int, reply string) *TestTransport {
	t.script = append(t.script, scriptStep{raw: n, reply: reply})
	return t
}

// Feed queues bytes for the receive engine directly, simulating unsolicited
// module traffic.
func (t *TestTransport) Feed(data string) {
	t.rx = append(t.rx, data...)
}

// Sent returns everything the driver has written so far.
func (t *TestTransport) Sent() string {
	return string(t.tx)
}

// SentLines returns the CRLF-terminated command lines written so far,
// without their line endings.
func (t *TestTransport) SentLines() []string {
	s := strings.TrimSuffix(string(t.tx), "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\r\n")
}

// Done reports whether every script step has been consumed.
func (t *TestTransport) Done() bool {
	return len(t.script) == 0 && t.rawLeft == 0
}

func (t *TestTransport) WriteByte(b byte) {
	t.tx = append(t.tx, b)

	if t.rawLeft > 0 {
		t.rawLeft--
		if t.rawLeft == 0 {
			t.reply()
		}
		return
	}

	t.line = append(t.line, b)
	if b != '\n' {
		return
	}
	line := strings.TrimSuffix(string(t.line), "\r\n")
	t.line = nil

	if len(t.script) == 0 {
		return
	}
	step := t.script[0]
	if step.raw > 0 {
		panic(fmt.Sprintf("esp: test transport expected %d raw bytes, got command %q", step.raw, line))
	}
	if step.expect != "" && step.expect != line {
		panic(fmt.Sprintf("esp: test transport expected command %q, got %q", step.expect, line))
	}
	t.reply()
}

// reply consumes the current script step, queues its response, and arms the
// next step when it is a raw-byte phase.
func (t *TestTransport) reply() {
	step := t.script[0]
	t.script = t.script[1:]
	t.rx = append(t.rx, step.reply...)
	if len(t.script) > 0 && t.script[0].raw > 0 {
		t.rawLeft = t.script[0].raw
	}
}

func (t *TestTransport) ReadByte() byte {
	if len(t.rx) == 0 {
		panic("esp: test transport read past scripted input")
	}
	b := t.rx[0]
	t.rx = t.rx[1:]
	return b
}

func (t *TestTransport) Poll() bool {
	return len(t.rx) > 0
}

func (t *TestTransport) Idle() {}
