// Package escape implements the SSH-style in-band escape scanner applied to
// the client-to-console direction of a shared console stream.
//
// The grammar is a newline (CR, LF, or CRLF) followed by the leader '~'
// followed by a single discriminator byte:
//
//	(\r|\n|\r\n) '~' 'B'  -> issue a break signal, nothing forwarded
//	(\r|\n|\r\n) '~' '~'  -> forward a single literal '~'
//	(\r|\n|\r\n) '~' <x>  -> unrecognised; '~' and <x> pass through unchanged
//
// The scanner state is deliberately shared across every client of one
// console instance, matching the authority model of the serial line itself.
package escape

import "bytes"

// Leader introduces an escape sequence after a newline.
const Leader = '~'

// State tracks scanner progress between Scan calls.
type State int

const (
	// Idle means no newline has been seen since the last non-newline byte.
	Idle State = iota
	// SawCR means the previous byte was '\r'.
	SawCR
	// SawLF means the previous byte was '\n' (or the LF of a CRLF pair).
	SawLF
	// SawLeader means a newline followed by the leader has been consumed.
	SawLeader
)

// Parser recognises escape sequences in a byte stream. Literal bytes are
// handed to Forward; a recognised break sequence invokes Break instead.
// The zero value is not usable; construct with New.
type Parser struct {
	state State

	forward func(p []byte)
	brk     func()
}

// New returns a Parser in the Idle state. forward receives every literal
// byte in order; brk is invoked once per recognised break sequence. Both
// must be non-nil.
func New(forward func(p []byte), brk func()) *Parser {
	return &Parser{forward: forward, brk: brk}
}

// State reports the current scanner state. Exposed for tests and diagnostics.
func (p *Parser) State() State {
	return p.state
}

// Scan consumes a prefix of buf and returns its length. Callers feed one
// read's worth of bytes by looping until the whole buffer is consumed:
//
//	for len(buf) > 0 {
//		buf = buf[p.Scan(buf):]
//	}
//
// Scan may return 0 while still making progress through a state change;
// the unconsumed byte is then re-presented on the next call. The result of
// scanning a stream is independent of how it is chunked across calls.
func (p *Parser) Scan(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}

	switch p.state {
	case Idle:
		// Handle \r, \n and \r\n by searching for \r first. The newline
		// itself always belongs to the output.
		var cut int
		if i := bytes.IndexByte(buf, '\r'); i >= 0 {
			p.state = SawCR
			cut = i + 1
		} else if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			p.state = SawLF
			cut = i + 1
		} else {
			cut = len(buf)
		}
		p.forward(buf[:cut])
		return cut

	case SawCR:
		switch buf[0] {
		case '\n':
			// CRLF counts as one newline for escape purposes.
			p.state = SawLF
			p.forward(buf[:1])
			return 1
		case Leader:
			p.state = SawLeader
			return 1
		default:
			// Re-present the byte to the Idle scan on the next call.
			p.state = Idle
			return 0
		}

	case SawLF:
		if buf[0] == Leader {
			p.state = SawLeader
			return 1
		}
		p.state = Idle
		return 0

	case SawLeader:
		// Whatever the discriminator, we end up Idle. Set that first so the
		// branches below stay simple.
		p.state = Idle
		switch buf[0] {
		case 'B':
			p.brk()
			return 1
		case Leader:
			// The tilde already sitting in the buffer is emitted by the
			// following Idle scan.
			return 0
		default:
			// Unrecognised escape: emit the swallowed leader now, and the
			// discriminator on the following invocation.
			p.forward([]byte{Leader})
			return 0
		}
	}

	// Unreachable; the switch covers every state.
	return len(buf)
}
