package consoled

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"pkt.systems/consoled/internal/dispatch"
	"pkt.systems/consoled/internal/ringbuf"
)

const (
	// packetSize is the batching threshold: below it, unforced buffer
	// notifications defer to the idle flush timer to amortise syscalls.
	packetSize = 512
	// flushDelay is the idle flush timer armed for sub-packet backlogs.
	flushDelay = 4 * time.Millisecond
	// scratchSize bounds one read from a client socket.
	scratchSize = 4096
)

var (
	errPeerClosed = errors.New("consoled: peer closed connection")
	errDrainShort = errors.New("consoled: forced drain fell short")
)

// client is one console connection: its descriptor, its event
// registration, its cursor into the shared buffer and its backpressure
// flag. All fields are owned by the dispatch goroutine.
type client struct {
	srv *Server
	id  xid.ID
	fd  int

	reg     *dispatch.Registration
	rbc     *ringbuf.Consumer
	blocked bool
}

// setBlocked flips the backpressure flag and adjusts the watched events:
// a blocked client additionally waits for writability.
func (c *client) setBlocked(blocked bool) {
	if c.blocked == blocked {
		return
	}
	c.blocked = blocked
	events := int16(unix.POLLIN)
	if blocked {
		events |= unix.POLLOUT
	}
	c.srv.dispatcher.SetEvents(c.reg, events)
}

// sendAll writes as much of p as possible to the client socket. Blocking
// mode retries until everything is sent or a hard error occurs. In
// non-blocking mode a would-block marks the client blocked and returns the
// count sent so far; an interrupted call retries without consuming input.
// A zero-length send means the peer closed the connection.
func (c *client) sendAll(p []byte, block bool) (int, error) {
	flags := unix.MSG_NOSIGNAL
	if !block {
		flags |= unix.MSG_DONTWAIT
	}
	pos := 0
	for pos < len(p) {
		n, err := unix.SendmsgN(c.fd, p[pos:], nil, nil, flags)
		if err != nil {
			if !block && (err == unix.EAGAIN || err == unix.EWOULDBLOCK) {
				c.setBlocked(true)
				break
			}
			if err == unix.EINTR {
				continue
			}
			return pos, fmt.Errorf("send: %w", err)
		}
		if n == 0 {
			return pos, errPeerClosed
		}
		pos += n
	}
	return pos, nil
}

// drainQueue pushes the client's backlog to its socket and commits what was
// actually delivered. With forceLen > 0 it blocks until at least that many
// bytes are sent and fails otherwise; the shared buffer uses this to evict
// a slow consumer's backlog instead of stalling the producer.
func (c *client) drainQueue(forceLen int) error {
	block := forceLen > 0

	// Already backpressured and nothing forcing us: the POLLOUT event will
	// resume the drain.
	if !block && c.blocked {
		return nil
	}

	total := 0
	var sendErr error
	for {
		run := c.rbc.Peek(total)
		if len(run) == 0 {
			break
		}
		n, err := c.sendAll(run, block)
		if err != nil {
			sendErr = err
			break
		}
		if n <= 0 {
			break
		}
		total += n
		if forceLen > 0 && total >= forceLen {
			break
		}
	}

	if sendErr != nil {
		return sendErr
	}
	if forceLen > 0 && total < forceLen {
		return errDrainShort
	}

	// Partial unforced drains commit too: bytes already on the wire are
	// never re-sent after backpressure interrupts the loop.
	c.rbc.Commit(total)
	c.srv.metrics.bytesOut.Add(float64(total))
	return nil
}

// ringNotify is the shared buffer's notification callback. Small unforced
// backlogs are deferred to the idle flush timer so many tiny appends
// coalesce into one send.
func (c *client) ringNotify(forceLen int) ringbuf.PollResult {
	if forceLen == 0 && c.rbc.Len() < packetSize {
		c.srv.dispatcher.SetTimeout(c.reg, flushDelay)
		return ringbuf.Continue
	}

	if err := c.drainQueue(forceLen); err != nil {
		// A consumer must never unregister itself from inside its own
		// notification: drop the handle so close skips it, and answer
		// Remove so the buffer reaps the cursor.
		c.rbc = nil
		c.srv.closeClient(c, "drain", err)
		return ringbuf.Remove
	}
	return ringbuf.Continue
}

// flushTimeout fires when the idle timer expires with a sub-packet backlog
// pending. A blocked client is left alone; writability will resume it.
func (c *client) flushTimeout() dispatch.Action {
	if c.blocked {
		return dispatch.Continue
	}
	if err := c.drainQueue(0); err != nil {
		c.srv.closeClient(c, "flush", err)
		return dispatch.Remove
	}
	return dispatch.Continue
}

// poll handles socket readiness for this client.
func (c *client) poll(revents int16) dispatch.Action {
	if revents&unix.POLLIN != 0 {
		var buf [scratchSize]byte
		n, _, err := unix.Recvfrom(c.fd, buf[:], unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return dispatch.Continue
			}
			c.srv.closeClient(c, "read", err)
			return dispatch.Remove
		}
		if n == 0 {
			c.srv.closeClient(c, "eof", nil)
			return dispatch.Remove
		}

		c.srv.metrics.bytesIn.Add(float64(n))
		rest := buf[:n]
		for len(rest) > 0 {
			rest = rest[c.srv.console.parser.Scan(rest):]
		}
	}

	if revents&unix.POLLOUT != 0 {
		c.setBlocked(false)
		if err := c.drainQueue(0); err != nil {
			c.srv.closeClient(c, "resume", err)
			return dispatch.Remove
		}
	}

	if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 &&
		revents&(unix.POLLIN|unix.POLLOUT) == 0 {
		c.srv.closeClient(c, "hangup", nil)
		return dispatch.Remove
	}

	return dispatch.Continue
}
