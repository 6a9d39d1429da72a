// Package ringbuf provides the bounded byte store shared by every client of
// one console: a single producer appends, and each registered consumer
// drains independently through its own cursor.
//
// The buffer never blocks the producer. When an append would overwrite a
// slow consumer's unread bytes, that consumer is asked to free at least the
// shortfall via its notify callback; a consumer that cannot comply answers
// Remove and is unregistered rather than allowed to stall the stream.
//
// All methods must be called from the dispatch goroutine; the package is
// unsynchronised on purpose.
package ringbuf

import (
	"errors"
	"fmt"
)

// PollResult is a consumer's answer to a buffer notification.
type PollResult int

const (
	// Continue keeps the consumer registered.
	Continue PollResult = iota
	// Remove asks the buffer to unregister the consumer. The callback must
	// not unregister the consumer itself; signalling upward is the only
	// safe way out of a notification.
	Remove
)

// NotifyFunc is invoked after the producer appends data. forceLen is zero
// for an ordinary notification; when non-zero the consumer must free at
// least that many bytes (blocking if necessary) or answer Remove.
type NotifyFunc func(forceLen int) PollResult

// ErrTooLarge reports an append that can never fit the buffer.
var ErrTooLarge = errors.New("ringbuf: append exceeds buffer capacity")

// Ringbuffer is the shared store. One byte of the allocation is kept as
// slack so that tail == pos always means empty.
type Ringbuffer struct {
	buf       []byte
	tail      int
	consumers []*Consumer
}

// Consumer is one cursor into the buffer. The committed position only moves
// forward, and only via Commit.
type Consumer struct {
	rb     *Ringbuffer
	pos    int
	notify NotifyFunc
}

// New allocates a buffer storing up to size-1 bytes of history.
func New(size int) *Ringbuffer {
	if size < 2 {
		panic(fmt.Sprintf("ringbuf: size %d too small", size))
	}
	return &Ringbuffer{buf: make([]byte, size)}
}

// Register attaches a consumer whose cursor starts at the current tail, so
// it observes only data queued after registration.
func (rb *Ringbuffer) Register(notify NotifyFunc) *Consumer {
	c := &Consumer{rb: rb, pos: rb.tail, notify: notify}
	rb.consumers = append(rb.consumers, c)
	return c
}

// Unregister detaches a consumer. Detaching an unknown consumer is a no-op,
// which makes teardown paths idempotent.
func (rb *Ringbuffer) Unregister(c *Consumer) {
	for i, rc := range rb.consumers {
		if rc == c {
			rb.consumers = append(rb.consumers[:i], rb.consumers[i+1:]...)
			return
		}
	}
}

// Consumers reports how many cursors are registered.
func (rb *Ringbuffer) Consumers() int {
	return len(rb.consumers)
}

// Size returns the usable capacity in bytes.
func (rb *Ringbuffer) Size() int {
	return len(rb.buf) - 1
}

func (rb *Ringbuffer) registered(c *Consumer) bool {
	for _, rc := range rb.consumers {
		if rc == c {
			return true
		}
	}
	return false
}

// Queue appends p, forcing slow consumers to drain (or be removed) first,
// then notifies every consumer of the new data. It returns ErrTooLarge when
// p can never fit.
func (rb *Ringbuffer) Queue(p []byte) error {
	if len(p) >= len(rb.buf) {
		return ErrTooLarge
	}
	if len(p) == 0 {
		return nil
	}

	// Make room: any consumer without space for p must free the shortfall
	// now, possibly blocking, or leave. Iterate over a snapshot since a
	// Remove answer mutates the consumer list.
	for _, c := range snapshot(rb.consumers) {
		if !rb.registered(c) {
			continue
		}
		if space := rb.Size() - c.Len(); space < len(p) {
			if c.notify(len(p)-space) == Remove {
				rb.Unregister(c)
			}
		}
	}

	n := copy(rb.buf[rb.tail:], p)
	copy(rb.buf, p[n:])
	rb.tail = (rb.tail + len(p)) % len(rb.buf)

	for _, c := range snapshot(rb.consumers) {
		if !rb.registered(c) {
			continue
		}
		if c.notify(0) == Remove {
			rb.Unregister(c)
		}
	}
	return nil
}

func snapshot(cs []*Consumer) []*Consumer {
	out := make([]*Consumer, len(cs))
	copy(out, cs)
	return out
}

// Len reports how many unread bytes sit between the cursor and the tail.
func (c *Consumer) Len() int {
	return (c.rb.tail - c.pos + len(c.rb.buf)) % len(c.rb.buf)
}

// Peek returns the next contiguous run starting offset bytes past the
// committed position, without consuming it. It returns an empty slice once
// nothing remains. A wrapped backlog is surfaced as two successive runs.
func (c *Consumer) Peek(offset int) []byte {
	avail := c.Len() - offset
	if avail <= 0 {
		return nil
	}
	start := (c.pos + offset) % len(c.rb.buf)
	run := len(c.rb.buf) - start
	if run > avail {
		run = avail
	}
	return c.rb.buf[start : start+run]
}

// Commit advances the cursor by n bytes that were actually delivered.
// Committing more than is available is a programming error.
func (c *Consumer) Commit(n int) {
	if n < 0 || n > c.Len() {
		panic(fmt.Sprintf("ringbuf: commit %d with %d available", n, c.Len()))
	}
	c.pos = (c.pos + n) % len(c.rb.buf)
}
