package consoled

import (
	"errors"
	"os"

	"pkt.systems/pslog"

	"pkt.systems/consoled/internal/escape"
	"pkt.systems/consoled/internal/ringbuf"
	"pkt.systems/consoled/internal/svcfields"
)

// ErrNoSocketServer is returned by Console.AttachConsumer when no running
// server is attached to the console.
var ErrNoSocketServer = errors.New("consoled: no socket server attached to console")

// Sink is the console's downstream transport: client input is written to
// it, and recognised break escapes are issued on it. *serial.Port satisfies
// Sink; tests use in-memory implementations.
type Sink interface {
	Write(p []byte) (int, error)
	SendBreak() error
}

// Console ties the shared ring buffer, the escape scanner state and the
// output sink for one console instance. The scanner state is deliberately
// shared by every client of the console: the serial line itself is a single
// shared authority, so partial escape sequences interleave through one
// state machine.
//
// All Console methods other than AttachConsumer must run on the dispatch
// goroutine.
type Console struct {
	id     string
	logger pslog.Logger
	sink   Sink
	rb     *ringbuf.Ringbuffer
	parser *escape.Parser

	// attach and onBreak are installed by the owning Server.
	attach  func() (*os.File, error)
	onBreak func()
}

// NewConsole builds a console around sink with a ring buffer of bufferSize
// bytes.
func NewConsole(id string, sink Sink, bufferSize int, logger pslog.Logger) *Console {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := &Console{
		id:     id,
		logger: svcfields.WithConsole(svcfields.WithSubsystem(logger, "console"), id),
		sink:   sink,
		rb:     ringbuf.New(bufferSize + 1),
	}
	c.parser = escape.New(c.dataOut, c.sendBreak)
	return c
}

// ID returns the console identifier.
func (c *Console) ID() string {
	return c.id
}

// Write appends console output to the shared buffer, notifying every
// registered consumer. The producer never blocks here; a consumer without
// room is forced to drain or is disconnected. Dispatch goroutine only.
func (c *Console) Write(p []byte) (int, error) {
	if err := c.rb.Queue(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// AttachConsumer creates an in-process client connection to the console
// and returns the caller's end of it. Safe from any goroutine.
func (c *Console) AttachConsumer() (*os.File, error) {
	if c.attach == nil {
		return nil, ErrNoSocketServer
	}
	return c.attach()
}

// dataOut forwards literal client input to the sink.
func (c *Console) dataOut(p []byte) {
	if _, err := c.sink.Write(p); err != nil {
		c.logger.Warn("consoled.console.sink_write_failed", "error", err)
	}
}

// sendBreak issues the break side effect for a recognised escape.
func (c *Console) sendBreak() {
	if err := c.sink.SendBreak(); err != nil {
		c.logger.Warn("consoled.console.break_failed", "error", err)
		return
	}
	c.logger.Info("consoled.console.break_sent")
	if c.onBreak != nil {
		c.onBreak()
	}
}
