// Package dispatch runs the single-threaded readiness loop every console
// component hangs off: raw descriptors registered with poll events, an
// optional one-shot idle timer per registration, and a submission queue for
// work that must run on the loop goroutine.
//
// All state lives on the loop goroutine. Register, SetEvents, SetTimeout
// and Unregister may be called from callbacks or before Run starts; Submit
// is the only entry point for other goroutines.
//
// Unregister is two-phase: inside a callback it only marks the
// registration, and the loop reaps it after the dispatch pass. A callback
// therefore can never pull the rug from under the iteration that invoked
// it, and unregistering twice is harmless.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"pkt.systems/consoled/internal/svcfields"
)

// Action is a callback's verdict on its own registration.
type Action int

const (
	// Continue keeps the registration alive.
	Continue Action = iota
	// Remove marks the registration for reaping after the dispatch pass.
	Remove
)

// Callback handles readiness on a registered descriptor. revents carries
// the raw poll revents bits.
type Callback func(revents int16) Action

// TimeoutFunc handles expiry of a registration's one-shot timer.
type TimeoutFunc func() Action

// Registration ties a descriptor to its callbacks. The zero value is
// meaningless; obtain one from Register.
type Registration struct {
	fd      int
	events  int16
	cb      Callback
	timeout TimeoutFunc

	deadline time.Time
	removed  bool
}

// Dispatcher owns the poll loop.
type Dispatcher struct {
	logger pslog.Logger
	regs   []*Registration

	wakeR, wakeW int

	mu        sync.Mutex
	submitted []func()
}

// New creates a dispatcher and its internal wake pipe.
func New(logger pslog.Logger) (*Dispatcher, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("dispatch: wake pipe: %w", err)
	}
	return &Dispatcher{
		logger: svcfields.WithSubsystem(logger, "dispatch"),
		wakeR:  p[0],
		wakeW:  p[1],
	}, nil
}

// Close releases the wake pipe. Call only after Run has returned.
func (d *Dispatcher) Close() error {
	unix.Close(d.wakeR)
	return unix.Close(d.wakeW)
}

// Register adds fd to the poll set. timeout may be nil when the
// registration never uses SetTimeout.
func (d *Dispatcher) Register(fd int, events int16, cb Callback, timeout TimeoutFunc) *Registration {
	r := &Registration{fd: fd, events: events, cb: cb, timeout: timeout}
	d.regs = append(d.regs, r)
	return r
}

// SetEvents replaces the poll events watched for r.
func (d *Dispatcher) SetEvents(r *Registration, events int16) {
	r.events = events
}

// SetTimeout arms r's one-shot timer, replacing any pending one.
func (d *Dispatcher) SetTimeout(r *Registration, after time.Duration) {
	r.deadline = time.Now().Add(after)
}

// Unregister marks r for removal. Safe to call from r's own callback and
// safe to call more than once.
func (d *Dispatcher) Unregister(r *Registration) {
	r.removed = true
}

// Submit schedules fn on the loop goroutine and wakes the poller. It is the
// only Dispatcher method safe to call from other goroutines.
func (d *Dispatcher) Submit(fn func()) {
	d.mu.Lock()
	d.submitted = append(d.submitted, fn)
	d.mu.Unlock()
	d.wake()
}

func (d *Dispatcher) wake() {
	// A full pipe already guarantees a pending wakeup.
	_, _ = unix.Write(d.wakeW, []byte{0})
}

// Run drives the loop until ctx is cancelled. Registered callbacks,
// timeouts and submitted functions all execute on the calling goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, d.wake)
	defer stop()

	d.logger.Debug("consoled.dispatch.start")
	defer d.logger.Debug("consoled.dispatch.stop")

	fds := make([]unix.PollFd, 0, 16)
	polled := make([]*Registration, 0, 16)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fds = fds[:0]
		polled = polled[:0]
		fds = append(fds, unix.PollFd{Fd: int32(d.wakeR), Events: unix.POLLIN})
		for _, r := range d.regs {
			if r.removed {
				continue
			}
			fds = append(fds, unix.PollFd{Fd: int32(r.fd), Events: r.events})
			polled = append(polled, r)
		}

		n, err := unix.Poll(fds, d.pollTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("dispatch: poll: %w", err)
		}

		if n > 0 && fds[0].Revents != 0 {
			d.drainWake()
		}
		d.runSubmitted()

		// Readiness pass over the set captured before poll; registrations
		// added by callbacks are picked up on the next iteration, and a
		// registration removed by an earlier callback is skipped here.
		for i, r := range polled {
			revents := fds[i+1].Revents
			if revents == 0 || r.removed {
				continue
			}
			if r.cb(revents) == Remove {
				r.removed = true
			}
		}

		// Timer pass.
		now := time.Now()
		for _, r := range d.regs {
			if r.removed || r.deadline.IsZero() || now.Before(r.deadline) {
				continue
			}
			r.deadline = time.Time{}
			if r.timeout == nil {
				continue
			}
			if r.timeout() == Remove {
				r.removed = true
			}
		}

		d.reap()
	}
}

func (d *Dispatcher) pollTimeout() int {
	timeout := -1
	now := time.Now()
	for _, r := range d.regs {
		if r.removed || r.deadline.IsZero() {
			continue
		}
		ms := int(r.deadline.Sub(now).Milliseconds())
		if ms < 1 {
			ms = 1
		}
		if timeout < 0 || ms < timeout {
			timeout = ms
		}
	}
	return timeout
}

func (d *Dispatcher) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (d *Dispatcher) runSubmitted() {
	d.mu.Lock()
	fns := d.submitted
	d.submitted = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (d *Dispatcher) reap() {
	kept := d.regs[:0]
	for _, r := range d.regs {
		if !r.removed {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(d.regs); i++ {
		d.regs[i] = nil
	}
	d.regs = kept
}
