package consoled

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"pkt.systems/consoled/internal/dispatch"
	"pkt.systems/consoled/internal/serial"
	"pkt.systems/consoled/internal/svcfields"
)

var (
	// ErrServerStopped is returned by AttachConsumer when the server is not
	// running.
	ErrServerStopped = errors.New("consoled: server not running")
	// ErrSocketPair wraps failures to create the in-process connection pair.
	ErrSocketPair = errors.New("consoled: create socket pair")
	// ErrActivationMismatch reports handed-down descriptors that do not
	// match the expected listening socket.
	ErrActivationMismatch = errors.New("consoled: unexpected activation socket")
)

// Server accepts console clients on one Unix domain socket and multiplexes
// the console stream between them.
type Server struct {
	cfg     Config
	logger  pslog.Logger
	console *Console
	sink    Sink
	ownSink bool
	metrics *serverMetrics

	dispatcher *dispatch.Dispatcher

	listenFD   int
	listenFile *os.File
	listenReg  *dispatch.Registration
	socketPath string
	activated  bool

	serialReg *dispatch.Registration

	clients map[xid.ID]*client

	runCtx    context.Context
	runCancel context.CancelFunc
	readyOnce sync.Once
	readyCh   chan struct{}
	done      chan struct{}

	mu          sync.Mutex
	shutdown    bool
	lastRunErr  error
	metricsSrv  *http.Server
	metricsDone chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Sink   Sink
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithSink injects the console transport, replacing the serial device from
// Config.Device. Useful for tests and for consoles backed by something
// other than a tty.
func WithSink(sink Sink) Option {
	return func(o *options) {
		o.Sink = sink
	}
}

// NewServer constructs a console server according to cfg.
// Example:
//
//	cfg := consoled.Config{ConsoleID: "host0", Device: "/dev/ttyS4"}
//	srv, err := consoled.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	sink := o.Sink
	ownSink := false
	if sink == nil {
		if cfg.Device == "" {
			return nil, fmt.Errorf("consoled: either Config.Device or WithSink is required")
		}
		port, err := serial.Open(cfg.Device)
		if err != nil {
			return nil, err
		}
		sink = port
		ownSink = true
	}

	dispatcher, err := dispatch.New(logger)
	if err != nil {
		if ownSink {
			sink.(*serial.Port).Close()
		}
		return nil, err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithConsole(svcfields.WithSubsystem(logger, "server"), cfg.ConsoleID),
		sink:       sink,
		ownSink:    ownSink,
		metrics:    newServerMetrics(cfg.ConsoleID),
		dispatcher: dispatcher,
		listenFD:   -1,
		socketPath: cfg.ResolvedSocketPath(),
		clients:    make(map[xid.ID]*client),
		runCtx:     runCtx,
		runCancel:  runCancel,
		readyCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.console = NewConsole(cfg.ConsoleID, sink, int(cfg.BufferSize), logger)
	s.console.attach = s.AttachConsumer
	s.console.onBreak = s.metrics.breaksSent.Inc
	return s, nil
}

// Console returns the console this server multiplexes.
func (s *Server) Console() *Console {
	return s.console
}

// SocketPath returns the listening socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start sets up the listening socket and runs the dispatch loop until
// Shutdown or Close. It blocks for the lifetime of the server.
func (s *Server) Start() error {
	defer close(s.done)
	defer s.runCancel()

	if err := s.initListener(); err != nil {
		s.recordRunErr(err)
		return err
	}
	s.listenReg = s.dispatcher.Register(s.listenFD, unix.POLLIN, s.acceptPoll, nil)

	if port, ok := s.sink.(*serial.Port); ok {
		s.serialReg = s.dispatcher.Register(port.Fd(), unix.POLLIN, s.serialPoll, nil)
	}

	s.startMetricsListener()
	s.signalReady()
	s.logger.Info("consoled.server.listening", "path", s.socketPath, "activated", s.activated)

	err := s.dispatcher.Run(s.runCtx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.teardown()
	s.recordRunErr(err)
	return err
}

// Shutdown stops the dispatch loop and tears down every client, the
// listener and the metrics endpoint. It waits for Start to return or ctx
// to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.runCancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// WaitUntilReady blocks until the server is accepting connections.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.done:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write queues console output to every connected client, from any
// goroutine. It implements io.Writer so a console producer can be piped
// straight into the server.
func (s *Server) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	errCh := make(chan error, 1)
	s.dispatcher.Submit(func() {
		_, err := s.console.Write(data)
		errCh <- err
	})
	select {
	case err := <-errCh:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-s.done:
		return 0, ErrServerStopped
	}
}

// AttachConsumer creates a connected in-process pair, attaches one end as
// an ordinary client subject to identical flow control and escape
// scanning, and returns the other end. Safe from any goroutine.
func (s *Server) AttachConsumer() (*os.File, error) {
	s.mu.Lock()
	stopped := s.shutdown
	s.mu.Unlock()
	if stopped {
		return nil, ErrServerStopped
	}

	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	s.dispatcher.Submit(func() {
		f, err := s.attachConsumer()
		ch <- result{f, err}
	})
	select {
	case r := <-ch:
		return r.f, r.err
	case <-s.done:
		return nil, ErrServerStopped
	}
}

// attachConsumer runs on the dispatch goroutine.
func (s *Server) attachConsumer() (*os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocketPair, err)
	}
	s.addClient(fds[0], "attach")
	return os.NewFile(uintptr(fds[1]), "consoled-consumer"), nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

func (s *Server) recordRunErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRunErr == nil {
		s.lastRunErr = err
	}
}

// ClientCount reports how many clients are connected. Safe from any
// goroutine.
func (s *Server) ClientCount() int {
	ch := make(chan int, 1)
	s.dispatcher.Submit(func() { ch <- len(s.clients) })
	select {
	case n := <-ch:
		return n
	case <-s.done:
		return 0
	}
}

// LastRunError reports the error Start returned, if any.
func (s *Server) LastRunError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunErr
}

// initListener reuses a matching socket handed down by the init system, or
// creates, binds and listens on a fresh one. Failures abort this server's
// startup only.
func (s *Server) initListener() error {
	fd, file, err := s.activationSocket()
	if err != nil {
		return err
	}
	if file != nil {
		s.listenFD = fd
		s.listenFile = file
		s.activated = true
		return nil
	}

	if s.cfg.SocketPath == "" {
		if err := os.MkdirAll(s.cfg.SocketDir, 0o755); err != nil {
			return fmt.Errorf("consoled: create socket dir: %w", err)
		}
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("consoled: remove stale socket: %w", err)
	}

	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("consoled: create socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.socketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("consoled: bind %s: %w", s.socketPath, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("consoled: listen on %s: %w", s.socketPath, err)
	}
	s.listenFD = fd
	return nil
}

// activationSocket inspects init-system handoff. No handed-down
// descriptors means create our own ((0, nil, nil)); exactly one descriptor
// matching a stream socket bound to our path is reused; anything else is a
// startup error.
func (s *Server) activationSocket() (int, *os.File, error) {
	files := activation.Files(true)
	if len(files) == 0 {
		return 0, nil, nil
	}
	if len(files) != 1 {
		for _, f := range files {
			f.Close()
		}
		return 0, nil, fmt.Errorf("%w: got %d descriptors, want 1", ErrActivationMismatch, len(files))
	}

	f := files[0]
	fd := int(f.Fd())
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || typ != unix.SOCK_STREAM {
		f.Close()
		return 0, nil, fmt.Errorf("%w: not a stream socket", ErrActivationMismatch)
	}
	accepting, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil || accepting != 1 {
		f.Close()
		return 0, nil, fmt.Errorf("%w: not a listening socket", ErrActivationMismatch)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		f.Close()
		return 0, nil, fmt.Errorf("%w: getsockname: %v", ErrActivationMismatch, err)
	}
	ua, ok := sa.(*unix.SockaddrUnix)
	if !ok || ua.Name != s.socketPath {
		f.Close()
		return 0, nil, fmt.Errorf("%w: bound to %v, want %s", ErrActivationMismatch, sa, s.socketPath)
	}
	return fd, f, nil
}

// acceptPoll handles readiness on the listening descriptor. Accept failure
// is never fatal to the server; the next readiness event retries.
func (s *Server) acceptPoll(revents int16) dispatch.Action {
	if revents&unix.POLLIN == 0 {
		return dispatch.Continue
	}
	fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_CLOEXEC)
	if err != nil {
		s.logger.Warn("consoled.server.accept_failed", "error", err)
		return dispatch.Continue
	}
	s.addClient(fd, "accept")
	return dispatch.Continue
}

// serialPoll pumps console output from the serial device into the shared
// buffer.
func (s *Server) serialPoll(revents int16) dispatch.Action {
	if revents&unix.POLLIN == 0 {
		if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			s.logger.Error("consoled.server.serial_hangup")
			s.runCancel()
			return dispatch.Remove
		}
		return dispatch.Continue
	}
	port := s.sink.(*serial.Port)
	var buf [scratchSize]byte
	n, err := port.Read(buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return dispatch.Continue
		}
		s.logger.Error("consoled.server.serial_read_failed", "error", err)
		s.runCancel()
		return dispatch.Remove
	}
	if n == 0 {
		s.logger.Error("consoled.server.serial_closed")
		s.runCancel()
		return dispatch.Remove
	}
	if _, err := s.console.Write(buf[:n]); err != nil {
		s.logger.Error("consoled.server.queue_failed", "error", err)
	}
	return dispatch.Continue
}

// addClient wraps fd as a client: event registration with the idle flush
// timer, a consumer cursor starting at the buffer tail, and membership in
// the connection set.
func (s *Server) addClient(fd int, origin string) *client {
	c := &client{srv: s, id: xid.New(), fd: fd}
	c.reg = s.dispatcher.Register(fd, unix.POLLIN, c.poll, c.flushTimeout)
	c.rbc = s.console.rb.Register(c.ringNotify)
	s.clients[c.id] = c

	s.metrics.clientsAccepted.Inc()
	s.metrics.clientsConnected.Inc()
	s.logger.Info("consoled.client.connected",
		svcfields.ClientKey, c.id.String(), "origin", origin)
	return c
}

// closeClient tears a client down exactly once: close the descriptor,
// unregister the event source and consumer cursor if still held, and
// remove the client from the connection set. A client absent from the set
// is a programming error.
func (s *Server) closeClient(c *client, reason string, cause error) {
	unix.Close(c.fd)
	if c.reg != nil {
		s.dispatcher.Unregister(c.reg)
		c.reg = nil
	}
	if c.rbc != nil {
		s.console.rb.Unregister(c.rbc)
		c.rbc = nil
	}
	if _, ok := s.clients[c.id]; !ok {
		panic("consoled: closing client absent from connection set")
	}
	delete(s.clients, c.id)

	s.metrics.clientsConnected.Dec()
	s.metrics.clientsClosed.WithLabelValues(reason).Inc()
	if cause != nil {
		s.logger.Info("consoled.client.closed",
			svcfields.ClientKey, c.id.String(), "reason", reason, "error", cause)
	} else {
		s.logger.Info("consoled.client.closed",
			svcfields.ClientKey, c.id.String(), "reason", reason)
	}
}

// teardown runs after the dispatch loop has stopped, so all client state is
// quiescent.
func (s *Server) teardown() {
	for _, c := range s.clientSnapshot() {
		s.closeClient(c, "teardown", nil)
	}
	if s.listenReg != nil {
		s.dispatcher.Unregister(s.listenReg)
		s.listenReg = nil
	}
	if s.listenFile != nil {
		s.listenFile.Close()
	} else if s.listenFD >= 0 {
		unix.Close(s.listenFD)
	}
	s.listenFD = -1
	if !s.activated {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("consoled.server.unlink_failed", "path", s.socketPath, "error", err)
		}
	}
	if s.ownSink {
		s.sink.(*serial.Port).Close()
	}
	s.stopMetricsListener()
	s.dispatcher.Close()
	s.logger.Info("consoled.server.stopped")
}

func (s *Server) clientSnapshot() []*client {
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) startMetricsListener() {
	if s.cfg.MetricsListen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.MetricsHandler())
	srv := &http.Server{Addr: s.cfg.MetricsListen, Handler: mux}
	done := make(chan struct{})
	s.mu.Lock()
	s.metricsSrv = srv
	s.metricsDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("consoled.server.metrics_listener_failed", "error", err)
		}
	}()
}

func (s *Server) stopMetricsListener() {
	s.mu.Lock()
	srv, done := s.metricsSrv, s.metricsDone
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	<-done
}
