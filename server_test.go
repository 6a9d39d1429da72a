package consoled_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/consoled"
)

type testSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	breaks int
}

func (s *testSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *testSink) SendBreak() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaks++
	return nil
}

func (s *testSink) Snapshot() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String(), s.breaks
}

func startServer(t *testing.T) (*consoled.Server, *testSink) {
	t.Helper()
	sink := &testSink{}
	srv, err := consoled.NewServer(consoled.Config{
		ConsoleID:  "itest",
		SocketDir:  t.TempDir(),
		BufferSize: 64 << 10,
	},
		consoled.WithSink(sink),
		consoled.WithLogger(pslog.NewStructured(io.Discard)),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go srv.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return srv, sink
}

func dialConsole(t *testing.T, srv *consoled.Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial console socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForCount(t *testing.T, srv *consoled.Server, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (now %d)", want, srv.ClientCount())
}

func TestBroadcastToMultipleClients(t *testing.T) {
	srv, _ := startServer(t)
	conn1 := dialConsole(t, srv)
	conn2 := dialConsole(t, srv)
	waitForCount(t, srv, 2)

	data := bytes.Repeat([]byte("console output line\n"), 40)
	if _, err := srv.Write(data); err != nil {
		t.Fatalf("server write: %v", err)
	}

	for i, conn := range []net.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		got := make([]byte, len(data))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("client %d read: %v", i+1, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("client %d received corrupted stream", i+1)
		}
	}
}

func TestSubPacketWriteFlushedByIdleTimer(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialConsole(t, srv)
	waitForCount(t, srv, 1)

	if _, err := srv.Write([]byte("hi")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 2)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q", got)
	}
}

func waitForSink(t *testing.T, sink *testSink, wantOut string, wantBreaks int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, breaks := sink.Snapshot()
		if out == wantOut && breaks == wantBreaks {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	out, breaks := sink.Snapshot()
	t.Fatalf("sink = %q (%d breaks), want %q (%d breaks)", out, breaks, wantOut, wantBreaks)
}

func TestEscapeBreakEndToEnd(t *testing.T) {
	srv, sink := startServer(t)
	conn := dialConsole(t, srv)
	waitForCount(t, srv, 1)

	if _, err := conn.Write([]byte("hello\r~Bworld")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForSink(t, sink, "hello\rworld", 1)
}

func TestEscapeLiteralTildeAcrossWrites(t *testing.T) {
	srv, sink := startServer(t)
	conn := dialConsole(t, srv)
	waitForCount(t, srv, 1)

	for _, chunk := range []string{"abc\r", "~", "~def"} {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			t.Fatalf("write %q: %v", chunk, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	waitForSink(t, sink, "abc\r~def", 0)
}

func TestAttachConsumer(t *testing.T) {
	srv, sink := startServer(t)

	end, err := srv.AttachConsumer()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer end.Close()
	waitForCount(t, srv, 1)

	// The attached end is an ordinary client: its input reaches the sink
	// through the escape scanner.
	if _, err := end.Write([]byte("status\n~~ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForSink(t, sink, "status\n~ok", 0)

	// And console output reaches it like any other client.
	data := bytes.Repeat([]byte("x"), 600)
	if _, err := srv.Write(data); err != nil {
		t.Fatalf("server write: %v", err)
	}
	got := make([]byte, len(data))
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(end, got)
		readDone <- err
	}()
	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("read attached end: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("attached end never received console output")
	}
	if !bytes.Equal(got, data) {
		t.Fatal("attached end received corrupted stream")
	}
}

func TestClientDisconnectLeavesSet(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialConsole(t, srv)
	waitForCount(t, srv, 1)

	conn.Close()
	waitForCount(t, srv, 0)
}

func TestBackpressuredStreamDeliversEverything(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialConsole(t, srv)
	waitForCount(t, srv, 1)

	// Push far more than the ring and the socket buffers can hold; forced
	// drains block the producer until the reader keeps up, and every byte
	// must arrive exactly once, in order.
	total := 256 << 10
	want := make([]byte, total)
	for i := range want {
		want[i] = byte(i % 251)
	}

	writeDone := make(chan error, 1)
	go func() {
		for off := 0; off < total; off += 8 << 10 {
			end := off + 8<<10
			if end > total {
				end = total
			}
			if _, err := srv.Write(want[off:end]); err != nil {
				writeDone <- err
				return
			}
		}
		writeDone <- nil
	}()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	got := make([]byte, total)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("producer: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("stream corrupted under backpressure")
	}
}

func TestAttachAfterShutdownFails(t *testing.T) {
	sink := &testSink{}
	srv, err := consoled.NewServer(consoled.Config{
		ConsoleID:  "stopped",
		SocketDir:  t.TempDir(),
		BufferSize: 64 << 10,
	}, consoled.WithSink(sink))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go srv.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := srv.AttachConsumer(); !errors.Is(err, consoled.ErrServerStopped) {
		t.Fatalf("attach after shutdown = %v, want ErrServerStopped", err)
	}
}

func TestConsoleAttachWithoutServer(t *testing.T) {
	sink := &testSink{}
	console := consoled.NewConsole("detached", sink, 4096, nil)
	if _, err := console.AttachConsumer(); !errors.Is(err, consoled.ErrNoSocketServer) {
		t.Fatalf("attach = %v, want ErrNoSocketServer", err)
	}
}
