package client_test

import (
	"net"
	"testing"
	"time"

	imap "github.com/shiraishimai/imap-client-go"
	"github.com/shiraishimai/imap-client-go/client"
)

// startFakeServer listens on a loopback port and runs script against the
// first accepted connection, driving a real net.Conn rather than
// mocking the transport. done is closed once script returns, so
// callers can wait for it instead of racing t.Errorf calls from the
// server goroutine against test exit.
func startFakeServer(t *testing.T, script func(conn net.Conn)) (host string, port int, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port = ln.Addr().(*net.TCPAddr).Port
	done = make(chan struct{})

	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()

	return "127.0.0.1", port, done
}

func newTestClient(host string, port int, opts ...client.Option) *client.Client {
	base := []client.Option{
		client.WithHostPort(host, port),
		client.WithDialTimeout(2 * time.Second),
	}
	return client.New(append(base, opts...)...)
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fake server goroutine did not finish in time")
	}
}

// TestClientGreetingFiresOnReadyThenIdle exercises the greeting-then-idle
// path.
func TestClientGreetingFiresOnReadyThenIdle(t *testing.T) {
	host, port, done := startFakeServer(t, func(conn net.Conn) {
		conn.Write([]byte("* OK IMAP4rev1 ready\r\n"))
		buf := make([]byte, 1)
		conn.Read(buf) // blocks until the test closes the client
	})

	c := newTestClient(host, port, client.WithTimeouts(20*time.Millisecond, 0, 0))

	ready := make(chan struct{}, 1)
	idle := make(chan struct{}, 1)
	c.OnReady = func() { ready <- struct{}{} }
	c.OnIdle = func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatalf("OnReady did not fire after greeting")
	}

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatalf("OnIdle did not fire once no command was enqueued")
	}

	c.Close()
	waitDone(t, done)
}

// TestClientSimpleCommandRoundTrip exercises a simple tagged command
// round trip.
func TestClientSimpleCommandRoundTrip(t *testing.T) {
	host, port, done := startFakeServer(t, func(conn net.Conn) {
		conn.Write([]byte("* OK ready\r\n"))

		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if got := string(buf[:n]); got != "W1 CAPABILITY\r\n" {
			t.Errorf("server saw %q, want %q", got, "W1 CAPABILITY\r\n")
		}

		conn.Write([]byte("* CAPABILITY IMAP4rev1 AUTH=PLAIN\r\n"))
		conn.Write([]byte("W1 OK done\r\n"))
	})

	c := newTestClient(host, port)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	comp, err := c.EnqueueCommand(&imap.Request{Name: "CAPABILITY"}, nil, false)
	if err != nil {
		t.Fatalf("EnqueueCommand() error: %v", err)
	}

	resp, err := comp.Wait()
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if resp.HumanReadable != "done" {
		t.Fatalf("HumanReadable = %q, want %q", resp.HumanReadable, "done")
	}
	if len(resp.Payload) != 0 {
		t.Fatalf("Payload = %v, want empty (no accept_untagged)", resp.Payload)
	}

	waitDone(t, done)
	c.Close()
}

// TestClientUntaggedCollection exercises accept-untagged collection into
// a tagged response's payload.
func TestClientUntaggedCollection(t *testing.T) {
	host, port, done := startFakeServer(t, func(conn net.Conn) {
		conn.Write([]byte("* OK ready\r\n"))

		buf := make([]byte, 256)
		conn.Read(buf)

		conn.Write([]byte("* LIST (\\HasChildren) \"/\" INBOX\r\n"))
		conn.Write([]byte("* LIST () \"/\" Sent\r\n"))
		conn.Write([]byte("W1 OK listed\r\n"))
	})

	c := newTestClient(host, port)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	comp, err := c.EnqueueCommand(&imap.Request{Name: "LIST"}, []string{"LIST"}, false)
	if err != nil {
		t.Fatalf("EnqueueCommand() error: %v", err)
	}

	resp, err := comp.Wait()
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if len(resp.Payload["LIST"]) != 2 {
		t.Fatalf("Payload[LIST] has %d entries, want 2", len(resp.Payload["LIST"]))
	}

	waitDone(t, done)
	c.Close()
}

// TestClientProtocolErrorRejectsCompletion exercises a NO response
// rejecting the command's completion with a ProtocolError.
func TestClientProtocolErrorRejectsCompletion(t *testing.T) {
	host, port, done := startFakeServer(t, func(conn net.Conn) {
		conn.Write([]byte("* OK ready\r\n"))
		buf := make([]byte, 256)
		conn.Read(buf)
		conn.Write([]byte("W1 NO [AUTHENTICATIONFAILED] bad creds\r\n"))
	})

	c := newTestClient(host, port)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	comp, err := c.EnqueueCommand(&imap.Request{Name: "LOGIN"}, nil, false)
	if err != nil {
		t.Fatalf("EnqueueCommand() error: %v", err)
	}

	_, err = comp.Wait()
	protoErr, ok := err.(*imap.ProtocolError)
	if !ok {
		t.Fatalf("error %v is not *imap.ProtocolError", err)
	}
	if protoErr.Code != "AUTHENTICATIONFAILED" || protoErr.HumanReadable != "bad creds" {
		t.Fatalf("ProtocolError = %+v, want code AUTHENTICATIONFAILED / text %q", protoErr, "bad creds")
	}

	waitDone(t, done)
	c.Close()
}

// TestClientCloseIsIdempotent exercises that Close is safe to call more
// than once.
func TestClientCloseIsIdempotent(t *testing.T) {
	host, port, done := startFakeServer(t, func(conn net.Conn) {
		conn.Write([]byte("* OK ready\r\n"))
		buf := make([]byte, 1)
		conn.Read(buf)
	})

	c := newTestClient(host, port)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	waitDone(t, done)
}

// TestClientFatalTransportErrorRejectsPendingCommand exercises that
// pending completions reject with ErrConnectionClosed instead of
// dangling when the server vanishes.
func TestClientFatalTransportErrorRejectsPendingCommand(t *testing.T) {
	host, port, done := startFakeServer(t, func(conn net.Conn) {
		conn.Write([]byte("* OK ready\r\n"))
		buf := make([]byte, 256)
		conn.Read(buf)
		conn.Close()
	})

	c := newTestClient(host, port)

	errCh := make(chan error, 1)
	c.OnError = func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	comp, err := c.EnqueueCommand(&imap.Request{Name: "NOOP"}, nil, false)
	if err != nil {
		t.Fatalf("EnqueueCommand() error: %v", err)
	}

	if _, err := comp.Wait(); err == nil {
		t.Fatalf("expected the pending command to reject after the server closed the connection")
	}

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatalf("OnError did not fire after the transport closed")
	}

	waitDone(t, done)
	c.Close()
}
