package transport

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shiraishimai/imap-client-go"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, port
}

func TestTransportOpenReadWrite(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("* OK ready\r\n"))
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	tr, err := Open(Config{Host: "127.0.0.1", Port: port, DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer tr.Close()

	buf := make([]byte, 64)
	n, err := tr.Read(buf)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(buf[:n]) != "* OK ready\r\n" {
		t.Fatalf("Read() = %q", buf[:n])
	}

	if _, err := tr.Write([]byte("W1 NOOP\r\n")); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	n, err = tr.Read(buf)
	if err != nil {
		t.Fatalf("Read echo error: %v", err)
	}
	if string(buf[:n]) != "W1 NOOP\r\n" {
		t.Fatalf("echo = %q", buf[:n])
	}

	<-serverDone
}

func TestTransportOpenRefusedWrapsTransportError(t *testing.T) {
	ln, port := listen(t)
	ln.Close()

	_, err := Open(Config{Host: "127.0.0.1", Port: port, DialTimeout: time.Second})
	if err == nil {
		t.Fatalf("expected a dial error against a closed listener on port %s", strconv.Itoa(port))
	}
	var te *imap.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error %v is not *imap.TransportError", err)
	}
}

func TestTransportReadAfterCloseWrapsTransportError(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	tr, err := Open(Config{Host: "127.0.0.1", Port: port, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer tr.Close()

	buf := make([]byte, 16)
	for i := 0; i < 50; i++ {
		if _, err := tr.Read(buf); err != nil {
			var te *imap.TransportError
			if !errors.As(err, &te) {
				t.Fatalf("error %v is not *imap.TransportError", err)
			}
			return
		}
	}
	t.Fatalf("expected a read error after the peer closed the connection")
}
