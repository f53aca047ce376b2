// Package client implements the connection lifecycle controller: it owns
// the connect/ready/close/logout/upgrade/enable-compression transitions
// and wires the transport, compression shim, framer, dispatcher and
// command queue together into the public API.
//
// The Client struct follows a single background reader goroutine plus a
// mutex-guarded struct dialing net.Conn and driving a wire.Encoder/
// wire.Decoder pair, narrowed to the transport-core lifecycle and
// generalized to drive this module's engine.Queue/engine.Dispatcher
// pipeline of queued commands instead of inline, synchronous execution.
package client

import (
	"errors"
	"io"
	"sync"

	imap "github.com/shiraishimai/imap-client-go"
	"github.com/shiraishimai/imap-client-go/compress"
	"github.com/shiraishimai/imap-client-go/engine"
	"github.com/shiraishimai/imap-client-go/state"
	"github.com/shiraishimai/imap-client-go/transport"
	"github.com/shiraishimai/imap-client-go/wire"
)

// Client is the public entry point: one IMAP4rev1 connection's
// transport, compression, framing, dispatch and command-queue stack.
// A Client is not reusable across connections; construct a fresh one
// per Connect.
type Client struct {
	cfg     *Config
	machine *state.Machine

	mu         sync.Mutex
	transport  *transport.Transport
	shim       *compress.Shim
	framer     *wire.Framer
	decoder    *wire.Decoder
	encoder    *wire.Encoder
	queue      *engine.Queue
	dispatcher *engine.Dispatcher

	teardownOnce sync.Once

	// OnReady fires once, the first time any response (including the
	// server's greeting) is dispatched.
	OnReady func()
	// OnIdle fires each time the queue drains and stays empty for
	// Config.IdleDelay.
	OnIdle func()
	// OnError is the unified irrecoverable-error sink. It
	// fires at most once per connection.
	OnError func(error)
	// OnCert is passed through, unchanged, from the transport's STARTTLS
	// handshake (Upgrade). It does not fire for an implicit TLS dial:
	// that handshake completes inside Connect before the sink is attached.
	OnCert func(der []byte)
}

// New constructs an unconnected Client from opts. Call Connect to open
// the transport and start driving the protocol.
func New(opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger != nil {
		cfg.Logger = cfg.Logger.With("session", cfg.SessionID)
	}
	return &Client{cfg: cfg, machine: state.NewMachine()}
}

// State returns the connection's current lifecycle state.
func (c *Client) State() state.State { return c.machine.State() }

// Connect dials the configured host:port, establishing TLS immediately
// when Config.Secure (or port 993) requires it, and starts the
// background reader. It resolves once the transport is open; it does
// not wait for the server's greeting (that drives OnReady separately).
func (c *Client) Connect() error {
	if err := c.machine.Transition(state.Connecting); err != nil {
		return err
	}

	t, err := transport.Open(transport.Config{
		Host:        c.cfg.Host,
		Port:        c.cfg.Port,
		Secure:      c.cfg.Secure,
		TLSConfig:   c.cfg.TLSConfig,
		DialTimeout: c.cfg.DialTimeout,
	})
	if err != nil {
		_ = c.machine.Transition(state.Closing)
		_ = c.machine.Transition(state.Closed)
		return err
	}
	t.OnCert = func(der []byte) {
		if c.OnCert != nil {
			engine.Guard(c.cfg.Logger, "on_cert", func() { c.OnCert(der) })
		}
	}

	c.mu.Lock()
	c.transport = t
	c.shim = compress.New(t, t, c.cfg.CompressionWorkerHint)
	c.framer = wire.NewFramer()
	c.decoder = wire.NewDecoder()
	c.encoder = wire.NewEncoder(c.shim)
	c.queue = engine.NewQueue(c.shim, t, c.encoder, c.cfg.Logger, c.cfg.engineConfig())
	c.dispatcher = engine.NewDispatcher(c.decoder, c.queue)
	c.dispatcher.Logger = c.cfg.Logger
	if c.cfg.Metrics != nil {
		c.queue.Metrics = c.cfg.Metrics
	}

	c.queue.OnFatal = c.fail
	c.dispatcher.OnFatal = c.fail
	c.queue.OnIdle = func() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncIdle()
		}
		if c.OnIdle != nil {
			engine.Guard(c.cfg.Logger, "on_idle", c.OnIdle)
		}
	}
	c.dispatcher.OnReady = func() {
		_ = c.machine.Transition(state.Ready)
		if c.OnReady != nil {
			engine.Guard(c.cfg.Logger, "on_ready", c.OnReady)
		}
	}
	dispatcher, framer, shim, queue := c.dispatcher, c.framer, c.shim, c.queue
	c.mu.Unlock()

	if err := c.machine.Transition(state.Open); err != nil {
		return err
	}

	go readLoop(shim, framer, dispatcher, queue, c.fail)
	return nil
}

// readLoop is the single background reader goroutine: it pulls bytes
// from the (possibly compressed) transport, feeds the literal-aware
// framer, and hands each complete response to the dispatcher in order.
func readLoop(shim *compress.Shim, framer *wire.Framer, dispatcher *engine.Dispatcher, queue *engine.Queue, fail func(error)) {
	buf := make([]byte, 4096)
	for {
		n, err := shim.Read(buf)
		if n > 0 {
			queue.NoteInboundActivity()
			for _, line := range framer.Feed(buf[:n]) {
				dispatcher.Dispatch(line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fail(&imap.TransportError{Err: io.ErrUnexpectedEOF})
			} else {
				fail(err)
			}
			return
		}
	}
}

// EnqueueCommand assigns a tag, enqueues req, and returns a completion
// handle. acceptUntagged names the
// untagged responses to collect into the eventual tagged response's
// Payload; errorResponseExpectsEmptyLine marks SASL-style commands
// that still expect a client CRLF after a NO/BAD mid-exchange.
func (c *Client) EnqueueCommand(req *imap.Request, acceptUntagged []string, errorResponseExpectsEmptyLine bool) (engine.Completion, error) {
	c.mu.Lock()
	queue := c.queue
	c.mu.Unlock()
	if queue == nil {
		return engine.Completion{}, imap.ErrConnectionClosed
	}
	return queue.Enqueue(req, acceptUntagged, errorResponseExpectsEmptyLine), nil
}

// SetHandler registers (or, with a nil handler, removes) the global
// untagged handler for name.
func (c *Client) SetHandler(name string, h engine.UntaggedHandler) {
	c.mu.Lock()
	dispatcher := c.dispatcher
	c.mu.Unlock()
	if dispatcher == nil {
		return
	}
	dispatcher.SetHandler(name, h)
}

// Upgrade performs an in-place STARTTLS handshake over the existing
// socket. The caller is responsible for having already negotiated
// STARTTLS at the command layer.
func (c *Client) Upgrade() error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return imap.ErrConnectionClosed
	}
	if err := t.UpgradeToSecure(); err != nil {
		c.fail(err)
		return err
	}
	c.cfg.Secure = true
	return nil
}

// EnableCompression installs the DEFLATE/INFLATE shim.
// It must be called immediately after the tagged OK for COMPRESS
// DEFLATE, with no inbound bytes buffered ahead of the compression
// boundary.
func (c *Client) EnableCompression() error {
	c.mu.Lock()
	shim := c.shim
	c.mu.Unlock()
	if shim == nil {
		return imap.ErrConnectionClosed
	}
	if err := shim.Enable(); err != nil {
		return err
	}
	if errCh := shim.Errors(); errCh != nil {
		go func() {
			for err := range errCh {
				c.fail(err)
			}
		}()
	}
	return nil
}

// Logout sends LOGOUT and resolves once either its tagged response
// arrives or the server closes the connection first; either path
// resolves the logout.
func (c *Client) Logout() error {
	comp, err := c.EnqueueCommand(&imap.Request{Name: "LOGOUT"}, nil, false)
	if err != nil {
		// Already closed: logout is trivially satisfied.
		return nil
	}
	_, err = comp.Wait()
	if err == nil {
		return nil
	}
	if errors.Is(err, imap.ErrConnectionClosed) {
		return nil
	}
	var transportErr *imap.TransportError
	if errors.As(err, &transportErr) {
		return nil
	}
	return err
}

// Close tears the connection down: rejects every queued and in-flight
// command, cancels timers, clears the global untagged handlers,
// disables compression, and closes the transport. It never rejects and
// is idempotent.
func (c *Client) Close() error {
	c.teardown()
	return nil
}

func (c *Client) fail(err error) {
	reported := false
	c.teardownOnce.Do(func() {
		c.teardownLocked()
		reported = true
	})
	if !reported {
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncFatal()
	}
	if c.OnError != nil {
		engine.Guard(c.cfg.Logger, "on_error", func() { c.OnError(err) })
	}
}

func (c *Client) teardown() {
	c.teardownOnce.Do(c.teardownLocked)
}

func (c *Client) teardownLocked() {
	_ = c.machine.Transition(state.Closing)

	c.mu.Lock()
	queue := c.queue
	dispatcher := c.dispatcher
	shim := c.shim
	t := c.transport
	c.mu.Unlock()

	if queue != nil {
		queue.RejectAll()
	}
	if dispatcher != nil {
		dispatcher.ClearHandlers()
	}
	if shim != nil {
		shim.Disable()
	}
	if t != nil {
		_ = t.Close()
	}

	_ = c.machine.Transition(state.Closed)
}

// Writer exposes the compression-aware transport writer for advanced
// callers; ordinary callers should use EnqueueCommand instead.
func (c *Client) Writer() io.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shim
}

