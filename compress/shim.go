// Package compress provides the transparent DEFLATE/INFLATE shim
// interposed between the transport and the framer once COMPRESS
// DEFLATE has been negotiated.
package compress

import (
	"compress/flate"
	"fmt"
	"io"
	"sync"

	"github.com/shiraishimai/imap-client-go"
)

// Shim wraps a transport's raw Reader/Writer. Disabled, Read/Write are
// a transparent pass-through. Enabled, Read inflates and Write deflates
// transparently, so the framer sees only plaintext regardless of
// compression state.
//
// Modeled on the mid-connection DEFLATE toggle used by NSQ's Conn,
// which wraps the same raw net.Conn with a flate.Reader/flate.Writer
// pair once the peer has negotiated compression; this shim generalizes
// that to an explicit Enable/Disable pair plus an optional worker
// offload path.
type Shim struct {
	mu sync.Mutex

	raw io.Reader
	rawW io.Writer

	compressed bool
	inflate    io.ReadCloser
	deflate    *flate.Writer

	workerHint bool
	worker     *worker
}

// New returns a disabled Shim wrapping raw for reads and rawW for
// writes. workerHint mirrors the client's CompressionWorkerHint field:
// when true, Enable offloads INFLATE/DEFLATE to a background goroutine
// instead of running the codec inline.
func New(raw io.Reader, rawW io.Writer, workerHint bool) *Shim {
	return &Shim{raw: raw, rawW: rawW, workerHint: workerHint}
}

// Enable installs the DEFLATE/INFLATE codec. It must be called at a
// point where no inbound bytes are buffered ahead of the compression
// boundary (immediately after the tagged OK for COMPRESS DEFLATE); the
// caller's framer continues reading from Shim uninterrupted, seeing
// plaintext before and compressed-then-inflated bytes after this call
// with no gap.
func (s *Shim) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compressed {
		return nil
	}
	s.inflate = flate.NewReader(s.raw)
	s.deflate, _ = flate.NewWriter(s.rawW, flate.DefaultCompression)
	s.compressed = true
	if s.workerHint {
		s.worker = newWorker(s.inflate, s.deflate)
	}
	return nil
}

// Disable restores the pass-through path and releases the codec. It is
// idempotent and safe to call even if Enable was never called (the
// lifecycle controller's close path always calls Disable).
func (s *Shim) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.compressed {
		return
	}
	if s.worker != nil {
		s.worker.stop()
		s.worker = nil
	}
	if s.inflate != nil {
		_ = s.inflate.Close()
	}
	s.inflate = nil
	s.deflate = nil
	s.compressed = false
}

// Compressed reports whether the shim is currently transforming bytes.
func (s *Shim) Compressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressed
}

// Read implements io.Reader, inflating when enabled.
func (s *Shim) Read(p []byte) (int, error) {
	s.mu.Lock()
	compressed := s.compressed
	w := s.worker
	inflate := s.inflate
	raw := s.raw
	s.mu.Unlock()

	if !compressed {
		return raw.Read(p)
	}
	if w != nil {
		return w.read(p)
	}
	return inflate.Read(p)
}

// Write implements io.Writer, deflating and flushing when enabled.
func (s *Shim) Write(p []byte) (int, error) {
	s.mu.Lock()
	compressed := s.compressed
	w := s.worker
	deflate := s.deflate
	rawW := s.rawW
	s.mu.Unlock()

	if !compressed {
		return rawW.Write(p)
	}
	if w != nil {
		return w.write(p)
	}
	n, err := deflate.Write(p)
	if err != nil {
		return n, err
	}
	if err := deflate.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

// Errors returns a channel that receives at most one *imap.WorkerError
// when the offloaded codec fails; callers funnel this as a fatal error.
// The channel is nil unless a worker is currently running.
func (s *Shim) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		return nil
	}
	return s.worker.errCh
}

// worker runs INFLATE and DEFLATE on two independent background
// goroutines when offload is requested, using typed request/response
// channels in place of a worker-thread message queue. The two
// directions cannot share a single loop: inflate.Read blocks waiting
// for inbound server bytes for exactly as long as the client may need
// to send its next command, so a read parked in a shared select would
// starve every pending write until the server spoke again.
type worker struct {
	inflate io.Reader
	deflate *flate.Writer

	readReq  chan readRequest
	writeReq chan writeRequest
	errCh    chan error
	done     chan struct{}
}

type readRequest struct {
	buf  []byte
	resp chan readResult
}

type readResult struct {
	n   int
	err error
}

type writeRequest struct {
	buf  []byte
	resp chan writeResult
}

type writeResult struct {
	n   int
	err error
}

func newWorker(inflate io.Reader, deflate *flate.Writer) *worker {
	w := &worker{
		inflate:  inflate,
		deflate:  deflate,
		readReq:  make(chan readRequest),
		writeReq: make(chan writeRequest),
		errCh:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	go w.readLoop()
	go w.writeLoop()
	return w
}

// readLoop serves INFLATE requests. w.inflate.Read blocks until the
// server sends more compressed bytes; that must never hold up writeLoop.
func (w *worker) readLoop() {
	for {
		select {
		case req := <-w.readReq:
			n, err := w.inflate.Read(req.buf)
			if err != nil && err != io.EOF {
				w.reportError(fmt.Errorf("inflate: %w", err))
			}
			req.resp <- readResult{n: n, err: err}
		case <-w.done:
			return
		}
	}
}

// writeLoop serves DEFLATE requests on its own goroutine so a read
// blocked in readLoop can never delay an outbound command.
func (w *worker) writeLoop() {
	for {
		select {
		case req := <-w.writeReq:
			n, err := w.deflate.Write(req.buf)
			if err == nil {
				err = w.deflate.Flush()
			}
			if err != nil {
				w.reportError(fmt.Errorf("deflate: %w", err))
			}
			req.resp <- writeResult{n: n, err: err}
		case <-w.done:
			return
		}
	}
}

func (w *worker) reportError(err error) {
	select {
	case w.errCh <- &imap.WorkerError{Err: err}:
	default:
	}
}

func (w *worker) read(p []byte) (int, error) {
	resp := make(chan readResult, 1)
	w.readReq <- readRequest{buf: p, resp: resp}
	r := <-resp
	return r.n, r.err
}

func (w *worker) write(p []byte) (int, error) {
	resp := make(chan writeResult, 1)
	w.writeReq <- writeRequest{buf: p, resp: resp}
	r := <-resp
	return r.n, r.err
}

func (w *worker) stop() {
	close(w.done)
}
