// Package engine implements the command queue / send engine and the
// response dispatcher that sit between the wire framer and the public
// client.
//
// A Queue is owned by a single background reader goroutine plus
// whichever goroutines call Enqueue; its fields are protected by a
// mutex rather than an actor loop, matching the single background
// reader goroutine plus mutex-guarded struct used elsewhere in this
// client rather than introducing a separate channel-based scheduler.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shiraishimai/imap-client-go"
)

// Command is one enqueued command record.
type Command struct {
	Tag            string
	Request        *imap.Request
	AcceptUntagged map[string]bool
	Payload        map[string][]*imap.Response

	// Data holds the compiled wire chunks; chunks after the first are
	// sent only once the server issues a "+" continuation for the
	// preceding one.
	Data []string
	sent int

	startedAt time.Time

	ErrorResponseExpectsEmptyLine bool

	done chan Outcome
}

// Outcome is a command's single terminal result.
type Outcome struct {
	Response *imap.Response
	Err      error
}

// Completion is handed back from Enqueue; Wait blocks for the
// command's single terminal outcome.
type Completion struct{ ch chan Outcome }

// Wait blocks until the command resolves or rejects.
func (c Completion) Wait() (*imap.Response, error) {
	o := <-c.ch
	return o.Response, o.Err
}

// DeadlineSetter is implemented by transports that support arming a
// per-write socket timeout.
type DeadlineSetter interface {
	SetWriteDeadline(t time.Time) error
}

// Metrics receives optional command-lifecycle instrumentation. A Queue
// with a nil Metrics does no extra work; enginemetrics.Recorder
// satisfies this interface structurally, so engine stays free of any
// import on it.
type Metrics interface {
	CommandStarted(name string)
	CommandFinished(name string, d time.Duration, failed bool)
	SetQueueDepth(n int)
}

// Queue is the command queue / send engine. It assigns tags, compiles
// and sends commands one at a time, drives the continuation handshake,
// and reports fatal errors through OnFatal.
type Queue struct {
	mu sync.Mutex

	sender   io.Writer
	deadline DeadlineSetter
	compiler imap.Compiler
	logger   *slog.Logger

	tagCounter int
	pending    []*Command
	current    *Command
	canSend    bool

	idleDelay        time.Duration
	socketLowerBound time.Duration
	socketMultiplier float64
	debugLog         bool

	idleTimer   *time.Timer
	socketTimer *time.Timer

	// OnIdle fires when the queue has drained and stayed empty for
	// idleDelay.
	OnIdle func()
	// OnFatal funnels a TransportError / TimeoutError / CompilerError
	// for the current command.
	OnFatal func(error)

	// Metrics is optional command-lifecycle instrumentation; nil disables it.
	Metrics Metrics
}

// Config bundles the idle/socket timing constants plus the wire-level
// debug logging toggle (client.Config.DebugLog).
type Config struct {
	IdleDelay        time.Duration
	SocketLowerBound time.Duration
	SocketMultiplier float64
	DebugLog         bool
}

// DefaultConfig returns the observable idle and socket-timeout defaults.
func DefaultConfig() Config {
	return Config{
		IdleDelay:        1000 * time.Millisecond,
		SocketLowerBound: 10000 * time.Millisecond,
		SocketMultiplier: 0.1,
	}
}

// NewQueue constructs a Queue that writes compiled commands to sender,
// optionally arming write deadlines on deadline.
func NewQueue(sender io.Writer, deadline DeadlineSetter, compiler imap.Compiler, logger *slog.Logger, cfg Config) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sender:           sender,
		deadline:         deadline,
		compiler:         compiler,
		logger:           logger,
		idleDelay:        cfg.IdleDelay,
		socketLowerBound: cfg.SocketLowerBound,
		socketMultiplier: cfg.SocketMultiplier,
		debugLog:         cfg.DebugLog,
	}
}

// Enqueue assigns the next monotonic tag, appends the command to the
// queue, and attempts to send it immediately if nothing is in flight.
func (q *Queue) Enqueue(req *imap.Request, acceptUntagged []string, errorResponseExpectsEmptyLine bool) Completion {
	q.mu.Lock()
	q.tagCounter++
	tag := fmt.Sprintf("W%d", q.tagCounter)
	req.Tag = tag

	cmd := &Command{
		Tag:                           tag,
		Request:                       req,
		ErrorResponseExpectsEmptyLine: errorResponseExpectsEmptyLine,
		done:                          make(chan Outcome, 1),
	}
	if len(acceptUntagged) > 0 {
		cmd.AcceptUntagged = make(map[string]bool, len(acceptUntagged))
		cmd.Payload = make(map[string][]*imap.Response, len(acceptUntagged))
		for _, name := range acceptUntagged {
			cmd.AcceptUntagged[strings.ToUpper(name)] = true
		}
	}
	q.pending = append(q.pending, cmd)
	q.cancelIdleLocked()
	depth := len(q.pending)
	q.mu.Unlock()

	if q.Metrics != nil {
		q.Metrics.SetQueueDepth(depth)
	}

	q.trySend()
	return Completion{ch: cmd.done}
}

// CurrentInfo reports the in-flight command's tag and accept-untagged
// set, for the dispatcher's routing decisions.
func (q *Queue) CurrentInfo() (tag string, accepts map[string]bool, hasCurrent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return "", nil, false
	}
	return q.current.Tag, q.current.AcceptUntagged, true
}

// AppendPayload appends resp to the current command's accepted-untagged
// bucket named name, if the current command has one.
func (q *Queue) AppendPayload(name string, resp *imap.Response) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil || q.current.Payload == nil {
		return
	}
	q.current.Payload[name] = append(q.current.Payload[name], resp)
}

// MarkCanSend records that the connection has seen its first response
// and attempts to send the next queued command.
func (q *Queue) MarkCanSend() {
	q.mu.Lock()
	q.canSend = true
	q.mu.Unlock()
	q.trySend()
}

// HandleContinuation responds to a "+" continuation request: send the
// next pending data chunk for the current command, or the empty-line
// courtesy for SASL-style exchanges.
func (q *Queue) HandleContinuation() {
	q.mu.Lock()
	cmd := q.current
	q.mu.Unlock()
	if cmd == nil {
		return
	}

	q.mu.Lock()
	sent := cmd.sent
	q.mu.Unlock()

	if sent < len(cmd.Data) {
		q.sendChunk(cmd, sent)
		return
	}
	if cmd.ErrorResponseExpectsEmptyLine {
		q.writeRaw(cmd, []byte("\r\n"))
	}
}

// CompleteCurrent attaches payload/resolves or rejects the in-flight
// command matching resp's tag, clears current, and tries to send the
// next queued command.
func (q *Queue) CompleteCurrent(resp *imap.Response, protoErr error) {
	q.mu.Lock()
	cmd := q.current
	if cmd == nil {
		q.mu.Unlock()
		return
	}
	q.current = nil
	q.canSend = true
	q.mu.Unlock()

	q.cancelSocketTimeout()

	if q.Metrics != nil {
		q.Metrics.CommandFinished(cmd.Request.Name, time.Since(cmd.startedAt), protoErr != nil)
	}

	if protoErr != nil {
		cmd.done <- Outcome{Err: protoErr}
	} else {
		if cmd.Payload != nil {
			resp.Payload = cmd.Payload
		}
		cmd.done <- Outcome{Response: resp}
	}
	close(cmd.done)

	q.trySend()
}

// RejectAll rejects the current command (if any) and every still-queued
// command with imap.ErrConnectionClosed and cancels timers.
func (q *Queue) RejectAll() {
	q.mu.Lock()
	cur := q.current
	pending := q.pending
	q.current = nil
	q.pending = nil
	q.cancelIdleLocked()
	q.mu.Unlock()

	q.cancelSocketTimeout()

	if cur != nil {
		cur.done <- Outcome{Err: imap.ErrConnectionClosed}
		close(cur.done)
	}
	for _, c := range pending {
		c.done <- Outcome{Err: imap.ErrConnectionClosed}
		close(c.done)
	}
}

// Depth returns the number of commands waiting to be sent (not
// counting one in flight), for metrics instrumentation.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) trySend() {
	q.mu.Lock()
	if q.current != nil || !q.canSend || len(q.pending) == 0 {
		idle := q.current == nil && len(q.pending) == 0
		q.mu.Unlock()
		if idle {
			q.armIdle()
		}
		return
	}
	cmd := q.pending[0]
	q.pending = q.pending[1:]
	q.current = cmd
	q.canSend = false
	depth := len(q.pending)
	q.mu.Unlock()

	cmd.startedAt = time.Now()
	if q.Metrics != nil {
		q.Metrics.CommandStarted(cmd.Request.Name)
		q.Metrics.SetQueueDepth(depth)
	}

	chunks, err := q.compiler.Compile(cmd.Request, true, false)
	if err != nil {
		q.failCurrent(cmd, &imap.CompilerError{Err: err})
		return
	}
	cmd.Data = chunks

	if q.debugLog && q.logger != nil {
		if redacted, rErr := q.compiler.Compile(cmd.Request, true, true); rErr == nil {
			q.logger.Debug("imap: send", "tag", cmd.Tag, "command", strings.Join(redacted, ""))
		}
	}

	q.sendChunk(cmd, 0)
}

func (q *Queue) sendChunk(cmd *Command, idx int) {
	chunk := cmd.Data[idx]
	if idx == len(cmd.Data)-1 {
		chunk += "\r\n"
	}
	if q.writeRaw(cmd, []byte(chunk)) {
		q.mu.Lock()
		cmd.sent = idx + 1
		q.mu.Unlock()
		// A non-synchronizing literal ("{N+}") needs no "+" continuation:
		// its payload chunk follows immediately.
		if idx+1 < len(cmd.Data) && strings.HasSuffix(cmd.Data[idx], "+}\r\n") {
			q.sendChunk(cmd, idx+1)
		}
	}
}

// writeRaw arms the socket-write timeout, writes b, and funnels a
// transport failure as fatal. It returns true on success.
func (q *Queue) writeRaw(cmd *Command, b []byte) bool {
	q.armSocketTimeout(len(b))
	if _, err := q.sender.Write(b); err != nil {
		q.cancelSocketTimeout()
		q.failCurrent(cmd, &imap.TransportError{Err: err})
		return false
	}
	return true
}

func (q *Queue) failCurrent(cmd *Command, err error) {
	q.mu.Lock()
	if q.current != cmd {
		// Already completed or failed by a concurrent path (e.g. the
		// socket timer fired just after CompleteCurrent ran); nothing
		// left to do.
		q.mu.Unlock()
		return
	}
	q.current = nil
	q.mu.Unlock()

	if q.Metrics != nil {
		q.Metrics.CommandFinished(cmd.Request.Name, time.Since(cmd.startedAt), true)
	}

	cmd.done <- Outcome{Err: err}
	close(cmd.done)

	if q.OnFatal != nil {
		Guard(q.logger, "on_error", func() { q.OnFatal(err) })
	}
}
