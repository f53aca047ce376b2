package engine

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/shiraishimai/imap-client-go"
)

// UntaggedHandler receives every untagged response matching the name it
// was registered under, whether or not a command is currently in flight.
type UntaggedHandler func(resp *imap.Response)

// Dispatcher implements the response dispatcher: it turns one complete framed response line into a
// parsed, normalized Response and routes it to the right destination.
// It is driven by a single background reader goroutine; SetHandler may
// be called from any goroutine.
type Dispatcher struct {
	Parser imap.Parser
	Queue  *Queue

	handlersMu sync.RWMutex
	handlers   map[string]UntaggedHandler

	readyMu sync.Mutex
	ready   bool

	// Logger receives panic recovery diagnostics from user-supplied
	// handlers; nil falls back to slog.Default().
	Logger *slog.Logger

	// OnReady fires once, the first time any response (including the
	// initial greeting) is dispatched.
	OnReady func()
	// OnFatal funnels a ParserError for unparsable framed text.
	OnFatal func(error)
}

// NewDispatcher constructs a Dispatcher that parses framed text with
// parser and drives queue.
func NewDispatcher(parser imap.Parser, queue *Queue) *Dispatcher {
	return &Dispatcher{
		Parser:   parser,
		Queue:    queue,
		handlers: make(map[string]UntaggedHandler),
	}
}

// SetHandler registers (or replaces, or removes when h is nil) the
// handler invoked for untagged responses named name (case-insensitive).
func (d *Dispatcher) SetHandler(name string, h UntaggedHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	name = strings.ToUpper(name)
	if h == nil {
		delete(d.handlers, name)
		return
	}
	d.handlers[name] = h
}

// ClearHandlers removes every registered global untagged handler. The
// lifecycle controller calls this on close: the handler table is scoped
// to one client instance, but it does not survive past it.
func (d *Dispatcher) ClearHandlers() {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers = make(map[string]UntaggedHandler)
}

func (d *Dispatcher) handler(name string) (UntaggedHandler, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Dispatch processes one complete framed response line (as produced by
// wire.Framer.Feed): parse, normalize, extract, route, and mark ready.
func (d *Dispatcher) Dispatch(text string) {
	if strings.HasPrefix(text, "+") {
		d.Queue.HandleContinuation()
		// A continuation is mid-handshake, not a send opportunity: it
		// must not flip can_send (spec §4.2 step 5, "Do not consume
		// can_send state"), so only the ready transition applies here.
		d.markFirstReady()
		return
	}

	resp, err := d.Parser.Parse(text)
	if err != nil {
		if d.OnFatal != nil {
			Guard(d.Logger, "on_error", func() { d.OnFatal(&imap.ParserError{Err: err}) })
		}
		return
	}

	normalizeNumericUntagged(resp)
	extractResponseCode(resp)
	d.route(resp)
	d.markFirstReady()
	d.Queue.MarkCanSend()
}

// normalizeNumericUntagged turns "* 17 EXISTS" into Command "EXISTS",
// Nr 17. The parser deliberately leaves this raw.
func normalizeNumericUntagged(resp *imap.Response) {
	if resp.Tag != "*" {
		return
	}
	n, err := strconv.ParseUint(resp.Command, 10, 32)
	if err != nil {
		return
	}
	if len(resp.Attributes) == 0 || resp.Attributes[0].Kind != imap.AttrAtom {
		return
	}
	nr := uint32(n)
	resp.Nr = &nr
	resp.Command = strings.ToUpper(resp.Attributes[0].Atom)
	resp.Attributes = resp.Attributes[1:]
}

// extractResponseCode pulls the bracketed response code and trailing
// human-readable text out of an OK/NO/BAD/BYE/PREAUTH response's
// attributes. The parser hands these back as a
// leading AttrSection (maybe) and a trailing AttrText; this promotes
// them onto the Response's own fields.
func extractResponseCode(resp *imap.Response) {
	switch strings.ToUpper(resp.Command) {
	case "OK", "NO", "BAD", "BYE", "PREAUTH":
	default:
		return
	}
	if len(resp.Attributes) == 0 {
		return
	}

	rest := resp.Attributes
	if rest[0].Kind == imap.AttrSection {
		section := rest[0]
		if len(section.Items) > 0 {
			resp.Code = attrDisplay(section.Items[0])
			if len(section.Items) > 1 {
				args := make([]string, 0, len(section.Items)-1)
				for _, it := range section.Items[1:] {
					args = append(args, attrDisplay(it))
				}
				if len(args) == 1 {
					resp.CodeArgs = args[0]
				} else {
					resp.CodeArgs = args
				}
			}
		}
		rest = rest[1:]
	}
	if len(rest) > 0 && rest[len(rest)-1].Kind == imap.AttrText {
		resp.HumanReadable = rest[len(rest)-1].Text
	}
}

func attrDisplay(a *imap.Attribute) string {
	switch a.Kind {
	case imap.AttrAtom:
		return a.Atom
	case imap.AttrNumber:
		return strconv.FormatUint(uint64(a.Number), 10)
	case imap.AttrString:
		return a.Str
	case imap.AttrText:
		return a.Text
	default:
		return ""
	}
}

// route sends a normalized response to its destination: the current
// command's accept-untagged bucket, a global untagged handler, the
// current command's completion, or nowhere. Several branches are not
// mutually exclusive: an untagged response can both feed a command's
// accept-untagged bucket and fire a global handler.
func (d *Dispatcher) route(resp *imap.Response) {
	currentTag, accepts, hasCurrent := d.Queue.CurrentInfo()

	if resp.IsUntagged() {
		name := strings.ToUpper(resp.Command)

		if !hasCurrent {
			if h, ok := d.handler(name); ok {
				Guard(d.Logger, name, func() { h(resp) })
			}
			return
		}
		if accepts != nil && accepts[name] {
			d.Queue.AppendPayload(name, resp)
		}
		if h, ok := d.handler(name); ok {
			Guard(d.Logger, name, func() { h(resp) })
		}
		return
	}

	if hasCurrent && resp.Tag == currentTag {
		d.Queue.CompleteCurrent(resp, protocolErrorFor(resp))
		return
	}

	// Tag matches nothing in flight (stray or duplicate tagged
	// response): dropped.
}

func protocolErrorFor(resp *imap.Response) error {
	switch strings.ToUpper(resp.Command) {
	case "NO", "BAD":
		return imap.NewProtocolError(strings.ToUpper(resp.Command), resp.Code, resp.CodeArgs, resp.HumanReadable)
	default:
		return nil
	}
}

// markFirstReady fires OnReady once, the first time any response
// (including a "+" continuation) is dispatched. It only touches the
// ready transition; callers decide separately whether this response
// also permits sending the next queued command.
func (d *Dispatcher) markFirstReady() {
	d.readyMu.Lock()
	first := !d.ready
	d.ready = true
	d.readyMu.Unlock()
	if first && d.OnReady != nil {
		Guard(d.Logger, "on_ready", d.OnReady)
	}
}
