package wire

import (
	"regexp"
)

// literalToken matches a trailing "{N}" or "{N+}" literal declaration
// immediately before a line terminator.
var literalToken = regexp.MustCompile(`\{(\d+)(\+)?\}$`)

// Framer turns an inbound byte stream into complete IMAP response texts,
// honoring octet-counted literals that may themselves contain CRLFs and
// may straddle arbitrary chunk boundaries. It is the line/literal framer
// of the transport core (component 3): given any partition of a byte
// stream into Feed calls, it emits the same sequence of response texts
// as a single Feed of the whole stream.
//
// A Framer is owned by a single goroutine; see engine.Dispatcher for the
// concurrency boundary.
type Framer struct {
	incoming        []byte
	pending         []byte
	literalRemaining int
}

// NewFramer returns a Framer with empty state.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends chunk to the framer's buffer and returns every complete
// response text it can now assemble, in order. chunk is not retained.
func (f *Framer) Feed(chunk []byte) []string {
	f.incoming = append(f.incoming, chunk...)

	var out []string
	for {
		if f.literalRemaining > 0 {
			if len(f.incoming) < f.literalRemaining {
				break
			}
			f.pending = append(f.pending, f.incoming[:f.literalRemaining]...)
			f.incoming = f.incoming[f.literalRemaining:]
			f.literalRemaining = 0
			continue
		}

		idx, termLen := findLineTerminator(f.incoming)
		if idx < 0 {
			break
		}

		line := f.incoming[:idx]
		if m := literalToken.FindSubmatch(line); m != nil {
			n := parseUint(m[1])
			f.pending = append(f.pending, f.incoming[:idx+termLen]...)
			f.incoming = f.incoming[idx+termLen:]
			f.literalRemaining = n
			continue
		}

		f.pending = append(f.pending, line...)
		f.incoming = f.incoming[idx+termLen:]
		out = append(out, string(f.pending))
		f.pending = f.pending[:0]
	}
	return out
}

// findLineTerminator returns the index of the first CRLF or bare LF in
// buf and the terminator's length (2 or 1), or (-1, 0) if none is
// present. Bare-LF tolerance accommodates nonconforming servers.
func findLineTerminator(buf []byte) (idx, termLen int) {
	for i, b := range buf {
		if b == '\n' {
			if i > 0 && buf[i-1] == '\r' {
				return i - 1, 2
			}
			return i, 1
		}
	}
	return -1, 0
}

// parseUint parses an ASCII decimal digit sequence known (by the regexp
// that captured it) to contain only '0'-'9'.
func parseUint(digits []byte) int {
	n := 0
	for _, d := range digits {
		n = n*10 + int(d-'0')
	}
	return n
}

// Reset discards all buffered state. The lifecycle controller does not
// call it: it builds a fresh Framer per connection, and framer state is
// never resurrected post-close.
func (f *Framer) Reset() {
	f.incoming = nil
	f.pending = nil
	f.literalRemaining = 0
}
