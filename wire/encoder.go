package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shiraishimai/imap-client-go"
)

// Encoder writes IMAP protocol data to an io.Writer.
// It provides a fluent API for building IMAP responses and commands.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, 4096)
	}
	return &Encoder{w: bw}
}

// Flush flushes buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Raw writes raw bytes to the output.
func (e *Encoder) Raw(data []byte) *Encoder {
	_, _ = e.w.Write(data)
	return e
}

// RawString writes a raw string to the output.
func (e *Encoder) RawString(s string) *Encoder {
	_, _ = e.w.WriteString(s)
	return e
}

// Atom writes an atom.
func (e *Encoder) Atom(s string) *Encoder {
	_, _ = e.w.WriteString(s)
	return e
}

// SP writes a space.
func (e *Encoder) SP() *Encoder {
	_ = e.w.WriteByte(' ')
	return e
}

// CRLF writes a CRLF.
func (e *Encoder) CRLF() *Encoder {
	_, _ = e.w.WriteString("\r\n")
	return e
}

// QuotedString writes a quoted string, escaping special characters.
func (e *Encoder) QuotedString(s string) *Encoder {
	_ = e.w.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if IsQuotedSpecial(s[i]) {
			_ = e.w.WriteByte('\\')
		}
		_ = e.w.WriteByte(s[i])
	}
	_ = e.w.WriteByte('"')
	return e
}

// String writes a string, using the best encoding (atom, quoted, or literal).
func (e *Encoder) String(s string) *Encoder {
	if NeedsLiteral(s) {
		return e.Literal([]byte(s))
	}
	if NeedsQuoting(s) {
		return e.QuotedString(s)
	}
	return e.Atom(s)
}

// IsQuotedSpecial reports whether b must be backslash-escaped inside a
// quoted string.
func IsQuotedSpecial(b byte) bool { return b == '"' || b == '\\' }

// NeedsLiteral reports whether s holds a byte a quoted string cannot
// carry: CR, LF, NUL or a non-ASCII byte.
func NeedsLiteral(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00") || strings.IndexFunc(s, func(r rune) bool { return r > 0x7e }) >= 0
}

// NeedsQuoting reports whether s cannot be written as a bare atom.
func NeedsQuoting(s string) bool {
	return s == "" || strings.IndexFunc(s, func(r rune) bool { return r > 0x7e || !isAtomChar(byte(r)) }) >= 0
}

// AString writes an astring (atom or string).
func (e *Encoder) AString(s string) *Encoder {
	return e.String(s)
}

// NString writes a nstring (NIL or string).
func (e *Encoder) NString(s *string) *Encoder {
	if s == nil {
		return e.Nil()
	}
	return e.String(*s)
}

// Nil writes NIL.
func (e *Encoder) Nil() *Encoder {
	_, _ = e.w.WriteString("NIL")
	return e
}

// Number writes an unsigned 32-bit number.
func (e *Encoder) Number(n uint32) *Encoder {
	_, _ = e.w.WriteString(strconv.FormatUint(uint64(n), 10))
	return e
}

// Number64 writes an unsigned 64-bit number.
func (e *Encoder) Number64(n uint64) *Encoder {
	_, _ = e.w.WriteString(strconv.FormatUint(n, 10))
	return e
}

// Literal writes a literal string {n}\r\n<data>.
func (e *Encoder) Literal(data []byte) *Encoder {
	_ = e.w.WriteByte('{')
	_, _ = e.w.WriteString(strconv.Itoa(len(data)))
	_ = e.w.WriteByte('}')
	_, _ = e.w.WriteString("\r\n")
	_, _ = e.w.Write(data)
	return e
}

// LiteralNonSync writes a non-synchronizing literal {n+}\r\n<data>.
func (e *Encoder) LiteralNonSync(data []byte) *Encoder {
	_ = e.w.WriteByte('{')
	_, _ = e.w.WriteString(strconv.Itoa(len(data)))
	_, _ = e.w.WriteString("+}")
	_, _ = e.w.WriteString("\r\n")
	_, _ = e.w.Write(data)
	return e
}

// LiteralWriter returns a writer for streaming literal data.
func (e *Encoder) LiteralWriter(size int64, nonSync bool) io.Writer {
	_ = e.w.WriteByte('{')
	_, _ = e.w.WriteString(strconv.FormatInt(size, 10))
	if nonSync {
		_ = e.w.WriteByte('+')
	}
	_ = e.w.WriteByte('}')
	_, _ = e.w.WriteString("\r\n")
	_ = e.w.Flush()
	return e.w
}

// BeginList writes an opening parenthesis.
func (e *Encoder) BeginList() *Encoder {
	_ = e.w.WriteByte('(')
	return e
}

// EndList writes a closing parenthesis.
func (e *Encoder) EndList() *Encoder {
	_ = e.w.WriteByte(')')
	return e
}

// List writes a parenthesized list of strings.
func (e *Encoder) List(items []string) *Encoder {
	_ = e.w.WriteByte('(')
	for i, item := range items {
		if i > 0 {
			_ = e.w.WriteByte(' ')
		}
		e.String(item)
	}
	_ = e.w.WriteByte(')')
	return e
}

// Flags writes a parenthesized list of flags.
func (e *Encoder) Flags(flags []string) *Encoder {
	return e.List(flags)
}

// Date writes a date in DD-Mon-YYYY format.
func (e *Encoder) Date(t time.Time) *Encoder {
	return e.QuotedString(t.Format("02-Jan-2006"))
}

// DateTime writes a date-time in DD-Mon-YYYY HH:MM:SS +ZZZZ format.
func (e *Encoder) DateTime(t time.Time) *Encoder {
	return e.QuotedString(t.Format("02-Jan-2006 15:04:05 -0700"))
}

// Tag writes a command tag.
func (e *Encoder) Tag(tag string) *Encoder {
	_, _ = e.w.WriteString(tag)
	return e
}

// MailboxName writes a mailbox name, quoting if needed.
func (e *Encoder) MailboxName(name string) *Encoder {
	if strings.EqualFold(name, "INBOX") {
		return e.Atom("INBOX")
	}
	return e.AString(name)
}

// Writer returns the underlying buffered writer.
func (e *Encoder) Writer() *bufio.Writer {
	return e.w
}

// Compile implements imap.Compiler. It renders req's parts in order by
// driving this same Encoder's fluent methods (Tag/SP/Atom/CRLF/Raw)
// against a fresh in-memory buffer per chunk, splitting into multiple
// chunks at each literal part when splitForLiterals is set. Every
// chunk but the last ends with a literal declaration and its
// mandatory trailing CRLF (the wire syntax requires a literal
// declaration to be followed by CRLF regardless of whether more
// chunks remain); the last chunk carries no trailing CRLF because
// only the send engine knows it is actually the last one written.
func (e *Encoder) Compile(req *imap.Request, splitForLiterals, redactForLog bool) ([]string, error) {
	var chunks []string
	buf := &bytes.Buffer{}
	cur := NewEncoder(buf)

	flush := func() string {
		_ = cur.Flush()
		s := buf.String()
		buf.Reset()
		cur = NewEncoder(buf)
		return s
	}

	cur.Tag(req.Tag)
	if req.Name != "" {
		cur.SP().Atom(req.Name)
	}

	for _, part := range req.Parts {
		if part.Literal {
			cur.SP().literalDecl(len(part.Bytes), part.NonSync).CRLF()

			if !splitForLiterals {
				cur.literalPayload(part, redactForLog)
				continue
			}

			chunks = append(chunks, flush())
			cur.literalPayload(part, redactForLog)
			continue
		}

		if part.Text == "" {
			return nil, fmt.Errorf("imap: empty non-literal command part")
		}
		cur.SP().Atom(part.Text)
	}

	chunks = append(chunks, flush())
	return chunks, nil
}

// literalDecl writes a "{N}" or "{N+}" literal declaration token.
func (e *Encoder) literalDecl(n int, nonSync bool) *Encoder {
	e.RawString("{" + strconv.Itoa(n))
	if nonSync {
		e.RawString("+")
	}
	return e.RawString("}")
}

// literalPayload writes a literal's body, or a redacted placeholder in
// its place when compiling for a log line.
func (e *Encoder) literalPayload(part imap.Part, redactForLog bool) *Encoder {
	if redactForLog {
		return e.RawString(fmt.Sprintf("<%d bytes redacted>", len(part.Bytes)))
	}
	return e.Raw(part.Bytes)
}
