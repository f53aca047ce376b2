package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shiraishimai/imap-client-go"
)

// Decoder is the reference implementation of imap.Parser. It turns one
// complete framed response text (as produced by Framer.Feed) into a
// typed imap.Response.
//
// Decoder deliberately does not implement full IMAP grammar fidelity
// (SEARCH keys, BODYSTRUCTURE, address lists, ...); it recognizes atoms,
// quoted strings, literals, parenthesized lists and bracketed sections,
// which is enough to exercise and test the transport core end to end.
// A richer parser is an external collaborator and can
// replace this one via the imap.Parser interface without touching the
// engine.
type Decoder struct{}

// NewDecoder returns a stateless reference Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Parse implements imap.Parser.
func (d *Decoder) Parse(text string) (*imap.Response, error) {
	r := &reader{br: bufio.NewReader(strings.NewReader(text))}

	tag, err := r.readToken()
	if err != nil {
		return nil, fmt.Errorf("imap: parse tag: %w", err)
	}

	if err := r.skipSP(); err != nil {
		// An untagged response with no further content (rare) is still
		// well-formed; only propagate genuine read errors.
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("imap: parse: %w", err)
		}
		return &imap.Response{Tag: tag}, nil
	}

	command, err := r.readToken()
	if err != nil {
		return nil, fmt.Errorf("imap: parse command: %w", err)
	}

	resp := &imap.Response{Tag: tag, Command: command}

	switch strings.ToUpper(command) {
	case "OK", "NO", "BAD", "BYE", "PREAUTH":
		attrs, err := r.readRespText()
		if err != nil {
			return nil, fmt.Errorf("imap: parse resp-text: %w", err)
		}
		resp.Attributes = attrs
	default:
		attrs, err := r.readAttributes()
		if err != nil {
			return nil, fmt.Errorf("imap: parse attributes: %w", err)
		}
		resp.Attributes = attrs
	}

	return resp, nil
}

// reader is a one-shot tokenizer over a single framed response's bytes.
type reader struct {
	br *bufio.Reader
}

func (r *reader) peekByte() (byte, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) skipSP() error {
	for {
		b, err := r.peekByte()
		if err != nil {
			return err
		}
		if b != ' ' {
			return nil
		}
		_, _ = r.br.ReadByte()
	}
}

// readToken reads a bare whitespace-delimited token, used for the
// leading tag and command words where no quoting/literal form applies.
func (r *reader) readToken() (string, error) {
	var buf strings.Builder
	for {
		b, err := r.peekByte()
		if err != nil {
			if buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}
		if b == ' ' || b == '\r' || b == '\n' {
			break
		}
		_, _ = r.br.ReadByte()
		buf.WriteByte(b)
	}
	if buf.Len() == 0 {
		return "", fmt.Errorf("expected token")
	}
	return buf.String(), nil
}

// readRespText parses the IMAP resp-text production: an optional
// bracketed response code followed by free text running to the end of
// the line. This yields at most two attributes: an AttrSection (if a
// code was present) and a final AttrText, matching imap.go's contract
// that AttrText only ever appears last.
func (r *reader) readRespText() ([]*imap.Attribute, error) {
	var attrs []*imap.Attribute

	_ = r.skipSP()
	b, err := r.peekByte()
	if err == nil && b == '[' {
		section, err := r.readSection()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, section)
		_ = r.skipSP()
	}

	rest, _ := r.br.ReadString(0) // drains to EOF; bufio returns io.EOF with data
	rest = strings.TrimRight(rest, "\r\n")
	if rest != "" {
		attrs = append(attrs, &imap.Attribute{Kind: imap.AttrText, Text: rest})
	}
	return attrs, nil
}

// readAttributes tokenizes the remainder of a generic (non resp-text)
// response line into a flat, space-separated attribute list.
func (r *reader) readAttributes() ([]*imap.Attribute, error) {
	var attrs []*imap.Attribute
	for {
		if err := r.skipSP(); err != nil {
			break
		}
		b, err := r.peekByte()
		if err != nil {
			break
		}
		if b == '\r' || b == '\n' {
			break
		}
		attr, err := r.readAttribute()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func (r *reader) readAttribute() (*imap.Attribute, error) {
	b, err := r.peekByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case '(':
		return r.readList()
	case '[':
		return r.readSection()
	case '"':
		s, err := r.readQuotedString()
		if err != nil {
			return nil, err
		}
		return &imap.Attribute{Kind: imap.AttrString, Str: s}, nil
	case '{':
		s, err := r.readLiteral()
		if err != nil {
			return nil, err
		}
		return &imap.Attribute{Kind: imap.AttrString, Str: s}, nil
	default:
		atom, err := r.readAtomWithGluedSection()
		if err != nil {
			return nil, err
		}
		if n, err := strconv.ParseUint(atom, 10, 32); err == nil {
			v := uint32(n)
			return &imap.Attribute{Kind: imap.AttrNumber, Number: v, Atom: atom}, nil
		}
		return &imap.Attribute{Kind: imap.AttrAtom, Atom: atom}, nil
	}
}

// readAtomWithGluedSection reads a bare atom and, when a "[" follows
// immediately with no intervening space (FETCH's "BODY[]", "BODY[1.2]"
// shape), folds the bracketed section into the atom text verbatim
// rather than modeling it as a nested section attribute. This is a
// simplified merge heuristic; full section-aware
// FETCH parsing belongs to the out-of-scope command-set package.
func (r *reader) readAtomWithGluedSection() (string, error) {
	var buf strings.Builder
	// A leading backslash marks a system flag atom (\Seen, \HasChildren);
	// it is otherwise excluded from atom-specials.
	if b, err := r.peekByte(); err == nil && b == '\\' {
		_, _ = r.br.ReadByte()
		buf.WriteByte(b)
	}
	for {
		b, err := r.peekByte()
		if err != nil {
			break
		}
		if !isAtomChar(b) {
			break
		}
		_, _ = r.br.ReadByte()
		buf.WriteByte(b)
	}
	if buf.Len() == 0 {
		return "", fmt.Errorf("expected atom")
	}
	if b, err := r.peekByte(); err == nil && b == '[' {
		start := buf.Len()
		buf.WriteByte('[')
		_, _ = r.br.ReadByte()
		depth := 1
		for depth > 0 {
			c, err := r.br.ReadByte()
			if err != nil {
				return "", fmt.Errorf("unterminated section in %q", buf.String()[start:])
			}
			buf.WriteByte(c)
			switch c {
			case '[':
				depth++
			case ']':
				depth--
			}
		}
	}
	return buf.String(), nil
}

func (r *reader) readQuotedString() (string, error) {
	if b, _ := r.br.ReadByte(); b != '"' {
		return "", fmt.Errorf("expected '\"'")
	}
	var buf strings.Builder
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("unterminated quoted string: %w", err)
		}
		if c == '"' {
			return buf.String(), nil
		}
		if c == '\\' {
			esc, err := r.br.ReadByte()
			if err != nil {
				return "", err
			}
			buf.WriteByte(esc)
			continue
		}
		buf.WriteByte(c)
	}
}

// readLiteral reads a "{N}" or "{N+}" header and then the N raw octets
// that follow it. The framer has already guaranteed those N bytes are
// present in text (they were accounted for by literal_remaining before
// this response was ever handed to the parser).
func (r *reader) readLiteral() (string, error) {
	if b, _ := r.br.ReadByte(); b != '{' {
		return "", fmt.Errorf("expected '{'")
	}
	var digits strings.Builder
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			return "", err
		}
		if c == '+' {
			continue
		}
		if c == '}' {
			break
		}
		digits.WriteByte(c)
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return "", fmt.Errorf("invalid literal size: %w", err)
	}
	// Consume the CRLF (or bare LF) that always follows a literal header.
	c, err := r.br.ReadByte()
	if err != nil {
		return "", err
	}
	if c == '\r' {
		if _, err := r.br.ReadByte(); err != nil {
			return "", err
		}
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		c, err := r.br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("truncated literal: %w", err)
		}
		buf[i] = c
	}
	return string(buf), nil
}

func (r *reader) readList() (*imap.Attribute, error) {
	if b, _ := r.br.ReadByte(); b != '(' {
		return nil, fmt.Errorf("expected '('")
	}
	attr := &imap.Attribute{Kind: imap.AttrList}
	first := true
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, fmt.Errorf("unterminated list: %w", err)
		}
		if b == ')' {
			_, _ = r.br.ReadByte()
			return attr, nil
		}
		if !first {
			if err := r.skipSP(); err != nil {
				return nil, err
			}
		}
		item, err := r.readAttribute()
		if err != nil {
			return nil, err
		}
		attr.Items = append(attr.Items, item)
		first = false
	}
}

func (r *reader) readSection() (*imap.Attribute, error) {
	if b, _ := r.br.ReadByte(); b != '[' {
		return nil, fmt.Errorf("expected '['")
	}
	attr := &imap.Attribute{Kind: imap.AttrSection}
	first := true
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, fmt.Errorf("unterminated section: %w", err)
		}
		if b == ']' {
			_, _ = r.br.ReadByte()
			return attr, nil
		}
		if !first {
			if err := r.skipSP(); err != nil {
				return nil, err
			}
		}
		item, err := r.readAttribute()
		if err != nil {
			return nil, err
		}
		attr.Items = append(attr.Items, item)
		first = false
	}
}

// isAtomChar reports whether b may appear in an IMAP atom (RFC 3501
// atom-specials).
func isAtomChar(b byte) bool {
	if b < 0x20 || b > 0x7e {
		return false
	}
	switch b {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']', '[':
		return false
	}
	return true
}
