package wire

import (
	"reflect"
	"testing"
)

func TestFramerSimpleLine(t *testing.T) {
	f := NewFramer()
	got := f.Feed([]byte("* OK IMAP4rev1 ready\r\n"))
	want := []string{"* OK IMAP4rev1 ready"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestFramerLiteralAcrossChunks(t *testing.T) {
	f := NewFramer()
	first := f.Feed([]byte("* 1 FETCH (BODY[] {11}\r\nhello"))
	if len(first) != 0 {
		t.Fatalf("expected no complete response yet, got %#v", first)
	}
	second := f.Feed([]byte(" world)\r\nW3 OK fetched\r\n"))
	want := []string{
		"* 1 FETCH (BODY[] {11}\r\nhello world)",
		"W3 OK fetched",
	}
	if !reflect.DeepEqual(second, want) {
		t.Fatalf("got %#v, want %#v", second, want)
	}
}

func TestFramerLiteralContainingCRLF(t *testing.T) {
	f := NewFramer()
	out := f.Feed([]byte("* 1 FETCH (BODY[] {7}\r\nab\r\ncd)\r\nA1 OK done\r\n"))
	want := []string{
		"* 1 FETCH (BODY[] {7}\r\nab\r\ncd)",
		"A1 OK done",
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %#v, want %#v", out, want)
	}
}

func TestFramerEmptyLiteral(t *testing.T) {
	f := NewFramer()
	out := f.Feed([]byte("* 1 FETCH (BODY[] {0}\r\n)\r\n"))
	want := []string{"* 1 FETCH (BODY[] {0}\r\n)"}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %#v, want %#v", out, want)
	}
}

func TestFramerNonSyncLiteralFramedIdentically(t *testing.T) {
	// {N+} is framed exactly like {N}; only the send engine treats it
	// specially when deciding whether to wait for a continuation.
	f := NewFramer()
	out := f.Feed([]byte("A1 APPEND INBOX {5+}\r\nhelloX\r\n"))
	want := []string{"A1 APPEND INBOX {5+}\r\nhelloX"}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %#v, want %#v", out, want)
	}
}

func TestFramerBareLFTolerance(t *testing.T) {
	f := NewFramer()
	out := f.Feed([]byte("* OK ready\nW1 OK done\n"))
	want := []string{"* OK ready", "W1 OK done"}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %#v, want %#v", out, want)
	}
}

func TestFramerChunkBoundaryInsideLiteralToken(t *testing.T) {
	f := NewFramer()
	first := f.Feed([]byte("* 1 FETCH (BODY[] {1"))
	if len(first) != 0 {
		t.Fatalf("expected no complete response yet, got %#v", first)
	}
	second := f.Feed([]byte("1}\r\nhello world)\r\n"))
	want := []string{"* 1 FETCH (BODY[] {11}\r\nhello world)"}
	if !reflect.DeepEqual(second, want) {
		t.Fatalf("got %#v, want %#v", second, want)
	}
}

func TestFramerPartitionInvariance(t *testing.T) {
	stream := "* 1 FETCH (BODY[] {11}\r\nhello world)\r\nW3 OK fetched\r\n* 2 EXISTS\r\n"
	want := f(t, [][]byte{[]byte(stream)})

	partitions := [][]int{
		{1, 3, 5, len(stream)},
		{10, 20, 30},
		{len(stream)},
	}
	for _, cuts := range partitions {
		var chunks [][]byte
		prev := 0
		for _, c := range cuts {
			if c > len(stream) {
				c = len(stream)
			}
			if c <= prev {
				continue
			}
			chunks = append(chunks, []byte(stream[prev:c]))
			prev = c
		}
		if prev < len(stream) {
			chunks = append(chunks, []byte(stream[prev:]))
		}
		got := f(t, chunks)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("partition %v: got %#v, want %#v", cuts, got, want)
		}
	}
}

func f(t *testing.T, chunks [][]byte) []string {
	t.Helper()
	fr := NewFramer()
	var out []string
	for _, c := range chunks {
		out = append(out, fr.Feed(c)...)
	}
	return out
}
