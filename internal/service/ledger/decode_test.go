package ledger

import (
	"math/big"
	"testing"
)

// packChunks is the inverse of DecodeChunks for test fixtures: the text
// is split into fixed-width byte runs, each encoded as a base-10 big
// integer with the bigint type suffix.
func packChunks(text string, width int) []string {
	data := []byte(text)
	var chunks []string
	for len(data) > 0 {
		n := width
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, new(big.Int).SetBytes(data[:n]).String()+"n")
		data = data[n:]
	}
	return chunks
}

func TestDecodeChunksRoundTrip(t *testing.T) {
	text := `{"kind":"message-send","sender":"alice","recipient":"bob","ts":1712345678901}`

	got, skipped := DecodeChunks(packChunks(text, 8))
	if skipped != 0 {
		t.Fatalf("skipped %d well-formed chunks", skipped)
	}
	if got != text {
		t.Fatalf("round trip mismatch:\n got %q\nwant %q", got, text)
	}
}

func TestDecodeChunksSkipsEmptyAndZero(t *testing.T) {
	chunks := packChunks("hello", 4)
	chunks = append([]string{"", "  ", "0n", "0"}, chunks...)

	got, skipped := DecodeChunks(chunks)
	if skipped != 0 {
		t.Fatalf("empty/zero chunks counted as malformed: %d", skipped)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestDecodeChunksSkipsMalformed(t *testing.T) {
	chunks := packChunks("hi", 4)
	chunks = append(chunks, "not-a-number", "12x34n")

	got, skipped := DecodeChunks(chunks)
	if got != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}
	if skipped == 0 {
		t.Fatal("malformed chunks were not counted")
	}
}

func TestDecodeChunksStripsTypeSuffix(t *testing.T) {
	// 104, 105 = "hi"
	got, skipped := DecodeChunks([]string{"26729n"})
	if skipped != 0 || got != "hi" {
		t.Fatalf("got %q (skipped %d), want %q", got, skipped, "hi")
	}
}

func TestParseTransition(t *testing.T) {
	tr, err := ParseTransition(`{"kind":"message-send","sender":"alice","recipient":"bob","ts":42}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tr.Kind != KindMessageSend || tr.Sender != "alice" || tr.Recipient != "bob" || tr.Timestamp != 42 {
		t.Fatalf("unexpected transition %+v", tr)
	}
}

func TestParseTransitionRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not json", `{"sender":"alice"}`} {
		if _, err := ParseTransition(in); err == nil {
			t.Errorf("ParseTransition(%q) accepted invalid input", in)
		}
	}
}
