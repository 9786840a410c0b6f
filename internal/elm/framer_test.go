package elm

import (
	"reflect"
	"testing"
)

const transcript = "ATZ\r\r\rELM327 v1.5\r\r>ATE0\rOK\r\r>41 0C 1A F8 \r\n\r>  43 01 33 00 00 00 00\r\r>NO DATA\r\r>"

func feedAll(chunks [][]byte) []Token {
	var f Framer
	var out []Token
	for _, c := range chunks {
		out = append(out, f.Feed(c)...)
	}
	return out
}

func TestFramerChunkInvariance(t *testing.T) {
	want := feedAll([][]byte{[]byte(transcript)})
	if len(want) == 0 {
		t.Fatal("no tokens")
	}

	// One byte at a time.
	var single [][]byte
	for i := 0; i < len(transcript); i++ {
		single = append(single, []byte{transcript[i]})
	}
	if got := feedAll(single); !reflect.DeepEqual(got, want) {
		t.Fatalf("byte-wise tokens differ:\n got %v\nwant %v", got, want)
	}

	// Every two- and three-way split.
	for i := 0; i <= len(transcript); i++ {
		for j := i; j <= len(transcript); j++ {
			chunks := [][]byte{[]byte(transcript[:i]), []byte(transcript[i:j]), []byte(transcript[j:])}
			if got := feedAll(chunks); !reflect.DeepEqual(got, want) {
				t.Fatalf("split at %d,%d differs:\n got %v\nwant %v", i, j, got, want)
			}
		}
	}
}

func TestFramerTokens(t *testing.T) {
	var f Framer
	got := f.Feed([]byte("OK\r\n\r>41 05 7B"))
	want := []Token{{Line: "OK"}, {Prompt: true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if f.Pending() != len("41 05 7B") {
		t.Fatalf("pending %d", f.Pending())
	}
	got = f.Feed([]byte("\r"))
	if len(got) != 1 || got[0].Line != "41 05 7B" {
		t.Fatalf("tail not completed: %v", got)
	}
	if f.Pending() != 0 {
		t.Fatalf("pending %d after terminator", f.Pending())
	}
}

func TestFramerPromptTerminatesLine(t *testing.T) {
	var f Framer
	got := f.Feed([]byte("STOPPED>"))
	want := []Token{{Line: "STOPPED"}, {Prompt: true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFramerDropsBlankLines(t *testing.T) {
	var f Framer
	if got := f.Feed([]byte(" \t\r\n\x00\r  \n")); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}
