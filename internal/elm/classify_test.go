package elm

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		line, last string
		want       Class
	}{
		{"41 0C 1A F8", "010C", ClassData},
		{"43 01 33 00 00", "03", ClassData},
		{"49 02 01 31 47", "0902", ClassData},
		{"OK", "ATE0", ClassStatus},
		{"NO DATA", "0105", ClassStatus},
		{"no data", "0105", ClassStatus},
		{"UNABLE TO CONNECT", "0105", ClassStatus},
		{"?", "XYZ", ClassStatus},
		{"SEARCHING...", "0105", ClassStatus},
		{"BUS INIT: ...OK", "0105", ClassStatus},
		{"ELM327 v1.5", "ATZ", ClassStatus},
		{"ERR94", "0105", ClassStatus},
		{"ATZ", "ATZ", ClassEcho},
		{"01 0C", "010C", ClassEcho},
		{"7E8 06", "010C", ClassUnknown},
		{"hello", "", ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.line, tt.last); got != tt.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", tt.line, tt.last, got, tt.want)
		}
	}
}

func TestSequencerOrder(t *testing.T) {
	q := newSequencer(Config{
		InitCommands:     []string{"ATZ", "ATE0"},
		VehicleIDCommand: "0902",
		Poll:             []string{"0105", "010C"},
	})
	want := []string{"ATZ", "ATE0", "0902", "0105", "010C", "0105", "010C"}
	for i, w := range want {
		got, ok := q.Next()
		if !ok || got != w {
			t.Fatalf("step %d: got %q, %v; want %q", i, got, ok, w)
		}
	}
}

func TestSequencerEmptyPoll(t *testing.T) {
	q := newSequencer(Config{InitCommands: []string{"ATZ"}})
	if c, ok := q.Next(); !ok || c != "ATZ" {
		t.Fatalf("got %q, %v", c, ok)
	}
	if c, ok := q.Next(); ok {
		t.Fatalf("unexpected command %q", c)
	}
}
