package obd

import (
	"errors"
	"testing"
)

func TestResponseKey(t *testing.T) {
	tests := []struct {
		in      string
		key     string
		payload string
		ok      bool
	}{
		{"410C1F4", "010C", "1F4", true},
		{"41057B", "0105", "7B", true},
		{"490231443447", "0902", "31443447", true},
		{"4301330000", "03", "01330000", true},
		{"43", "03", "", true},
		{"41", "", "", false},
		{"7F0112", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		key, payload, ok := ResponseKey(tt.in)
		if ok != tt.ok || key != tt.key || payload != tt.payload {
			t.Errorf("ResponseKey(%q) = %q, %q, %v; want %q, %q, %v",
				tt.in, key, payload, ok, tt.key, tt.payload, tt.ok)
		}
	}
}

func TestDecodeNumeric(t *testing.T) {
	tests := []struct {
		name string
		pid  string
		in   string
		kind Kind
		want float64
	}{
		{"rpm 1F4", PIDEngineRPM, "1F4", KindRPM, 125},
		{"rpm 1AF8", PIDEngineRPM, "1AF8", KindRPM, 1726},
		{"rpm zero", PIDEngineRPM, "0000", KindRPM, 0},
		{"coolant 7B", PIDCoolantTemp, "7B", KindTemperature, 83},
		{"coolant zero", PIDCoolantTemp, "00", KindTemperature, -40},
		{"voltage", PIDModuleVoltage, "30D4", KindVoltage, 12.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Same payload twice must give the same answer.
			for i := 0; i < 2; i++ {
				got, err := Decode(tt.pid, tt.in)
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if len(got) != 1 || got[0].Kind != tt.kind || got[0].Value != tt.want {
					t.Fatalf("Decode(%s, %s) = %+v, want %v %v", tt.pid, tt.in, got, tt.kind, tt.want)
				}
			}
		})
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		pid string
		in  string
	}{
		{PIDEngineRPM, "ZZ"},
		{PIDEngineRPM, ""},
		{PIDCoolantTemp, "NODATA"},
		{PIDCoolantTemp, "FFFFFFFFFFFF"},
		{PIDTroubleCodes, "013"},
		{PIDTroubleCodes, "01G3"},
		{PIDVehicleID, ""},
		{"0199", "00"},
	}
	for _, tt := range tests {
		_, err := Decode(tt.pid, tt.in)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Decode(%s, %q) err = %v, want *DecodeError", tt.pid, tt.in, err)
			continue
		}
		if de.PID != tt.pid || de.Payload != tt.in {
			t.Errorf("DecodeError fields = %+v", de)
		}
	}
}

func TestTroubleCodesSkipEmptyChunks(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"000000000000", nil},
		{"013300000000", []string{"P0133"}},
		{"000001330000", []string{"P0133"}},
		{"00000000C123", []string{"U0123"}},
		{"4217813300009A01", []string{"C0217", "B0133", "B1A01"}},
	}
	for _, tt := range tests {
		got, err := Decode(PIDTroubleCodes, tt.in)
		if err != nil {
			t.Fatalf("Decode(%q): %v", tt.in, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("Decode(%q) = %+v, want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i].Kind != KindTroubleCode || got[i].Text != tt.want[i] {
				t.Errorf("Decode(%q)[%d] = %+v, want %s", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestFormatDTC(t *testing.T) {
	tests := map[string]string{
		"0133": "P0133",
		"1234": "P1234",
		"4217": "C0217",
		"8133": "B0133",
		"C123": "U0123",
		"F0FF": "U30FF",
	}
	for in, want := range tests {
		got, err := FormatDTC(in)
		if err != nil || got != want {
			t.Errorf("FormatDTC(%s) = %s, %v; want %s", in, got, err, want)
		}
	}
}

func TestKindText(t *testing.T) {
	for _, k := range []Kind{KindTemperature, KindRPM, KindTroubleCode, KindVehicleID, KindVoltage} {
		b, _ := k.MarshalText()
		var back Kind
		if err := back.UnmarshalText(b); err != nil || back != k {
			t.Errorf("round trip %v: got %v, %v", k, back, err)
		}
	}
	if _, err := ParseKind("speed"); err == nil {
		t.Error("ParseKind(speed) should fail")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" 01 0c "); got != "010C" {
		t.Errorf("Normalize = %q", got)
	}
	if !Known("010c") || Known("0199") {
		t.Error("Known mismatch")
	}
}
