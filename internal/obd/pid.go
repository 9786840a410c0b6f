package obd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Request tokens for the PIDs the session knows how to decode.
const (
	PIDCoolantTemp   = "0105"
	PIDEngineRPM     = "010C"
	PIDModuleVoltage = "0142"
	PIDTroubleCodes  = "03"
	PIDVehicleID     = "0902"
)

// noCode is the trouble-code chunk that pads an empty slot.
const noCode = "0000"

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrUnknownPID   = errors.New("pid not in decode table")
	ErrChunkLength  = errors.New("payload is not a whole number of 4-digit chunks")
)

// DecodeError reports a payload that could not be turned into a value.
type DecodeError struct {
	PID     string
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("obd: decode %s payload %q: %v", e.PID, e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reading is a decoded value before it is stamped with vehicle and time.
type Reading struct {
	Kind  Kind
	Value float64
	Text  string
}

// PID describes one entry in the decode table.
type PID struct {
	Code   string
	Name   string
	Kind   Kind
	decode func(payload string) ([]Reading, error)
}

var table = map[string]PID{
	PIDCoolantTemp: {
		Code: PIDCoolantTemp, Name: "engine coolant temperature", Kind: KindTemperature,
		decode: func(p string) ([]Reading, error) {
			raw, err := parseHex(p)
			if err != nil {
				return nil, err
			}
			return []Reading{{Kind: KindTemperature, Value: float64(raw) - 40}}, nil
		},
	},
	PIDEngineRPM: {
		Code: PIDEngineRPM, Name: "engine rpm", Kind: KindRPM,
		decode: func(p string) ([]Reading, error) {
			raw, err := parseHex(p)
			if err != nil {
				return nil, err
			}
			return []Reading{{Kind: KindRPM, Value: float64(raw) / 4}}, nil
		},
	},
	PIDModuleVoltage: {
		Code: PIDModuleVoltage, Name: "control module voltage", Kind: KindVoltage,
		decode: func(p string) ([]Reading, error) {
			raw, err := parseHex(p)
			if err != nil {
				return nil, err
			}
			return []Reading{{Kind: KindVoltage, Value: float64(raw) / 1000}}, nil
		},
	},
	PIDTroubleCodes: {
		Code: PIDTroubleCodes, Name: "stored trouble codes", Kind: KindTroubleCode,
		decode: decodeTroubleCodes,
	},
	PIDVehicleID: {
		Code: PIDVehicleID, Name: "vehicle identification", Kind: KindVehicleID,
		// A single legacy frame: sequence byte, then identifier bytes.
		decode: func(p string) ([]Reading, error) {
			if p == "" {
				return nil, ErrEmptyPayload
			}
			if len(p) < 2 {
				return nil, ErrVehicleIDFrame
			}
			id, err := vehicleIDText(p[2:])
			if err != nil {
				return nil, err
			}
			return []Reading{{Kind: KindVehicleID, Text: id}}, nil
		},
	},
}

// Lookup returns the decode table entry for a request token.
func Lookup(code string) (PID, bool) {
	p, ok := table[Normalize(code)]
	return p, ok
}

// Known reports whether code has a decoder.
func Known(code string) bool {
	_, ok := Lookup(code)
	return ok
}

// Normalize upper-cases a PID token and drops any whitespace inside it.
func Normalize(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

// ResponseKey splits a positive response into the key of the PID that
// answered and its payload. compact must already be upper-cased with all
// whitespace removed.
//
// Mode 3 responses carry no PID byte, so their key is "03". For every other
// mode the three hex digits after the leading '4' are left-padded to four
// and compared against the request token.
func ResponseKey(compact string) (key, payload string, ok bool) {
	if len(compact) < 2 || compact[0] != '4' {
		return "", "", false
	}
	if compact[1] == '3' {
		return PIDTroubleCodes, compact[2:], true
	}
	if len(compact) < 4 {
		return "", "", false
	}
	return "0" + compact[1:4], compact[4:], true
}

// Decode turns a payload into readings using the entry for key.
// Any failure is returned as a *DecodeError.
func Decode(key, payload string) ([]Reading, error) {
	p, ok := table[key]
	if !ok {
		return nil, &DecodeError{PID: key, Payload: payload, Err: ErrUnknownPID}
	}
	out, err := p.decode(payload)
	if err != nil {
		return nil, &DecodeError{PID: key, Payload: payload, Err: err}
	}
	return out, nil
}

func parseHex(p string) (uint64, error) {
	if p == "" {
		return 0, ErrEmptyPayload
	}
	return strconv.ParseUint(p, 16, 32)
}

func decodeTroubleCodes(p string) ([]Reading, error) {
	if len(p)%4 != 0 {
		return nil, ErrChunkLength
	}
	var out []Reading
	for i := 0; i < len(p); i += 4 {
		chunk := p[i : i+4]
		if chunk == noCode {
			continue
		}
		code, err := FormatDTC(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, Reading{Kind: KindTroubleCode, Text: code})
	}
	return out, nil
}

// FormatDTC renders a 4-digit trouble-code chunk in the usual letter form.
// The top two bits pick the system (P, C, B, U), the next two the first digit.
func FormatDTC(chunk string) (string, error) {
	if len(chunk) != 4 {
		return "", ErrChunkLength
	}
	v, err := strconv.ParseUint(chunk, 16, 16)
	if err != nil {
		return "", err
	}
	first := v >> 12
	return fmt.Sprintf("%c%d%s", "PCBU"[first>>2], first&0x3, chunk[1:]), nil
}
