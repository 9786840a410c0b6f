package obd

import (
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
)

var ErrVehicleIDFrame = errors.New("malformed vehicle id frame")

const vehicleIDPrefix = "4902"

// IsVehicleIDFragment reports whether compact can be one line of a mode 09
// PID 02 answer: a legacy "4902" line, a CAN byte count ("014") or a CAN
// continuation line ("1:47503030...").
func IsVehicleIDFragment(compact string) bool {
	switch {
	case strings.HasPrefix(compact, vehicleIDPrefix):
		return true
	case canIndexed(compact):
		return true
	case len(compact) == 3 && isHex(compact):
		return true
	}
	return false
}

// AssembleVehicleID joins the lines of a vehicle id answer and returns the
// identifier.
//
// Legacy buses send one "49 02 NN" line per sequence number NN, four data
// bytes each. CAN adapters with headers off send the total byte count
// followed by "N:" lines holding a single ISO-TP payload that starts with
// "49 02 01". Lines must already be normalized.
func AssembleVehicleID(lines []string) (string, error) {
	var (
		legacy = map[int]string{}
		can    strings.Builder
		size   = -1
	)
	for _, l := range lines {
		switch {
		case canIndexed(l):
			can.WriteString(l[2:])
		case strings.HasPrefix(l, vehicleIDPrefix):
			rest := l[len(vehicleIDPrefix):]
			if len(rest) < 2 {
				return "", ErrVehicleIDFrame
			}
			seq, err := strconv.ParseUint(rest[:2], 16, 8)
			if err != nil {
				return "", ErrVehicleIDFrame
			}
			legacy[int(seq)] = rest[2:]
		case len(l) == 3 && isHex(l):
			n, _ := strconv.ParseUint(l, 16, 16)
			size = int(n)
		default:
			return "", ErrVehicleIDFrame
		}
	}

	var data string
	switch {
	case can.Len() > 0 && len(legacy) > 0:
		return "", ErrVehicleIDFrame
	case can.Len() > 0:
		msg := can.String()
		if size >= 0 && len(msg) > size*2 {
			msg = msg[:size*2]
		}
		// 49 02 then the number of data items.
		if !strings.HasPrefix(msg, vehicleIDPrefix) || len(msg) < len(vehicleIDPrefix)+2 {
			return "", ErrVehicleIDFrame
		}
		data = msg[len(vehicleIDPrefix)+2:]
	default:
		seqs := make([]int, 0, len(legacy))
		for s := range legacy {
			seqs = append(seqs, s)
		}
		sort.Ints(seqs)
		var b strings.Builder
		for _, s := range seqs {
			b.WriteString(legacy[s])
		}
		data = b.String()
	}
	return vehicleIDText(data)
}

// vehicleIDText decodes the identifier bytes, dropping the NUL padding
// legacy buses put in front of the first characters.
func vehicleIDText(data string) (string, error) {
	if data == "" {
		return "", ErrEmptyPayload
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range raw {
		if c == 0 {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return "", ErrVehicleIDFrame
		}
		b.WriteByte(c)
	}
	if b.Len() == 0 {
		return "", ErrEmptyPayload
	}
	return b.String(), nil
}

func canIndexed(l string) bool {
	return len(l) >= 2 && l[1] == ':' && isHex(l[:1])
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return s != ""
}
