package elm

import (
	"strings"

	"obd-link/internal/obd"
)

// Class is the dispatch decision for a response line.
type Class int

const (
	ClassUnknown Class = iota
	ClassData          // positive OBD response, starts with '4'
	ClassStatus        // adapter status, forwarded verbatim
	ClassEcho          // the adapter echoing the outstanding command
)

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassStatus:
		return "status"
	case ClassEcho:
		return "echo"
	default:
		return "unknown"
	}
}

var statusExact = map[string]struct{}{
	"OK":                {},
	"?":                 {},
	"NO DATA":           {},
	"UNABLE TO CONNECT": {},
	"STOPPED":           {},
	"BUS BUSY":          {},
	"BUS ERROR":         {},
	"CAN ERROR":         {},
	"BUFFER FULL":       {},
	"DATA ERROR":        {},
	"<DATA ERROR":       {},
	"FB ERROR":          {},
	"LV RESET":          {},
	"ACT ALERT":         {},
}

var statusPrefixes = []string{
	"SEARCHING",
	"BUS INIT",
	"ELM327",
	"ERR",
}

// Classify decides what a line is. last is the command currently awaiting a
// response, used to recognize echoes while echo is still enabled.
func Classify(line, last string) Class {
	// Echo is checked first: an echoed mode 01 request would otherwise look
	// like data. Prompts never reach here, the framer emits them as tokens.
	if last != "" && strings.EqualFold(obd.Normalize(line), obd.Normalize(last)) {
		return ClassEcho
	}
	if strings.HasPrefix(line, "4") {
		return ClassData
	}
	u := strings.ToUpper(line)
	if _, ok := statusExact[u]; ok {
		return ClassStatus
	}
	for _, p := range statusPrefixes {
		if strings.HasPrefix(u, p) {
			return ClassStatus
		}
	}
	return ClassUnknown
}
