package connmgr

// State is the link state. The zero value is Idle.
type State int32

const (
	Idle State = iota
	Listening
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
