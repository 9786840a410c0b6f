package elm

// sequencer yields the command to send on each ready prompt: the init
// commands in order, then the vehicle-id command once, then the poll list
// round-robin.
type sequencer struct {
	init    []string
	vin     string
	poll    []string
	initIdx int
	vinSent bool
	pollIdx int
}

func newSequencer(cfg Config) *sequencer {
	return &sequencer{
		init: cfg.InitCommands,
		vin:  cfg.VehicleIDCommand,
		poll: cfg.Poll,
	}
}

// Next returns the next command, or false when there is nothing to send.
func (q *sequencer) Next() (string, bool) {
	if q.initIdx < len(q.init) {
		c := q.init[q.initIdx]
		q.initIdx++
		return c, true
	}
	if !q.vinSent && q.vin != "" {
		q.vinSent = true
		return q.vin, true
	}
	if len(q.poll) == 0 {
		return "", false
	}
	c := q.poll[q.pollIdx%len(q.poll)]
	q.pollIdx = (q.pollIdx + 1) % len(q.poll)
	return c, true
}
