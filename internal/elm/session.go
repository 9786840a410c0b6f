// Package elm drives an ELM327-style adapter over an established link.
//
// The adapter is half-duplex: it answers one command at a time and prints
// '>' when it is ready for the next. A Session sends exactly one command per
// prompt, reassembles the response lines, classifies them and publishes
// decoded samples and notices to an events.Sink.
package elm

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"obd-link/internal/connmgr"
	"obd-link/internal/events"
	"obd-link/internal/obd"
	"obd-link/internal/transport"
)

// Config selects the command sequence.
type Config struct {
	InitCommands     []string
	VehicleIDCommand string
	Poll             []string
	// DefaultVehicleID tags samples decoded before the vehicle reports its id.
	DefaultVehicleID string
}

// DefaultConfig resets the adapter, disables echo, linefeeds and spaces,
// selects automatic protocol detection and polls coolant, RPM, module
// voltage and stored trouble codes.
func DefaultConfig() Config {
	return Config{
		InitCommands:     []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATSP0"},
		VehicleIDCommand: obd.PIDVehicleID,
		Poll:             []string{obd.PIDCoolantTemp, obd.PIDEngineRPM, obd.PIDModuleVoltage, obd.PIDTroubleCodes},
		DefaultVehicleID: "unknown",
	}
}

// ErrInvalidCommand is returned by Send for empty or non-printable commands.
var ErrInvalidCommand = errors.New("elm: invalid command")

// Protocol is the connmgr.Handler that starts a Session on every new link.
type Protocol struct {
	cfg  Config
	sink events.Sink
	log  *zap.Logger
	now  func() time.Time

	mu   sync.Mutex
	live []*Session // opened and not yet closed, oldest first
}

func NewProtocol(cfg Config, sink events.Sink, log *zap.Logger) *Protocol {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Protocol{cfg: cfg, sink: sink, log: log.Named("elm"), now: time.Now}
}

// Open implements connmgr.Handler.
func (p *Protocol) Open(peer transport.Peer, w io.Writer) connmgr.LinkHandler {
	s := &Session{
		cfg:       p.cfg,
		sink:      p.sink,
		log:       p.log.With(zap.String("peer", peer.Address)),
		now:       p.now,
		w:         w,
		seq:       newSequencer(p.cfg),
		vehicleID: p.cfg.DefaultVehicleID,
		release:   p.release,
	}
	p.mu.Lock()
	p.live = append(p.live, s)
	p.mu.Unlock()
	s.begin()
	return s
}

// Current returns the session of the active link, if any. A link that was
// replaced may still be open for a moment; the newest session wins.
func (p *Protocol) Current() (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.live) - 1; i >= 0; i-- {
		if !p.live[i].isClosed() {
			return p.live[i], true
		}
	}
	return nil, false
}

func (p *Protocol) release(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.live {
		if l == s {
			p.live = append(p.live[:i], p.live[i+1:]...)
			return
		}
	}
}

// Send injects a raw command into the active session.
func (p *Protocol) Send(command string) error {
	s, ok := p.Current()
	if !ok {
		p.sink.Publish(events.Notice(events.CategoryState, "command ignored: not connected"))
		return connmgr.ErrNotConnected
	}
	return s.Send(command)
}

// Session is the protocol state of one link. Data and Closed are called by
// the link's read goroutine; Send may be called from anywhere.
type Session struct {
	cfg  Config
	sink events.Sink
	log  *zap.Logger
	now  func() time.Time
	w    io.Writer

	release func(*Session)

	mu        sync.Mutex
	framer    Framer
	seq       *sequencer
	injected  []string
	awaiting  string   // command sent and not yet answered by a prompt
	idLines   []string // vehicle id fragments seen since the last prompt
	vehicleID string
	closed    bool
}

// VehicleID returns the identifier samples are currently tagged with.
func (s *Session) VehicleID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vehicleID
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// begin sends the first command; the link coming up stands in for the
// first prompt.
func (s *Session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
}

// Send queues command behind the outstanding one, or writes it right away
// when the adapter is idle.
func (s *Session) Send(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrInvalidCommand
	}
	for i := 0; i < len(command); i++ {
		if c := command[i]; c < 0x20 || c > 0x7e || c == prompt {
			return fmt.Errorf("%w: %q", ErrInvalidCommand, command)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return connmgr.ErrNotConnected
	}
	if s.awaiting != "" {
		s.injected = append(s.injected, command)
		return nil
	}
	return s.writeLocked(command)
}

// Data implements connmgr.LinkHandler.
func (s *Session) Data(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.framer.Feed(p) {
		if tok.Prompt {
			s.finishVehicleIDLocked()
			s.awaiting = ""
			s.advanceLocked()
			continue
		}
		s.dispatchLocked(tok.Line)
	}
}

// Closed implements connmgr.LinkHandler.
func (s *Session) Closed(err error) {
	s.mu.Lock()
	s.closed = true
	if n := s.framer.Pending(); n > 0 {
		s.log.Debug("discarding partial line", zap.Int("bytes", n))
	}
	s.framer.Reset()
	s.idLines = nil
	s.log.Info("session closed", zap.Error(err))
	s.mu.Unlock()

	if s.release != nil {
		s.release(s)
	}
}

// advanceLocked sends the next command: injected ones first, then the
// configured sequence.
func (s *Session) advanceLocked() {
	if s.closed || s.awaiting != "" {
		return
	}
	if len(s.injected) > 0 {
		cmd := s.injected[0]
		s.injected = s.injected[1:]
		if err := s.writeLocked(cmd); err != nil {
			// Retried at the next prompt if the link survives.
			s.injected = append([]string{cmd}, s.injected...)
		}
		return
	}
	if cmd, ok := s.seq.Next(); ok {
		_ = s.writeLocked(cmd)
	}
}

func (s *Session) writeLocked(cmd string) error {
	if _, err := io.WriteString(s.w, cmd+"\r"); err != nil {
		// The manager reports the failed link and tears it down.
		s.log.Warn("write failed", zap.String("command", cmd), zap.Error(err))
		return err
	}
	s.awaiting = cmd
	s.log.Debug("tx", zap.String("command", cmd))
	s.sink.Publish(events.CommandSent(cmd))
	return nil
}

func (s *Session) dispatchLocked(line string) {
	s.sink.Publish(events.LineReceived(line))

	class := Classify(line, s.awaiting)
	if class != ClassEcho && obd.Normalize(s.awaiting) == obd.PIDVehicleID {
		// Multi-line answers are decoded as a whole at the next prompt.
		if compact := obd.Normalize(line); obd.IsVehicleIDFragment(compact) {
			s.idLines = append(s.idLines, compact)
			return
		}
	}
	switch class {
	case ClassEcho:
		s.log.Debug("echo", zap.String("line", line))
	case ClassData:
		s.decodeLocked(line)
	case ClassStatus:
		s.sink.Publish(events.Notice(events.CategoryInfo, line))
	default:
		s.log.Warn("unrecognized response", zap.String("line", line))
		s.sink.Publish(events.Notice(events.CategoryProtocol, "unrecognized response: "+line))
	}
}

func (s *Session) decodeLocked(line string) {
	key, payload, ok := obd.ResponseKey(obd.Normalize(line))
	if !ok {
		s.sink.Publish(events.Notice(events.CategoryProtocol, "malformed response: "+line))
		return
	}
	readings, err := obd.Decode(key, payload)
	if err != nil {
		s.log.Warn("decode failed", zap.String("line", line), zap.Error(err))
		s.sink.Publish(events.Notice(events.CategoryDecode, err.Error()))
		return
	}
	s.publishLocked(readings)
}

func (s *Session) finishVehicleIDLocked() {
	if len(s.idLines) == 0 {
		return
	}
	lines := s.idLines
	s.idLines = nil
	id, err := obd.AssembleVehicleID(lines)
	if err != nil {
		derr := &obd.DecodeError{PID: obd.PIDVehicleID, Payload: strings.Join(lines, " "), Err: err}
		s.log.Warn("decode failed", zap.Error(derr))
		s.sink.Publish(events.Notice(events.CategoryDecode, derr.Error()))
		return
	}
	s.publishLocked([]obd.Reading{{Kind: obd.KindVehicleID, Text: id}})
}

func (s *Session) publishLocked(readings []obd.Reading) {
	ts := s.now().UTC()
	for _, r := range readings {
		if r.Kind == obd.KindVehicleID {
			s.vehicleID = r.Text
		}
		sample := obd.Sample{
			VehicleID: s.vehicleID,
			Kind:      r.Kind,
			Value:     r.Value,
			Text:      r.Text,
			Timestamp: ts,
		}
		s.log.Debug("decoded", zap.Stringer("sample", sample))
		s.sink.Publish(events.Decoded(sample))
	}
}
