// Package connmgr supervises exactly one data link at a time over a
// transport.Transport: it listens for incoming links, initiates outgoing ones,
// and hands the winner to a Handler.
//
// Three kinds of goroutine may be alive at once: the accept loop, one dial
// attempt and the read loop of the active link. A single mutex guards the
// state and the active link; every blocking call is cancelled by closing the
// resource it blocks on (or by cancelling the dial context). Reads and writes
// on the link happen outside the mutex.
//
// Thread-safety: all methods are safe for concurrent use.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"obd-link/internal/events"
	"obd-link/internal/transport"
)

// ErrNotConnected is returned by writes when no link is active, or when the
// writer belongs to a link that has since been replaced.
var ErrNotConnected = errors.New("connmgr: not connected")

const readBufferSize = 1024

// Handler is told about every link that becomes active.
type Handler interface {
	// Open runs on the link's read goroutine before any Data call. Writes to
	// w reach this link only and fail with ErrNotConnected once it is gone.
	//
	// Open is skipped for a link replaced before its read goroutine started,
	// but it can still race with a newer link's Open. Closed follows every
	// Open.
	Open(peer transport.Peer, w io.Writer) LinkHandler
}

// LinkHandler receives the traffic of one link, always from the same
// goroutine. p is only valid for the duration of the call.
type LinkHandler interface {
	Data(p []byte)
	Closed(err error)
}

// Manager implements the listen / connect / stop state machine.
type Manager struct {
	tr   transport.Transport
	h    Handler
	sink events.Sink
	log  *zap.Logger

	state atomic.Int32 // written under mu, read anywhere

	mu     sync.Mutex
	ln     transport.Listener
	dial   *attempt
	active *session

	wg sync.WaitGroup
}

type attempt struct {
	remote string
	cancel context.CancelFunc
}

// session is the active link. It is also the io.Writer handed to the Handler.
type session struct {
	m    *Manager
	link transport.Link
	peer transport.Peer
}

// New creates an Idle manager.
func New(tr transport.Transport, h Handler, sink events.Sink, log *zap.Logger) *Manager {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Manager{tr: tr, h: h, sink: sink, log: log.Named("connmgr")}
}

// State returns the current state without blocking.
func (m *Manager) State() State { return State(m.state.Load()) }

// Peer returns the remote end of the active link.
func (m *Manager) Peer() (transport.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return transport.Peer{}, false
	}
	return m.active.peer, true
}

func (m *Manager) setStateLocked(s State) {
	old := State(m.state.Swap(int32(s)))
	if old == s {
		return
	}
	m.log.Info("state", zap.Stringer("from", old), zap.Stringer("to", s))
	m.sink.Publish(events.StateChanged(s.String()))
}

func (m *Manager) notice(c events.Category, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	m.log.Warn(text, zap.String("category", string(c)))
	m.sink.Publish(events.Notice(c, text))
}

// cancelDialLocked abandons the in-flight dial. Its goroutine notices it was
// superseded and closes any link the transport still returns.
func (m *Manager) cancelDialLocked() {
	if m.dial == nil {
		return
	}
	m.dial.cancel()
	m.dial = nil
}

// detachLocked forgets the active session and returns it for closing
// outside the lock.
func (m *Manager) detachLocked() *session {
	s := m.active
	m.active = nil
	return s
}

func (s *session) close() {
	if s == nil {
		return
	}
	if err := s.link.Close(); err != nil {
		s.m.log.Debug("close link", zap.String("peer", s.peer.Address), zap.Error(err))
	}
}

// listenLocked makes sure the accept loop is running and enters Listening.
// Transport.Listen is called under the lock so no other path can observe a
// half-started listener.
func (m *Manager) listenLocked() error {
	if m.ln == nil {
		ln, err := m.tr.Listen()
		if err != nil {
			m.setStateLocked(Idle)
			return fmt.Errorf("connmgr: listen: %w", err)
		}
		m.ln = ln
		m.wg.Add(1)
		go m.acceptLoop(ln)
	}
	m.setStateLocked(Listening)
	return nil
}

// Start cancels any outbound attempt, tears down an active session and
// listens for incoming links. Calling it while already Listening is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	m.cancelDialLocked()
	old := m.detachLocked()
	err := m.listenLocked()
	m.mu.Unlock()

	old.close()
	if err != nil {
		m.notice(events.CategoryTransport, "listen failed: %v", err)
	}
	return err
}

// Connect supersedes any outbound attempt and active session and dials
// remote in the background. On failure the manager goes back to Listening.
func (m *Manager) Connect(remote string) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{remote: remote, cancel: cancel}

	m.mu.Lock()
	m.cancelDialLocked()
	old := m.detachLocked()
	m.dial = a
	m.setStateLocked(Connecting)
	m.wg.Add(1)
	go m.runDial(ctx, a)
	m.mu.Unlock()

	old.close()
	m.log.Info("connecting", zap.String("remote", remote))
}

// Stop closes the listener, the outbound attempt and the active session, in
// that order, and returns to Idle. Safe to call in any state.
func (m *Manager) Stop() {
	m.mu.Lock()
	ln := m.ln
	m.ln = nil
	m.cancelDialLocked()
	old := m.detachLocked()
	m.setStateLocked(Idle)
	m.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			m.log.Debug("close listener", zap.Error(err))
		}
	}
	old.close()
}

// Wait blocks until every goroutine started by the manager has returned.
// Call it after Stop.
func (m *Manager) Wait() { m.wg.Wait() }

// Send writes p to the active link. When nothing is connected the bytes are
// dropped, a state notice is emitted and ErrNotConnected returned; callers
// that only need the notice may ignore the error.
func (m *Manager) Send(p []byte) error {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		m.notice(events.CategoryState, "send ignored: %s", m.State())
		return ErrNotConnected
	}
	_, err := s.Write(p)
	return err
}

// Write sends p on this session's link if it is still the active one.
func (s *session) Write(p []byte) (int, error) {
	m := s.m
	m.mu.Lock()
	current := m.active == s
	m.mu.Unlock()
	if !current {
		return 0, ErrNotConnected
	}
	n, err := s.link.Write(p)
	if err != nil {
		m.drop(s, "write failed", err)
		return n, fmt.Errorf("connmgr: write: %w", err)
	}
	return n, nil
}

// drop tears down s after an I/O failure if it is still active. The next
// state is Listening while the accept loop is alive, Idle otherwise.
func (m *Manager) drop(s *session, what string, err error) {
	m.mu.Lock()
	if m.active != s {
		m.mu.Unlock()
		return
	}
	m.active = nil
	if m.ln != nil {
		m.setStateLocked(Listening)
	} else {
		m.setStateLocked(Idle)
	}
	m.mu.Unlock()

	s.close()
	m.notice(events.CategoryTransport, "%s (%s): %v", what, s.peer.Display(), err)
}

// attachLocked makes link the active session.
func (m *Manager) attachLocked(link transport.Link) *session {
	s := &session{m: m, link: link, peer: link.Peer()}
	m.active = s
	m.setStateLocked(Connected)
	m.sink.Publish(events.DeviceConnected(s.peer.Display()))
	m.wg.Add(1)
	go m.serve(s)
	return s
}

func (m *Manager) serve(s *session) {
	defer m.wg.Done()
	m.log.Info("session started", zap.String("peer", s.peer.Address), zap.String("name", s.peer.Name))

	m.mu.Lock()
	stale := m.active != s
	m.mu.Unlock()
	if stale {
		// Whoever replaced s has closed its link.
		m.log.Info("session superseded before start", zap.String("peer", s.peer.Address))
		return
	}

	lh := m.h.Open(s.peer, s)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.link.Read(buf)
		if n > 0 {
			m.log.Debug("rx", zap.ByteString("data", buf[:n]))
			lh.Data(buf[:n])
		}
		if err != nil {
			m.drop(s, "connection lost", err)
			lh.Closed(err)
			m.log.Info("session ended", zap.String("peer", s.peer.Address), zap.Error(err))
			return
		}
	}
}

func (m *Manager) runDial(ctx context.Context, a *attempt) {
	defer m.wg.Done()
	defer a.cancel()

	link, err := m.tr.Dial(ctx, a.remote)

	m.mu.Lock()
	if m.dial != a {
		// Superseded by Connect, Start, Stop or an accepted link.
		m.mu.Unlock()
		if link != nil {
			m.log.Info("closing superseded link", zap.String("remote", a.remote))
			_ = link.Close()
		}
		return
	}
	m.dial = nil
	if err != nil {
		lerr := m.listenLocked()
		m.mu.Unlock()
		m.notice(events.CategoryTransport, "unable to connect to %s: %v", a.remote, err)
		if lerr != nil {
			m.notice(events.CategoryTransport, "listen failed: %v", lerr)
		}
		return
	}
	m.attachLocked(link)
	m.mu.Unlock()
}

func (m *Manager) acceptLoop(ln transport.Listener) {
	defer m.wg.Done()
	for {
		link, err := ln.Accept()
		if err != nil {
			m.mu.Lock()
			mine := m.ln == ln
			if mine {
				m.ln = nil
				if m.State() == Listening {
					m.setStateLocked(Idle)
				}
			}
			m.mu.Unlock()
			if mine {
				_ = ln.Close()
				if !errors.Is(err, transport.ErrClosed) {
					m.notice(events.CategoryTransport, "listen failed: %v", err)
				}
			}
			return
		}

		m.mu.Lock()
		if m.ln != ln || m.State() == Connected {
			m.mu.Unlock()
			m.log.Info("rejecting incoming link", zap.String("peer", link.Peer().Address))
			_ = link.Close()
			continue
		}
		// Listening or Connecting: the accepted link wins.
		m.cancelDialLocked()
		m.attachLocked(link)
		m.mu.Unlock()
	}
}
