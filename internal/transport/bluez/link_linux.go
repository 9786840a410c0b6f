//go:build linux

package bluez

import (
	"fmt"
	"os"
	"syscall"

	"obd-link/internal/transport"
)

// fdLink wraps an RFCOMM socket handed over by BlueZ.
type fdLink struct {
	f    *os.File
	peer transport.Peer
}

// newFDLink takes ownership of fd. The socket is switched to non-blocking
// mode first so the runtime poller can wake a pending Read on Close.
func newFDLink(fd int, peer transport.Peer) (*fdLink, error) {
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &fdLink{f: os.NewFile(uintptr(fd), "rfcomm:"+peer.Address), peer: peer}, nil
}

func (l *fdLink) Read(p []byte) (int, error)  { return l.f.Read(p) }
func (l *fdLink) Write(p []byte) (int, error) { return l.f.Write(p) }
func (l *fdLink) Close() error                { return l.f.Close() }
func (l *fdLink) Peer() transport.Peer        { return l.peer }
