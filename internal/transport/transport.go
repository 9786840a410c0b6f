// Package transport defines the byte-stream boundary the connection manager
// drives: something that can listen for incoming links and dial outgoing ones.
//
// Implementations live in sub-packages (bluez for RFCOMM over BlueZ, serialport
// for tty devices). Every blocking call must be cancellable by closing the
// resource it blocks on.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrClosed is returned by Accept after the listener has been closed.
var ErrClosed = errors.New("transport: closed")

// Peer identifies the remote end of a link.
type Peer struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Display returns the friendliest identifier available.
func (p Peer) Display() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address
}

// Link is an open duplex byte stream. Close must unblock a pending Read.
type Link interface {
	io.ReadWriteCloser
	Peer() Peer
}

// Listener yields incoming links until closed.
type Listener interface {
	// Accept blocks until a peer connects or the listener is closed, in which
	// case it returns an error wrapping ErrClosed.
	Accept() (Link, error)
	// Close is safe to call more than once.
	Close() error
}

// Transport creates listeners and outbound links.
type Transport interface {
	Listen() (Listener, error)
	// Dial blocks until the link is up, fails, or ctx is done.
	Dial(ctx context.Context, remote string) (Link, error)
}
