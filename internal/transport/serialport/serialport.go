// Package serialport drives adapters attached as tty devices: USB ELM327
// cables or an RFCOMM channel already bound to /dev/rfcommN.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"obd-link/internal/transport"
)

const (
	DefaultBaud        = 38400
	DefaultReadTimeout = 200 * time.Millisecond
)

// Options configures the port. Port is used when Dial gets an empty remote.
type Options struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// Transport opens serial ports. Serial links are initiate-only: the listener
// it returns never yields a link.
type Transport struct {
	opts Options
	log  *zap.Logger

	// open is replaced in tests.
	open func(*serial.Config) (io.ReadWriteCloser, error)
}

func New(opts Options, log *zap.Logger) *Transport {
	if opts.Baud <= 0 {
		opts.Baud = DefaultBaud
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Transport{
		opts: opts,
		log:  log.Named("serial"),
		open: func(c *serial.Config) (io.ReadWriteCloser, error) { return serial.OpenPort(c) },
	}
}

// Dial opens remote (or the configured port). serial.OpenPort takes no
// context, so the open runs in a goroutine raced against ctx; a port that
// opens after cancellation is closed.
func (t *Transport) Dial(ctx context.Context, remote string) (transport.Link, error) {
	name := remote
	if name == "" {
		name = t.opts.Port
	}
	if name == "" {
		return nil, errors.New("serialport: port name is required")
	}

	type result struct {
		p   io.ReadWriteCloser
		err error
	}
	ch := make(chan result, 1)
	cfg := &serial.Config{Name: name, Baud: t.opts.Baud, ReadTimeout: t.opts.ReadTimeout}
	go func() {
		p, err := t.open(cfg)
		ch <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.p != nil {
				_ = r.p.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("serialport: open %q: %w", name, r.err)
		}
		t.log.Info("port opened", zap.String("port", name), zap.Int("baud", t.opts.Baud))
		return newLink(r.p, transport.Peer{Address: name}), nil
	}
}

// Listen returns a listener that blocks in Accept until closed.
func (t *Transport) Listen() (transport.Listener, error) {
	return &idleListener{done: make(chan struct{})}, nil
}

type idleListener struct {
	done chan struct{}
	once sync.Once
}

func (l *idleListener) Accept() (transport.Link, error) {
	<-l.done
	return nil, fmt.Errorf("serialport: accept: %w", transport.ErrClosed)
}

func (l *idleListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// link hides read timeouts from callers: the port reports (0, io.EOF) when
// ReadTimeout expires with nothing received, which is retried until Close.
type link struct {
	port io.ReadWriteCloser
	peer transport.Peer

	mu     sync.Mutex
	closed bool
}

func newLink(p io.ReadWriteCloser, peer transport.Peer) *link {
	return &link{port: p, peer: peer}
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *link) Read(p []byte) (int, error) {
	for {
		n, err := l.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if l.isClosed() {
			return 0, transport.ErrClosed
		}
		if err == nil || errors.Is(err, io.EOF) {
			continue
		}
		return 0, err
	}
}

func (l *link) Write(p []byte) (int, error) {
	if l.isClosed() {
		return 0, transport.ErrClosed
	}
	return l.port.Write(p)
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.port.Close()
}

func (l *link) Peer() transport.Peer { return l.peer }
