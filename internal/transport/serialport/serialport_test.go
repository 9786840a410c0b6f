package serialport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap/zaptest"

	"obd-link/internal/transport"
)

// fakePort returns timeouts until data is queued, like a tty with VTIME set.
type fakePort struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	wrote  []byte
}

func (f *fakePort) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, p...)
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) push(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, s...)
}

func TestLinkRetriesTimeouts(t *testing.T) {
	fp := &fakePort{}
	l := newLink(fp, transport.Peer{Address: "/dev/ttyUSB0"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		fp.push("OK\r>")
	}()
	buf := make([]byte, 16)
	n, err := l.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "OK\r>" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestLinkCloseUnblocksRead(t *testing.T) {
	fp := &fakePort{}
	l := newLink(fp, transport.Peer{Address: "/dev/ttyUSB0"})

	errc := make(chan error, 1)
	go func() {
		_, err := l.Read(make([]byte, 8))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("Read err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read still blocked after Close")
	}
	if _, err := l.Write([]byte("ATZ\r")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Write after Close err = %v", err)
	}
}

func TestDialUsesConfiguredPort(t *testing.T) {
	tr := New(Options{Port: "/dev/rfcomm0"}, zaptest.NewLogger(t))
	var got *serial.Config
	tr.open = func(c *serial.Config) (io.ReadWriteCloser, error) {
		got = c
		return &fakePort{}, nil
	}
	l, err := tr.Dial(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if got.Name != "/dev/rfcomm0" || got.Baud != DefaultBaud || got.ReadTimeout != DefaultReadTimeout {
		t.Fatalf("config = %+v", got)
	}
	if l.Peer().Address != "/dev/rfcomm0" {
		t.Fatalf("peer = %+v", l.Peer())
	}
}

func TestDialCanceledClosesLatePort(t *testing.T) {
	tr := New(Options{}, zaptest.NewLogger(t))
	release := make(chan struct{})
	fp := &fakePort{}
	tr.open = func(*serial.Config) (io.ReadWriteCloser, error) {
		<-release
		return fp, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Dial(ctx, "/dev/ttyUSB0"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	close(release)
	deadline := time.Now().Add(time.Second)
	for {
		fp.mu.Lock()
		closed := fp.closed
		fp.mu.Unlock()
		if closed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("late port was not closed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDialRequiresPort(t *testing.T) {
	tr := New(Options{}, zaptest.NewLogger(t))
	if _, err := tr.Dial(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestListenerNeverAccepts(t *testing.T) {
	tr := New(Options{}, zaptest.NewLogger(t))
	ln, err := tr.Listen()
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		errc <- err
	}()
	_ = ln.Close()
	_ = ln.Close()
	if err := <-errc; !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Accept err = %v", err)
	}
}
