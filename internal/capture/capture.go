// Package capture records link traffic as a stream of CBOR records and
// replays recorded input through a protocol handler offline.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"obd-link/internal/connmgr"
	"obd-link/internal/transport"
)

// Direction of a recorded chunk.
const (
	DirRX = "rx"
	DirTX = "tx"
)

// Record is one chunk exactly as it crossed the link.
type Record struct {
	At   time.Time `cbor:"at"`
	Dir  string    `cbor:"dir"`
	Data []byte    `cbor:"data"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Recorder appends records to a writer. Safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	c   io.Closer
	now func() time.Time
}

// NewRecorder writes to w. If w is an io.Closer, Close closes it.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{enc: encMode.NewEncoder(w), now: time.Now}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	return r
}

// Create appends to the capture file at path.
func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return NewRecorder(f), nil
}

// Record stores a copy of p.
func (r *Recorder) Record(dir string, p []byte) error {
	rec := Record{At: r.now().UTC(), Dir: dir, Data: append([]byte(nil), p...)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("capture: encode: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// Tap records every chunk read from and written to each link, then hands
// it on to h.
func Tap(h connmgr.Handler, r *Recorder, log *zap.Logger) connmgr.Handler {
	return &tap{h: h, r: r, log: log.Named("capture")}
}

type tap struct {
	h   connmgr.Handler
	r   *Recorder
	log *zap.Logger
}

func (t *tap) Open(peer transport.Peer, w io.Writer) connmgr.LinkHandler {
	tw := &tapWriter{w: w, t: t}
	return &tapLink{lh: t.h.Open(peer, tw), t: t}
}

func (t *tap) record(dir string, p []byte) {
	if err := t.r.Record(dir, p); err != nil {
		t.log.Warn("record", zap.String("dir", dir), zap.Error(err))
	}
}

type tapWriter struct {
	w io.Writer
	t *tap
}

func (w *tapWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		w.t.record(DirTX, p[:n])
	}
	return n, err
}

type tapLink struct {
	lh connmgr.LinkHandler
	t  *tap
}

func (l *tapLink) Data(p []byte) {
	l.t.record(DirRX, p)
	l.lh.Data(p)
}

func (l *tapLink) Closed(err error) { l.lh.Closed(err) }

// Replay feeds every received chunk in rd to a fresh link of h, in order.
// Writes from the handler go to w. It returns the number of chunks replayed.
func Replay(ctx context.Context, rd io.Reader, h connmgr.Handler, w io.Writer) (n int, err error) {
	if w == nil {
		w = io.Discard
	}
	dec := cbor.NewDecoder(rd)
	lh := h.Open(transport.Peer{Address: "replay"}, w)
	defer func() { lh.Closed(err) }()

	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("capture: decode record %d: %w", n+1, err)
		}
		if rec.Dir != DirRX {
			continue
		}
		lh.Data(rec.Data)
		n++
	}
}

// ReplayFile opens path and replays it.
func ReplayFile(ctx context.Context, path string, h connmgr.Handler, w io.Writer) (n int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("capture: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return Replay(ctx, f, h, w)
}

// ReadAll decodes every record in rd.
func ReadAll(rd io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(rd)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("capture: decode: %w", err)
		}
		out = append(out, rec)
	}
}
