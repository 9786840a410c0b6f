package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"obd-link/internal/connmgr"
	"obd-link/internal/elm"
	"obd-link/internal/events"
	"obd-link/internal/lookup"
	"obd-link/internal/obd"
	"obd-link/internal/store"
	"obd-link/internal/transport"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeLink struct {
	mu       sync.Mutex
	state    connmgr.State
	remote   string
	startErr error
}

func (l *fakeLink) State() connmgr.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Peer() (transport.Peer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != connmgr.Connected {
		return transport.Peer{}, false
	}
	return transport.Peer{Address: l.remote}, true
}

func (l *fakeLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.state = connmgr.Listening
	return nil
}

func (l *fakeLink) Connect(remote string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = remote
	l.state = connmgr.Connecting
}

func (l *fakeLink) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = connmgr.Idle
}

type fakeCommander struct {
	sent []string
	err  error
}

func (c *fakeCommander) Send(cmd string) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, cmd)
	return nil
}

type fakeHistory struct {
	samples []obd.Sample
	codes   []store.Code
	vehicle store.Vehicle
	limit   int
}

func (h *fakeHistory) History(_ context.Context, _ string, limit int) ([]obd.Sample, error) {
	h.limit = limit
	return h.samples, nil
}

func (h *fakeHistory) LatestCodes(_ context.Context, _ string, n int) ([]store.Code, error) {
	h.limit = n
	return h.codes, nil
}

func (h *fakeHistory) Vehicle(_ context.Context, id string) (store.Vehicle, bool, error) {
	if id != h.vehicle.Identifier {
		return store.Vehicle{}, false, nil
	}
	return h.vehicle, true, nil
}

type fakeLookup struct {
	got []lookup.Vehicle
}

func (l *fakeLookup) Lookup(_ context.Context, code string, v lookup.Vehicle) ([]lookup.Suggestion, error) {
	l.got = append(l.got, v)
	if code == "U0158" {
		return nil, errors.New("service down")
	}
	return []lookup.Suggestion{{"title": "fix " + code}}, nil
}

type decoded struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, decoded) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out decoded
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: bad body %q", method, path, rec.Body.String())
	}
	return rec.Code, out
}

func TestControlRoutes(t *testing.T) {
	link := &fakeLink{}
	r := NewRouter(Deps{Link: link, Commander: &fakeCommander{}, Remote: "AA:BB:CC:DD:EE:FF"}, zaptest.NewLogger(t))

	code, resp := do(t, r, http.MethodGet, "/api/v1/state", "")
	if code != http.StatusOK || !strings.Contains(string(resp.Data), `"state":"idle"`) {
		t.Fatalf("state: %d %s", code, resp.Data)
	}

	code, resp = do(t, r, http.MethodPost, "/api/v1/listen", "")
	if code != http.StatusOK || !strings.Contains(string(resp.Data), "listening") {
		t.Fatalf("listen: %d %s", code, resp.Data)
	}

	code, _ = do(t, r, http.MethodPost, "/api/v1/connect", `{"remote":"11:22:33:44:55:66"}`)
	if code != http.StatusAccepted || link.remote != "11:22:33:44:55:66" {
		t.Fatalf("connect: %d remote %q", code, link.remote)
	}

	code, _ = do(t, r, http.MethodPost, "/api/v1/connect", "")
	if code != http.StatusAccepted || link.remote != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("connect default: %d remote %q", code, link.remote)
	}

	code, resp = do(t, r, http.MethodPost, "/api/v1/stop", "")
	if code != http.StatusOK || !strings.Contains(string(resp.Data), "idle") {
		t.Fatalf("stop: %d %s", code, resp.Data)
	}
}

func TestListenFailure(t *testing.T) {
	r := NewRouter(Deps{Link: &fakeLink{startErr: errors.New("no adapter")}}, zaptest.NewLogger(t))
	code, resp := do(t, r, http.MethodPost, "/api/v1/listen", "")
	if code != http.StatusInternalServerError || resp.Msg != "no adapter" {
		t.Fatalf("%d %+v", code, resp)
	}
}

func TestConnectWithoutRemote(t *testing.T) {
	r := NewRouter(Deps{Link: &fakeLink{}}, zaptest.NewLogger(t))
	if code, _ := do(t, r, http.MethodPost, "/api/v1/connect", `{}`); code != http.StatusBadRequest {
		t.Fatalf("code %d", code)
	}
}

func TestSend(t *testing.T) {
	cmd := &fakeCommander{}
	r := NewRouter(Deps{Link: &fakeLink{}, Commander: cmd}, zaptest.NewLogger(t))

	if code, _ := do(t, r, http.MethodPost, "/api/v1/send", `{"command":"ATRV"}`); code != http.StatusAccepted {
		t.Fatalf("code %d", code)
	}
	if len(cmd.sent) != 1 || cmd.sent[0] != "ATRV" {
		t.Fatalf("sent %v", cmd.sent)
	}
	if code, _ := do(t, r, http.MethodPost, "/api/v1/send", `{}`); code != http.StatusBadRequest {
		t.Fatalf("missing command: %d", code)
	}

	cmd.err = connmgr.ErrNotConnected
	if code, _ := do(t, r, http.MethodPost, "/api/v1/send", `{"command":"ATZ"}`); code != http.StatusConflict {
		t.Fatalf("not connected: %d", code)
	}
	cmd.err = elm.ErrInvalidCommand
	if code, _ := do(t, r, http.MethodPost, "/api/v1/send", `{"command":"A\u0001"}`); code != http.StatusBadRequest {
		t.Fatalf("invalid: %d", code)
	}
}

func TestHistory(t *testing.T) {
	h := &fakeHistory{samples: []obd.Sample{{VehicleID: "VIN1", Kind: obd.KindRPM, Value: 800}}}
	r := NewRouter(Deps{Link: &fakeLink{}, History: h}, zaptest.NewLogger(t))

	code, resp := do(t, r, http.MethodGet, "/api/v1/history/VIN1?limit=5000", "")
	if code != http.StatusOK {
		t.Fatalf("code %d", code)
	}
	if h.limit != maxHistoryLimit {
		t.Fatalf("limit %d", h.limit)
	}
	var samples []obd.Sample
	if err := json.Unmarshal(resp.Data, &samples); err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 || samples[0].Kind != obd.KindRPM {
		t.Fatalf("samples %+v", samples)
	}

	if code, _ := do(t, r, http.MethodGet, "/api/v1/history/VIN1?limit=-1", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}

	r = NewRouter(Deps{Link: &fakeLink{}}, zaptest.NewLogger(t))
	if code, _ := do(t, r, http.MethodGet, "/api/v1/history/VIN1", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("disabled history: %d", code)
	}
}

func TestCodesWithLookup(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h := &fakeHistory{
		codes:   []store.Code{{Code: "P0133", RecordedAt: at}, {Code: "U0158", RecordedAt: at}},
		vehicle: store.Vehicle{Identifier: "VIN1", Make: "Honda", Model: "Civic", Year: 2010},
	}
	lk := &fakeLookup{}
	r := NewRouter(Deps{Link: &fakeLink{}, History: h, Lookup: lk, Vehicle: lookup.Vehicle{Make: "Default"}}, zaptest.NewLogger(t))

	code, resp := do(t, r, http.MethodGet, "/api/v1/codes/VIN1?lookup=1", "")
	if code != http.StatusOK {
		t.Fatalf("code %d", code)
	}
	var out []CodeResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Code.Code != "P0133" || out[0].Suggestions[0]["title"] != "fix P0133" {
		t.Fatalf("codes %+v", out)
	}
	if out[1].LookupError == "" {
		t.Fatalf("lookup error not reported: %+v", out[1])
	}
	if lk.got[0].Make != "Honda" {
		t.Fatalf("descriptor %+v", lk.got[0])
	}

	lk.got = nil
	if code, _ := do(t, r, http.MethodGet, "/api/v1/codes/OTHER?lookup=1", ""); code != http.StatusOK {
		t.Fatalf("code %d", code)
	}
	if lk.got[0].Make != "Default" {
		t.Fatalf("fallback descriptor %+v", lk.got[0])
	}

	lk.got = nil
	do(t, r, http.MethodGet, "/api/v1/codes/VIN1", "")
	if len(lk.got) != 0 {
		t.Fatal("lookup called without lookup=1")
	}
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus(8)
	subscribed := make(chan struct{}, 1)
	sub := func() (<-chan events.Event, func()) {
		ch, unsub := bus.Subscribe()
		subscribed <- struct{}{}
		return ch, unsub
	}
	srv := httptest.NewServer(NewRouter(Deps{Link: &fakeLink{}, Subscribe: sub}, zaptest.NewLogger(t)))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never subscribed")
	}
	bus.Publish(events.Decoded(obd.Sample{VehicleID: "v", Kind: obd.KindTemperature, Value: 83}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != events.KindDecoded || e.Sample == nil || e.Sample.Value != 83 {
		t.Fatalf("event %+v", e)
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription leaked after client left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
