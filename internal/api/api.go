// Package api exposes the link over HTTP: control endpoints, stored history
// and a WebSocket stream of events.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"obd-link/internal/connmgr"
	"obd-link/internal/elm"
	"obd-link/internal/events"
	"obd-link/internal/lookup"
	"obd-link/internal/obd"
	"obd-link/internal/store"
	"obd-link/internal/transport"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	pingInterval        = 20 * time.Second
)

// Link is the connection manager surface the API drives.
type Link interface {
	State() connmgr.State
	Peer() (transport.Peer, bool)
	Start() error
	Connect(remote string)
	Stop()
}

// Commander injects raw adapter commands.
type Commander interface {
	Send(command string) error
}

// History reads persisted telemetry.
type History interface {
	History(ctx context.Context, vehicleID string, limit int) ([]obd.Sample, error)
	LatestCodes(ctx context.Context, vehicleID string, n int) ([]store.Code, error)
	Vehicle(ctx context.Context, identifier string) (store.Vehicle, bool, error)
}

// Lookuper resolves trouble codes to repair suggestions.
type Lookuper interface {
	Lookup(ctx context.Context, code string, v lookup.Vehicle) ([]lookup.Suggestion, error)
}

// Deps are the handler dependencies. History and Lookup may be nil.
type Deps struct {
	Link      Link
	Commander Commander
	History   History
	Lookup    Lookuper
	Subscribe func() (<-chan events.Event, func())
	// Remote is dialed when /connect names no device.
	Remote string
	// Vehicle is the descriptor used for lookups of vehicles the store
	// knows nothing about.
	Vehicle lookup.Vehicle
}

// Response is the envelope of every JSON answer.
type Response struct {
	Code int         `json:"code"`
	Data interface{} `json:"data,omitempty"`
	Msg  string      `json:"msg"`
}

type StateResponse struct {
	State string          `json:"state"`
	Peer  *transport.Peer `json:"peer,omitempty"`
}

type ConnectRequest struct {
	Remote string `json:"remote"`
}

type SendRequest struct {
	Command string `json:"command" binding:"required"`
}

// CodeResponse is one stored code, with suggestions when requested.
type CodeResponse struct {
	store.Code
	Suggestions []lookup.Suggestion `json:"suggestions,omitempty"`
	LookupError string              `json:"lookup_error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

type server struct {
	d   Deps
	log *zap.Logger
}

// NewRouter wires all /api/v1/* routes.
func NewRouter(d Deps, log *zap.Logger) *gin.Engine {
	s := &server{d: d, log: log.Named("api")}

	r := gin.New()
	r.Use(gin.Recovery(), withLogging(s.log))

	v1 := r.Group("/api/v1")
	v1.GET("/state", s.state)
	v1.POST("/listen", s.listen)
	v1.POST("/connect", s.connect)
	v1.POST("/stop", s.stop)
	v1.POST("/send", s.send)
	v1.GET("/history/:vehicle", s.history)
	v1.GET("/codes/:vehicle", s.codes)
	v1.GET("/events", s.eventStream)
	return r
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Code: status, Data: data, Msg: "success"})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Code: status, Msg: msg})
}

func (s *server) currentState() StateResponse {
	resp := StateResponse{State: s.d.Link.State().String()}
	if p, ok := s.d.Link.Peer(); ok {
		resp.Peer = &p
	}
	return resp
}

func (s *server) state(c *gin.Context) {
	ok(c, http.StatusOK, s.currentState())
}

func (s *server) listen(c *gin.Context) {
	if err := s.d.Link.Start(); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, http.StatusOK, s.currentState())
}

func (s *server) connect(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Remote == "" {
		req.Remote = s.d.Remote
	}
	if req.Remote == "" {
		fail(c, http.StatusBadRequest, "remote is required")
		return
	}
	s.d.Link.Connect(req.Remote)
	ok(c, http.StatusAccepted, s.currentState())
}

func (s *server) stop(c *gin.Context) {
	s.d.Link.Stop()
	ok(c, http.StatusOK, s.currentState())
}

func (s *server) send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	err := s.d.Commander.Send(req.Command)
	switch {
	case err == nil:
		ok(c, http.StatusAccepted, nil)
	case errors.Is(err, connmgr.ErrNotConnected):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, elm.ErrInvalidCommand):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		fail(c, http.StatusBadGateway, err.Error())
	}
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		fail(c, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, true
}

func (s *server) history(c *gin.Context) {
	if s.d.History == nil {
		fail(c, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	limit, valid := limitParam(c)
	if !valid {
		return
	}
	samples, err := s.d.History.History(c.Request.Context(), c.Param("vehicle"), limit)
	if err != nil {
		s.log.Warn("history", zap.Error(err))
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if samples == nil {
		samples = []obd.Sample{}
	}
	ok(c, http.StatusOK, samples)
}

func (s *server) codes(c *gin.Context) {
	if s.d.History == nil {
		fail(c, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	limit, valid := limitParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	vehicleID := c.Param("vehicle")
	codes, err := s.d.History.LatestCodes(ctx, vehicleID, limit)
	if err != nil {
		s.log.Warn("codes", zap.Error(err))
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]CodeResponse, 0, len(codes))
	for _, code := range codes {
		out = append(out, CodeResponse{Code: code})
	}
	if c.Query("lookup") == "1" && s.d.Lookup != nil {
		desc := s.descriptor(ctx, vehicleID)
		for i := range out {
			sug, err := s.d.Lookup.Lookup(ctx, out[i].Code.Code, desc)
			if err != nil {
				out[i].LookupError = err.Error()
				continue
			}
			out[i].Suggestions = sug
		}
	}
	ok(c, http.StatusOK, out)
}

// descriptor prefers what the store recorded for the vehicle.
func (s *server) descriptor(ctx context.Context, vehicleID string) lookup.Vehicle {
	v, found, err := s.d.History.Vehicle(ctx, vehicleID)
	if err != nil || !found || v.Make == "" {
		return s.d.Vehicle
	}
	return lookup.Vehicle{Make: v.Make, Model: v.Model, Year: v.Year}
}

func (s *server) eventStream(c *gin.Context) {
	if s.d.Subscribe == nil {
		fail(c, http.StatusServiceUnavailable, "event stream is disabled")
		return
	}
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.d.Subscribe()
	defer unsub()

	// Drain client frames so control messages are processed; a read error
	// means the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func withLogging(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
