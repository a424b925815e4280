// Package server exposes the point store over HTTP: a JSON API, a
// websocket live feed and the Prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/elm327-ble/internal/elm327"
	"github.com/chaz8081/elm327-ble/internal/metrics"
	"github.com/chaz8081/elm327-ble/internal/point"
)

// Controller is the part of the runner the HTTP API drives.
type Controller interface {
	State() elm327.State
	IsConnected() bool
	SetEnabled(on bool)
	SendCustom(ctx context.Context, text string) error
}

// Server serves the API and fans point updates out to websocket clients.
type Server struct {
	store   *point.Store
	ctl     Controller
	metrics *metrics.Metrics

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON message sent to websocket clients. The first frame
// carries every point; later frames carry one update each.
type Frame struct {
	Points []point.Sample `json:"points"`
	Stamp  int64          `json:"stamp"` // unix ms
}

// New creates a Server. m may be nil, in which case /metrics is not served.
func New(store *point.Store, ctl Controller, m *metrics.Metrics) *Server {
	return &Server{
		store:   store,
		ctl:     ctl,
		metrics: m,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/points", s.handlePoints)
		r.Get("/points/{name}", s.handlePoint)
		r.Post("/connection", s.handleConnection)
		r.Post("/command", s.handleCommand)
	})
	return r
}

// Run serves on addr and feeds websocket clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.startFeed(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("[HTTP] shutdown", "error", err)
		}
	}()

	slog.Info("[HTTP] listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startFeed subscribes to the store and broadcasts every published sample
// until ctx is cancelled.
func (s *Server) startFeed(ctx context.Context) {
	ch, cancel := s.store.Subscribe(256)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				s.closeClients()
				return
			case sample, ok := <-ch:
				if !ok {
					return
				}
				s.broadcast(Frame{Points: []point.Sample{sample}, Stamp: sample.Stamp.UnixMilli()})
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		client.conn.Close()
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// the snapshot is queued before registering so it is always first
	if data, err := json.Marshal(Frame{Points: s.store.Snapshot(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	slog.Info("[WS] client connected", "clients", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// read until the client goes away; incoming messages are ignored
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			slog.Info("[WS] client disconnected", "clients", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type healthResponse struct {
	Status    string          `json:"status"`
	State     string          `json:"state"`
	Connected bool            `json:"connected"`
	Clients   int             `json:"clients"`
	Engine    *metrics.Health `json:"engine,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		State:     s.ctl.State().String(),
		Connected: s.ctl.IsConnected(),
		Clients:   s.clientCount(),
	}
	if s.metrics != nil {
		h := s.metrics.Health()
		resp.Engine = &h
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handlePoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h, ok := s.store.Lookup(name)
	if !ok {
		errorResponse(w, http.StatusNotFound, "unknown point "+name)
		return
	}
	sample, _ := s.store.Get(h)
	jsonResponse(w, http.StatusOK, sample)
}

type connectionRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		errorResponse(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}
	s.ctl.SetEnabled(*req.Enabled)
	jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"status":  "ok",
		"enabled": *req.Enabled,
	})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	err := s.ctl.SendCustom(r.Context(), req.Command)
	switch {
	case err == nil:
		jsonResponse(w, http.StatusAccepted, map[string]interface{}{
			"status":  "queued",
			"command": req.Command,
		})
	case errors.Is(err, elm327.ErrCustomPending):
		errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, elm327.ErrNotConnected), errors.Is(err, elm327.ErrStopped):
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		errorResponse(w, http.StatusGatewayTimeout, err.Error())
	default:
		errorResponse(w, http.StatusBadRequest, err.Error())
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}
