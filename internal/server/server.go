// Package server is the dashboard's HTTP surface: a websocket hub that
// pushes snapshot batches, the display config API and the metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shaunagostinho/candash/internal/config"
	"github.com/shaunagostinho/candash/internal/metrics"
	"github.com/shaunagostinho/candash/internal/pipeline"
)

// ConfigMessageType tags display config pushes.
const ConfigMessageType = "config"

// sendBuffer is the per-client queue; a client that falls this far behind
// misses messages.
const sendBuffer = 64

// Server broadcasts snapshot batches to websocket clients.
type Server struct {
	cfg *config.Config
	reg *prometheus.Registry
	log *zap.Logger
	m   *metrics.AppMetrics

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	capture  Capture
}

// Capture is the frame recorder switched on and off through /api/capture.
type Capture interface {
	SetEnabled(on bool)
	IsEnabled() bool
	Path() string
}

type captureState struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// New creates a Server. reg may be nil to omit the metrics endpoint.
func New(cfg *config.Config, reg *prometheus.Registry, log *zap.Logger, m *metrics.AppMetrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		log:     log,
		m:       m,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetCapture exposes c at /api/capture. Call it before Handler or Run.
func (s *Server) SetCapture(c Capture) { s.capture = c }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	if s.capture != nil {
		mux.HandleFunc("/api/capture", s.handleCapture)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if s.reg != nil && s.cfg.Metrics.Enable {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler(s.reg))
	}
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Dashboard.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Dashboard.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Name identifies the hub as a pipeline sink.
func (s *Server) Name() string { return "websocket" }

// Publish broadcasts a snapshot batch to every connected client.
func (s *Server) Publish(_ context.Context, msg pipeline.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) configMessage() ([]byte, error) {
	payload, err := s.cfg.DashboardJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: ConfigMessageType, Payload: payload})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// The initial config is queued before the client becomes visible to
	// broadcasts so it is always the first message.
	if data, err := s.configMessage(); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.m.Clients(n)
	s.log.Info("client connected", zap.Int("clients", n))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients send nothing we act on)
	go func() {
		defer s.drop(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) drop(c *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	if ok {
		close(c.send)
	}
	s.clientsMu.Unlock()
	if ok {
		s.m.Clients(n)
		s.log.Info("client disconnected", zap.Int("clients", n))
	}
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.clientsMu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.DashboardJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateDashboardFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.cfg.Path() != "" {
			if err := s.cfg.Save(); err != nil {
				s.log.Warn("config save failed", zap.Error(err))
			}
		}
		if data, err := s.configMessage(); err == nil {
			s.broadcast(data)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<10))
		if err != nil || json.Unmarshal(body, &req) != nil || req.Enabled == nil {
			http.Error(w, "expected {\"enabled\": true|false}", http.StatusBadRequest)
			return
		}
		s.capture.SetEnabled(*req.Enabled)
		s.log.Info("capture toggled", zap.Bool("enabled", *req.Enabled))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(captureState{Enabled: s.capture.IsEnabled(), Path: s.capture.Path()})
}

func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
