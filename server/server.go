// Package server exposes the presence hub over HTTP: one websocket endpoint per museum room
// plus health, stats and room snapshot endpoints.
package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"museum-presence/domain"
	"museum-presence/hub"
	"museum-presence/protocol"
	ws "museum-presence/websocket"
)

type Options struct {
	AllowedOrigins []string
	UpgradeRate    float64
	UpgradeBurst   int
	SendBuffer     int
}

type Server struct {
	rooms     *hub.Hub
	handler   *protocol.Handler
	upgrader  websocket.Upgrader
	admission *admission
	opts      Options
}

func New(rooms *hub.Hub, opts Options) *Server {
	s := &Server{
		rooms:     rooms,
		handler:   protocol.NewHandler(rooms),
		admission: newAdmission(opts.UpgradeRate, opts.UpgradeBurst),
		opts:      opts,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws/{roomID}", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/rooms/{roomID}/visitors", s.handleVisitors)
	return r
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.admission.close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "roomID")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	if !s.admission.allow(ip) {
		slog.Warn("upgrade rate limited", "room", room, "remote", ip)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "room", room, "error", err)
		return
	}

	wsConn := ws.NewConn(uuid.NewString(), room, conn, s.rooms, s.handler, s.opts.SendBuffer)
	wsConn.Start()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.rooms.Stats())
}

func (s *Server) handleVisitors(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "roomID")
	writeJSON(w, struct {
		Room     string           `json:"room"`
		Visitors []domain.Visitor `json:"visitors"`
	}{Room: room, Visitors: s.rooms.Visitors(room)})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

// clientIP returns the caller address without its port. RealIP has already replaced
// RemoteAddr when the request came through a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}
