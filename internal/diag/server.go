package diag

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/GSejas/health-watch-sub004/internal/schedule"
	"github.com/GSejas/health-watch-sub004/internal/store"
	"github.com/GSejas/health-watch-sub004/internal/watch"
)

// Server exposes the debug websocket and a small read-only HTTP API
// (channel states, outages, and scheduler explainability) over the same
// mux. Grounded on the teacher's internal/ws/server.go route and
// auth/origin-check shape; the tmux-focus endpoint has no analog here and
// is not carried forward.
type Server struct {
	store       *store.Store
	broadcaster *Broadcaster
	scheduler   *schedule.Scheduler
	watchMgr    *watch.Manager
	channels    func() []string

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

// NewServer constructs a Server. allowedOrigins may be empty, in which
// case same-host and localhost origins are accepted (matching the
// teacher's fallback policy). watchMgr may be nil in tests that don't
// exercise the watch-control routes.
func NewServer(st *store.Store, broadcaster *Broadcaster, sched *schedule.Scheduler, watchMgr *watch.Manager, channels func() []string, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		store:          st,
		broadcaster:    broadcaster,
		scheduler:      sched,
		watchMgr:       watchMgr,
		channels:       channels,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// SetupRoutes registers the debug HTTP and websocket handlers on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/outages", s.handleOutages)
	mux.HandleFunc("/api/explain", s.handleExplain)
	mux.HandleFunc("/api/watch/start", s.handleWatchStart)
	mux.HandleFunc("/api/watch/stop", s.handleWatchStop)
	mux.HandleFunc("/api/watch/pause", s.handleWatchPause)
	mux.HandleFunc("/api/watch/resume", s.handleWatchResume)
	mux.HandleFunc("/api/watch/current", s.handleWatchCurrent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("diag: ws upgrade error: %v", err)
		return
	}

	log.Printf("diag: client connected: %s", r.RemoteAddr)
	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		return
	}
	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("diag: client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ids := s.channels()
	snaps := make([]ChannelSnapshot, 0, len(ids))
	for _, id := range ids {
		snaps = append(snaps, ChannelSnapshot{ChannelID: id, State: s.store.GetState(id)})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}

func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	channelID := r.URL.Query().Get("channel")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.ListOutages(channelID, nil))
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		http.Error(w, "missing channel query parameter", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.scheduler.ExplainInterval(channelID))
}

// handleWatchStart starts a global watch session. An optional
// ?duration_ms= query parameter sets the session length; without it the
// duration is 0, which means indefinite (matching watch.Manager.StartWatch).
// The host's watch_default_duration setting is not consulted here.
func (s *Server) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var durationMS int64
	if raw := r.URL.Query().Get("duration_ms"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &durationMS); err != nil {
			http.Error(w, "invalid duration_ms", http.StatusBadRequest)
			return
		}
	}
	session, err := s.watchMgr.StartWatch(durationMS)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

func (s *Server) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.watchMgr.StopWatch(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatchPause(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.watchMgr.PauseWatch(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatchResume(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.watchMgr.ResumeWatch(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatchCurrent(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.watchMgr.CurrentWatch())
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Health-Watch-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}

// ListenAndServe starts the HTTP server for the debug surface.
func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("diag: listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
