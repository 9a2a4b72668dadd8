package gtshare

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/sammck-go/guactunnel/pkg/guacbridge"
	"github.com/sammck-go/guactunnel/pkg/logger"
)

func (s *Server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/tunnel", s.handleTunnel)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(BuildVersion))
	})
	r.Handle("/metrics", s.metrics.Handler())

	var h http.Handler = r
	if s.GetLogLevel() >= logger.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	return h
}

// handleTunnel upgrades a browser request and runs its session until it ends
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) || !offersSubprotocol(r, guacbridge.Subprotocol) {
		s.DLogf("rejecting %s: not a %q websocket request", r.RemoteAddr, guacbridge.Subprotocol)
		http.Error(w, "Expected websocket with subprotocol "+guacbridge.Subprotocol, http.StatusBadRequest)
		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("failed to upgrade to websocket: %s", err)
		return
	}

	n := s.connStats.New()
	s.connStats.Open()
	defer s.connStats.Close()
	s.DLogf("browser #%d from %s %s", n, r.RemoteAddr, &s.connStats)

	q := r.URL.Query()
	req := guacbridge.Request{
		Credential: q.Get("credential"),
		Width:      queryInt(q.Get("width"), guacbridge.DefaultWidth),
		Height:     queryInt(q.Get("height"), guacbridge.DefaultHeight),
	}
	err = s.bridge.Serve(r.Context(), guacbridge.NewWebSocketChannel(wsConn), req)
	if err != nil {
		s.DLogf("browser #%d: %s", n, err)
	}
}

func offersSubprotocol(r *http.Request, want string) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == want {
			return true
		}
	}
	return false
}

func queryInt(v string, dflt int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return dflt
	}
	return n
}
