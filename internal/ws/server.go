package ws

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"courier/internal/models"
)

type ServerConfig struct {
	MaxFrameSize int64
	PongTimeout  time.Duration
	// AllowedOrigins lists the accepted Origin hosts. Empty means same host
	// only, "*" accepts any origin.
	AllowedOrigins []string
}

// Server upgrades HTTP requests to websocket connections served by a Hub.
type Server struct {
	hub      *Hub
	cfg      ServerConfig
	upgrader *websocket.Upgrader
	logger   zerolog.Logger
}

func NewServer(hub *Hub, cfg ServerConfig, logger zerolog.Logger) *Server {
	s := &Server{
		hub:    hub,
		cfg:    cfg,
		logger: logger.With().Str("component", "ws-server").Logger(),
	}
	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, u.Host) || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// bearerToken extracts the handshake credential, if any.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	if s.cfg.MaxFrameSize > 0 {
		conn.SetReadLimit(s.cfg.MaxFrameSize)
	}
	if s.cfg.PongTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		})
	}

	err = s.hub.Serve(r.Context(), conn, bearerToken(r))
	switch {
	case err == nil:
	case models.IsFatal(err):
		s.logger.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("connection terminated")
	case errors.Is(err, errShuttingDown):
	default:
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("connection ended")
	}
}
