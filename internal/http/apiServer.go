package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/api"
	"courier/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string, logger zerolog.Logger) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("GET /api/unread", apiHandlers.RequireAuth(apiHandlers.UnreadHandler))
	mux.HandleFunc("GET /api/presence", apiHandlers.RequireAuth(apiHandlers.PresenceHandler))
	mux.HandleFunc("GET /api/push/key", apiHandlers.VAPIDKeyHandler)
	mux.HandleFunc("POST /api/push/subscriptions", apiHandlers.RequireAuth(apiHandlers.SubscribePushHandler))
	mux.HandleFunc("DELETE /api/push/subscriptions", apiHandlers.RequireAuth(apiHandlers.UnsubscribePushHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "api-server").Logger(),
	}
}

func (s *APIServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("server started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
