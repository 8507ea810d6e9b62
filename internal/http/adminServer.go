package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/api"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewAdminServer(adminHandler *api.AdminHandler, passwordHash, addr string, logger zerolog.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/conversations", adminHandler.CreateConversationHandler)
	mux.HandleFunc("POST /admin/conversations/{id}/participants", adminHandler.AddParticipantHandler)
	mux.HandleFunc("DELETE /admin/conversations/{id}/participants/{userId}", adminHandler.RemoveParticipantHandler)
	mux.HandleFunc("POST /admin/tokens", adminHandler.IssueTokenHandler)
	mux.HandleFunc("POST /admin/tokens/revoke", adminHandler.RevokeTokenHandler)
	mux.HandleFunc("POST /admin/users/{id}/kick", adminHandler.KickHandler)
	mux.HandleFunc("GET /admin/stats", adminHandler.StatsHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           api.RequireBasicAuth(passwordHash, mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "admin-server").Logger(),
	}
}

func (s *AdminServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API started")
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
