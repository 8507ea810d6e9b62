package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"courier/internal/models"
)

const adminUser = "admin"

type AdminStore interface {
	CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
}

type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	// Revoke returns the user the token was issued to.
	Revoke(token string) (string, error)
}

// Sessions is the live connection state the admin API acts on.
type Sessions interface {
	DisconnectUser(userID string) int
	Unsubscribe(userID, roomID string) int
	Stats() models.Stats
}

type AdminHandler struct {
	store    AdminStore
	issuer   TokenIssuer
	sessions Sessions
	logger   zerolog.Logger
}

func NewAdminHandler(store AdminStore, issuer TokenIssuer, sessions Sessions, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		store:    store,
		issuer:   issuer,
		sessions: sessions,
		logger:   logger.With().Str("component", "admin-api").Logger(),
	}
}

// RequireBasicAuth guards next with the admin password. An empty hash
// disables the check; the admin server is expected to listen on localhost.
func RequireBasicAuth(passwordHash string, next http.Handler) http.Handler {
	if passwordHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(adminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="courier admin"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type CreateConversationRequest struct {
	ID           string   `json:"id,omitempty" valid:"roomid"`
	Name         string   `json:"name,omitempty" valid:"length(0|200)"`
	Participants []string `json:"participants"`
}

func (h *AdminHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Participants) == 0 {
		writeError(w, http.StatusBadRequest, "At least one participant is required")
		return
	}
	for _, p := range req.Participants {
		if !models.ValidID(p) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid participant %q", p))
			return
		}
	}

	conv, err := h.store.CreateConversation(r.Context(), models.Conversation{
		ID:           req.ID,
		Name:         req.Name,
		Participants: req.Participants,
	})
	if errors.Is(err, models.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "Conversation already exists")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create conversation")
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	h.logger.Info().Str("room_id", conv.ID).Int("participants", len(conv.Participants)).Msg("conversation created")
	writeJSON(w, http.StatusCreated, conv)
}

type ParticipantRequest struct {
	UserID string `json:"userId" valid:"required,userid"`
}

func (h *AdminHandler) AddParticipantHandler(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	roomID := r.PathValue("id")
	if err := h.store.AddParticipant(r.Context(), roomID, req.UserID); err != nil {
		h.storeError(w, err, "failed to add participant")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: fmt.Sprintf("User %s added to %s", req.UserID, roomID)})
}

// RemoveParticipantHandler revokes membership and drops the user's live
// subscriptions to the room.
func (h *AdminHandler) RemoveParticipantHandler(w http.ResponseWriter, r *http.Request) {
	roomID, userID := r.PathValue("id"), r.PathValue("userId")
	if err := h.store.RemoveParticipant(r.Context(), roomID, userID); err != nil {
		h.storeError(w, err, "failed to remove participant")
		return
	}
	h.sessions.Unsubscribe(userID, roomID)
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: fmt.Sprintf("User %s removed from %s", userID, roomID)})
}

type IssueTokenResponse struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.Validate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expiresAt, err := h.issuer.Issue(req.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("failed to issue token")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, IssueTokenResponse{UserID: req.UserID, Token: token, ExpiresAt: expiresAt})
}

// RevokeTokenHandler revokes a token and disconnects the live sessions of
// its owner. Sessions are not tied to the token they authenticated with, so
// every connection of the user is closed; clients holding another valid
// token reconnect with it.
func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	userID, err := h.issuer.Revoke(req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid token")
		return
	}
	n := h.sessions.DisconnectUser(userID)
	h.logger.Info().Str("user_id", userID).Int("disconnected", n).Msg("token revoked")
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "disconnected": n})
}

func (h *AdminHandler) KickHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	n := h.sessions.DisconnectUser(userID)
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "disconnected": n})
}

func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Stats())
}

func (h *AdminHandler) storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	h.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
