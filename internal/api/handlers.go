package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"courier/internal/models"
)

type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// UserStore is the persistence behind the user-facing endpoints.
type UserStore interface {
	GetConversation(ctx context.Context, roomID string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	ListMessages(ctx context.Context, roomID string, from, to uint64) ([]models.Message, error)
	UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error)
	SavePushSubscription(ctx context.Context, userID string, sub models.PushSubscription) error
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type Presence interface {
	OnlineUsers() []string
}

type API struct {
	verifier       Verifier
	store          UserStore
	presence       Presence
	vapidPublicKey string
	logger         zerolog.Logger
}

func New(verifier Verifier, store UserStore, presence Presence, vapidPublicKey string, logger zerolog.Logger) *API {
	return &API{
		verifier:       verifier,
		store:          store,
		presence:       presence,
		vapidPublicKey: vapidPublicKey,
		logger:         logger.With().Str("component", "api").Logger(),
	}
}

type userIDKey struct{}

// UserID returns the identity RequireAuth stored in ctx.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// RequireAuth rejects requests without a valid bearer token.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		userID, err := a.verifier.Verify(r.Context(), strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := a.store.ListConversations(r.Context(), UserID(r.Context()))
	if err != nil {
		a.internalError(w, err, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// MessagesHandler returns one page of a conversation's history. from and to
// bound the sequence range; without from the page ends at to (or the latest
// message). A page holds at most limit messages.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	conv, err := a.store.GetConversation(r.Context(), roomID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && !conv.HasParticipant(UserID(r.Context()))) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		a.internalError(w, err, "failed to get conversation")
		return
	}

	var from, to uint64
	limit := uint64(defaultPageSize)
	for _, p := range []struct {
		name string
		dst  *uint64
	}{{"from", &from}, {"to", &to}, {"limit", &limit}} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		if *p.dst, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name)
			return
		}
	}
	if limit == 0 || limit > maxPageSize {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	if to == 0 || to > conv.LastSeq {
		to = conv.LastSeq
	}
	if from == 0 {
		from = 1
		if to > limit {
			from = to - limit + 1
		}
	}
	if from <= to && to-from+1 > limit {
		to = from + limit - 1
	}

	msgs := []models.Message{}
	if from <= to {
		page, err := a.store.ListMessages(r.Context(), roomID, from, to)
		if err != nil {
			a.internalError(w, err, "failed to list messages")
			return
		}
		msgs = append(msgs, page...)
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := a.store.UnreadCounts(r.Context(), UserID(r.Context()))
	if err != nil {
		a.internalError(w, err, "failed to get unread counts")
		return
	}
	if counts == nil {
		counts = []models.UnreadCount{}
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"online": a.presence.OnlineUsers()})
}

func (a *API) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.vapidPublicKey == "" {
		writeError(w, http.StatusNotFound, "Push notifications are disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.vapidPublicKey})
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := models.Validate(sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.SavePushSubscription(r.Context(), UserID(r.Context()), sub); err != nil {
		a.internalError(w, err, "failed to save push subscription")
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true})
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.store.DeletePushSubscription(r.Context(), UserID(r.Context()), req.Endpoint); err != nil {
		a.internalError(w, err, "failed to delete push subscription")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (a *API) internalError(w http.ResponseWriter, err error, msg string) {
	a.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{Success: false, Message: msg})
}
