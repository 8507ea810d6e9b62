package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/delivery"
	"courier/internal/models"
	"courier/internal/presence"
	"courier/internal/rooms"
)

// Verifier turns a bearer credential into a user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Store is the persistence the hub and its delivery pipeline talk to.
type Store interface {
	delivery.Store
	MarkRead(ctx context.Context, userID, roomID string) error
}

type Config struct {
	AuthTimeout      time.Duration
	SendBuffer       int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxContentLength int
}

func (c *Config) setDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Hub owns every connection, the presence registry and the room tracker.
//
// Lock order: presence callbacks run under the registry lock and take h.mu,
// so h.mu is never held while calling into the registry.
type Hub struct {
	cfg      Config
	verifier Verifier
	store    Store
	pipeline *delivery.Pipeline
	presence *presence.Registry[*Connection]
	rooms    *rooms.Tracker[*Connection]
	handlers map[models.EventType]handlerFunc

	conns    map[*Connection]struct{}
	draining bool
	mu       sync.RWMutex
	wg       sync.WaitGroup

	now    func() time.Time
	logger zerolog.Logger
}

// NewHub creates a hub. pusher may be nil.
func NewHub(cfg Config, verifier Verifier, store Store, pusher delivery.Pusher, logger zerolog.Logger) *Hub {
	cfg.setDefaults()
	h := &Hub{
		cfg:      cfg,
		verifier: verifier,
		store:    store,
		rooms:    rooms.New[*Connection](),
		conns:    make(map[*Connection]struct{}),
		now:      time.Now,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
	h.presence = presence.New[*Connection](presence.Config{
		OnOnline: func(userID string) {
			h.broadcastPresence(userID, models.ServerEventUserOnline)
		},
		OnOffline: func(userID string) {
			h.broadcastPresence(userID, models.ServerEventUserOffline)
		},
	})
	h.pipeline = delivery.New(store, h, pusher, delivery.Config{
		MaxContentLength: cfg.MaxContentLength,
	}, logger)
	h.handlers = h.routes()
	return h
}

// Serve runs a connection over ws until it closes. token is the handshake
// credential; when empty the client must send an auth event first.
func (h *Hub) Serve(ctx context.Context, ws wsConnection, token string) error {
	c, err := h.accept(ws)
	if err != nil {
		_ = ws.Close()
		return err
	}
	defer h.wg.Done()
	return c.Handle(ctx, token)
}

func (h *Hub) accept(ws wsConnection) (*Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return nil, errShuttingDown
	}
	c := newConnection(h, ws)
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	c.log().Debug().Msg("connection accepted")
	return c, nil
}

func (h *Hub) register(c *Connection) {
	h.presence.Register(c.userID, c)
}

// release unwinds every registration of c. Each step is a no-op when c never
// got that far.
func (h *Hub) release(c *Connection) {
	h.rooms.LeaveAll(c)
	if userID, ok := c.identity(); ok {
		h.presence.Unregister(userID, c)
	}
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// broadcastPresence tells every authenticated connection not owned by
// userID about a presence transition.
func (h *Hub) broadcastPresence(userID string, typ models.ServerEventType) {
	ev := models.ServerEvent{Type: typ, Data: models.PresenceData{UserID: userID}}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		if owner, ok := c.identity(); ok && owner != userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(ev)
	}
}

// BroadcastRoom enqueues ev on every subscriber of roomID.
func (h *Hub) BroadcastRoom(roomID string, ev models.ServerEvent) {
	for _, c := range h.rooms.SubscribersOf(roomID) {
		c.enqueue(ev)
	}
}

// broadcastRoomExcept is BroadcastRoom minus the connections skip matches.
func (h *Hub) broadcastRoomExcept(roomID string, ev models.ServerEvent, skip func(*Connection) bool) {
	for _, c := range h.rooms.SubscribersOf(roomID) {
		if skip(c) {
			continue
		}
		c.enqueue(ev)
	}
}

func (h *Hub) Viewing(userID, roomID string) bool {
	for _, c := range h.presence.ConnectionsFor(userID) {
		if h.rooms.IsSubscribed(roomID, c) {
			return true
		}
	}
	return false
}

func (h *Hub) NotifyUser(userID, roomID string, ev models.ServerEvent) int {
	n := 0
	for _, c := range h.presence.ConnectionsFor(userID) {
		if h.rooms.IsSubscribed(roomID, c) {
			continue
		}
		if c.enqueue(ev) {
			n++
		}
	}
	return n
}

func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(userID)
}

// OnlineUsers lists the identities with at least one live connection.
func (h *Hub) OnlineUsers() []string {
	return h.presence.Online()
}

// DisconnectUser kicks every connection of userID and returns how many there were.
func (h *Hub) DisconnectUser(userID string) int {
	conns := h.presence.ConnectionsFor(userID)
	for _, c := range conns {
		c.Kick(errKicked)
	}
	if len(conns) > 0 {
		h.logger.Info().Str("user_id", userID).Int("connections", len(conns)).Msg("user disconnected by server")
	}
	return len(conns)
}

// Unsubscribe removes every connection of userID from roomID, as when the user
// stops being a participant.
func (h *Hub) Unsubscribe(userID, roomID string) int {
	n := 0
	for _, c := range h.presence.ConnectionsFor(userID) {
		if h.rooms.Leave(roomID, c) {
			n++
		}
	}
	return n
}

func (h *Hub) Stats() models.Stats {
	h.mu.RLock()
	conns := len(h.conns)
	h.mu.RUnlock()
	return models.Stats{
		Connections: conns,
		OnlineUsers: len(h.presence.Online()),
		Rooms:       h.rooms.Count(),
	}
}

// Shutdown stops accepting connections, closes the live ones and waits for
// their cleanup or ctx, whichever comes first.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Kick(errShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Int("connections", len(conns)).Msg("hub drained")
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("hub shutdown timed out"), ctx.Err())
	}
}
