// Package delivery turns send-message requests into persisted messages and
// fans them out to room subscribers and participants.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"courier/internal/content"
	"courier/internal/models"
)

const defaultStripes = 64

// Store is the persistence side of the pipeline.
type Store interface {
	Participants(ctx context.Context, roomID string) ([]string, error)
	PersistMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	IncrementUnread(ctx context.Context, userID, roomID string) error
}

// Fanout addresses live connections.
type Fanout interface {
	// BroadcastRoom enqueues ev on every connection subscribed to roomID.
	BroadcastRoom(roomID string, ev models.ServerEvent)
	// Viewing reports whether any connection of userID is subscribed to roomID.
	Viewing(userID, roomID string) bool
	// NotifyUser enqueues ev on the connections of userID that are not
	// subscribed to roomID and returns how many it reached.
	NotifyUser(userID, roomID string, ev models.ServerEvent) int
	IsOnline(userID string) bool
}

// Pusher delivers notifications to participants with no live connection.
// Push must not block.
type Pusher interface {
	Push(userID string, msg models.Message)
}

type Config struct {
	MaxContentLength int
	// Stripes is the number of room lock stripes.
	Stripes int
}

type Pipeline struct {
	store  Store
	fanout Fanout
	pusher Pusher
	cfg    Config
	locks  []sync.Mutex
	logger zerolog.Logger
}

// SendRequest is a decoded send-message event.
type SendRequest struct {
	RoomID  string
	Content string
	ReplyTo string
}

// New creates a pipeline. pusher may be nil.
func New(store Store, fanout Fanout, pusher Pusher, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.Stripes <= 0 {
		cfg.Stripes = defaultStripes
	}
	return &Pipeline{
		store:  store,
		fanout: fanout,
		pusher: pusher,
		cfg:    cfg,
		locks:  make([]sync.Mutex, cfg.Stripes),
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

func (p *Pipeline) roomLock(roomID string) *sync.Mutex {
	return &p.locks[xxhash.Sum64String(roomID)%uint64(len(p.locks))]
}

// Send authorizes senderID against the room participants, persists the
// message, broadcasts message:new to the room subscribers and notifies the
// other participants.
//
// Persist and broadcast run under the room lock, so subscribers see messages
// of one room in commit order. Nothing is broadcast when persisting fails.
func (p *Pipeline) Send(ctx context.Context, senderID string, req SendRequest) (models.Message, error) {
	body, err := content.Normalize(req.Content, p.cfg.MaxContentLength)
	if err != nil {
		return models.Message{}, err
	}

	participants, err := p.store.Participants(ctx, req.RoomID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Message{}, fmt.Errorf("%w: %s", models.ErrNotParticipant, req.RoomID)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to fetch participants: %w", err)
	}
	if !contains(participants, senderID) {
		return models.Message{}, fmt.Errorf("%w: %s", models.ErrNotParticipant, req.RoomID)
	}

	html, err := content.Render(body)
	if err != nil {
		p.logger.Warn().Err(err).Str("room_id", req.RoomID).Msg("markdown render failed, sending plain text")
		html = ""
	}

	lock := p.roomLock(req.RoomID)
	lock.Lock()
	msg, err := p.store.PersistMessage(ctx, models.NewMessage{
		RoomID:      req.RoomID,
		SenderID:    senderID,
		Content:     body,
		ContentHTML: html,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		lock.Unlock()
		if errors.Is(err, models.ErrNotFound) {
			return models.Message{}, err
		}
		p.logger.Error().Err(err).Str("room_id", req.RoomID).Str("user_id", senderID).Msg("persist failed")
		return models.Message{}, fmt.Errorf("%w: %w", models.ErrPersistFailed, err)
	}
	p.fanout.BroadcastRoom(req.RoomID, models.ServerEvent{
		Type: models.ServerEventMessageNew,
		Data: msg,
	})
	lock.Unlock()

	// The sender's disconnect must not cut the best-effort part short.
	p.notify(context.WithoutCancel(ctx), msg, participants)
	return msg, nil
}

// notify updates unread counters and notifies every participant but the
// sender. Failures are logged and never reach the sender.
func (p *Pipeline) notify(ctx context.Context, msg models.Message, participants []string) {
	ev := models.ServerEvent{
		Type: models.ServerEventNotification,
		Data: models.NotificationData{RoomID: msg.RoomID, Message: msg},
	}

	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}

		if !p.fanout.Viewing(userID, msg.RoomID) {
			if err := p.store.IncrementUnread(ctx, userID, msg.RoomID); err != nil {
				p.logger.Warn().Err(err).
					Str("room_id", msg.RoomID).
					Str("user_id", userID).
					Msg("failed to increment unread counter")
			}
		}

		if p.fanout.NotifyUser(userID, msg.RoomID, ev) > 0 {
			continue
		}
		if p.pusher != nil && !p.fanout.IsOnline(userID) {
			p.pusher.Push(userID, msg)
		}
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
