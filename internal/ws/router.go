package ws

import (
	"context"
	"errors"
	"fmt"

	"courier/internal/delivery"
	"courier/internal/models"
)

type handlerFunc func(ctx context.Context, c *Connection, ev models.ClientEvent) error

func (h *Hub) routes() map[models.EventType]handlerFunc {
	return map[models.EventType]handlerFunc{
		models.EventJoinRoom:    h.handleJoin,
		models.EventLeaveRoom:   h.handleLeave,
		models.EventTyping:      h.handleTyping,
		models.EventSendMessage: h.handleSend,
		models.EventMarkRead:    h.handleMarkRead,
	}
}

// dispatch routes one inbound frame of c. Recoverable errors are answered
// with an error event; only fatal errors are returned.
func (h *Hub) dispatch(ctx context.Context, c *Connection, data []byte) error {
	if c.State() != StateActive {
		return fmt.Errorf("%w: event in state %s", models.ErrProtocolViolation, c.State())
	}

	ev, err := models.DecodeClientEvent(data)
	if err != nil {
		c.replyError("", err)
		return nil
	}

	handler, ok := h.handlers[ev.Type]
	if !ok {
		c.replyError(ev.Ref, fmt.Errorf("%w: %q", models.ErrUnknownEvent, ev.Type))
		return nil
	}

	if err := handler(ctx, c, ev); err != nil {
		if models.IsFatal(err) {
			return err
		}
		c.replyError(ev.Ref, err)
	}
	return nil
}

// authorize checks userID against the participants of roomID.
func (h *Hub) authorize(ctx context.Context, userID, roomID string) error {
	participants, err := h.store.Participants(ctx, roomID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: %s", models.ErrNotParticipant, roomID)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch participants: %w", err)
	}
	for _, p := range participants {
		if p == userID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", models.ErrNotParticipant, roomID)
}

func (h *Hub) handleJoin(ctx context.Context, c *Connection, ev models.ClientEvent) error {
	payload, err := models.DecodePayload[models.RoomPayload](ev)
	if err != nil {
		return err
	}
	if err := h.authorize(ctx, c.userID, payload.RoomID); err != nil {
		return err
	}
	h.rooms.Join(payload.RoomID, c)
	return nil
}

func (h *Hub) handleLeave(_ context.Context, c *Connection, ev models.ClientEvent) error {
	payload, err := models.DecodePayload[models.RoomPayload](ev)
	if err != nil {
		return err
	}
	h.rooms.Leave(payload.RoomID, c)
	return nil
}

// handleTyping relays the indicator to the room, skipping every connection of
// the typing user.
func (h *Hub) handleTyping(_ context.Context, c *Connection, ev models.ClientEvent) error {
	payload, err := models.DecodePayload[models.TypingPayload](ev)
	if err != nil {
		return err
	}
	if !h.rooms.IsSubscribed(payload.RoomID, c) {
		return fmt.Errorf("%w: %s", models.ErrNotSubscribed, payload.RoomID)
	}

	out := models.ServerEvent{
		Type: models.ServerEventTyping,
		Data: models.TypingData{RoomID: payload.RoomID, UserID: c.userID, IsTyping: payload.IsTyping},
	}
	h.broadcastRoomExcept(payload.RoomID, out, func(other *Connection) bool {
		owner, _ := other.identity()
		return owner == c.userID
	})
	return nil
}

func (h *Hub) handleSend(ctx context.Context, c *Connection, ev models.ClientEvent) error {
	payload, err := models.DecodePayload[models.SendMessagePayload](ev)
	if err != nil {
		return err
	}

	msg, err := h.pipeline.Send(ctx, c.userID, delivery.SendRequest{
		RoomID:  payload.RoomID,
		Content: payload.Content,
		ReplyTo: payload.ReplyTo,
	})
	if err != nil {
		return err
	}

	c.enqueue(models.ServerEvent{
		Type: models.ServerEventMessageAck,
		Ref:  ev.Ref,
		Data: models.AckData{MessageID: msg.ID, Seq: msg.Seq, Timestamp: msg.Timestamp},
	})
	return nil
}

// handleMarkRead resets the unread counter and tells the room, except the
// sending connection, so the reader's other devices stay in sync.
func (h *Hub) handleMarkRead(ctx context.Context, c *Connection, ev models.ClientEvent) error {
	payload, err := models.DecodePayload[models.RoomPayload](ev)
	if err != nil {
		return err
	}
	if err := h.authorize(ctx, c.userID, payload.RoomID); err != nil {
		return err
	}
	if err := h.store.MarkRead(ctx, c.userID, payload.RoomID); err != nil {
		h.logger.Warn().Err(err).Str("user_id", c.userID).Str("room_id", payload.RoomID).Msg("mark read failed")
		return fmt.Errorf("failed to mark read: %w", err)
	}

	out := models.ServerEvent{
		Type: models.ServerEventRead,
		Data: models.ReadData{RoomID: payload.RoomID, UserID: c.userID, ReadAt: h.now().UnixMilli()},
	}
	h.broadcastRoomExcept(payload.RoomID, out, func(other *Connection) bool {
		return other == c
	})
	return nil
}
