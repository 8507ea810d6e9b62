package models

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventAuth        EventType = "auth"
	EventJoinRoom    EventType = "join-room"
	EventLeaveRoom   EventType = "leave-room"
	EventTyping      EventType = "typing"
	EventSendMessage EventType = "send-message"
	EventMarkRead    EventType = "mark-read"
)

type ServerEventType string

const (
	ServerEventReady        ServerEventType = "session:ready"
	ServerEventUserOnline   ServerEventType = "user:online"
	ServerEventUserOffline  ServerEventType = "user:offline"
	ServerEventMessageNew   ServerEventType = "message:new"
	ServerEventMessageAck   ServerEventType = "message:ack"
	ServerEventNotification ServerEventType = "message:notification"
	ServerEventTyping       ServerEventType = "typing:user"
	ServerEventRead         ServerEventType = "message:read"
	ServerEventError        ServerEventType = "error"
)

// ClientEvent is the envelope of every frame sent by a client.
// Data is decoded into the payload type of the event kind.
type ClientEvent struct {
	Type EventType       `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token" valid:"required"`
}

// RoomPayload is the payload of join-room, leave-room and mark-read.
type RoomPayload struct {
	RoomID string `json:"roomId" valid:"required,roomid"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId" valid:"required,roomid"`
	IsTyping bool   `json:"isTyping"`
}

type SendMessagePayload struct {
	RoomID  string `json:"roomId" valid:"required,roomid"`
	Content string `json:"content" valid:"required"`
	ReplyTo string `json:"replyTo,omitempty" valid:"uuid"`
}

// ServerEvent is the envelope of every frame sent to a client.
type ServerEvent struct {
	Type ServerEventType `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data any             `json:"data,omitempty"`
}

type ReadyData struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type PresenceData struct {
	UserID string `json:"userId"`
}

type AckData struct {
	MessageID string `json:"messageId"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

type NotificationData struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

type TypingData struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ReadData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	ReadAt int64  `json:"readAt"` // Unix milliseconds
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeClientEvent parses a raw frame. Only the envelope is checked here;
// the payload is decoded by DecodePayload once the kind is known.
func DecodeClientEvent(raw []byte) (ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ClientEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return ClientEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}

// DecodePayload unmarshals and validates the payload of ev.
func DecodePayload[T any](ev ClientEvent) (T, error) {
	var payload T
	if len(ev.Data) == 0 {
		return payload, fmt.Errorf("%w: %s requires data", ErrMalformedEvent, ev.Type)
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := Validate(&payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return payload, nil
}

// NewErrorEvent builds the error event answering the client event ref.
func NewErrorEvent(ref string, err error) ServerEvent {
	return ServerEvent{
		Type: ServerEventError,
		Ref:  ref,
		Data: ErrorData{
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	}
}
