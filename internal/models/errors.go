package models

import "errors"

// Fatal errors terminate the connection.
var (
	ErrAuthFailed         = errors.New("authentication failed")
	ErrAuthTimeout        = errors.New("authentication timed out")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrSendBufferOverflow = errors.New("send buffer overflow")
)

// Recoverable errors are reported to the originating connection only.
var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrNotSubscribed  = errors.New("not subscribed to this conversation")
	ErrPersistFailed  = errors.New("failed to persist message")
	ErrInvalidContent = errors.New("invalid message content")
	ErrNotFound       = errors.New("not found")
)

var ErrAlreadyExists = errors.New("already exists")

// IsFatal reports whether err must close the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrAuthTimeout) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrSendBufferOverflow)
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthFailed, "auth_failed"},
	{ErrAuthTimeout, "auth_timeout"},
	{ErrProtocolViolation, "protocol_violation"},
	{ErrSendBufferOverflow, "send_buffer_overflow"},
	{ErrMalformedEvent, "malformed_event"},
	{ErrUnknownEvent, "unknown_event"},
	{ErrNotParticipant, "not_participant"},
	{ErrNotSubscribed, "not_subscribed"},
	{ErrPersistFailed, "persist_failed"},
	{ErrInvalidContent, "invalid_content"},
	{ErrNotFound, "not_found"},
}

// ErrorCode maps err to the code sent in error events.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
