package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"courier/internal/models"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// wsConnection is the part of *websocket.Conn a Connection needs.
type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
}

// Optional transport capabilities.
type (
	controlWriter interface {
		WriteControl(messageType int, data []byte, deadline time.Time) error
	}
	writeDeadliner interface {
		SetWriteDeadline(t time.Time) error
	}
)

var (
	errKicked       = errors.New("disconnected by server")
	errShuttingDown = errors.New("server is shutting down")
)

// Connection is one live transport session. It is owned by the Hub and
// referenced by the presence registry and the room tracker.
type Connection struct {
	id        string
	ws        wsConnection
	hub       *Hub
	createdAt time.Time

	// userID is written once, before state moves past StateConnecting.
	userID string
	state  atomic.Int32

	send chan models.ServerEvent

	closed      chan struct{}
	closeOnce   sync.Once
	closeReason error

	cleanupOnce sync.Once
	logger      atomic.Pointer[zerolog.Logger]
}

func newConnection(hub *Hub, ws wsConnection) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:        id,
		ws:        ws,
		hub:       hub,
		createdAt: hub.now(),
		send:      make(chan models.ServerEvent, hub.cfg.SendBuffer),
		closed:    make(chan struct{}),
	}
	logger := hub.logger.With().Str("conn_id", id).Logger()
	c.logger.Store(&logger)
	return c
}

func (c *Connection) log() *zerolog.Logger {
	return c.logger.Load()
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// identity returns the owning user once authentication has succeeded.
func (c *Connection) identity() (string, bool) {
	if c.State() == StateConnecting {
		return "", false
	}
	return c.userID, c.userID != ""
}

// Handle runs the connection until the transport closes, ctx is done or the
// connection is kicked. Cleanup runs exactly once before Handle returns.
// The returned error is the fatal reason the connection was closed for, if any.
func (c *Connection) Handle(ctx context.Context, token string) error {
	defer c.cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	run := func(f func(context.Context) error) {
		g.Go(func() error {
			defer cancel()
			return f(ctx)
		})
	}

	frames := make(chan []byte)
	run(func(ctx context.Context) error { return c.pumpMessages(ctx, frames) })
	run(func(ctx context.Context) error { return c.mainLoop(ctx, frames, token) })
	run(c.writeLoop)
	g.Go(func() error {
		<-ctx.Done()
		c.close(nil)
		return nil
	})

	err := g.Wait()
	if reason := c.reason(); reason != nil {
		return reason
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Kick closes the connection for reason. Safe to call any number of times
// from any goroutine; only the first reason is kept.
func (c *Connection) Kick(reason error) {
	c.close(reason)
}

func (c *Connection) close(reason error) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closed)

		// Kicks may come from under the presence lock, so the close
		// handshake must not block the caller.
		go func() {
			if cw, ok := c.ws.(controlWriter); ok {
				code, text := closeFrameFor(reason)
				deadline := time.Now().Add(c.hub.cfg.WriteTimeout)
				_ = cw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
			}
			if err := c.ws.Close(); err != nil {
				c.log().Debug().Err(err).Msg("close transport")
			}
		}()
	})
}

func (c *Connection) reason() error {
	select {
	case <-c.closed:
		return c.closeReason
	default:
		return nil
	}
}

func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.close(nil)
		c.hub.release(c)

		ev := c.log().Info().Dur("duration", c.hub.now().Sub(c.createdAt))
		if reason := c.reason(); reason != nil {
			ev = ev.Str("reason", reason.Error())
		}
		ev.Msg("connection closed")
	})
}

// enqueue hands ev to the writer without blocking. A full buffer kicks the
// connection instead of stalling the caller.
func (c *Connection) enqueue(ev models.ServerEvent) bool {
	if c.State() == StateClosed {
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	default:
		c.log().Warn().Int("buffer", cap(c.send)).Msg("send buffer full, dropping connection")
		c.Kick(models.ErrSendBufferOverflow)
		return false
	}
}

func (c *Connection) replyError(ref string, err error) {
	c.log().Debug().Err(err).Str("ref", ref).Msg("event rejected")
	c.enqueue(models.NewErrorEvent(ref, err))
}

func (c *Connection) pumpMessages(ctx context.Context, frames chan<- []byte) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context, frames <-chan []byte, token string) error {
	if err := c.authenticate(ctx, frames, token); err != nil {
		if !models.IsFatal(err) {
			// Closed or canceled before authenticating.
			return nil
		}
		c.log().Info().Err(err).Msg("authentication failed")
		c.Kick(err)
		return err
	}

	for {
		select {
		case data := <-frames:
			if err := c.hub.dispatch(ctx, c, data); err != nil {
				c.Kick(err)
				return err
			}
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		}
	}
}

// authenticate verifies the handshake token, or the first frame when no
// token was supplied, within AuthTimeout of accept.
func (c *Connection) authenticate(ctx context.Context, frames <-chan []byte, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.hub.cfg.AuthTimeout)
	defer cancel()

	if token == "" {
		select {
		case data := <-frames:
			ev, err := models.DecodeClientEvent(data)
			if err != nil || ev.Type != models.EventAuth {
				return fmt.Errorf("%w: first event must be %s", models.ErrProtocolViolation, models.EventAuth)
			}
			payload, err := models.DecodePayload[models.AuthPayload](ev)
			if err != nil {
				return fmt.Errorf("%w: %v", models.ErrAuthFailed, err)
			}
			token = payload.Token
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return models.ErrAuthTimeout
			}
			return ctx.Err()
		case <-c.closed:
			return context.Canceled
		}
	}

	userID, err := c.hub.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ErrAuthTimeout
		}
		if !errors.Is(err, models.ErrAuthFailed) {
			err = fmt.Errorf("%w: %v", models.ErrAuthFailed, err)
		}
		return err
	}

	logger := c.log().With().Str("user_id", userID).Logger()
	c.logger.Store(&logger)
	c.userID = userID
	c.state.Store(int32(StateAuthenticated))

	c.hub.register(c)
	c.state.Store(int32(StateActive))

	c.enqueue(models.ServerEvent{
		Type: models.ServerEventReady,
		Data: models.ReadyData{UserID: userID, ConnectionID: c.id},
	})
	c.log().Info().Msg("connection authenticated")
	return nil
}

func (c *Connection) writeLoop(ctx context.Context) error {
	var ping <-chan time.Time
	cw, canPing := c.ws.(controlWriter)
	if canPing && c.hub.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.hub.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	wd, hasDeadline := c.ws.(writeDeadliner)

	for {
		select {
		case ev := <-c.send:
			if hasDeadline {
				_ = wd.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				select {
				case <-c.closed:
					return nil
				default:
				}
				return fmt.Errorf("write: %w", err)
			}
		case <-ping:
			if err := cw.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		}
	}
}

func closeFrameFor(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseGoingAway, ""
	case errors.Is(reason, models.ErrAuthFailed),
		errors.Is(reason, models.ErrAuthTimeout):
		return websocket.ClosePolicyViolation, models.ErrorCode(reason)
	case errors.Is(reason, errKicked):
		return websocket.ClosePolicyViolation, "kicked"
	case errors.Is(reason, models.ErrProtocolViolation):
		return websocket.CloseProtocolError, models.ErrorCode(reason)
	case errors.Is(reason, models.ErrSendBufferOverflow):
		return websocket.CloseTryAgainLater, models.ErrorCode(reason)
	case errors.Is(reason, errShuttingDown):
		return websocket.CloseGoingAway, "shutting_down"
	}
	return websocket.CloseInternalServerErr, "internal"
}
