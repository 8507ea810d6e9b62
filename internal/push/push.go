// Package push sends Web Push notifications to participants that have no
// live connection.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"courier/internal/models"
)

const (
	defaultTTL     = 60 * 60 // seconds
	sendTimeout    = 15 * time.Second
	previewRunes   = 120
	maxConcurrency = 8
)

// SubscriptionStore keeps the push endpoints registered per user.
type SubscriptionStore interface {
	PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	BaseURL         string
}

// Notifier delivers pushes in the background. Close waits for in-flight sends.
type Notifier struct {
	store  SubscriptionStore
	cfg    Config
	send   func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger zerolog.Logger
}

// Payload is the JSON body delivered to the service worker.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	URL       string `json:"url,omitempty"`
}

func NewNotifier(store SubscriptionStore, cfg Config, logger zerolog.Logger) *Notifier {
	return &Notifier{
		store:  store,
		cfg:    cfg,
		send:   webpush.SendNotificationWithContext,
		sem:    make(chan struct{}, maxConcurrency),
		logger: logger.With().Str("component", "push").Logger(),
	}
}

// Push schedules a notification about msg for every endpoint of userID.
func (n *Notifier) Push(userID string, msg models.Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sem <- struct{}{}
		defer func() { <-n.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		n.deliver(ctx, userID, msg)
	}()
}

func (n *Notifier) deliver(ctx context.Context, userID string, msg models.Message) {
	subs, err := n.store.PushSubscriptions(ctx, userID)
	if err != nil {
		n.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to load push subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(n.payloadFor(msg))
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to marshal push payload")
		return
	}

	opts := &webpush.Options{
		Subscriber:      n.cfg.Subject,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             defaultTTL,
		Urgency:         webpush.UrgencyNormal,
	}

	for _, sub := range subs {
		resp, err := n.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
		}, opts)
		if err != nil {
			n.logger.Warn().Err(err).Str("user_id", userID).Str("endpoint", sub.Endpoint).Msg("push failed")
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := n.store.DeletePushSubscription(ctx, userID, sub.Endpoint); err != nil {
				n.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to drop expired push subscription")
			} else {
				n.logger.Debug().Str("user_id", userID).Str("endpoint", sub.Endpoint).Msg("dropped expired push subscription")
			}
		case resp.StatusCode >= 400:
			n.logger.Warn().Int("status", resp.StatusCode).Str("user_id", userID).Msg("push rejected")
		}
	}
}

func (n *Notifier) payloadFor(msg models.Message) Payload {
	p := Payload{
		Title:     fmt.Sprintf("New message from %s", msg.SenderID),
		Body:      preview(msg.Content),
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
	}
	if n.cfg.BaseURL != "" {
		p.URL = n.cfg.BaseURL + "/#/rooms/" + msg.RoomID
	}
	return p
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "…"
}

// Close stops accepting pushes and waits for the scheduled ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}
