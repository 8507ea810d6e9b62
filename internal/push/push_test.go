package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/models"
)

type memSubscriptions struct {
	mu      sync.Mutex
	subs    map[string][]models.PushSubscription
	deleted []string
}

func (m *memSubscriptions) PushSubscriptions(_ context.Context, userID string) ([]models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[userID], nil
}

func (m *memSubscriptions) DeletePushSubscription(_ context.Context, userID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, userID+" "+endpoint)
	return nil
}

type sent struct {
	endpoint string
	payload  Payload
	opts     webpush.Options
}

func TestNotifier_Push(t *testing.T) {
	store := &memSubscriptions{subs: map[string][]models.PushSubscription{
		"dave": {
			{Endpoint: "https://push.example.com/live", Auth: "a", P256dh: "p"},
			{Endpoint: "https://push.example.com/gone", Auth: "a", P256dh: "p"},
			{Endpoint: "https://push.example.com/down", Auth: "a", P256dh: "p"},
		},
	}}

	n := NewNotifier(store, Config{
		VAPIDPublicKey:  "pub",
		VAPIDPrivateKey: "priv",
		Subject:         "mailto:ops@example.com",
		BaseURL:         "https://chat.example.com",
	}, zerolog.Nop())

	var mu sync.Mutex
	var calls []sent
	n.send = func(_ context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		var p Payload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		calls = append(calls, sent{endpoint: sub.Endpoint, payload: p, opts: *opts})
		mu.Unlock()

		switch {
		case strings.HasSuffix(sub.Endpoint, "/gone"):
			return &http.Response{StatusCode: http.StatusGone, Body: io.NopCloser(strings.NewReader(""))}, nil
		case strings.HasSuffix(sub.Endpoint, "/down"):
			return nil, errors.New("connection refused")
		}
		return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	n.Push("dave", models.Message{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hi"})
	n.Push("nobody", models.Message{ID: "m2", RoomID: "r1", SenderID: "alice", Content: "hi"})
	n.Close()

	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, Payload{
			Title:     "New message from alice",
			Body:      "hi",
			RoomID:    "r1",
			MessageID: "m1",
			URL:       "https://chat.example.com/#/rooms/r1",
		}, c.payload)
		assert.Equal(t, "mailto:ops@example.com", c.opts.Subscriber)
		assert.Equal(t, "pub", c.opts.VAPIDPublicKey)
	}
	assert.Equal(t, []string{"dave https://push.example.com/gone"}, store.deleted)

	// Closed notifiers drop pushes.
	n.Push("dave", models.Message{ID: "m3"})
	assert.Len(t, calls, 3)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	long := strings.Repeat("ж", previewRunes+10)
	got := preview(long)
	assert.Equal(t, previewRunes+1, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
