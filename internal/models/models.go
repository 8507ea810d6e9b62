package models

// Conversation is a room whose participants are owned by the store.
type Conversation struct {
	ID            string   `json:"id" valid:"roomid"`
	Name          string   `json:"name,omitempty"`
	Participants  []string `json:"participants"`
	LastSeq       uint64   `json:"lastSeq"`
	LastMessageAt int64    `json:"lastMessageAt,omitempty"` // Unix milliseconds
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message.
type Message struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	Seq         uint64 `json:"seq"`       // Commit order within the room
	Timestamp   int64  `json:"timestamp"` // Unix milliseconds, assigned by the store
	SenderID    string `json:"senderId"`
	Content     string `json:"content"`
	ContentHTML string `json:"contentHtml,omitempty"`
	ReplyTo     string `json:"replyTo,omitempty"`
}

// NewMessage is a validated send request handed to the store.
type NewMessage struct {
	RoomID      string
	SenderID    string
	Content     string
	ContentHTML string
	ReplyTo     string
}

// UnreadCount is the unread state of one conversation for one user.
type UnreadCount struct {
	RoomID     string `json:"roomId"`
	Count      int64  `json:"count"`
	LastReadAt int64  `json:"lastReadAt,omitempty"` // Unix milliseconds
}

// PushSubscription is a Web Push endpoint registered by a browser.
type PushSubscription struct {
	Endpoint string `json:"endpoint" valid:"required,url"`
	Auth     string `json:"auth" valid:"required"`
	P256dh   string `json:"p256dh" valid:"required"`
}

// Stats describes the live state of the fan-out service.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"onlineUsers"`
	Rooms       int `json:"rooms"`
}
