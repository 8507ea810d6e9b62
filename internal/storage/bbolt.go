package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"courier/internal/models"
)

var (
	bucketConversations     = []byte("conversations")
	bucketMessages          = []byte("messages")
	bucketMessageIndex      = []byte("message_index")
	bucketUnread            = []byte("unread")
	bucketPushSubscriptions = []byte("push_subscriptions")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketConversations,
			bucketMessages,
			bucketMessageIndex,
			bucketUnread,
			bucketPushSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateConversation stores a new conversation. An empty ID is replaced with a
// generated one.
func (s *BboltStorage) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.Participants = dedupe(conv.Participants)
	conv.LastSeq = 0
	conv.LastMessageAt = 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if b.Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("conversation %s: %w", conv.ID, models.ErrAlreadyExists)
		}
		return put(b, &DBConversation{
			ID:           conv.ID,
			Name:         conv.Name,
			Participants: conv.Participants,
			CreatedAt:    s.now().UnixMilli(),
		})
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// AddParticipant adds userID to the conversation. Adding an existing
// participant is a no-op.
func (s *BboltStorage) AddParticipant(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		conv, err := getConversation(b, roomID)
		if err != nil {
			return err
		}
		for _, p := range conv.Participants {
			if p == userID {
				return nil
			}
		}
		conv.Participants = append(conv.Participants, userID)
		return put(b, &conv)
	})
}

// RemoveParticipant removes userID from the conversation.
func (s *BboltStorage) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		conv, err := getConversation(b, roomID)
		if err != nil {
			return err
		}
		kept := conv.Participants[:0]
		for _, p := range conv.Participants {
			if p != userID {
				kept = append(kept, p)
			}
		}
		conv.Participants = kept
		return put(b, &conv)
	})
}

func (s *BboltStorage) GetConversation(ctx context.Context, roomID string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}
	var conv DBConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		conv, err = getConversation(tx.Bucket(bucketConversations), roomID)
		return err
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv.toModel(), nil
}

// Participants returns the participants of the conversation.
func (s *BboltStorage) Participants(ctx context.Context, roomID string) ([]string, error) {
	conv, err := s.GetConversation(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return conv.Participants, nil
}

// ListConversations returns the conversations userID participates in.
// An empty userID lists every conversation.
func (s *BboltStorage) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			conv := dbConv.toModel()
			if userID == "" || conv.HasParticipant(userID) {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	return convs, err
}

// PersistMessage assigns the next sequence number, an id and a server
// timestamp to msg and stores it, all in one transaction.
func (s *BboltStorage) PersistMessage(ctx context.Context, msg models.NewMessage) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var stored DBMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		conv, err := getConversation(convs, msg.RoomID)
		if err != nil {
			return err
		}

		index := tx.Bucket(bucketMessageIndex)
		if msg.ReplyTo != "" {
			data := index.Get([]byte(msg.ReplyTo))
			if data == nil {
				return fmt.Errorf("reply target %s: %w", msg.ReplyTo, models.ErrNotFound)
			}
			var ref DBMessageRef
			if err := ref.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal message ref: %w", err)
			}
			if ref.RoomID != msg.RoomID {
				return fmt.Errorf("reply target %s: %w", msg.ReplyTo, models.ErrNotFound)
			}
		}

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		seq, err := roomBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		stored = DBMessage{
			ID:          uuid.NewString(),
			Seq:         seq,
			Timestamp:   s.now().UnixMilli(),
			RoomID:      msg.RoomID,
			SenderID:    msg.SenderID,
			Content:     msg.Content,
			ContentHTML: msg.ContentHTML,
			ReplyTo:     msg.ReplyTo,
		}
		if err := put(roomBucket, &stored); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := put(index, &DBMessageRef{MessageID: stored.ID, RoomID: stored.RoomID, Seq: seq}); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		conv.LastSeq = seq
		conv.LastMessageAt = stored.Timestamp
		return put(convs, &conv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return stored.toModel(), nil
}

// ListMessages returns the messages of a room with from <= seq <= to.
// A zero to means no upper bound.
func (s *BboltStorage) ListMessages(ctx context.Context, roomID string, from, to uint64) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}

		c := roomBucket.Cursor()
		maxKey := seqKey(to)
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			if to > 0 && bytes.Compare(k, maxKey) > 0 {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}

// GetMessage looks a message up by id.
func (s *BboltStorage) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var dbMsg DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMessageIndex).Get([]byte(messageID))
		if data == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(data); err != nil {
			return err
		}
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.RoomID))
		if roomBucket == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		raw := roomBucket.Get(seqKey(ref.Seq))
		if raw == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		return dbMsg.UnmarshalBinary(raw)
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMsg.toModel(), nil
}

// IncrementUnread bumps the unread counter of userID for roomID.
func (s *BboltStorage) IncrementUnread(ctx context.Context, userID, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketUnread).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create unread bucket: %w", err)
		}
		unread, err := getUnread(b, roomID)
		if err != nil {
			return err
		}
		unread.Count++
		return put(b, &unread)
	})
}

// MarkRead resets the unread counter of userID for roomID and records the
// read time.
func (s *BboltStorage) MarkRead(ctx context.Context, userID, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketUnread).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create unread bucket: %w", err)
		}
		return put(b, &DBUnread{RoomID: roomID, Count: 0, LastReadAt: s.now().UnixMilli()})
	})
}

// UnreadCounts returns the unread state of every room userID has one for,
// ordered by room id.
func (s *BboltStorage) UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var counts []models.UnreadCount
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUnread).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var u DBUnread
			if err := u.UnmarshalBinary(v); err != nil {
				return err
			}
			counts = append(counts, models.UnreadCount{RoomID: u.RoomID, Count: u.Count, LastReadAt: u.LastReadAt})
			return nil
		})
	})
	sort.Slice(counts, func(i, j int) bool { return counts[i].RoomID < counts[j].RoomID })
	return counts, err
}

// SavePushSubscription registers (or refreshes) a Web Push endpoint of userID.
func (s *BboltStorage) SavePushSubscription(ctx context.Context, userID string, sub models.PushSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPushSubscriptions).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create subscription bucket: %w", err)
		}
		return put(b, &DBPushSubscription{
			Endpoint:  sub.Endpoint,
			Auth:      sub.Auth,
			P256dh:    sub.P256dh,
			CreatedAt: s.now().UnixMilli(),
		})
	})
}

func (s *BboltStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}

func (s *BboltStorage) PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p DBPushSubscription
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{Endpoint: p.Endpoint, Auth: p.Auth, P256dh: p.P256dh})
			return nil
		})
	})
	return subs, err
}

func getConversation(b *bbolt.Bucket, roomID string) (DBConversation, error) {
	var conv DBConversation
	data := b.Get([]byte(roomID))
	if data == nil {
		return conv, fmt.Errorf("conversation %s: %w", roomID, models.ErrNotFound)
	}
	if err := conv.UnmarshalBinary(data); err != nil {
		return conv, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return conv, nil
}

func getUnread(b *bbolt.Bucket, roomID string) (DBUnread, error) {
	unread := DBUnread{RoomID: roomID}
	data := b.Get([]byte(roomID))
	if data == nil {
		return unread, nil
	}
	if err := unread.UnmarshalBinary(data); err != nil {
		return unread, fmt.Errorf("failed to unmarshal unread counter: %w", err)
	}
	return unread, nil
}

func (c *DBConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:            c.ID,
		Name:          c.Name,
		Participants:  c.Participants,
		LastSeq:       c.LastSeq,
		LastMessageAt: c.LastMessageAt,
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		Seq:         m.Seq,
		Timestamp:   m.Timestamp,
		SenderID:    m.SenderID,
		Content:     m.Content,
		ContentHTML: m.ContentHTML,
		ReplyTo:     m.ReplyTo,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
