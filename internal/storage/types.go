package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID            string   `msgpack:"id"`
	Name          string   `msgpack:"name"`
	Participants  []string `msgpack:"participants"`
	LastSeq       uint64   `msgpack:"lastSeq"`
	LastMessageAt int64    `msgpack:"lastMessageAt"`
	CreatedAt     int64    `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	Seq         uint64 `msgpack:"seq"`
	Timestamp   int64  `msgpack:"timestamp"`
	RoomID      string `msgpack:"roomId"`
	SenderID    string `msgpack:"senderId"`
	Content     string `msgpack:"content"`
	ContentHTML string `msgpack:"contentHtml"`
	ReplyTo     string `msgpack:"replyTo"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by its id.
type DBMessageRef struct {
	MessageID string `msgpack:"messageId"`
	RoomID    string `msgpack:"roomId"`
	Seq       uint64 `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBUnread struct {
	RoomID     string `msgpack:"roomId"`
	Count      int64  `msgpack:"count"`
	LastReadAt int64  `msgpack:"lastReadAt"`
}

func (u *DBUnread) Key() []byte {
	return []byte(u.RoomID)
}

func (u *DBUnread) MarshalBinary() (data []byte, err error) {
	type alias DBUnread
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUnread) UnmarshalBinary(data []byte) error {
	type alias DBUnread
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBPushSubscription struct {
	Endpoint  string `msgpack:"endpoint"`
	Auth      string `msgpack:"auth"`
	P256dh    string `msgpack:"p256dh"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// put marshals s and stores it under its own key.
func put(b interface{ Put(k, v []byte) error }, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}
