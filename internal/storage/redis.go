package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/models"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCounters keeps unread counters in two hashes per user:
// <prefix>unread:<user> (room -> count) and <prefix>lastread:<user>
// (room -> unix millis).
type RedisCounters struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisCounters(ctx context.Context, cfg RedisConfig) (*RedisCounters, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisCounters{client: client, prefix: cfg.Prefix, now: time.Now}, nil
}

func (r *RedisCounters) Close() error {
	return r.client.Close()
}

func (r *RedisCounters) unreadKey(userID string) string {
	return r.prefix + "unread:" + userID
}

func (r *RedisCounters) lastReadKey(userID string) string {
	return r.prefix + "lastread:" + userID
}

func (r *RedisCounters) IncrementUnread(ctx context.Context, userID, roomID string) error {
	if err := r.client.HIncrBy(ctx, r.unreadKey(userID), roomID, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment unread: %w", err)
	}
	return nil
}

func (r *RedisCounters) MarkRead(ctx context.Context, userID, roomID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.unreadKey(userID), roomID, 0)
		pipe.HSet(ctx, r.lastReadKey(userID), roomID, r.now().UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}

func (r *RedisCounters) UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error) {
	var unread, lastRead *redis.MapStringStringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		unread = pipe.HGetAll(ctx, r.unreadKey(userID))
		lastRead = pipe.HGetAll(ctx, r.lastReadKey(userID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read unread counters: %w", err)
	}
	return mergeCounters(unread.Val(), lastRead.Val())
}

func mergeCounters(unread, lastRead map[string]string) ([]models.UnreadCount, error) {
	byRoom := make(map[string]*models.UnreadCount, len(unread))
	get := func(room string) *models.UnreadCount {
		c, ok := byRoom[room]
		if !ok {
			c = &models.UnreadCount{RoomID: room}
			byRoom[room] = c
		}
		return c
	}
	for room, v := range unread {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt unread counter for room %s: %w", room, err)
		}
		get(room).Count = n
	}
	for room, v := range lastRead {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt read time for room %s: %w", room, err)
		}
		get(room).LastReadAt = ts
	}

	counts := make([]models.UnreadCount, 0, len(byRoom))
	for _, c := range byRoom {
		counts = append(counts, *c)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].RoomID < counts[j].RoomID })
	return counts, nil
}
