package storage

import (
	"context"

	"courier/internal/models"
)

// Counters keeps per-user unread state.
type Counters interface {
	IncrementUnread(ctx context.Context, userID, roomID string) error
	MarkRead(ctx context.Context, userID, roomID string) error
	UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error)
}

// Store combines the bbolt database with an unread counter backend.
type Store struct {
	*BboltStorage
	counters Counters
}

// NewStore returns a Store that keeps unread counters in counters, or in db
// itself when counters is nil.
func NewStore(db *BboltStorage, counters Counters) *Store {
	if counters == nil {
		counters = db
	}
	return &Store{BboltStorage: db, counters: counters}
}

func (s *Store) IncrementUnread(ctx context.Context, userID, roomID string) error {
	return s.counters.IncrementUnread(ctx, userID, roomID)
}

func (s *Store) MarkRead(ctx context.Context, userID, roomID string) error {
	return s.counters.MarkRead(ctx, userID, roomID)
}

func (s *Store) UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error) {
	return s.counters.UnreadCounts(ctx, userID)
}
