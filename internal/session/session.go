package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrSessionInvalid   = errors.New("session: invalid")
	ErrSessionExpired   = errors.New("session: expired")
	ErrNotFound         = errors.New("session: not found")
	ErrStorageTransient = errors.New("session: transient storage failure")
)

// Session is an authenticated session as handed to callers. ID is the bearer
// secret and is never persisted in clear.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Record is the persisted form of a Session, keyed by the hash of its ID.
type Record struct {
	Key       string    `json:"key"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists session records.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, key string) (Record, error)
	// CompareAndSwapExpiry sets ExpiresAt to next only if it still equals prev.
	CompareAndSwapExpiry(ctx context.Context, key string, prev, next time.Time) (bool, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	// Swap removes oldKey and inserts next atomically. ErrNotFound if oldKey
	// is gone.
	Swap(ctx context.Context, oldKey string, next Record) error
	DeleteByUser(ctx context.Context, userID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// KeyFor derives the storage key of a session ID.
func KeyFor(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

const idBytes = 32

func wellFormed(id string) bool {
	if len(id) != idBytes*2 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
