package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// SecureStore is an encrypted key/value store for secrets such as session
// records. It is handed to its consumers at construction time.
type SecureStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ErrSealKey is returned for seal keys of the wrong size.
var ErrSealKey = fmt.Errorf("session: seal key must be %d bytes", chacha20poly1305.KeySize)

// SealedStore is an in-process SecureStore that keeps every value sealed
// with XChaCha20-Poly1305. The entry key is bound as additional data, so a
// blob copied under another key fails to open.
type SealedStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	aead   aeadCipher
	random io.Reader
}

type aeadCipher interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

var _ SecureStore = (*SealedStore)(nil)

// NewSealedStore returns a SealedStore using a 32-byte key.
func NewSealedStore(key []byte) (*SealedStore, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrSealKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &SealedStore{blobs: make(map[string][]byte), aead: aead, random: rand.Reader}, nil
}

func (s *SealedStore) Put(_ context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return err
	}
	blob := s.aead.Seal(nonce, nonce, value, []byte(key))
	s.mu.Lock()
	s.blobs[key] = blob
	s.mu.Unlock()
	return nil
}

func (s *SealedStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	n := s.aead.NonceSize()
	if len(blob) < n {
		return nil, errors.New("session: sealed value truncated")
	}
	return s.aead.Open(nil, blob[:n], blob[n:], []byte(key))
}

func (s *SealedStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

func (s *SealedStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

const (
	recordPrefix = "session/"
	userPrefix   = "user/"
)

// KVStore implements Store on top of a SecureStore. Mutations are serialised
// in-process so Swap and the expiry CAS stay atomic.
type KVStore struct {
	mu sync.Mutex
	kv SecureStore
}

var _ Store = (*KVStore)(nil)

func NewKVStore(kv SecureStore) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, rec)
}

func (s *KVStore) Get(ctx context.Context, key string) (Record, error) {
	return s.get(ctx, key)
}

func (s *KVStore) CompareAndSwapExpiry(ctx context.Context, key string, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	if !rec.ExpiresAt.Equal(prev) {
		return false, nil
	}
	rec.ExpiresAt = next
	return true, s.writeRecord(ctx, rec)
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(ctx, key)
}

func (s *KVStore) Swap(ctx context.Context, oldKey string, next Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(ctx, oldKey); err != nil {
		return err
	}
	if err := s.remove(ctx, oldKey); err != nil {
		return err
	}
	return s.put(ctx, next)
}

func (s *KVStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.userKeys(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, recordPrefix+key); err != nil {
			return 0, err
		}
	}
	return len(keys), s.kv.Delete(ctx, userPrefix+userID)
}

func (s *KVStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.kv.Keys(ctx, recordPrefix)
	if err != nil {
		return 0, err
	}
	var n int
	for _, name := range names {
		key := strings.TrimPrefix(name, recordPrefix)
		rec, err := s.get(ctx, key)
		if err != nil {
			return n, err
		}
		if now.Before(rec.ExpiresAt) {
			continue
		}
		if err := s.remove(ctx, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *KVStore) get(ctx context.Context, key string) (Record, error) {
	raw, err := s.kv.Get(ctx, recordPrefix+key)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode session record: %w", err)
	}
	return rec, nil
}

func (s *KVStore) put(ctx context.Context, rec Record) error {
	if err := s.writeRecord(ctx, rec); err != nil {
		return err
	}
	keys, err := s.userKeys(ctx, rec.UserID)
	if err != nil {
		return err
	}
	return s.writeUserKeys(ctx, rec.UserID, append(keys, rec.Key))
}

func (s *KVStore) remove(ctx context.Context, key string) error {
	rec, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, recordPrefix+key); err != nil {
		return err
	}
	keys, err := s.userKeys(ctx, rec.UserID)
	if err != nil {
		return err
	}
	kept := keys[:0]
	for _, k := range keys {
		if k != key {
			kept = append(kept, k)
		}
	}
	if len(kept) == 0 {
		return s.kv.Delete(ctx, userPrefix+rec.UserID)
	}
	return s.writeUserKeys(ctx, rec.UserID, kept)
}

func (s *KVStore) writeRecord(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, recordPrefix+rec.Key, raw)
}

func (s *KVStore) userKeys(ctx context.Context, userID string) ([]string, error) {
	raw, err := s.kv.Get(ctx, userPrefix+userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode session index: %w", err)
	}
	return keys, nil
}

func (s *KVStore) writeUserKeys(ctx context.Context, userID string, keys []string) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, userPrefix+userID, raw)
}
