package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ekehi.network/internal/audit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, store Store) (*Manager, *fakeClock, *audit.MemorySink) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	sink := audit.NewMemorySink()
	m := NewManager(store,
		WithClock(clock.Now),
		WithAudit(audit.New(sink, audit.WithClock(clock.Now))),
	)
	return m, clock, sink
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sealed, err := NewSealedStore(make([]byte, 32))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sealed": NewKVStore(sealed),
	}
}

func TestCreateAndValidate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			m, _, _ := newTestManager(t, store)
			ctx := context.Background()

			s, err := m.Create(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, s.ID, 64)
			assert.Equal(t, "alice", s.UserID)
			assert.Equal(t, DefaultTimeout, s.ExpiresAt.Sub(s.CreatedAt))

			got, err := m.Validate(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, s.ExpiresAt, got.ExpiresAt)
			assert.True(t, m.IsValid(ctx, s.ID))

			_, err = store.Get(ctx, s.ID)
			assert.ErrorIs(t, err, ErrNotFound, "raw id must not be a storage key")
		})
	}
}

func TestCreateRequiresUser(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	_, err := m.Create(context.Background(), "  ")
	assert.Error(t, err)
}

func TestValidateExpiry(t *testing.T) {
	m, clock, _ := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	s, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(DefaultTimeout - time.Second)
	assert.True(t, m.IsValid(ctx, s.ID))

	clock.Advance(time.Second)
	_, err = m.Validate(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestValidateMalformedID(t *testing.T) {
	m, _, sink := newTestManager(t, NewMemoryStore())
	ctx := context.Background()

	for _, id := range []string{"short", strings.Repeat("G", 64), strings.Repeat("A", 64)} {
		_, err := m.Validate(ctx, id)
		assert.ErrorIs(t, err, ErrSessionInvalid, id)
	}
	_, err := m.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrSessionInvalid)

	entries := sink.Entries()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "threat.malformed_session_id", e.Action)
	}

	_, err = m.Validate(ctx, strings.Repeat("a", 64))
	assert.ErrorIs(t, err, ErrSessionInvalid)
	assert.Len(t, sink.Entries(), 3)
}

func TestExtend(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			m, clock, _ := newTestManager(t, store)
			ctx := context.Background()
			s, err := m.Create(ctx, "alice")
			require.NoError(t, err)

			clock.Advance(10 * time.Minute)
			ext, err := m.Extend(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, clock.Now().Add(DefaultTimeout), ext.ExpiresAt)

			clock.Advance(DefaultTimeout - time.Second)
			assert.True(t, m.IsValid(ctx, s.ID))
		})
	}
}

func TestExtendNeverShortens(t *testing.T) {
	m, clock, _ := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	s, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	long := NewManager(m.store, WithClock(clock.Now), WithTimeout(2*time.Hour))
	ext, err := long.Extend(ctx, s.ID)
	require.NoError(t, err)

	got, err := m.Extend(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ext.ExpiresAt, got.ExpiresAt)
}

func TestExtendExpiredChangesNothing(t *testing.T) {
	store := NewMemoryStore()
	m, clock, _ := newTestManager(t, store)
	ctx := context.Background()
	s, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(DefaultTimeout)
	_, err = m.Extend(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)

	rec, err := store.Get(ctx, KeyFor(s.ID))
	require.NoError(t, err)
	assert.Equal(t, s.ExpiresAt, rec.ExpiresAt)
}

type contendedStore struct {
	*MemoryStore
}

func (contendedStore) CompareAndSwapExpiry(context.Context, string, time.Time, time.Time) (bool, error) {
	return false, nil
}

func TestExtendContention(t *testing.T) {
	m, clock, _ := newTestManager(t, contendedStore{NewMemoryStore()})
	ctx := context.Background()
	s, err := m.Create(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = m.Extend(ctx, s.ID)
	assert.ErrorIs(t, err, ErrStorageTransient)
}

func TestInvalidateIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			m, _, sink := newTestManager(t, store)
			ctx := context.Background()
			s, err := m.Create(ctx, "alice")
			require.NoError(t, err)

			require.NoError(t, m.Invalidate(ctx, s.ID))
			require.NoError(t, m.Invalidate(ctx, s.ID))
			assert.False(t, m.IsValid(ctx, s.ID))

			entries := sink.Entries()
			require.Len(t, entries, 3)
			assert.Equal(t, "session.invalidate", entries[1].Action)
			assert.Equal(t, audit.Redact("alice"), entries[1].ActorID)
			assert.Equal(t, "session.invalidate", entries[2].Action)
		})
	}
}

func TestRegenerate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			m, clock, sink := newTestManager(t, store)
			ctx := context.Background()
			old, err := m.Create(ctx, "alice")
			require.NoError(t, err)

			clock.Advance(time.Minute)
			fresh, err := m.Regenerate(ctx, old.ID)
			require.NoError(t, err)
			assert.NotEqual(t, old.ID, fresh.ID)
			assert.Equal(t, "alice", fresh.UserID)
			assert.Equal(t, clock.Now(), fresh.CreatedAt)

			assert.False(t, m.IsValid(ctx, old.ID))
			assert.True(t, m.IsValid(ctx, fresh.ID))

			_, err = m.Regenerate(ctx, old.ID)
			assert.ErrorIs(t, err, ErrSessionInvalid)

			entries := sink.Entries()
			last := entries[len(entries)-1]
			assert.Equal(t, "session.regenerate", last.Action)
			assert.Equal(t, audit.Redact(old.ID), last.Fields["old_session"])
			assert.Equal(t, audit.Redact(fresh.ID), last.Fields["new_session"])
		})
	}
}

func TestAuditNeverCarriesRawIDs(t *testing.T) {
	m, _, sink := newTestManager(t, NewMemoryStore())
	ctx := context.Background()
	s, err := m.Create(ctx, "alice")
	require.NoError(t, err)
	fresh, err := m.Regenerate(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, m.Invalidate(ctx, fresh.ID))

	for _, e := range sink.Entries() {
		for k, v := range e.Fields {
			assert.NotContains(t, v, s.ID[:8], k)
			assert.NotContains(t, v, fresh.ID[:8], k)
		}
	}
}

func TestInvalidateUser(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			m, _, sink := newTestManager(t, store)
			ctx := context.Background()
			a1, err := m.Create(ctx, "alice")
			require.NoError(t, err)
			a2, err := m.Create(ctx, "alice")
			require.NoError(t, err)
			b, err := m.Create(ctx, "bob")
			require.NoError(t, err)

			n, err := m.InvalidateUser(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.False(t, m.IsValid(ctx, a1.ID))
			assert.False(t, m.IsValid(ctx, a2.ID))
			assert.True(t, m.IsValid(ctx, b.ID))

			entries := sink.Entries()
			last := entries[len(entries)-1]
			assert.Equal(t, "session.revoke_all", last.Action)
			assert.Equal(t, "2", last.Fields["count"])
		})
	}
}

func TestPurgeExpired(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			m, clock, _ := newTestManager(t, store)
			ctx := context.Background()
			old, err := m.Create(ctx, "alice")
			require.NoError(t, err)
			clock.Advance(20 * time.Minute)
			young, err := m.Create(ctx, "bob")
			require.NoError(t, err)
			clock.Advance(10 * time.Minute)

			n, err := m.PurgeExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = store.Get(ctx, KeyFor(old.ID))
			assert.ErrorIs(t, err, ErrNotFound)
			assert.True(t, m.IsValid(ctx, young.ID))
		})
	}
}

func TestStoreErrorsBecomeTransient(t *testing.T) {
	m, _, _ := newTestManager(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.store = cancelledStore{}
	_, err := m.Create(ctx, "alice")
	assert.ErrorIs(t, err, ErrStorageTransient)
}

type cancelledStore struct{ Store }

func (cancelledStore) Insert(ctx context.Context, _ Record) error { return ctx.Err() }
