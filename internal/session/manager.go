package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"ekehi.network/internal/audit"
	"ekehi.network/internal/obs"
)

const (
	DefaultTimeout = 30 * time.Minute
	extendAttempts = 3
)

// Manager owns the session lifecycle: create, validate, extend, invalidate
// and regenerate.
type Manager struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	random  io.Reader
	audit   *audit.Logger
}

// Option configures Manager.
type Option func(*Manager)

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRandom replaces crypto/rand as the ID source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.random = r
		}
	}
}

func WithAudit(l *audit.Logger) Option {
	return func(m *Manager) { m.audit = l }
}

// NewManager constructs a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		timeout: DefaultTimeout,
		now:     time.Now,
		random:  rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout returns the session lifetime.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// clock truncates to microseconds so expiry CAS survives a Postgres round trip.
func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Manager) newID() (string, error) {
	var buf [idBytes]byte
	if _, err := io.ReadFull(m.random, buf[:]); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Create starts a session for userID.
func (m *Manager) Create(ctx context.Context, userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, errors.New("session: user id is required")
	}
	id, err := m.newID()
	if err != nil {
		return Session{}, err
	}
	now := m.clock()
	s := Session{ID: id, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(m.timeout)}
	if err := m.store.Insert(ctx, toRecord(s)); err != nil {
		return Session{}, storeErr(err)
	}
	obs.ObserveSession("create")
	m.log(ctx, "create", userID, id)
	return s, nil
}

// Validate returns the session if it exists and has not expired.
func (m *Manager) Validate(ctx context.Context, id string) (Session, error) {
	if !wellFormed(id) {
		if id != "" {
			m.threat(ctx, "malformed_session_id", "session id failed format check")
		}
		return Session{}, ErrSessionInvalid
	}
	rec, err := m.store.Get(ctx, KeyFor(id))
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrSessionInvalid
	}
	if err != nil {
		return Session{}, storeErr(err)
	}
	s := fromRecord(id, rec)
	if !m.clock().Before(s.ExpiresAt) {
		return s, ErrSessionExpired
	}
	return s, nil
}

// IsValid reports whether id names a live session.
func (m *Manager) IsValid(ctx context.Context, id string) bool {
	_, err := m.Validate(ctx, id)
	return err == nil
}

// Extend moves the expiry to now+timeout. It never shortens a session and
// changes nothing when the session is not valid.
func (m *Manager) Extend(ctx context.Context, id string) (Session, error) {
	for attempt := 0; attempt < extendAttempts; attempt++ {
		s, err := m.Validate(ctx, id)
		if err != nil {
			return Session{}, err
		}
		next := m.clock().Add(m.timeout)
		if !next.After(s.ExpiresAt) {
			return s, nil
		}
		ok, err := m.store.CompareAndSwapExpiry(ctx, KeyFor(id), s.ExpiresAt, next)
		if err != nil {
			return Session{}, storeErr(err)
		}
		if ok {
			s.ExpiresAt = next
			obs.ObserveSession("extend")
			return s, nil
		}
	}
	return Session{}, fmt.Errorf("%w: extend contention", ErrStorageTransient)
}

// Invalidate ends the session. Unknown ids are not an error.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	var userID string
	if wellFormed(id) {
		if rec, err := m.store.Get(ctx, KeyFor(id)); err == nil {
			userID = rec.UserID
		}
	}
	if err := m.store.Delete(ctx, KeyFor(id)); err != nil && !errors.Is(err, ErrNotFound) {
		return storeErr(err)
	}
	obs.ObserveSession("invalidate")
	m.log(ctx, "invalidate", userID, id)
	return nil
}

// Regenerate replaces a valid session with a fresh ID for the same user. The
// old ID stops working in the same store operation that creates the new one.
func (m *Manager) Regenerate(ctx context.Context, id string) (Session, error) {
	old, err := m.Validate(ctx, id)
	if err != nil {
		return Session{}, err
	}
	newID, err := m.newID()
	if err != nil {
		return Session{}, err
	}
	now := m.clock()
	next := Session{ID: newID, UserID: old.UserID, CreatedAt: now, ExpiresAt: now.Add(m.timeout)}
	if err := m.store.Swap(ctx, KeyFor(id), toRecord(next)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrSessionInvalid
		}
		return Session{}, storeErr(err)
	}
	obs.ObserveSession("regenerate")
	m.log(ctx, "regenerate", old.UserID, id, newID)
	return next, nil
}

// InvalidateUser ends every session of userID and returns how many ended.
func (m *Manager) InvalidateUser(ctx context.Context, userID string) (int, error) {
	n, err := m.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	obs.ObserveSession("revoke_all")
	if err := m.audit.LogEvent(ctx, "session.revoke_all", userID, map[string]string{"count": strconv.Itoa(n)}); err != nil {
		obs.Error("audit_write_failed", map[string]any{"error": err.Error(), "action": "session.revoke_all"})
	}
	return n, nil
}

// PurgeExpired drops sessions whose expiry has passed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.clock())
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (m *Manager) log(ctx context.Context, action, userID string, ids ...string) {
	if err := m.audit.LogSession(ctx, action, userID, ids...); err != nil {
		obs.Error("audit_write_failed", map[string]any{"error": err.Error(), "action": "session." + action})
	}
}

func (m *Manager) threat(ctx context.Context, kind, desc string) {
	if err := m.audit.LogSecurityThreat(ctx, kind, desc, audit.ThreatLow); err != nil {
		obs.Error("audit_write_failed", map[string]any{"error": err.Error(), "action": "threat." + kind})
	}
}

func storeErr(err error) error {
	if errors.Is(err, ErrStorageTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStorageTransient, err)
	}
	return err
}

func toRecord(s Session) Record {
	return Record{Key: KeyFor(s.ID), UserID: s.UserID, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt}
}

func fromRecord(id string, r Record) Session {
	return Session{ID: id, UserID: r.UserID, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt}
}
