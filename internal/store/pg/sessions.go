package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ekehi.network/internal/session"
)

// SessionStore keeps session records in the sessions table. Rows are keyed
// by the hashed session id.
type SessionStore struct {
	db *sql.DB
}

var _ session.Store = (*SessionStore)(nil)

func (s *SessionStore) Insert(ctx context.Context, rec session.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(key, user_id, created_at, expires_at) values ($1,$2,$3,$4)
	`, rec.Key, rec.UserID, rec.CreatedAt, rec.ExpiresAt)
	return sessionErr(err)
}

func (s *SessionStore) Get(ctx context.Context, key string) (session.Record, error) {
	var rec session.Record
	err := s.db.QueryRowContext(ctx, `
		select key, user_id, created_at, expires_at from sessions where key=$1
	`, key).Scan(&rec.Key, &rec.UserID, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, sessionErr(err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

func (s *SessionStore) CompareAndSwapExpiry(ctx context.Context, key string, prev, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set expires_at=$3 where key=$1 and expires_at=$2
	`, key, prev, next)
	if err != nil {
		return false, sessionErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where key=$1`, key)
	return sessionErr(err)
}

func (s *SessionStore) Swap(ctx context.Context, oldKey string, next session.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sessionErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `delete from sessions where key=$1`, oldKey)
	if err != nil {
		return sessionErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return session.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sessions(key, user_id, created_at, expires_at) values ($1,$2,$3,$4)
	`, next.Key, next.UserID, next.CreatedAt, next.ExpiresAt); err != nil {
		return sessionErr(err)
	}
	return sessionErr(tx.Commit())
}

func (s *SessionStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where user_id=$1`, userID)
	if err != nil {
		return 0, sessionErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, sessionErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
