package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ekehi.network/internal/access"
	"ekehi.network/internal/ledger"
)

// Store is the Postgres backend for accounts and referral edges.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Sessions returns the session store sharing this pool.
func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.db} }

// AuditSink returns an audit sink writing to audit_log.
func (s *Store) AuditSink() *AuditSink { return &AuditSink{db: s.db} }

const accountColumns = `user_id, role, total_coins, manual_rate_per_day, auto_mining_rate_per_hour,
	referral_bonus_rate_per_hour, current_streak_days, longest_streak_days, last_checkpoint_at,
	last_login_date, today_earnings, max_daily_earnings, lifetime_earnings, referral_code,
	referred_by, total_referrals, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, acc ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(`+accountColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, accountArgs(acc)...)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == codeUniqueViolation {
		if pgErr.ConstraintName == "accounts_referral_code_key" {
			return ledger.ErrReferralCodeTaken
		}
		return ledger.ErrAccountExists
	}
	return ledgerErr(err)
}

func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where user_id=$1`, userID)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, ledgerErr(err)
}

func (s *Store) AccountByReferralCode(ctx context.Context, code string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where referral_code=$1`, code)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrInvalidReferralCode
	}
	return acc, ledgerErr(err)
}

func (s *Store) Referrals(ctx context.Context, referrerID string) ([]ledger.ReferralEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		select referrer_id, referee_id, created_at
		from referral_edges
		where referrer_id=$1
		order by created_at asc
	`, referrerID)
	if err != nil {
		return nil, ledgerErr(err)
	}
	defer rows.Close()

	out := []ledger.ReferralEdge{}
	for rows.Next() {
		var e ledger.ReferralEdge
		if err := rows.Scan(&e.ReferrerID, &e.RefereeID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, ledgerErr(rows.Err())
}

// Update runs fn inside one transaction holding row locks on every listed
// account, taken in sorted order.
func (s *Store) Update(ctx context.Context, userIDs []string, fn func(tx ledger.Tx) error) error {
	keys := ledger.LockOrder(userIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledgerErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("set local lock_timeout = '%dms'", ms)); err != nil {
			return ledgerErr(err)
		}
	}

	ptx := &pgTx{ctx: ctx, tx: tx, accounts: make(map[string]*ledger.Account, len(keys))}
	for _, id := range keys {
		row := tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where user_id=$1 for update`, id)
		acc, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
		}
		if err != nil {
			return ledgerErr(err)
		}
		ptx.accounts[id] = &acc
	}

	if err := fn(ptx); err != nil {
		return err
	}

	for _, id := range keys {
		acc := ptx.accounts[id]
		if _, err := tx.ExecContext(ctx, `
			update accounts set
				role=$2, total_coins=$3, manual_rate_per_day=$4, auto_mining_rate_per_hour=$5,
				referral_bonus_rate_per_hour=$6, current_streak_days=$7, longest_streak_days=$8,
				last_checkpoint_at=$9, last_login_date=$10, today_earnings=$11, max_daily_earnings=$12,
				lifetime_earnings=$13, referral_code=$14, referred_by=$15, total_referrals=$16,
				created_at=$17, updated_at=$18
			where user_id=$1
		`, accountArgs(*acc)...); err != nil {
			return ledgerErr(err)
		}
	}
	return ledgerErr(tx.Commit())
}

type pgTx struct {
	ctx      context.Context
	tx       *sql.Tx
	accounts map[string]*ledger.Account
}

func (t *pgTx) Account(userID string) (*ledger.Account, error) {
	acc, ok := t.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotLocked, userID)
	}
	return acc, nil
}

func (t *pgTx) Referral(refereeID string) (ledger.ReferralEdge, bool, error) {
	var e ledger.ReferralEdge
	err := t.tx.QueryRowContext(t.ctx, `
		select referrer_id, referee_id, created_at from referral_edges where referee_id=$1
	`, refereeID).Scan(&e.ReferrerID, &e.RefereeID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ReferralEdge{}, false, nil
	}
	if err != nil {
		return ledger.ReferralEdge{}, false, ledgerErr(err)
	}
	return e, true, nil
}

func (t *pgTx) AddReferral(edge ledger.ReferralEdge) error {
	_, err := t.tx.ExecContext(t.ctx, `
		insert into referral_edges(referee_id, referrer_id, created_at) values ($1,$2,$3)
	`, edge.RefereeID, edge.ReferrerID, edge.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == codeUniqueViolation {
		return ledger.ErrAlreadyReferred
	}
	return ledgerErr(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acc        ledger.Account
		role       string
		loginDate  sql.NullTime
		referredBy sql.NullString
	)
	err := row.Scan(
		&acc.UserID, &role, &acc.TotalCoins, &acc.ManualRatePerDay, &acc.AutoMiningRatePerHour,
		&acc.ReferralBonusRatePerHour, &acc.CurrentStreakDays, &acc.LongestStreakDays, &acc.LastCheckpointAt,
		&loginDate, &acc.TodayEarnings, &acc.MaxDailyEarnings, &acc.LifetimeEarnings, &acc.ReferralCode,
		&referredBy, &acc.TotalReferrals, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return ledger.Account{}, err
	}
	if acc.Role, err = access.ParseRole(role); err != nil {
		return ledger.Account{}, fmt.Errorf("account %s: %w", acc.UserID, err)
	}
	if loginDate.Valid {
		t := loginDate.Time
		acc.LastLoginDate = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	acc.ReferredBy = referredBy.String
	acc.LastCheckpointAt = acc.LastCheckpointAt.UTC()
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func accountArgs(acc ledger.Account) []any {
	var loginDate sql.NullTime
	if !acc.LastLoginDate.IsZero() {
		loginDate = sql.NullTime{Time: acc.LastLoginDate, Valid: true}
	}
	return []any{
		acc.UserID, acc.Role.String(), acc.TotalCoins, acc.ManualRatePerDay, acc.AutoMiningRatePerHour,
		acc.ReferralBonusRatePerHour, acc.CurrentStreakDays, acc.LongestStreakDays, acc.LastCheckpointAt,
		loginDate, acc.TodayEarnings, acc.MaxDailyEarnings, acc.LifetimeEarnings, acc.ReferralCode,
		nullIfEmpty(acc.ReferredBy), acc.TotalReferrals, acc.CreatedAt, acc.UpdatedAt,
	}
}
