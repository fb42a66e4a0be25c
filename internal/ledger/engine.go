package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ekehi.network/internal/access"
	"ekehi.network/internal/audit"
	"ekehi.network/internal/ids"
	"ekehi.network/internal/obs"
)

const (
	defaultLockTimeout   = 2 * time.Second
	referralCodeAttempts = 5
)

// errNoChange aborts an Update without writing and is not reported.
var errNoChange = errors.New("ledger: no change")

// Engine is the server-side accrual engine. All credit paths go through it.
type Engine struct {
	store       Store
	tuning      Tuning
	now         func() time.Time
	loc         *time.Location
	lockTimeout time.Duration
	audit       *audit.Logger
	random      io.Reader
}

// Option configures Engine.
type Option func(*Engine)

// WithClock overrides the time source used where callers do not pass one.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the time zone calendar days are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithLockTimeout bounds how long an operation waits for account locks and
// the storage commit.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithTuning replaces the earning constants.
func WithTuning(t Tuning) Option {
	return func(e *Engine) { e.tuning = t }
}

// WithAudit records ledger events and detected threats.
func WithAudit(l *audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithRandom sets the source for referral codes.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		if r != nil {
			e.random = r
		}
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		tuning:      DefaultTuning(),
		now:         time.Now,
		loc:         time.UTC,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tuning returns the engine's earning constants.
func (e *Engine) Tuning() Tuning { return e.tuning }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// OpenRequest describes a new account.
type OpenRequest struct {
	UserID string
	Role   access.Role
}

// OpenAccount creates an account with the default rates and a fresh
// referral code.
func (e *Engine) OpenAccount(ctx context.Context, req OpenRequest) (Account, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" || len(userID) > 128 {
		return Account{}, ErrInvalidUserID
	}
	now := e.now().UTC()
	acc := Account{
		UserID:                   userID,
		Role:                     req.Role,
		TotalCoins:               decimal.Zero,
		ManualRatePerDay:         e.tuning.ManualRatePerDay,
		AutoMiningRatePerHour:    decimal.Zero,
		ReferralBonusRatePerHour: decimal.Zero,
		LastCheckpointAt:         now,
		TodayEarnings:            decimal.Zero,
		MaxDailyEarnings:         e.tuning.MaxDailyEarnings,
		LifetimeEarnings:         decimal.Zero,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	for attempt := 0; attempt < referralCodeAttempts; attempt++ {
		code, err := ids.ReferralCode(e.random)
		if err != nil {
			return Account{}, fmt.Errorf("referral code: %w", err)
		}
		acc.ReferralCode = code
		err = e.store.CreateAccount(ctx, acc)
		if errors.Is(err, ErrReferralCodeTaken) {
			continue
		}
		if err != nil {
			return Account{}, err
		}
		e.event(ctx, "ledger.account.open", userID, map[string]string{"role": req.Role.String()})
		return acc, nil
	}
	return Account{}, ErrReferralCodeTaken
}

// Account returns a snapshot of userID's account.
func (e *Engine) Account(ctx context.Context, userID string) (Account, error) {
	return e.store.GetAccount(ctx, userID)
}

// Caller resolves userID to an access caller carrying the account's role.
// Users without an account are guests.
func (e *Engine) Caller(ctx context.Context, userID string) (access.Caller, error) {
	caller := access.Caller{ID: userID, Role: access.RoleGuest}
	if userID == "" {
		return caller, nil
	}
	acc, err := e.store.GetAccount(ctx, userID)
	switch {
	case err == nil:
		caller.Role = acc.Role
	case !errors.Is(err, ErrAccountNotFound):
		return access.Caller{}, transient(err)
	}
	return caller, nil
}

// Referrals lists the edges where userID is the referrer.
func (e *Engine) Referrals(ctx context.Context, userID string) ([]ReferralEdge, error) {
	if _, err := e.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.Referrals(ctx, userID)
}

// Claim credits userID for the time since the last checkpoint up to now.
func (e *Engine) Claim(ctx context.Context, userID string, now time.Time) (CreditResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	var res CreditResult
	err := e.store.Update(ctx, []string{userID}, func(tx Tx) error {
		acc, err := tx.Account(userID)
		if err != nil {
			return err
		}
		res = e.accrue(acc, now)
		if res.ClockSkew {
			return errNoChange
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		err = transient(err)
		obs.ObserveClaim("error", 0)
		return CreditResult{}, err
	}

	if res.ClockSkew {
		obs.ObserveClaim("clock_skew", 0)
		obs.Warn("clock_skew_detected", map[string]any{
			"user_id":       audit.Redact(userID),
			"now":           now.UTC().Format(time.RFC3339Nano),
			"checkpoint_at": res.CheckpointAt.UTC().Format(time.RFC3339Nano),
		})
		e.threat(ctx, "clock_skew", "claim time is not after the last checkpoint", audit.ThreatLow)
		return res, nil
	}

	outcome := "credited"
	if res.CappedAt {
		outcome = "capped"
	}
	credited, _ := res.CreditedAmount.Float64()
	obs.ObserveClaim(outcome, credited)
	e.event(ctx, "ledger.claim", userID, map[string]string{
		"credited":   res.CreditedAmount.String(),
		"new_total":  res.NewTotal.String(),
		"capped":     fmt.Sprint(res.CappedAt),
		"multiplier": res.Multiplier.String(),
	})
	return res, nil
}

// accrue applies one claim to acc in place and reports the result.
func (e *Engine) accrue(acc *Account, now time.Time) CreditResult {
	res := CreditResult{UserID: acc.UserID}
	if !now.After(acc.LastCheckpointAt) {
		res.ClockSkew = true
		res.CreditedAmount = decimal.Zero
		res.NewTotal = acc.TotalCoins
		res.TodayEarnings = acc.TodayEarnings
		res.StreakDays = acc.CurrentStreakDays
		res.Multiplier = e.tuning.StreakMultiplier(acc.CurrentStreakDays)
		res.CheckpointAt = acc.LastCheckpointAt
		return res
	}

	raw := CreditFor(*acc, now.Sub(acc.LastCheckpointAt))

	today := calendarDate(now, e.loc)
	if !calendarDate(acc.LastCheckpointAt, e.loc).Equal(today) {
		acc.TodayEarnings = decimal.Zero
	}
	e.tuning.advanceStreak(acc, today)

	headroom := decimal.Max(decimal.Zero, acc.MaxDailyEarnings.Sub(acc.TodayEarnings))
	allowed := decimal.Min(raw, headroom)
	capped := raw.GreaterThan(headroom)

	mult := e.tuning.StreakMultiplier(acc.CurrentStreakDays)
	credit := allowed.Mul(mult)
	if credit.GreaterThan(headroom) {
		credit = headroom
		capped = true
	}
	credit = credit.Truncate(CreditScale)

	acc.TotalCoins = acc.TotalCoins.Add(credit)
	acc.LifetimeEarnings = acc.LifetimeEarnings.Add(credit)
	acc.TodayEarnings = acc.TodayEarnings.Add(credit)
	acc.LastCheckpointAt = now
	acc.UpdatedAt = now

	res.CreditedAmount = credit
	res.NewTotal = acc.TotalCoins
	res.TodayEarnings = acc.TodayEarnings
	res.CappedAt = capped
	res.Multiplier = mult
	res.StreakDays = acc.CurrentStreakDays
	res.StreakApplied = credit.IsPositive() && mult.GreaterThan(decimal.NewFromInt(1))
	res.CheckpointAt = now
	return res
}

// SetAutoMiningRate replaces the boost rate. The new rate applies from the
// last checkpoint onwards.
func (e *Engine) SetAutoMiningRate(ctx context.Context, userID string, ratePerHour decimal.Decimal) (Account, error) {
	if ratePerHour.IsNegative() || ratePerHour.GreaterThan(e.tuning.MaxAutoMiningRatePerHour) {
		return Account{}, fmt.Errorf("%w: auto mining rate must be within [0, %s]", ErrInvalidRate, e.tuning.MaxAutoMiningRatePerHour)
	}
	var out Account
	err := e.update(ctx, []string{userID}, func(tx Tx) error {
		acc, err := tx.Account(userID)
		if err != nil {
			return err
		}
		acc.AutoMiningRatePerHour = ratePerHour
		acc.UpdatedAt = e.now().UTC()
		out = *acc
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	e.event(ctx, "ledger.rate.auto_mining", userID, map[string]string{"rate_per_hour": ratePerHour.String()})
	return out, nil
}

// SetRole changes userID's role. Callers revoke existing sessions afterwards.
func (e *Engine) SetRole(ctx context.Context, userID string, role access.Role) (Account, error) {
	if _, err := role.MarshalText(); err != nil {
		return Account{}, err
	}
	var (
		out  Account
		prev access.Role
	)
	err := e.update(ctx, []string{userID}, func(tx Tx) error {
		acc, err := tx.Account(userID)
		if err != nil {
			return err
		}
		prev = acc.Role
		acc.Role = role
		acc.UpdatedAt = e.now().UTC()
		out = *acc
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	e.event(ctx, "ledger.role.change", userID, map[string]string{"from": prev.String(), "to": role.String()})
	return out, nil
}

func (e *Engine) update(ctx context.Context, userIDs []string, fn func(Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	return transient(e.store.Update(ctx, userIDs, fn))
}

func (e *Engine) event(ctx context.Context, name, actor string, fields map[string]string) {
	if err := e.audit.LogEvent(ctx, name, actor, fields); err != nil {
		obs.Error("audit_write_failed", map[string]any{"error": err.Error(), "action": name})
	}
}

func (e *Engine) threat(ctx context.Context, kind, desc string, lvl audit.ThreatLevel) {
	if err := e.audit.LogSecurityThreat(ctx, kind, desc, lvl); err != nil {
		obs.Error("audit_write_failed", map[string]any{"error": err.Error(), "action": "threat." + kind})
	}
}

// transient maps deadline and cancellation errors onto ErrStorageTransient.
func transient(err error) error {
	if err == nil || errors.Is(err, ErrStorageTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStorageTransient, err)
	}
	return err
}
