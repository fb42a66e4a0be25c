package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ekehi.network/internal/access"
)

// Account is the per-user earning record. TotalCoins always equals
// LifetimeEarnings.
type Account struct {
	UserID                   string          `json:"user_id"`
	Role                     access.Role     `json:"role"`
	TotalCoins               decimal.Decimal `json:"total_coins"`
	ManualRatePerDay         decimal.Decimal `json:"manual_rate_per_day"`
	AutoMiningRatePerHour    decimal.Decimal `json:"auto_mining_rate_per_hour"`
	ReferralBonusRatePerHour decimal.Decimal `json:"referral_bonus_rate_per_hour"`
	CurrentStreakDays        int             `json:"current_streak_days"`
	LongestStreakDays        int             `json:"longest_streak_days"`
	LastCheckpointAt         time.Time       `json:"last_checkpoint_at"`
	// LastLoginDate is a calendar date stored as UTC midnight; zero means never.
	LastLoginDate    time.Time       `json:"last_login_date"`
	TodayEarnings    decimal.Decimal `json:"today_earnings"`
	MaxDailyEarnings decimal.Decimal `json:"max_daily_earnings"`
	LifetimeEarnings decimal.Decimal `json:"lifetime_earnings"`
	ReferralCode     string          `json:"referral_code"`
	ReferredBy       string          `json:"referred_by,omitempty"`
	TotalReferrals   int             `json:"total_referrals"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ReferralEdge records that ReferrerID referred RefereeID.
type ReferralEdge struct {
	ReferrerID string    `json:"referrer_id"`
	RefereeID  string    `json:"referee_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreditResult is the outcome of a claim. A clock-skewed claim is reported
// with ClockSkew set and a zero credit.
type CreditResult struct {
	UserID         string          `json:"user_id"`
	CreditedAmount decimal.Decimal `json:"credited_amount"`
	NewTotal       decimal.Decimal `json:"new_total"`
	TodayEarnings  decimal.Decimal `json:"today_earnings"`
	CappedAt       bool            `json:"capped_at"`
	StreakApplied  bool            `json:"streak_applied"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	StreakDays     int             `json:"streak_days"`
	ClockSkew      bool            `json:"clock_skew"`
	CheckpointAt   time.Time       `json:"checkpoint_at"`
}

// Err returns ErrClockSkewDetected for skewed claims and nil otherwise.
func (r CreditResult) Err() error {
	if r.ClockSkew {
		return ErrClockSkewDetected
	}
	return nil
}

// Redemption is the outcome of a referral redemption.
type Redemption struct {
	Edge              ReferralEdge    `json:"edge"`
	ReferrerBonusRate decimal.Decimal `json:"referrer_bonus_rate_per_hour"`
	ReferrerReferrals int             `json:"referrer_total_referrals"`
	RefereeBonus      decimal.Decimal `json:"referee_bonus"`
	RefereeTotal      decimal.Decimal `json:"referee_total_coins"`
}

// CreditScale is the number of fractional digits kept on credited amounts.
const CreditScale = 8

// Tuning holds the product constants of the earning model.
type Tuning struct {
	ManualRatePerDay         decimal.Decimal
	MaxDailyEarnings         decimal.Decimal
	ReferralBonusPerReferral decimal.Decimal
	MaxReferrals             int
	SignupBonus              decimal.Decimal
	StreakStep               decimal.Decimal
	StreakCap                int
	MaxAutoMiningRatePerHour decimal.Decimal
}

// DefaultTuning returns the production tuning.
func DefaultTuning() Tuning {
	return Tuning{
		ManualRatePerDay:         decimal.NewFromInt(2),
		MaxDailyEarnings:         decimal.NewFromInt(100),
		ReferralBonusPerReferral: decimal.RequireFromString("0.2"),
		MaxReferrals:             50,
		SignupBonus:              decimal.NewFromInt(2),
		StreakStep:               decimal.RequireFromString("0.05"),
		StreakCap:                30,
		MaxAutoMiningRatePerHour: decimal.NewFromInt(10),
	}
}

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrReferralCodeTaken   = errors.New("ledger: referral code already in use")
	ErrReferralCapExceeded = errors.New("ledger: referral cap exceeded")
	ErrInvalidReferralCode = errors.New("ledger: unknown referral code")
	ErrAlreadyReferred     = errors.New("ledger: account already has a referrer")
	ErrSelfReferral        = errors.New("ledger: self referral")
	ErrInvalidRate         = errors.New("ledger: invalid rate")
	ErrInvalidUserID       = errors.New("ledger: invalid user id")
	ErrClockSkewDetected   = errors.New("ledger: clock skew detected")
	ErrStorageTransient    = errors.New("ledger: transient storage failure")
	ErrAccountNotLocked    = errors.New("ledger: account not locked in this transaction")
)
