package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ekehi.network/internal/obs"
)

var (
	nanosPerHour = decimal.NewFromInt(int64(time.Hour))
	nanosPerDay  = decimal.NewFromInt(int64(24 * time.Hour))
	hoursPerDay  = decimal.NewFromInt(24)
)

// ComputeTotalRate returns coins per hour from the three rate sources.
// Negative stored rates are treated as zero and logged.
func ComputeTotalRate(acc Account) decimal.Decimal {
	manual, auto, referral := rates(acc)
	return manual.Div(hoursPerDay).Add(auto).Add(referral)
}

// CreditFor returns the uncapped credit for elapsed time at the account's
// current rate. The daily rate is divided once, after multiplication, so
// whole-hour windows come out exact.
func CreditFor(acc Account, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	manual, auto, referral := rates(acc)
	nanos := decimal.NewFromInt(int64(elapsed))
	daily := manual.Mul(nanos).Div(nanosPerDay)
	hourly := auto.Add(referral).Mul(nanos).Div(nanosPerHour)
	return daily.Add(hourly)
}

func rates(acc Account) (manual, auto, referral decimal.Decimal) {
	return nonNegative(acc.UserID, "manual_rate_per_day", acc.ManualRatePerDay),
		nonNegative(acc.UserID, "auto_mining_rate_per_hour", acc.AutoMiningRatePerHour),
		nonNegative(acc.UserID, "referral_bonus_rate_per_hour", acc.ReferralBonusRatePerHour)
}

func nonNegative(userID, field string, v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		obs.Warn("rate_clamped", map[string]any{
			"user_id": userID,
			"field":   field,
			"value":   v.String(),
		})
		return decimal.Zero
	}
	return v
}

// IncrementReferralBonus adds one referral's bonus rate to acc. It must run in
// the same transaction that records the referral edge.
func (t Tuning) IncrementReferralBonus(acc *Account) error {
	if acc.TotalReferrals >= t.MaxReferrals {
		return fmt.Errorf("%w: %d of %d", ErrReferralCapExceeded, acc.TotalReferrals, t.MaxReferrals)
	}
	acc.ReferralBonusRatePerHour = acc.ReferralBonusRatePerHour.Add(t.ReferralBonusPerReferral)
	acc.TotalReferrals++
	return nil
}
