package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// calendarDate returns t's date in loc as UTC midnight.
func calendarDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole calendar days from a to b (both UTC midnights).
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}

// advanceStreak evaluates the login streak for today. It reports whether the
// streak was evaluated (first claim of the day).
func (t Tuning) advanceStreak(acc *Account, today time.Time) bool {
	seen := !acc.LastLoginDate.IsZero()
	if seen && !today.After(acc.LastLoginDate) {
		return false
	}
	if seen && daysBetween(acc.LastLoginDate, today) == 1 {
		acc.CurrentStreakDays++
		if acc.CurrentStreakDays > t.StreakCap {
			acc.CurrentStreakDays = t.StreakCap
		}
	} else {
		acc.CurrentStreakDays = 1
	}
	if acc.CurrentStreakDays > acc.LongestStreakDays {
		acc.LongestStreakDays = acc.CurrentStreakDays
	}
	acc.LastLoginDate = today
	return true
}

// StreakMultiplier is 1 + step*min(days, cap).
func (t Tuning) StreakMultiplier(days int) decimal.Decimal {
	if days < 0 {
		days = 0
	}
	if days > t.StreakCap {
		days = t.StreakCap
	}
	return decimal.NewFromInt(1).Add(t.StreakStep.Mul(decimal.NewFromInt(int64(days))))
}
