package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeTotalRate(t *testing.T) {
	acc := Account{
		ManualRatePerDay:         dec("2.4"),
		AutoMiningRatePerHour:    dec("0.5"),
		ReferralBonusRatePerHour: dec("0.2"),
	}
	if got := ComputeTotalRate(acc); !got.Equal(dec("0.8")) {
		t.Fatalf("rate = %s, want 0.8", got)
	}
}

func TestComputeTotalRateClampsNegative(t *testing.T) {
	acc := Account{
		UserID:                   "corrupt",
		ManualRatePerDay:         dec("-24"),
		AutoMiningRatePerHour:    dec("1"),
		ReferralBonusRatePerHour: dec("-0.4"),
	}
	if got := ComputeTotalRate(acc); !got.Equal(dec("1")) {
		t.Fatalf("rate = %s, want 1", got)
	}
	if got := CreditFor(acc, 2*time.Hour); !got.Equal(dec("2")) {
		t.Fatalf("credit = %s, want 2", got)
	}
}

func TestCreditForWholeHoursIsExact(t *testing.T) {
	acc := Account{ManualRatePerDay: dec("2"), AutoMiningRatePerHour: decimal.Zero, ReferralBonusRatePerHour: decimal.Zero}
	if got := CreditFor(acc, 3*time.Hour); !got.Equal(dec("0.25")) {
		t.Fatalf("credit = %s, want 0.25", got)
	}
	if got := CreditFor(acc, 0); !got.IsZero() {
		t.Fatalf("zero elapsed credited %s", got)
	}
	if got := CreditFor(acc, -time.Minute); !got.IsZero() {
		t.Fatalf("negative elapsed credited %s", got)
	}
}

func TestIncrementReferralBonusCap(t *testing.T) {
	tun := DefaultTuning()
	acc := Account{ReferralBonusRatePerHour: decimal.Zero}
	for i := 0; i < 50; i++ {
		if err := tun.IncrementReferralBonus(&acc); err != nil {
			t.Fatalf("increment %d: %v", i+1, err)
		}
	}
	if acc.TotalReferrals != 50 || !acc.ReferralBonusRatePerHour.Equal(dec("10")) {
		t.Fatalf("after 50: referrals=%d rate=%s", acc.TotalReferrals, acc.ReferralBonusRatePerHour)
	}
	err := tun.IncrementReferralBonus(&acc)
	if !errors.Is(err, ErrReferralCapExceeded) {
		t.Fatalf("51st increment: %v", err)
	}
	if acc.TotalReferrals != 50 || !acc.ReferralBonusRatePerHour.Equal(dec("10")) {
		t.Fatalf("51st increment changed account: referrals=%d rate=%s", acc.TotalReferrals, acc.ReferralBonusRatePerHour)
	}
}

func TestStreakMultiplier(t *testing.T) {
	tun := DefaultTuning()
	cases := map[int]string{-1: "1", 0: "1", 1: "1.05", 4: "1.2", 5: "1.25", 30: "2.5", 45: "2.5"}
	for days, want := range cases {
		if got := tun.StreakMultiplier(days); !got.Equal(dec(want)) {
			t.Fatalf("multiplier(%d) = %s, want %s", days, got, want)
		}
	}
}

func TestAdvanceStreak(t *testing.T) {
	tun := DefaultTuning()
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	cases := []struct {
		name      string
		last      time.Time
		streak    int
		longest   int
		want      int
		wantLong  int
		evaluated bool
	}{
		{"never", time.Time{}, 0, 0, 1, 1, true},
		{"yesterday", today.Add(-day), 4, 4, 5, 5, true},
		{"two days ago", today.Add(-2 * day), 4, 9, 1, 9, true},
		{"same day", today, 4, 4, 4, 4, false},
		{"at cap", today.Add(-day), 30, 30, 30, 30, true},
		{"future date", today.Add(day), 3, 3, 3, 3, false},
	}
	for _, tc := range cases {
		acc := Account{LastLoginDate: tc.last, CurrentStreakDays: tc.streak, LongestStreakDays: tc.longest}
		got := tun.advanceStreak(&acc, today)
		if got != tc.evaluated || acc.CurrentStreakDays != tc.want || acc.LongestStreakDays != tc.wantLong {
			t.Fatalf("%s: evaluated=%v streak=%d longest=%d", tc.name, got, acc.CurrentStreakDays, acc.LongestStreakDays)
		}
	}
}

func TestNormalizeReferralCode(t *testing.T) {
	cases := map[string]string{
		" ab12-cd34 ": "AB12CD34",
		"ＡＢ１２ＣＤ３４":    "AB12CD34",
		"":            "",
	}
	for in, want := range cases {
		if got := NormalizeReferralCode(in); got != want {
			t.Fatalf("NormalizeReferralCode(%q) = %q, want %q", in, got, want)
		}
	}
}
