package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"ekehi.network/internal/audit"
	"ekehi.network/internal/obs"
)

// NormalizeReferralCode folds user-typed codes (full-width digits, stray
// spaces, lower case) onto the canonical form.
func NormalizeReferralCode(code string) string {
	code = norm.NFKC.String(code)
	code = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
	return code
}

// RedeemReferral links refereeID to the owner of code, raises the referrer's
// bonus rate and credits the referee's signup bonus, all in one commit.
func (e *Engine) RedeemReferral(ctx context.Context, refereeID, code string) (Redemption, error) {
	red, err := e.redeem(ctx, refereeID, code)
	if err != nil {
		obs.ObserveReferral(referralOutcome(err))
		return Redemption{}, err
	}
	obs.ObserveReferral("redeemed")
	bonus, _ := red.RefereeBonus.Float64()
	obs.ObserveCredit(bonus)
	e.event(ctx, "ledger.referral.redeem", refereeID, map[string]string{
		"referrer":       audit.Redact(red.Edge.ReferrerID),
		"referrer_total": strconv.Itoa(red.ReferrerReferrals),
		"referee_bonus":  red.RefereeBonus.String(),
		"referrer_bonus": red.ReferrerBonusRate.String(),
	})
	return red, nil
}

func (e *Engine) redeem(ctx context.Context, refereeID, code string) (Redemption, error) {
	code = NormalizeReferralCode(code)
	if code == "" {
		return Redemption{}, ErrInvalidReferralCode
	}
	referrer, err := e.store.AccountByReferralCode(ctx, code)
	if err != nil {
		return Redemption{}, err
	}
	if referrer.UserID == refereeID {
		return Redemption{}, ErrSelfReferral
	}

	now := e.now().UTC()
	var red Redemption
	err = e.update(ctx, []string{referrer.UserID, refereeID}, func(tx Tx) error {
		referee, err := tx.Account(refereeID)
		if err != nil {
			return err
		}
		if referee.ReferredBy != "" {
			return ErrAlreadyReferred
		}
		if _, exists, err := tx.Referral(refereeID); err != nil {
			return err
		} else if exists {
			return ErrAlreadyReferred
		}
		ref, err := tx.Account(referrer.UserID)
		if err != nil {
			return err
		}
		if err := e.tuning.IncrementReferralBonus(ref); err != nil {
			return err
		}
		edge := ReferralEdge{ReferrerID: ref.UserID, RefereeID: refereeID, CreatedAt: now}
		if err := tx.AddReferral(edge); err != nil {
			return err
		}
		ref.UpdatedAt = now

		bonus := e.tuning.SignupBonus
		referee.ReferredBy = ref.UserID
		referee.TotalCoins = referee.TotalCoins.Add(bonus)
		referee.LifetimeEarnings = referee.LifetimeEarnings.Add(bonus)
		referee.UpdatedAt = now

		red = Redemption{
			Edge:              edge,
			ReferrerBonusRate: ref.ReferralBonusRatePerHour,
			ReferrerReferrals: ref.TotalReferrals,
			RefereeBonus:      bonus,
			RefereeTotal:      referee.TotalCoins,
		}
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}
	return red, nil
}

func referralOutcome(err error) string {
	switch {
	case errors.Is(err, ErrReferralCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ErrAlreadyReferred):
		return "already_referred"
	case errors.Is(err, ErrSelfReferral):
		return "self_referral"
	case errors.Is(err, ErrInvalidReferralCode):
		return "invalid_code"
	default:
		return "error"
	}
}
