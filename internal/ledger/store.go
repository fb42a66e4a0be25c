package ledger

import (
	"context"
	"sort"
)

// Store persists accounts and referral edges.
type Store interface {
	CreateAccount(ctx context.Context, acc Account) error
	GetAccount(ctx context.Context, userID string) (Account, error)
	AccountByReferralCode(ctx context.Context, code string) (Account, error)
	Referrals(ctx context.Context, referrerID string) ([]ReferralEdge, error)

	// Update locks every listed account exclusively (in sorted order), runs fn
	// and commits all changes made through tx if fn returns nil. Any error
	// leaves storage untouched. Lock waits are bounded by ctx; running out of
	// time yields ErrStorageTransient.
	Update(ctx context.Context, userIDs []string, fn func(tx Tx) error) error
}

// Tx is the view of storage inside Store.Update.
type Tx interface {
	// Account returns the locked, mutable account. Changes are persisted on
	// commit.
	Account(userID string) (*Account, error)
	Referral(refereeID string) (ReferralEdge, bool, error)
	AddReferral(edge ReferralEdge) error
}

// LockOrder returns the distinct ids in the order locks must be taken.
func LockOrder(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
