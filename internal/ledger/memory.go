package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemory is a process-local Store. Each account has its own lock so claims
// for different users never contend.
type InMemory struct {
	mu         sync.RWMutex
	accounts   map[string]Account
	codes      map[string]string
	edges      map[string]ReferralEdge
	byReferrer map[string][]string
	locks      *keyLocks
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		accounts:   make(map[string]Account),
		codes:      make(map[string]string),
		edges:      make(map[string]ReferralEdge),
		byReferrer: make(map[string][]string),
		locks:      newKeyLocks(),
	}
}

func (m *InMemory) CreateAccount(_ context.Context, acc Account) error {
	if strings.TrimSpace(acc.UserID) == "" {
		return ErrInvalidUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.UserID]; ok {
		return ErrAccountExists
	}
	if acc.ReferralCode != "" {
		if _, ok := m.codes[acc.ReferralCode]; ok {
			return ErrReferralCodeTaken
		}
		m.codes[acc.ReferralCode] = acc.UserID
	}
	m.accounts[acc.UserID] = acc
	return nil
}

func (m *InMemory) GetAccount(_ context.Context, userID string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (m *InMemory) AccountByReferralCode(_ context.Context, code string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return Account{}, ErrInvalidReferralCode
	}
	return m.accounts[id], nil
}

func (m *InMemory) Referrals(_ context.Context, referrerID string) ([]ReferralEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byReferrer[referrerID]
	out := make([]ReferralEdge, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.edges[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) Update(ctx context.Context, userIDs []string, fn func(tx Tx) error) error {
	keys := LockOrder(userIDs)
	unlock, err := m.locks.lockAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("%w: account lock: %v", ErrStorageTransient, err)
	}
	defer unlock()

	tx := &memTx{store: m, accounts: make(map[string]*Account, len(keys))}
	m.mu.RLock()
	for _, id := range keys {
		acc, ok := m.accounts[id]
		if !ok {
			m.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		cp := acc
		tx.accounts[id] = &cp
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageTransient, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range tx.edges {
		if _, ok := m.edges[e.RefereeID]; ok {
			return ErrAlreadyReferred
		}
	}
	for id, acc := range tx.accounts {
		m.accounts[id] = *acc
	}
	for _, e := range tx.edges {
		m.edges[e.RefereeID] = e
		m.byReferrer[e.ReferrerID] = append(m.byReferrer[e.ReferrerID], e.RefereeID)
	}
	return nil
}

type memTx struct {
	store    *InMemory
	accounts map[string]*Account
	edges    []ReferralEdge
}

func (t *memTx) Account(userID string) (*Account, error) {
	acc, ok := t.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotLocked, userID)
	}
	return acc, nil
}

func (t *memTx) Referral(refereeID string) (ReferralEdge, bool, error) {
	for _, e := range t.edges {
		if e.RefereeID == refereeID {
			return e, true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	e, ok := t.store.edges[refereeID]
	return e, ok, nil
}

func (t *memTx) AddReferral(edge ReferralEdge) error {
	if _, ok, _ := t.Referral(edge.RefereeID); ok {
		return ErrAlreadyReferred
	}
	t.edges = append(t.edges, edge)
	return nil
}
