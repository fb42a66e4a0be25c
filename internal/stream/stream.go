package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ekehi.network/internal/audit"
	"ekehi.network/internal/ledger"
)

// CreditEvent is one coin movement shown on the admin live feed. UserID is
// redacted before it leaves the process.
type CreditEvent struct {
	Kind       string          `json:"kind"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	NewTotal   decimal.Decimal `json:"new_total"`
	Capped     bool            `json:"capped,omitempty"`
	StreakDays int             `json:"streak_days,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

const (
	KindClaim    = "claim"
	KindReferral = "referral_bonus"
)

// FromClaim builds the event for a successful claim.
func FromClaim(res ledger.CreditResult) CreditEvent {
	return CreditEvent{
		Kind:       KindClaim,
		UserID:     audit.Redact(res.UserID),
		Amount:     res.CreditedAmount,
		NewTotal:   res.NewTotal,
		Capped:     res.CappedAt,
		StreakDays: res.StreakDays,
		Timestamp:  res.CheckpointAt.UTC(),
	}
}

// FromRedemption builds the event for a referee's signup bonus.
func FromRedemption(red ledger.Redemption) CreditEvent {
	return CreditEvent{
		Kind:      KindReferral,
		UserID:    audit.Redact(red.Edge.RefereeID),
		Amount:    red.RefereeBonus,
		NewTotal:  red.RefereeTotal,
		Timestamp: red.Edge.CreatedAt.UTC(),
	}
}

const subscriberBuffer = 16

// Stream fan-outs credit events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan CreditEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan CreditEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan CreditEvent {
	ch := make(chan CreditEvent, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. A nil Stream drops events.
func (s *Stream) Publish(evt CreditEvent) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
