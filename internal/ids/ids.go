package ids

import (
	"crypto/rand"
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	return NewAt(time.Now())
}

// NewAt is New with an explicit timestamp component.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// crockford base32 without I, L, O, U.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ReferralCodeLength is the length of codes produced by ReferralCode.
const ReferralCodeLength = 8

// ReferralCode draws a human-typeable code from r (crypto/rand when nil).
func ReferralCode(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	var buf [ReferralCodeLength]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	out := make([]byte, ReferralCodeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
