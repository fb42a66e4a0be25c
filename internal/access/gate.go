package access

import (
	"context"
	"errors"
	"fmt"

	"ekehi.network/internal/audit"
	"ekehi.network/internal/obs"
)

// ErrAccessDenied is returned by Gate.Require for refused requests.
var ErrAccessDenied = errors.New("access denied")

// Decision reasons.
const (
	ReasonOwner             = "owner"
	ReasonElevatedRole      = "elevated_role"
	ReasonPublicRead        = "public_read"
	ReasonDenied            = "denied"
	ReasonUnauthenticated   = "unauthenticated"
	ReasonUnknownPermission = "unknown_permission"
)

// Caller is an authenticated principal.
type Caller struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Decision is the outcome of Authorize.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

// Err converts a refused decision into an ErrAccessDenied error.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAccessDenied, d.Reason)
}

// Gate evaluates ownership and role rules and records every decision.
type Gate struct {
	audit    *audit.Logger
	elevated Role
}

// Option configures Gate.
type Option func(*Gate)

// WithElevatedRole sets the minimum role that bypasses ownership.
func WithElevatedRole(r Role) Option {
	return func(g *Gate) { g.elevated = r }
}

// NewGate returns a Gate that records decisions to logger (may be nil).
func NewGate(logger *audit.Logger, opts ...Option) *Gate {
	g := &Gate{audit: logger, elevated: RoleAdmin}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize applies, in order: ownership, elevated role, public READ, deny.
func (g *Gate) Authorize(ctx context.Context, caller Caller, ownerID string, res Resource, perm Permission) Decision {
	d := g.decide(caller, ownerID, res, perm)
	obs.ObserveDecision(d.Granted)
	if err := g.audit.LogDecision(ctx, caller.ID, string(res), string(perm), d.Granted); err != nil {
		obs.Error("audit_write_failed", map[string]any{"error": err.Error(), "action": "access." + string(perm)})
	}
	return d
}

// Require is Authorize returning an error for denials.
func (g *Gate) Require(ctx context.Context, caller Caller, ownerID string, res Resource, perm Permission) error {
	return g.Authorize(ctx, caller, ownerID, res, perm).Err()
}

func (g *Gate) decide(caller Caller, ownerID string, res Resource, perm Permission) Decision {
	if caller.ID == "" {
		return Decision{Reason: ReasonUnauthenticated}
	}
	if _, err := ParsePermission(string(perm)); err != nil {
		return Decision{Reason: ReasonUnknownPermission}
	}
	if ownerID != "" && caller.ID == ownerID {
		return Decision{Granted: true, Reason: ReasonOwner}
	}
	if HasRole(caller.Role, g.elevated) {
		return Decision{Granted: true, Reason: ReasonElevatedRole}
	}
	if perm == PermRead && !res.Sensitive() {
		return Decision{Granted: true, Reason: ReasonPublicRead}
	}
	return Decision{Reason: ReasonDenied}
}

// CanReadProfile reports whether caller may view ownerID's public profile.
func (g *Gate) CanReadProfile(ctx context.Context, caller Caller, ownerID string) bool {
	return g.Authorize(ctx, caller, ownerID, ResourceProfile, PermRead).Granted
}

// CanAccessMiningData reports whether caller may read ownerID's earning data.
func (g *Gate) CanAccessMiningData(ctx context.Context, caller Caller, ownerID string) bool {
	return g.Authorize(ctx, caller, ownerID, ResourceMiningData, PermRead).Granted
}

// CanSubmitSocialTask reports whether caller may submit task proofs for ownerID.
func (g *Gate) CanSubmitSocialTask(ctx context.Context, caller Caller, ownerID string) bool {
	return g.Authorize(ctx, caller, ownerID, ResourceSocialTasks, PermWrite).Granted
}
