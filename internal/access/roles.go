package access

import (
	"fmt"
	"strings"
)

// Role is totally ordered: GUEST < USER < PREMIUM_USER < MODERATOR < ADMIN.
type Role int

const (
	RoleGuest Role = iota
	RoleUser
	RolePremiumUser
	RoleModerator
	RoleAdmin
)

var roleNames = [...]string{
	RoleGuest:       "GUEST",
	RoleUser:        "USER",
	RolePremiumUser: "PREMIUM_USER",
	RoleModerator:   "MODERATOR",
	RoleAdmin:       "ADMIN",
}

func (r Role) String() string {
	if r < RoleGuest || int(r) >= len(roleNames) {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// ParseRole accepts role names case-insensitively; "-" and " " are read as "_".
func ParseRole(s string) (Role, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for i, name := range roleNames {
		if name == norm {
			return Role(i), nil
		}
	}
	return RoleGuest, fmt.Errorf("unknown role %q", s)
}

// HasRole reports whether actual is at least required.
func HasRole(actual, required Role) bool {
	return actual >= required
}

func (r Role) MarshalText() ([]byte, error) {
	if r < RoleGuest || int(r) >= len(roleNames) {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(roleNames[r]), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Permission is the kind of operation requested on a resource.
type Permission string

const (
	PermRead   Permission = "READ"
	PermWrite  Permission = "WRITE"
	PermDelete Permission = "DELETE"
	PermAdmin  Permission = "ADMIN"
)

// ParsePermission normalises a permission name.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PermRead, PermWrite, PermDelete, PermAdmin:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// Resource names a class of per-user data.
type Resource string

const (
	ResourceAccount     Resource = "account"
	ResourceMiningData  Resource = "mining_data"
	ResourceSession     Resource = "session"
	ResourceReferrals   Resource = "referrals"
	ResourceProfile     Resource = "profile"
	ResourceSocialTasks Resource = "social_tasks"
	ResourceLeaderboard Resource = "leaderboard"
)

var publicResources = map[Resource]bool{
	ResourceProfile:     true,
	ResourceSocialTasks: true,
	ResourceLeaderboard: true,
}

// Sensitive reports whether READ by non-owners is refused. Unknown resources
// are sensitive.
func (r Resource) Sensitive() bool {
	return !publicResources[r]
}
