// Package identity resolves calendar user addresses to internal entities.
//
// Attendees may reply from any of their configured aliases, so scheduling
// code never compares raw addresses directly; it asks a Resolver.
package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrUnknownUser is returned when an address does not belong to any user
var ErrUnknownUser = errors.New("unknown calendar user")

// User is an internal calendar user with all the addresses they may use
type User struct {
	EntityID string
	Primary  string
	Aliases  []string
}

// Addresses returns the primary address followed by the aliases, normalized
func (u User) Addresses() []string {
	out := make([]string, 0, len(u.Aliases)+1)
	if u.Primary != "" {
		out = append(out, Normalize(u.Primary))
	}
	for _, a := range u.Aliases {
		out = append(out, Normalize(a))
	}
	return out
}

// Resolver looks up internal users by calendar user address
type Resolver interface {
	// Resolve returns the user owning the address or ErrUnknownUser
	Resolve(ctx context.Context, address string) (*User, error)
}

// Normalize returns the comparable form of a calendar user address:
// lower case, without a mailto: scheme and surrounding whitespace.
func Normalize(address string) string {
	a := strings.TrimSpace(address)
	if len(a) >= 7 && strings.EqualFold(a[:7], "mailto:") {
		a = a[7:]
	}
	return strings.ToLower(a)
}

// SameAddress compares two calendar user addresses
func SameAddress(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Matches reports whether two addresses belong to the same calendar user.
// Addresses that compare equal always match; otherwise both are resolved and
// compared by entity id. Resolution failures count as no match.
func Matches(ctx context.Context, r Resolver, a, b string) bool {
	if SameAddress(a, b) {
		return true
	}
	if r == nil {
		return false
	}
	ua, err := r.Resolve(ctx, a)
	if err != nil || ua == nil {
		return false
	}
	ub, err := r.Resolve(ctx, b)
	if err != nil || ub == nil {
		return false
	}
	return ua.EntityID != "" && ua.EntityID == ub.EntityID
}
