// Package access gates ledger mutations by caller role.
package access

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbazaar/internal/domain"
)

// Role is the relationship between a caller and the state being mutated.
type Role int

const (
	// RoleAnonymous holds no privilege over the target.
	RoleAnonymous Role = iota
	// RoleLister created the target listing.
	RoleLister
	// RoleAdmin administers an initialized marketplace.
	RoleAdmin
)

// String returns the role name used in logs and audit entries.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleLister:
		return "lister"
	default:
		return "anonymous"
	}
}

// RequireAdmin fails with ErrNotAdmin unless caller is the marketplace admin.
func RequireAdmin(m domain.Marketplace, caller common.Address) error {
	if caller != m.Admin {
		return fmt.Errorf("%w: %s", domain.ErrNotAdmin, caller.Hex())
	}
	return nil
}

// RequireLister fails with ErrNotOwner unless caller created l.
func RequireLister(l domain.Listing, caller common.Address) error {
	if caller != l.Lister {
		return fmt.Errorf("%w: listing %d", domain.ErrNotOwner, l.ID)
	}
	return nil
}

// RoleOf reports the strongest role caller holds for l. Admin wins over
// lister when both apply.
func RoleOf(m domain.Marketplace, l domain.Listing, caller common.Address) Role {
	switch {
	case m.Initialized && caller == m.Admin:
		return RoleAdmin
	case l.Exists() && caller == l.Lister:
		return RoleLister
	default:
		return RoleAnonymous
	}
}
