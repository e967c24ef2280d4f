// Package gate decides whether a resolved identity satisfies a named
// capability: a role name or a permission-set entry.
package gate

import (
	"errors"
	"strings"

	"learnhub/api/internal/identity"
)

var ErrMissingCapability = errors.New("missing capability")

// Authorize allows or denies an identity for a required capability.
//
// Superadmins pass unconditionally. An exact role match passes. The "student"
// capability additionally admits the "user" and "admin" roles, a legacy
// compatibility rule for accounts created before the role taxonomy settled.
// Otherwise the capability must appear (case-insensitively) in the identity's
// permission set, which is how mentor accounts are granted module-level
// access without a role change.
func Authorize(id identity.Identity, capability string) error {
	if id.IsSuperAdmin {
		return nil
	}
	if id.Role == capability {
		return nil
	}
	if capability == "student" && (id.Role == "user" || id.Role == "admin") {
		return nil
	}
	for _, permission := range id.Permissions {
		if strings.EqualFold(permission, capability) {
			return nil
		}
	}
	return ErrMissingCapability
}
