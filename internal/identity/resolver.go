package identity

import (
	"context"
	"errors"
	"fmt"

	"learnhub/api/internal/auth"
)

// TokenRevocations answers whether a credential's jti has been revoked by an
// explicit logout before its natural expiry.
type TokenRevocations interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Resolver validates a credential and probes the account partitions in
// ProbeOrder for its subject. It is a pure lookup: no state is mutated.
type Resolver struct {
	secret              []byte
	bootstrapAdminEmail string
	lookups             map[Kind]AccountLookup
	revocations         TokenRevocations
}

// NewResolver wires one lookup per partition. Revocations may be nil, in
// which case logout-revoked credentials stay valid until expiry.
func NewResolver(secret []byte, bootstrapAdminEmail string, revocations TokenRevocations, lookups ...AccountLookup) *Resolver {
	byKind := make(map[Kind]AccountLookup, len(lookups))
	for _, l := range lookups {
		byKind[l.Kind()] = l
	}
	return &Resolver{
		secret:              secret,
		bootstrapAdminEmail: bootstrapAdminEmail,
		lookups:             byKind,
		revocations:         revocations,
	}
}

// Resolve validates the credential and returns the normalized identity of its
// subject. Fails with ErrMissingToken, auth.ErrInvalidToken,
// auth.ErrExpiredToken, or ErrAccountNotFound.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	claims, err := auth.ParseToken(r.secret, token)
	if err != nil {
		return Identity{}, err
	}
	if r.revocations != nil {
		revoked, err := r.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Identity{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Identity{}, auth.ErrInvalidToken
		}
	}
	return r.ResolveAccount(ctx, claims.Subject)
}

// ResolveAccount probes the partitions in ProbeOrder for the given id and
// normalizes the first hit.
func (r *Resolver) ResolveAccount(ctx context.Context, id string) (Identity, error) {
	for _, kind := range ProbeOrder {
		lookup, ok := r.lookups[kind]
		if !ok {
			continue
		}
		account, err := lookup.ByID(ctx, id)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return Identity{}, fmt.Errorf("probe %s partition: %w", kind, err)
		}
		return r.normalize(kind, account), nil
	}
	return Identity{}, ErrAccountNotFound
}

// AccountByEmail probes the partitions in ProbeOrder for a login email and
// returns the raw account with its partition kind. Used by credential
// issuance, which needs the stored password hash.
func (r *Resolver) AccountByEmail(ctx context.Context, email string) (Account, Kind, error) {
	for _, kind := range ProbeOrder {
		lookup, ok := r.lookups[kind]
		if !ok {
			continue
		}
		account, err := lookup.ByEmail(ctx, email)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return Account{}, "", fmt.Errorf("probe %s partition: %w", kind, err)
		}
		return account, kind, nil
	}
	return Account{}, "", ErrAccountNotFound
}

// Normalize builds the request identity from a resolved account. The
// superadmin override applies after the partition's base role: a stored
// superadmin flag or the bootstrap admin email forces the admin role
// regardless of originating partition.
func (r *Resolver) Normalize(kind Kind, account Account) Identity {
	return r.normalize(kind, account)
}

func (r *Resolver) normalize(kind Kind, account Account) Identity {
	role := baseRole(kind, account)
	if account.IsSuperAdmin || (r.bootstrapAdminEmail != "" && account.Email == r.bootstrapAdminEmail) {
		role = "admin"
	}
	return Identity{
		Ref:             Ref{ID: account.ID, Kind: kind},
		Role:            role,
		DisplayName:     account.DisplayName,
		Email:           account.Email,
		Permissions:     account.Permissions,
		EnrolledCourses: account.EnrolledCourses,
		IsSuperAdmin:    account.IsSuperAdmin,
	}
}

// baseRole maps a partition to its base role. The generic-user partition
// carries a per-row role column: accounts created before the role taxonomy
// settled may hold "admin" there.
func baseRole(kind Kind, account Account) string {
	switch kind {
	case KindAdmin:
		return "admin"
	case KindUser:
		if account.Role != "" {
			return account.Role
		}
		return "user"
	case KindMentor:
		return "mentor"
	case KindStudent:
		return "student"
	default:
		return string(kind)
	}
}
