// Package identity resolves bearer credentials against the four disjoint
// account partitions and produces one normalized identity per request.
package identity

import (
	"context"
	"errors"
)

// Kind tags the account partition an id belongs to. It is carried end-to-end
// on every stored participant and sender reference; an id alone is never
// enough to locate its owning partition.
type Kind string

const (
	KindAdmin   Kind = "admin"
	KindUser    Kind = "user"
	KindMentor  Kind = "mentor"
	KindStudent Kind = "student"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAdmin, KindUser, KindMentor, KindStudent:
		return true
	default:
		return false
	}
}

// ProbeOrder is the fixed partition priority for credential resolution.
// Administrators and generic accounts resolve before mentor and student
// specializations; the same id may exist in more than one partition, in which
// case the earlier partition silently wins.
var ProbeOrder = []Kind{KindAdmin, KindUser, KindMentor, KindStudent}

// Ref is a tagged account reference.
type Ref struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Account is the common projection every partition maps its rows onto.
type Account struct {
	ID              string
	DisplayName     string
	Email           string
	Role            string
	Permissions     []string
	EnrolledCourses []string
	IsSuperAdmin    bool
	PasswordHash    string
}

// Identity is the request-scoped view of an authenticated account. It is
// produced fresh on every resolve and never cached beyond the request.
type Identity struct {
	Ref
	Role            string
	DisplayName     string
	Email           string
	Permissions     []string
	EnrolledCourses []string
	IsSuperAdmin    bool
}

var (
	ErrMissingToken    = errors.New("missing token")
	ErrAccountNotFound = errors.New("account not found")
)

// AccountLookup is one partition's view of its account store. Implementations
// return ErrAccountNotFound for ids and emails with no live account.
type AccountLookup interface {
	Kind() Kind
	ByID(ctx context.Context, id string) (Account, error)
	ByEmail(ctx context.Context, email string) (Account, error)
}
