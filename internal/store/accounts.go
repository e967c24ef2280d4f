package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"learnhub/api/internal/identity"
)

// PartitionLookup is one partition's identity.AccountLookup over its own
// table. Each partition keeps a disjoint schema; rows are mapped onto the
// shared account projection here.
type PartitionLookup struct {
	db   *sql.DB
	kind identity.Kind
}

func (s *PostgresStore) Partition(kind identity.Kind) *PartitionLookup {
	return &PartitionLookup{db: s.db, kind: kind}
}

func (l *PartitionLookup) Kind() identity.Kind { return l.kind }

func (l *PartitionLookup) ByID(ctx context.Context, id string) (identity.Account, error) {
	return l.lookup(ctx, "id", id)
}

func (l *PartitionLookup) ByEmail(ctx context.Context, email string) (identity.Account, error) {
	return l.lookup(ctx, "email", email)
}

func (l *PartitionLookup) lookup(ctx context.Context, column, value string) (identity.Account, error) {
	var (
		account identity.Account
		err     error
	)
	switch l.kind {
	case identity.KindAdmin:
		query := fmt.Sprintf(`SELECT id, display_name, email, password_hash, is_super_admin
			FROM admins WHERE %s = $1 AND deleted_at IS NULL`, column)
		err = l.db.QueryRowContext(ctx, query, value).Scan(
			&account.ID, &account.DisplayName, &account.Email, &account.PasswordHash, &account.IsSuperAdmin)
	case identity.KindUser:
		query := fmt.Sprintf(`SELECT id, display_name, email, password_hash, role
			FROM users WHERE %s = $1 AND deleted_at IS NULL`, column)
		err = l.db.QueryRowContext(ctx, query, value).Scan(
			&account.ID, &account.DisplayName, &account.Email, &account.PasswordHash, &account.Role)
	case identity.KindMentor:
		var permissions []byte
		query := fmt.Sprintf(`SELECT id, display_name, email, password_hash, permissions
			FROM mentors WHERE %s = $1 AND deleted_at IS NULL`, column)
		err = l.db.QueryRowContext(ctx, query, value).Scan(
			&account.ID, &account.DisplayName, &account.Email, &account.PasswordHash, &permissions)
		if err == nil {
			if jsonErr := json.Unmarshal(permissions, &account.Permissions); jsonErr != nil {
				return identity.Account{}, fmt.Errorf("decode mentor permissions: %w", jsonErr)
			}
		}
	case identity.KindStudent:
		var courses []byte
		query := fmt.Sprintf(`SELECT id, display_name, email, password_hash, enrolled_courses
			FROM students WHERE %s = $1 AND deleted_at IS NULL`, column)
		err = l.db.QueryRowContext(ctx, query, value).Scan(
			&account.ID, &account.DisplayName, &account.Email, &account.PasswordHash, &courses)
		if err == nil {
			if jsonErr := json.Unmarshal(courses, &account.EnrolledCourses); jsonErr != nil {
				return identity.Account{}, fmt.Errorf("decode enrolled courses: %w", jsonErr)
			}
		}
	default:
		return identity.Account{}, fmt.Errorf("unknown partition %q", l.kind)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return identity.Account{}, identity.ErrAccountNotFound
	}
	if err != nil {
		return identity.Account{}, fmt.Errorf("lookup %s by %s: %w", l.kind, column, err)
	}
	return account, nil
}

// EnsureAdmin inserts the bootstrap admin account if it does not exist.
func (s *PostgresStore) EnsureAdmin(ctx context.Context, id, displayName, email, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (id, display_name, email, login_id, password_hash, is_super_admin)
		VALUES ($1, $2, $3, $3, $4, TRUE)
		ON CONFLICT (email) DO NOTHING
	`, id, displayName, email, passwordHash)
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	return nil
}
