package store

import (
	"context"
	"errors"

	"github.com/alexedwards/argon2id"
	"github.com/jackc/pgx/v5"

	"github.com/maxrios/mcs/internal/errs"
)

// CreateUser inserts username with a fresh argon2id hash. An existing row
// is left untouched.
func (s *Store) CreateUser(ctx context.Context, username, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return errs.Wrap(errs.KindInvalidCredentials, "hashing password", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING`,
		username, hash)
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "inserting user", err)
	}
	return nil
}

// Verify reports whether password matches the stored hash. An unknown
// username is (false, nil), not an error.
func (s *Store) Verify(ctx context.Context, username, password string) (bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT password_hash FROM users WHERE username = $1`,
		username).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.KindDatabase, "fetching password hash", err)
	}
	return verifyPassword(password, hash)
}

func hashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, argon2id.DefaultParams)
}

func verifyPassword(password, hash string) (bool, error) {
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return false, errs.Wrap(errs.KindInvalidCredentials, "parsing password hash", err)
	}
	return match, nil
}
