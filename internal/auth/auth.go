// Package auth implements login, logout, and presence upkeep. A first login
// registers the user; afterwards the same credentials are required.
package auth

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maxrios/mcs/internal/errs"
)

// MinUsernameLen applies to the trimmed username.
const MinUsernameLen = 3

// UserStore is the credential slice of the message store.
type UserStore interface {
	CreateUser(ctx context.Context, username, password string) error
	Verify(ctx context.Context, username, password string) (bool, error)
}

// Presence is the directory slice auth needs. AcquirePresence must be a
// cluster-wide conditional claim: false when another live session holds it.
type Presence interface {
	AcquirePresence(ctx context.Context, user string) (bool, error)
	ReleasePresence(ctx context.Context, user string) error
	RefreshPresence(ctx context.Context, user string) error
}

type Service struct {
	users    UserStore
	presence Presence
	logger   zerolog.Logger
}

func NewService(users UserStore, presence Presence, logger zerolog.Logger) *Service {
	return &Service{
		users:    users,
		presence: presence,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// RegisterAndLogin validates the name, creates the user on first sight,
// checks credentials, and claims the cluster-wide session slot. The
// username is stored exactly as sent; only validation trims it.
func (s *Service) RegisterAndLogin(ctx context.Context, username, password string) error {
	if len(strings.TrimSpace(username)) < MinUsernameLen {
		return errs.New(errs.KindUsernameTooShort, "username '"+username+"' is too short")
	}

	valid, err := s.users.Verify(ctx, username, password)
	if err != nil {
		return err
	}
	if !valid {
		if err := s.users.CreateUser(ctx, username, password); err != nil {
			return err
		}
		// Insert does nothing on conflict, so a second verify separates a
		// fresh registration from a wrong password for an existing user.
		valid, err = s.users.Verify(ctx, username, password)
		if err != nil {
			return err
		}
		if !valid {
			return errs.New(errs.KindInvalidCredentials, "wrong password for '"+username+"'")
		}
	}

	acquired, err := s.presence.AcquirePresence(ctx, username)
	if err != nil {
		return err
	}
	if !acquired {
		return errs.New(errs.KindUsernameTaken, "user is already logged in")
	}

	s.logger.Debug().Str("user", username).Msg("session acquired")
	return nil
}

// Logout frees the session slot for username.
func (s *Service) Logout(ctx context.Context, username string) error {
	return s.presence.ReleasePresence(ctx, username)
}

// Refresh extends the session's presence TTL.
func (s *Service) Refresh(ctx context.Context, username string) error {
	return s.presence.RefreshPresence(ctx, username)
}
