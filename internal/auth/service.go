package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/shared"
	"github.com/ashureev/medivio/internal/store"
)

// Service is the credential store: it registers users and checks logins.
// No session token is issued; callers update session state themselves.
type Service struct {
	repo   store.Repository
	hasher Hasher
}

// NewService creates a credential service. A nil hasher defaults to bcrypt.
func NewService(repo store.Repository, hasher Hasher) *Service {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Service{repo: repo, hasher: hasher}
}

// Register creates a user with today's joined date.
// Returns shared.ErrAlreadyExists when the email is taken, and a wrapped
// store error when the database is unavailable.
func (s *Service) Register(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return shared.ErrMissingCredentials
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	err = s.repo.CreateUser(ctx, &domain.User{
		Email:          email,
		PasswordDigest: digest,
		JoinedDate:     domain.Today(),
	})
	if err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("register %s: %w", email, err)
	}

	slog.Info("User registered", "user", email)
	return nil
}

// Login succeeds iff a user with email exists and password matches its digest.
// Returns shared.ErrInvalidCredentials on mismatch or unknown email.
func (s *Service) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return shared.ErrInvalidCredentials
	}

	user, err := s.repo.GetUser(ctx, email)
	if err != nil {
		return fmt.Errorf("login %s: %w", email, err)
	}
	if user == nil || !verify(user.PasswordDigest, password) {
		return shared.ErrInvalidCredentials
	}
	return nil
}
