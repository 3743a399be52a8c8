// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/medivio/internal/domain"
)

// Repository defines the interface for persisting users and analysis history.
type Repository interface {
	// CreateUser inserts a new user. Returns shared.ErrAlreadyExists if the
	// email is already registered.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by email. Returns (nil, nil) if absent.
	GetUser(ctx context.Context, email string) (*domain.User, error)

	// AddHistory appends a history entry and returns its assigned ID.
	// Returns shared.ErrNotFound if the owner does not exist.
	AddHistory(ctx context.Context, entry *domain.HistoryEntry) (int64, error)

	// ListHistory returns up to limit entries for email, most recent first.
	ListHistory(ctx context.Context, email string, limit int) ([]domain.HistoryEntry, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
