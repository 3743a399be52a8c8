package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/shared"
	"github.com/ashureev/medivio/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository and applies migrations.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers, busy timeout for the single writer,
	// foreign keys so history rows always reference a user.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("Applied migration", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `INSERT INTO users (email, password_digest, joined_date) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, user.Email, user.PasswordDigest, user.JoinedDate)
	if err != nil {
		if shared.IsSQLiteUniqueViolation(err) {
			return fmt.Errorf("create user %s: %w", user.Email, shared.ErrAlreadyExists)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by email.
func (s *SQLiteStore) GetUser(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT email, password_digest, joined_date FROM users WHERE email = ?`

	var user domain.User
	err := s.db.QueryRowContext(ctx, query, email).Scan(&user.Email, &user.PasswordDigest, &user.JoinedDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return &user, nil
}

// AddHistory appends a history entry.
func (s *SQLiteStore) AddHistory(ctx context.Context, entry *domain.HistoryEntry) (int64, error) {
	query := `INSERT INTO history (email, type, summary, risk_level, date) VALUES (?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		entry.Email, entry.Type, entry.Summary, entry.RiskLevel, entry.Date,
	)
	if err != nil {
		if shared.IsSQLiteForeignKeyViolation(err) {
			return 0, fmt.Errorf("add history for %s: %w", entry.Email, shared.ErrNotFound)
		}
		return 0, fmt.Errorf("add history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	entry.ID = id
	return id, nil
}

// ListHistory returns the most recent entries for a user, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, email string, limit int) ([]domain.HistoryEntry, error) {
	query := `
		SELECT id, email, type, summary, risk_level, date
		FROM history WHERE email = ?
		ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, email, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var typ, summary, risk, date sql.NullString
		if err := rows.Scan(&e.ID, &e.Email, &typ, &summary, &risk, &date); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Type = typ.String
		e.Summary = summary.String
		e.RiskLevel = risk.String
		e.Date = date.String
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return entries, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
