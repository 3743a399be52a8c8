// Package history records completed analyses and lists a user's recent ones.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/shared"
	"github.com/ashureev/medivio/internal/store"
)

const (
	defaultLimit      = 10
	defaultSummaryMax = 100
	maxRetries        = 3
	baseDelay         = 50 * time.Millisecond
)

// Item is one line of the sidebar history list.
type Item struct {
	Type string
	Date string
}

// Recent is a bounded, most-recent-first slice of a user's history.
type Recent struct {
	Entries []Item
	// LastActive is the date of the newest entry, or domain.NewUserMarker.
	LastActive string
}

// Service is the history store.
type Service struct {
	repo       store.Repository
	limit      int
	summaryMax int

	// writeLocks serialises appends per owner so history order matches
	// the order in which the owner's analyses completed.
	writeLocks sync.Map
}

// NewService creates a history service. Non-positive limits fall back to
// the defaults (10 entries, 100 characters).
func NewService(repo store.Repository, limit, summaryMax int) *Service {
	if limit <= 0 {
		limit = defaultLimit
	}
	if summaryMax <= 0 {
		summaryMax = defaultSummaryMax
	}
	return &Service{repo: repo, limit: limit, summaryMax: summaryMax}
}

// Record appends an entry for owner dated today. The summary is truncated
// to the configured number of characters.
func (s *Service) Record(ctx context.Context, owner, kind, summary, risk string) error {
	lock, _ := s.writeLocks.LoadOrStore(owner, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	entry := &domain.HistoryEntry{
		Email:     owner,
		Type:      kind,
		Summary:   truncate(summary, s.summaryMax),
		RiskLevel: risk,
		Date:      domain.Today(),
	}
	return s.addWithRetry(ctx, entry)
}

// addWithRetry inserts entry with exponential backoff on SQLITE_BUSY.
func (s *Service) addWithRetry(ctx context.Context, entry *domain.HistoryEntry) error {
	for i := 0; i < maxRetries; i++ {
		_, err := s.repo.AddHistory(ctx, entry)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
			slog.Debug("Database locked during history insert, retrying",
				"user", entry.Email,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return fmt.Errorf("record history for %s: %w", entry.Email, err)
	}
	return nil
}

// RecentFor returns up to limit entries for owner, newest first.
// A non-positive limit uses the service default.
func (s *Service) RecentFor(ctx context.Context, owner string, limit int) (Recent, error) {
	if limit <= 0 {
		limit = s.limit
	}

	entries, err := s.repo.ListHistory(ctx, owner, limit)
	if err != nil {
		return Recent{LastActive: domain.NewUserMarker}, fmt.Errorf("list history for %s: %w", owner, err)
	}

	recent := Recent{
		Entries:    make([]Item, 0, len(entries)),
		LastActive: domain.NewUserMarker,
	}
	for _, e := range entries {
		recent.Entries = append(recent.Entries, Item{Type: e.Type, Date: e.Date})
	}
	if len(entries) > 0 {
		recent.LastActive = entries[0].Date
	}
	return recent, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
