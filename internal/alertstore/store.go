// Package alertstore records fired alerts and answers queries over them.
package alertstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"callwatch/internal/models"
)

// Backend is an optional durable mirror of the store. Writes go to the
// backend before they become visible in memory, so a backend failure fails
// the call.
type Backend interface {
	Save(ctx context.Context, alert models.Alert) error
	MarkRead(ctx context.Context, ids []string) error
	Load(ctx context.Context) ([]models.Alert, error)
}

// Filter selects alerts. Zero fields match everything.
type Filter struct {
	Severity models.Severity
	Read     *bool
	Query    string // case-insensitive substring of the rule name
	RuleID   string
	From     time.Time // fired at or after
	To       time.Time // fired at or before
}

// ReadState builds a value for Filter.Read.
func ReadState(read bool) *bool { return &read }

// Match reports whether a passes the filter.
func (f Filter) Match(a *models.Alert) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Read != nil && a.Read != *f.Read {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if q := strings.TrimSpace(f.Query); q != "" && !strings.Contains(strings.ToLower(a.RuleName), strings.ToLower(q)) {
		return false
	}
	if !f.From.IsZero() && a.FiredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.FiredAt.After(f.To) {
		return false
	}
	return true
}

// Store is an append-only alert log with an id index. Reads take the read
// lock only; a write holds the write lock for an append or a flag flip.
type Store struct {
	mu      sync.RWMutex
	log     []models.Alert
	index   map[string]int
	backend Backend
}

// New creates a store. backend may be nil for a purely in-memory store.
func New(backend Backend) *Store {
	return &Store{
		index:   make(map[string]int),
		backend: backend,
	}
}

// Restore loads previously persisted alerts from the backend.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	alerts, err := s.backend.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load alerts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range alerts {
		if _, exists := s.index[a.ID]; exists {
			continue
		}
		s.index[a.ID] = len(s.log)
		s.log = append(s.log, a.Clone())
		n++
	}
	return n, nil
}

// Record appends an alert and returns its id, generating one if empty.
// An existing id is never overwritten.
func (s *Store) Record(ctx context.Context, alert models.Alert) (string, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert = alert.Clone()

	s.mu.RLock()
	_, exists := s.index[alert.ID]
	s.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("alert %q already recorded", alert.ID)
	}

	if s.backend != nil {
		if err := s.backend.Save(ctx, alert); err != nil {
			return "", fmt.Errorf("persist alert %s: %w", alert.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[alert.ID]; exists {
		return "", fmt.Errorf("alert %q already recorded", alert.ID)
	}
	s.index[alert.ID] = len(s.log)
	s.log = append(s.log, alert)
	return alert.ID, nil
}

// MarkRead flags an alert as read. Marking a read alert again is a no-op.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.RLock()
	i, ok := s.index[id]
	already := ok && s.log[i].Read
	s.mu.RUnlock()

	if !ok {
		return &models.NotFoundError{Kind: "alert", ID: id}
	}
	if already {
		return nil
	}

	if s.backend != nil {
		if err := s.backend.MarkRead(ctx, []string{id}); err != nil {
			return fmt.Errorf("persist read flag %s: %w", id, err)
		}
	}

	s.mu.Lock()
	s.log[i].Read = true
	s.mu.Unlock()
	return nil
}

// MarkAllRead flags every unread alert matching f and returns how many changed.
func (s *Store) MarkAllRead(ctx context.Context, f Filter) (int, error) {
	f.Read = ReadState(false)

	s.mu.RLock()
	var ids []string
	for i := range s.log {
		if f.Match(&s.log[i]) {
			ids = append(ids, s.log[i].ID)
		}
	}
	s.mu.RUnlock()

	if len(ids) == 0 {
		return 0, nil
	}

	if s.backend != nil {
		if err := s.backend.MarkRead(ctx, ids); err != nil {
			return 0, fmt.Errorf("persist read flags: %w", err)
		}
	}

	s.mu.Lock()
	for _, id := range ids {
		s.log[s.index[id]].Read = true
	}
	s.mu.Unlock()
	return len(ids), nil
}

// Get returns one alert by id.
func (s *Store) Get(id string) (models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return models.Alert{}, &models.NotFoundError{Kind: "alert", ID: id}
	}
	return s.log[i].Clone(), nil
}

// List returns alerts matching f, newest first. Alerts fired at the same
// instant come back most recently recorded first.
func (s *Store) List(f Filter) []models.Alert {
	s.mu.RLock()
	out := make([]models.Alert, 0)
	for i := len(s.log) - 1; i >= 0; i-- {
		if f.Match(&s.log[i]) {
			out = append(out, s.log[i].Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// Count returns the number of recorded alerts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}
