package site

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const (
	// DefaultName is reported until an operator names the site.
	DefaultName = "SITE_DESCONHECIDO"

	keySiteName   = "site_name"
	maxNameLength = 100
)

// Store persists the site name and serves it from memory.
//
// Thread Safety: all methods are safe for concurrent use.
type Store struct {
	db       *sql.DB
	fallback string
	name     atomic.Pointer[string]
}

// NewStore creates a store over an open settings database. fallback is the
// name used until one is stored; empty means DefaultName.
func NewStore(db *sql.DB, fallback string) *Store {
	fallback = strings.TrimSpace(fallback)
	if fallback == "" {
		fallback = DefaultName
	}
	s := &Store{db: db, fallback: fallback}
	s.name.Store(&s.fallback)
	return s
}

// Load reads the stored site name into the cache. A missing row keeps the
// fallback name.
func (s *Store) Load(ctx context.Context) error {
	value, err := s.setting(ctx, keySiteName)
	if err != nil {
		if errors.Is(err, ErrSettingNotFound) {
			return nil
		}
		return err
	}
	s.name.Store(&value)
	return nil
}

// SiteName returns the cached site name.
func (s *Store) SiteName() string {
	return *s.name.Load()
}

// SetSiteName validates, persists and then publishes a new site name.
//
// Returns ErrInvalidName for empty or overlong names. On a write failure the
// cached name is unchanged.
func (s *Store) SetSiteName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	}

	if err := s.setSetting(ctx, keySiteName, name); err != nil {
		return err
	}
	s.name.Store(&name)
	return nil
}

func (s *Store) setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}
