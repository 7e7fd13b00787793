package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jfaulkner/crawld/internal/crawler"
)

// querier is the subset of pgxpool.Pool the store needs; satisfied by
// pgxmock in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps patterns in a site_patterns table, one row per
// generalized URL pattern, the pattern body as JSONB.
type PostgresStore struct {
	db querier
}

// NewPostgresStore connects a pool to dsn and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{db: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests.
func NewPostgresStoreWithDB(db querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS site_patterns (
			pattern_key TEXT PRIMARY KEY,
			domain      TEXT NOT NULL,
			pattern     JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create site_patterns table: %w", err)
	}
	return nil
}

// Find looks up the pattern row for the URL's generalized key.
func (s *PostgresStore) Find(ctx context.Context, rawURL string) (crawler.SitePattern, bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT pattern FROM site_patterns WHERE pattern_key = $1`,
		crawler.PatternKey(rawURL),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.SitePattern{}, false, nil
	}
	if err != nil {
		return crawler.SitePattern{}, false, fmt.Errorf("query pattern: %w", err)
	}

	var pattern crawler.SitePattern
	if err := json.Unmarshal(raw, &pattern); err != nil {
		return crawler.SitePattern{}, false, fmt.Errorf("decode pattern: %w", err)
	}
	return pattern, true, nil
}

// Save upserts the pattern row for the URL's generalized key.
func (s *PostgresStore) Save(ctx context.Context, rawURL string, pattern crawler.SitePattern) error {
	raw, err := json.Marshal(pattern)
	if err != nil {
		return fmt.Errorf("encode pattern: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO site_patterns (pattern_key, domain, pattern, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (pattern_key)
		DO UPDATE SET pattern = EXCLUDED.pattern, updated_at = now()`,
		crawler.PatternKey(rawURL), crawler.Domain(rawURL), raw)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}
