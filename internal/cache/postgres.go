package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresBackend keeps every terminal's cache in one kv table so several
// terminals of a store can share session state.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kasir_kv (
			cache_key TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	return &PostgresBackend{db: db}, nil
}

func (s *PostgresBackend) Close() error {
	return s.db.Close()
}

func (s *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM kasir_kv WHERE cache_key = $1`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *PostgresBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kasir_kv (cache_key, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (cache_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, key, value)
	return mapPostgresError(err)
}

func (s *PostgresBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kasir_kv WHERE cache_key = ANY($1)`, keys)
	return err
}

func (s *PostgresBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cache_key
		FROM kasir_kv
		WHERE cache_key LIKE $1 ESCAPE '\'
		ORDER BY cache_key
	`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, 32)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *PostgresBackend) Size(ctx context.Context, prefix string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(octet_length(payload) + octet_length(cache_key)), 0)
		FROM kasir_kv
		WHERE cache_key LIKE $1 ESCAPE '\'
	`, likePrefix(prefix)).Scan(&total)
	return total, err
}

func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53100", "53200", "54000":
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
	}
	return err
}

func likePrefix(prefix string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
}
