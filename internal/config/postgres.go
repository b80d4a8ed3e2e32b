package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/switchyardlabs/switchyard/internal/credential"
)

// PostgresConfig holds the connection settings for the external API
// key store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	IncludeDisabled bool          `mapstructure:"include_disabled"`
}

// PostgresSource loads API keys from a Postgres table. It implements
// CredentialSource; keys loaded here take precedence over keys listed
// in the route file.
type PostgresSource struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresSource connects to the API key database.
func NewPostgresSource(ctx context.Context, cfg PostgresConfig) (*PostgresSource, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout == 0 {
		queryTimeout = 10 * time.Second
	}

	return &PostgresSource{pool: pool, queryTimeout: queryTimeout}, nil
}

// LoadCredentials reads all API keys. Revoked keys are loaded as
// disabled so a reload turns them away with an explicit status instead
// of an unknown-credential miss.
func (s *PostgresSource) LoadCredentials(ctx context.Context) ([]credential.Record, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(queryCtx, `
		SELECT key_id, secret_hash, scopes, revoked_at IS NULL AS enabled
		FROM api_keys
	`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var records []credential.Record
	for rows.Next() {
		var rec credential.Record
		if err := rows.Scan(&rec.KeyID, &rec.Secret, &rec.Scopes, &rec.Enabled); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading api key rows: %w", err)
	}

	return records, nil
}

// Ping verifies the database connection.
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
