package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// PostgresConfig holds connection settings for the durable credential
// backend.
type PostgresConfig struct {
	DSN     string        `envconfig:"DSN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
}

// PostgresBackend stores credential records in Postgres via bun. Tokens
// survive restarts, which matters because a lost refresh token forces the
// user through the full OAuth consent flow again.
type PostgresBackend struct {
	db *bun.DB
}

type pgRecord struct {
	bun.BaseModel `bun:"table:credentials"`

	Record
}

func NewPostgresBackend(cfg PostgresConfig) (*PostgresBackend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	db := bun.NewDB(sqldb, pgdialect.New())

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*pgRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}

	return &PostgresBackend{db: db}, nil
}

// NewPostgresBackendFromDB wraps an existing bun handle.
func NewPostgresBackendFromDB(db *bun.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Get(ctx context.Context, userID, service string) (*Record, error) {
	rec := new(pgRecord)
	err := p.db.NewSelect().
		Model(rec).
		Where("user_id = ?", userID).
		Where("service = ?", service).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select credential: %w", err)
	}
	out := rec.Record
	return &out, nil
}

func (p *PostgresBackend) Put(ctx context.Context, rec *Record) error {
	row := &pgRecord{Record: *rec}
	_, err := p.db.NewInsert().
		Model(row).
		On("CONFLICT (user_id, service) DO UPDATE").
		Set("access_token = EXCLUDED.access_token").
		Set("refresh_token = EXCLUDED.refresh_token").
		Set("expiry = EXCLUDED.expiry").
		Set("scopes = EXCLUDED.scopes").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, userID, service string) error {
	_, err := p.db.NewDelete().
		Model((*pgRecord)(nil)).
		Where("user_id = ?", userID).
		Where("service = ?", service).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	return p.db.Close()
}
