package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/updown-recorder/internal/database"
	"github.com/rickgao/updown-recorder/internal/model"
)

// PostgresBackend stores each day in its own schema of one database.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	prefix string
	logger *slog.Logger
}

// NewPostgresBackend creates a backend using schemas <prefix>_YYYY_MM_DD.
// The pool is owned by the caller.
func NewPostgresBackend(pool *pgxpool.Pool, prefix string, logger *slog.Logger) *PostgresBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBackend{pool: pool, prefix: prefix, logger: logger}
}

func (b *PostgresBackend) Name() string { return "postgres" }

// Schema returns the schema name of date.
func (b *PostgresBackend) Schema(date Date) string {
	return SchemaName(b.prefix, date)
}

// SchemaName builds the per-day schema name.
func SchemaName(prefix string, date Date) string {
	return fmt.Sprintf("%s_%s", prefix, date.compact())
}

// Open creates the day's schema and tables if they do not exist.
func (b *PostgresBackend) Open(ctx context.Context, date Date) (Window, error) {
	schema := b.Schema(date)
	if err := database.EnsureSchema(ctx, b.pool, schema); err != nil {
		return nil, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaDDL(schema) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate schema %s: %w", schema, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit migration: %w", err)
	}

	b.logger.Debug("postgres window ready", "schema", schema)
	return &postgresWindow{date: date, schema: schema, pool: b.pool}, nil
}

func schemaDDL(schema string) []string {
	s := pgx.Identifier{schema}.Sanitize()
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + s + `.markets (
			id           TEXT PRIMARY KEY,
			condition_id TEXT,
			class        TEXT,
			question     TEXT,
			description  TEXT,
			category     TEXT,
			start_date   TIMESTAMPTZ NOT NULL,
			end_date     TIMESTAMPTZ NOT NULL,
			active       BOOLEAN NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.tokens (
			token_id   TEXT PRIMARY KEY,
			market_id  TEXT NOT NULL REFERENCES ` + s + `.markets(id),
			outcome    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.price_snapshots (
			id        BIGSERIAL PRIMARY KEY,
			event_id  UUID NOT NULL UNIQUE,
			source    TEXT NOT NULL,
			token_id  TEXT,
			market_id TEXT,
			price     NUMERIC NOT NULL,
			bid_price NUMERIC,
			ask_price NUMERIC,
			spread    NUMERIC,
			lag_ms    BIGINT,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.orderbook_snapshots (
			id        BIGSERIAL PRIMARY KEY,
			event_id  UUID NOT NULL,
			token_id  TEXT NOT NULL,
			market_id TEXT NOT NULL,
			side      TEXT NOT NULL,
			level     INTEGER NOT NULL,
			price     NUMERIC NOT NULL,
			size      NUMERIC NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			UNIQUE (event_id, token_id, side, level)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.volume_snapshots (
			id         BIGSERIAL PRIMARY KEY,
			event_id   UUID NOT NULL UNIQUE,
			market_id  TEXT NOT NULL,
			volume_24h NUMERIC NOT NULL,
			liquidity  NUMERIC NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.system_events (
			id        BIGSERIAL PRIMARY KEY,
			event_id  UUID NOT NULL UNIQUE,
			type      TEXT NOT NULL,
			severity  TEXT NOT NULL,
			message   TEXT,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS price_snapshots_ts_idx ON ` + s + `.price_snapshots (timestamp)`,
		`CREATE INDEX IF NOT EXISTS orderbook_snapshots_ts_idx ON ` + s + `.orderbook_snapshots (timestamp)`,
		`CREATE INDEX IF NOT EXISTS volume_snapshots_ts_idx ON ` + s + `.volume_snapshots (timestamp)`,
	}
}

type postgresWindow struct {
	date   Date
	schema string
	pool   *pgxpool.Pool

	mu     sync.Mutex
	closed bool
}

func (w *postgresWindow) Date() Date { return w.date }

// Append queues every row into one pgx.Batch inside a transaction.
func (w *postgresWindow) Append(ctx context.Context, events []model.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWindowClosed
	}

	rows := buildRows(events)
	if rows.empty() {
		return nil
	}

	batch := appendBatch(w.schema, rows)

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return tx.Commit(ctx)
}

// appendBatch queues one idempotent insert per row. Market rows are upserted
// so a later record can flip active.
func appendBatch(schema string, rows rowSet) *pgx.Batch {
	s := pgx.Identifier{schema}.Sanitize()
	batch := &pgx.Batch{}

	for _, m := range rows.Markets {
		batch.Queue(`INSERT INTO `+s+`.markets
			(id, condition_id, class, question, description, category, start_date, end_date, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
			m.ID, m.ConditionID, m.Class, m.Question, m.Description, m.Category,
			m.StartDate, m.EndDate, m.Active, m.CreatedAt, m.UpdatedAt)
	}
	for _, t := range rows.Tokens {
		batch.Queue(`INSERT INTO `+s+`.tokens (token_id, market_id, outcome, created_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			t.TokenID, t.MarketID, t.Outcome, t.CreatedAt)
	}
	for _, p := range rows.Prices {
		batch.Queue(`INSERT INTO `+s+`.price_snapshots
			(event_id, source, token_id, market_id, price, bid_price, ask_price, spread, lag_ms, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT DO NOTHING`,
			p.EventID, p.Source, p.TokenID, p.MarketID, p.Price, p.BidPrice, p.AskPrice, p.Spread, p.LagMs, p.Timestamp)
	}
	for _, o := range rows.Books {
		batch.Queue(`INSERT INTO `+s+`.orderbook_snapshots
			(event_id, token_id, market_id, side, level, price, size, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING`,
			o.EventID, o.TokenID, o.MarketID, o.Side, o.Level, o.Price, o.Size, o.Timestamp)
	}
	for _, v := range rows.Volumes {
		batch.Queue(`INSERT INTO `+s+`.volume_snapshots
			(event_id, market_id, volume_24h, liquidity, timestamp)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			v.EventID, v.MarketID, v.Volume24h, v.Liquidity, v.Timestamp)
	}
	for _, e := range rows.System {
		batch.Queue(`INSERT INTO `+s+`.system_events
			(event_id, type, severity, message, timestamp)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			e.EventID, e.Type, e.Severity, e.Message, e.Timestamp)
	}
	return batch
}

// Close marks the window finalized. The pool stays open for the next day.
func (w *postgresWindow) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
