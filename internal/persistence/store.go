// Package persistence archives trade records and anomaly events to
// Postgres for offline analysis. The archive is optional: when the
// database section is disabled the orchestrator runs without it.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"tradewarden/internal/config"
	"tradewarden/internal/domain"
)

// Store wraps the archive connection pool.
type Store struct {
	db  *sqlx.DB
	cfg config.DatabaseConfig
}

// Open connects to Postgres, applies pool settings, verifies the
// connection, and ensures the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("Archive database connected")
	return s, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, cfg config.DatabaseConfig) *Store {
	return &Store{db: db, cfg: cfg}
}

// EnsureSchema creates the archive tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS trade_records (
			ts              TIMESTAMPTZ NOT NULL,
			strategy_id     TEXT        NOT NULL,
			symbol          TEXT        NOT NULL,
			confidence      DOUBLE PRECISION NOT NULL,
			direction       TEXT        NOT NULL,
			realized_return DOUBLE PRECISION NOT NULL,
			realized_pnl    DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_strategy_ts
			ON trade_records (strategy_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS anomaly_events (
			id           TEXT PRIMARY KEY,
			ts           TIMESTAMPTZ NOT NULL,
			strategy_id  TEXT        NOT NULL,
			kind         TEXT        NOT NULL,
			severity     TEXT        NOT NULL,
			metric_value DOUBLE PRECISION NOT NULL,
			threshold    DOUBLE PRECISION NOT NULL,
			note         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomaly_events_strategy_ts
			ON anomaly_events (strategy_id, ts DESC)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}
	return nil
}

// SaveRecords archives a batch of trade records in one transaction.
func (s *Store) SaveRecords(ctx context.Context, records []domain.TradeRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive tx: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO trade_records
		(ts, strategy_id, symbol, confidence, direction, realized_return, realized_pnl)
		VALUES (:ts, :strategy_id, :symbol, :confidence, :direction, :realized_return, :realized_pnl)`
	for _, rec := range records {
		if _, err := tx.NamedExecContext(ctx, q, rec); err != nil {
			return fmt.Errorf("failed to archive trade record: %w", err)
		}
	}
	return tx.Commit()
}

// SaveAnomalies archives a batch of anomaly events. Replayed events are
// deduplicated on ID rather than erroring.
func (s *Store) SaveAnomalies(ctx context.Context, events []domain.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive tx: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO anomaly_events
		(id, ts, strategy_id, kind, severity, metric_value, threshold, note)
		VALUES (:id, :ts, :strategy_id, :kind, :severity, :metric_value, :threshold, :note)
		ON CONFLICT (id) DO NOTHING`
	for _, ev := range events {
		if _, err := tx.NamedExecContext(ctx, q, ev); err != nil {
			return fmt.Errorf("failed to archive anomaly event: %w", err)
		}
	}
	return tx.Commit()
}

// RecentReturns fetches the newest realized returns for a strategy,
// newest first.
func (s *Store) RecentReturns(ctx context.Context, strategyID string, limit int) ([]float64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var returns []float64
	const q = `SELECT realized_return FROM trade_records
		WHERE strategy_id = $1 ORDER BY ts DESC LIMIT $2`
	if err := s.db.SelectContext(ctx, &returns, q, strategyID, limit); err != nil {
		return nil, fmt.Errorf("failed to query recent returns: %w", err)
	}
	return returns, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
