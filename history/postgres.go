package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

const DefaultTable = "generation_history"

// PostgresConfig holds the connection settings of the history database
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresSink stores history rows in PostgreSQL. Records appended for a
// run are inserted in one transaction by Persist.
type PostgresSink struct {
	db      *sql.DB
	table   string
	timeout time.Duration

	mu      sync.Mutex
	pending []Record
}

// OpenPostgres connects to the database and makes sure the history table exists
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	retv := NewPostgresSink(db, cfg.Table)
	if err := retv.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return retv, nil
}

// NewPostgresSink wraps an open database handle
func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresSink{db: db, table: pq.QuoteIdentifier(table), timeout: 30 * time.Second}
}

func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         BIGSERIAL PRIMARY KEY,
			prompt     TEXT NOT NULL,
			caption    TEXT NOT NULL DEFAULT '',
			path       TEXT NOT NULL DEFAULT '',
			mime_type  TEXT NOT NULL DEFAULT '',
			backend    TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			batch_id   TEXT NOT NULL DEFAULT '',
			item_index INTEGER NOT NULL DEFAULT 0,
			item_total INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)
	`, p.table)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating history table: %w", err)
	}
	return nil
}

func (p *PostgresSink) Append(rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, rec)
	return nil
}

func (p *PostgresSink) insertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (prompt, caption, path, mime_type, backend, model, batch_id, item_index, item_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.table)
}

// Persist inserts the pending records; either all of them are stored or
// none. Pending records are dropped either way.
func (p *PostgresSink) Persist() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	pending := p.pending
	p.pending = nil

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, p.insertQuery())
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range pending {
		_, err := stmt.ExecContext(ctx, r.Prompt, r.Caption, r.Path, r.MIMEType, r.Backend, r.Model, r.BatchID, r.Index, r.Total, r.Timestamp)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting history record: %w", err)
		}
	}
	return tx.Commit()
}

// Discard drops the records appended since the last Persist
func (p *PostgresSink) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

// Recent returns up to limit records, newest first
func (p *PostgresSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT prompt, caption, path, mime_type, backend, model, batch_id, item_index, item_total, created_at
		FROM %s
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, p.table)

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	retv := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Prompt, &r.Caption, &r.Path, &r.MIMEType, &r.Backend, &r.Model, &r.BatchID, &r.Index, &r.Total, &r.Timestamp); err != nil {
			return nil, err
		}
		retv = append(retv, r)
	}
	return retv, rows.Err()
}

func (p *PostgresSink) Close() error {
	return p.db.Close()
}
