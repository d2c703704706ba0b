// Package sqlite is the durable state store for orders, payments and
// mandates, plus the applied-event journal and the dead-letter table.
// Transitions are committed in single transactions so a status change and
// its side effects (dependent payment advance, mandate supersession, journal
// insert) are all-or-nothing.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fundflow/internal/model"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/fundflow.db"
}

// Store implements model.StateStore on SQLite.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (or creates) the database with WAL mode and the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer: the reconcile engine serializes writes per entity, and
	// sqlite serializes the rest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened state store at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS orders (
		id                 TEXT PRIMARY KEY,
		investor_id        TEXT NOT NULL,
		fund_id            TEXT NOT NULL,
		batch_id           TEXT NOT NULL,
		type               TEXT NOT NULL,
		external_ref       TEXT,
		status             TEXT NOT NULL,
		amount             TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		last_transition_at INTEGER NOT NULL,
		poll_attempts      INTEGER NOT NULL DEFAULT 0,
		next_poll_at       INTEGER NOT NULL DEFAULT 0,
		manual_review      INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_ref ON orders(external_ref) WHERE external_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, last_transition_at);

	CREATE TABLE IF NOT EXISTS payments (
		id                   TEXT PRIMARY KEY,
		external_ref         TEXT,
		status               TEXT NOT NULL,
		amount               TEXT NOT NULL,
		redirect_url         TEXT NOT NULL DEFAULT '',
		redirect_received_at INTEGER,
		verified_at          INTEGER,
		created_at           INTEGER NOT NULL,
		last_transition_at   INTEGER NOT NULL,
		poll_attempts        INTEGER NOT NULL DEFAULT 0,
		next_poll_at         INTEGER NOT NULL DEFAULT 0,
		manual_review        INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_ref ON payments(external_ref) WHERE external_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, last_transition_at);

	CREATE TABLE IF NOT EXISTS payment_orders (
		payment_id TEXT NOT NULL REFERENCES payments(id),
		order_id   TEXT NOT NULL REFERENCES orders(id),
		PRIMARY KEY (payment_id, order_id)
	);
	CREATE INDEX IF NOT EXISTS idx_payment_orders_order ON payment_orders(order_id);

	CREATE TABLE IF NOT EXISTS mandates (
		id                 TEXT PRIMARY KEY,
		investor_id        TEXT NOT NULL,
		bank_account       TEXT NOT NULL,
		bank_ref           TEXT NOT NULL DEFAULT '',
		external_ref       TEXT,
		status             TEXT NOT NULL,
		debit_limit        TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		last_transition_at INTEGER NOT NULL,
		poll_attempts      INTEGER NOT NULL DEFAULT 0,
		next_poll_at       INTEGER NOT NULL DEFAULT 0,
		manual_review      INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mandates_ref ON mandates(external_ref) WHERE external_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_mandates_bank ON mandates(investor_id, bank_account, status);

	CREATE TABLE IF NOT EXISTS applied_events (
		dedup_key  TEXT PRIMARY KEY,
		note       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event      TEXT NOT NULL,
		reason     TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// WasApplied reports whether an event with this dedup key was already processed.
func (s *Store) WasApplied(ctx context.Context, dedupKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM applied_events WHERE dedup_key = ?`, dedupKey).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed journals a dedup key outside a transition transaction.
func (s *Store) MarkProcessed(ctx context.Context, dedupKey, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_events (dedup_key, note, created_at) VALUES (?, ?, ?)`,
		dedupKey, note, time.Now().Unix())
	return err
}

func journalInTx(tx *sql.Tx, dedupKey, note string, at time.Time) error {
	if dedupKey == "" {
		return nil
	}
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO applied_events (dedup_key, note, created_at) VALUES (?, ?, ?)`,
		dedupKey, note, at.Unix())
	return err
}

// DeadLetter retains an event that exhausted its retry budget.
func (s *Store) DeadLetter(ctx context.Context, ev model.ReconciliationEvent, reason string) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("dead letter marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (event, reason, created_at) VALUES (?, ?, ?)`,
		string(raw), reason, time.Now().Unix())
	return err
}

// DeadLetters returns the newest dead letters for operator inspection.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, reason, created_at FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetterRecord
	for rows.Next() {
		var rec model.DeadLetterRecord
		var raw string
		var created int64
		if err := rows.Scan(&rec.ID, &raw, &rec.Reason, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &rec.Event); err != nil {
			return nil, fmt.Errorf("dead letter %d unmarshal: %w", rec.ID, err)
		}
		rec.CreatedAt = time.Unix(created, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetExternalRef records the provider-assigned reference for an entity.
// The reference is write-once.
func (s *Store) SetExternalRef(ctx context.Context, entity model.EntityType, id, ref string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET external_ref = ? WHERE id = ? AND external_ref IS NULL`, ref, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var existing sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT external_ref FROM `+table+` WHERE id = ?`, id).Scan(&existing)
		if err == sql.ErrNoRows {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if existing.Valid && existing.String == ref {
			return nil // idempotent re-set of the same ref
		}
		return fmt.Errorf("external ref already set for %s %s", entity, id)
	}
	return nil
}

// SetPollBackoff updates the poll bookkeeping for an entity.
func (s *Store) SetPollBackoff(ctx context.Context, entity model.EntityType, id string, attempts int, next time.Time) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE `+table+` SET poll_attempts = ?, next_poll_at = ? WHERE id = ?`,
		attempts, next.Unix(), id)
	return err
}

// FlagManualReview takes an entity out of the poll rotation for operator attention.
func (s *Store) FlagManualReview(ctx context.Context, entity model.EntityType, id string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE `+table+` SET manual_review = 1 WHERE id = ?`, id)
	return err
}

func tableFor(entity model.EntityType) (string, error) {
	switch entity {
	case model.EntityOrder:
		return "orders", nil
	case model.EntityPayment:
		return "payments", nil
	case model.EntityMandate:
		return "mandates", nil
	}
	return "", fmt.Errorf("unknown entity type %q", entity)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func fromNullTime(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.Unix(ni.Int64, 0)
	return &t
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ model.StateStore = (*Store)(nil)
