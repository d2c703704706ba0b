package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundflow/internal/model"
)

const mandateCols = `id, investor_id, bank_account, bank_ref, external_ref, status, debit_limit,
	created_at, last_transition_at, poll_attempts, next_poll_at, manual_review`

// CreateMandate inserts a new mandate.
func (s *Store) CreateMandate(ctx context.Context, m *model.Mandate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mandates (id, investor_id, bank_account, bank_ref, external_ref, status,
			debit_limit, created_at, last_transition_at, poll_attempts, next_poll_at, manual_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0)`,
		m.ID, m.InvestorID, m.BankAccount, m.BankRef, nullStr(m.ExternalRef), string(m.Status),
		m.DebitLimit.String(), m.CreatedAt.Unix(), m.LastTransitionAt.Unix())
	return err
}

func (s *Store) MandateByID(ctx context.Context, id string) (*model.Mandate, error) {
	return s.mandateWhere(ctx, "id = ?", id)
}

func (s *Store) MandateByExternalRef(ctx context.Context, ref string) (*model.Mandate, error) {
	return s.mandateWhere(ctx, "external_ref = ?", ref)
}

func (s *Store) mandateWhere(ctx context.Context, where string, arg any) (*model.Mandate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mandateCols+` FROM mandates WHERE `+where, arg)
	m, err := scanMandate(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMandate(r rowScanner) (*model.Mandate, error) {
	var m model.Mandate
	var status, limit string
	var ref sql.NullString
	var created, transitioned, nextPoll int64
	var manual int
	err := r.Scan(&m.ID, &m.InvestorID, &m.BankAccount, &m.BankRef, &ref, &status, &limit,
		&created, &transitioned, &m.PollAttempts, &nextPoll, &manual)
	if err != nil {
		return nil, err
	}
	m.ExternalRef = fromNull(ref)
	m.Status = model.MandateStatus(status)
	lim, err := decimal.NewFromString(limit)
	if err != nil {
		return nil, fmt.Errorf("mandate %s debit limit: %w", m.ID, err)
	}
	m.DebitLimit = lim
	m.CreatedAt = time.Unix(created, 0)
	m.LastTransitionAt = time.Unix(transitioned, 0)
	m.NextPollAt = time.Unix(nextPoll, 0)
	m.ManualReview = manual != 0
	return &m, nil
}

// ApplyMandateTransition atomically moves a mandate from -> to. A move into
// AUTHORIZED expires every other AUTHORIZED mandate for the same
// (investor, bank account) pair in the same transaction, so the store can
// never hold two simultaneously active mandates for one account.
func (s *Store) ApplyMandateTransition(ctx context.Context, t model.Transition) ([]string, error) {
	var superseded []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE mandates SET status = ?, last_transition_at = ?, poll_attempts = 0, next_poll_at = 0
			WHERE id = ? AND status = ?`,
			t.To, t.At.Unix(), t.EntityID, t.From)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("mandate %s: status is no longer %s", t.EntityID, t.From)
		}

		if model.MandateStatus(t.To) == model.MandateAuthorized {
			rows, err := tx.Query(`
				SELECT id FROM mandates
				WHERE status = ?
				  AND id != ?
				  AND (investor_id, bank_account) IN
					(SELECT investor_id, bank_account FROM mandates WHERE id = ?)`,
				string(model.MandateAuthorized), t.EntityID, t.EntityID)
			if err != nil {
				return err
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				superseded = append(superseded, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, id := range superseded {
				if _, err := tx.Exec(`
					UPDATE mandates SET status = ?, last_transition_at = ?
					WHERE id = ? AND status = ?`,
					string(model.MandateExpired), t.At.Unix(), id,
					string(model.MandateAuthorized)); err != nil {
					return err
				}
			}
		}

		return journalInTx(tx, t.DedupKey, "applied", t.At)
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

// StaleMandates returns non-terminal mandates due for a status poll.
func (s *Store) StaleMandates(ctx context.Context, olderThan time.Time, limit int) ([]model.Mandate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mandateCols+` FROM mandates
		WHERE status = ?
		  AND manual_review = 0
		  AND external_ref IS NOT NULL
		  AND last_transition_at < ?
		  AND next_poll_at <= ?
		ORDER BY last_transition_at ASC LIMIT ?`,
		string(model.MandatePending), olderThan.Unix(), time.Now().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
