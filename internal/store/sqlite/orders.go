package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundflow/internal/model"
)

const orderCols = `id, investor_id, fund_id, batch_id, type, external_ref, status, amount,
	created_at, last_transition_at, poll_attempts, next_poll_at, manual_review`

// CreateOrder inserts a new order. Rejects a second open order for the same
// (investor, fund, batch) triple.
func (s *Store) CreateOrder(ctx context.Context, o *model.Order) error {
	open, err := s.HasOpenOrder(ctx, o.InvestorID, o.FundID, o.BatchID)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("open order already exists for investor %s fund %s batch %s",
			o.InvestorID, o.FundID, o.BatchID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, investor_id, fund_id, batch_id, type, external_ref, status, amount,
			created_at, last_transition_at, poll_attempts, next_poll_at, manual_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0)`,
		o.ID, o.InvestorID, o.FundID, o.BatchID, string(o.Type), nullStr(o.ExternalRef),
		string(o.Status), o.Amount.String(), o.CreatedAt.Unix(), o.LastTransitionAt.Unix())
	return err
}

// HasOpenOrder reports whether a non-terminal order exists for the triple.
func (s *Store) HasOpenOrder(ctx context.Context, investorID, fundID, batchID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM orders
		WHERE investor_id = ? AND fund_id = ? AND batch_id = ?
		  AND status NOT IN (?, ?, ?)`,
		investorID, fundID, batchID,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusRefunded)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) OrderByID(ctx context.Context, id string) (*model.Order, error) {
	return s.orderWhere(ctx, "id = ?", id)
}

func (s *Store) OrderByExternalRef(ctx context.Context, ref string) (*model.Order, error) {
	return s.orderWhere(ctx, "external_ref = ?", ref)
}

func (s *Store) orderWhere(ctx context.Context, where string, arg any) (*model.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE `+where, arg)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*model.Order, error) {
	var o model.Order
	var typ, status, amount string
	var ref sql.NullString
	var created, transitioned, nextPoll int64
	var manual int
	err := r.Scan(&o.ID, &o.InvestorID, &o.FundID, &o.BatchID, &typ, &ref, &status, &amount,
		&created, &transitioned, &o.PollAttempts, &nextPoll, &manual)
	if err != nil {
		return nil, err
	}
	o.Type = model.OrderType(typ)
	o.ExternalRef = fromNull(ref)
	o.Status = model.TxnStatus(status)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("order %s amount: %w", o.ID, err)
	}
	o.Amount = amt
	o.CreatedAt = time.Unix(created, 0)
	o.LastTransitionAt = time.Unix(transitioned, 0)
	o.NextPollAt = time.Unix(nextPoll, 0)
	o.ManualReview = manual != 0
	return &o, nil
}

// ApplyOrderTransition atomically moves an order from -> to. When the order
// reaches SUBMITTED, linked payments still in VERIFICATION_PENDING advance
// to SUBMITTED in the same transaction.
func (s *Store) ApplyOrderTransition(ctx context.Context, t model.Transition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE orders SET status = ?, last_transition_at = ?, poll_attempts = 0, next_poll_at = 0
			WHERE id = ? AND status = ?`,
			t.To, t.At.Unix(), t.EntityID, t.From)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("order %s: status is no longer %s", t.EntityID, t.From)
		}

		if model.TxnStatus(t.To) == model.StatusSubmitted {
			_, err = tx.Exec(`
				UPDATE payments SET status = ?, last_transition_at = ?
				WHERE status = ? AND id IN (
					SELECT payment_id FROM payment_orders WHERE order_id = ?)`,
				string(model.StatusSubmitted), t.At.Unix(),
				string(model.StatusVerificationPending), t.EntityID)
			if err != nil {
				return err
			}
		}

		return journalInTx(tx, t.DedupKey, "applied", t.At)
	})
}

// StaleOrders returns non-terminal orders with a provider reference whose
// last transition is older than the cutoff and whose poll backoff has elapsed.
func (s *Store) StaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE status NOT IN (?, ?, ?)
		  AND manual_review = 0
		  AND external_ref IS NOT NULL
		  AND last_transition_at < ?
		  AND next_poll_at <= ?
		ORDER BY last_transition_at ASC LIMIT ?`,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusRefunded),
		olderThan.Unix(), time.Now().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// UnsubmittedOrders returns orders that never got a provider reference
// (submission failed transiently) and are due for a resubmission attempt.
func (s *Store) UnsubmittedOrders(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE external_ref IS NULL
		  AND status = ?
		  AND manual_review = 0
		  AND next_poll_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		string(model.StatusVerificationPending), time.Now().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
