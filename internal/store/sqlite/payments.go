package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundflow/internal/model"
)

const paymentCols = `id, external_ref, status, amount, redirect_url, redirect_received_at,
	verified_at, created_at, last_transition_at, poll_attempts, next_poll_at, manual_review`

// CreatePayment inserts a payment and its order links in one transaction.
func (s *Store) CreatePayment(ctx context.Context, p *model.Payment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO payments (id, external_ref, status, amount, redirect_url,
				redirect_received_at, verified_at, created_at, last_transition_at,
				poll_attempts, next_poll_at, manual_review)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0)`,
			p.ID, nullStr(p.ExternalRef), string(p.Status), p.Amount.String(), p.RedirectURL,
			nullTime(p.RedirectReceivedAt), nullTime(p.VerifiedAt),
			p.CreatedAt.Unix(), p.LastTransitionAt.Unix())
		if err != nil {
			return err
		}
		for _, orderID := range p.OrderIDs {
			if _, err := tx.Exec(
				`INSERT INTO payment_orders (payment_id, order_id) VALUES (?, ?)`,
				p.ID, orderID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PaymentByID(ctx context.Context, id string) (*model.Payment, error) {
	return s.paymentWhere(ctx, "id = ?", id)
}

func (s *Store) PaymentByExternalRef(ctx context.Context, ref string) (*model.Payment, error) {
	return s.paymentWhere(ctx, "external_ref = ?", ref)
}

func (s *Store) paymentWhere(ctx context.Context, where string, arg any) (*model.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE `+where, arg)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderLinks(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) loadOrderLinks(ctx context.Context, p *model.Payment) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id FROM payment_orders WHERE payment_id = ? ORDER BY order_id`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		p.OrderIDs = append(p.OrderIDs, id)
	}
	return rows.Err()
}

func scanPayment(r rowScanner) (*model.Payment, error) {
	var p model.Payment
	var status, amount string
	var ref sql.NullString
	var redirectAt, verifiedAt sql.NullInt64
	var created, transitioned, nextPoll int64
	var manual int
	err := r.Scan(&p.ID, &ref, &status, &amount, &p.RedirectURL, &redirectAt, &verifiedAt,
		&created, &transitioned, &p.PollAttempts, &nextPoll, &manual)
	if err != nil {
		return nil, err
	}
	p.ExternalRef = fromNull(ref)
	p.Status = model.TxnStatus(status)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	p.Amount = amt
	p.RedirectReceivedAt = fromNullTime(redirectAt)
	p.VerifiedAt = fromNullTime(verifiedAt)
	p.CreatedAt = time.Unix(created, 0)
	p.LastTransitionAt = time.Unix(transitioned, 0)
	p.NextPollAt = time.Unix(nextPoll, 0)
	p.ManualReview = manual != 0
	return &p, nil
}

// ApplyPaymentTransition atomically moves a payment from -> to. A move into
// COMPLETED stamps verified_at; a COMPLETED payment is otherwise immutable
// apart from the provider-driven REFUNDED reversal.
func (s *Store) ApplyPaymentTransition(ctx context.Context, t model.Transition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if model.TxnStatus(t.To) == model.StatusCompleted {
			res, err = tx.Exec(`
				UPDATE payments SET status = ?, last_transition_at = ?, verified_at = ?,
					poll_attempts = 0, next_poll_at = 0
				WHERE id = ? AND status = ?`,
				t.To, t.At.Unix(), t.At.Unix(), t.EntityID, t.From)
		} else {
			res, err = tx.Exec(`
				UPDATE payments SET status = ?, last_transition_at = ?,
					poll_attempts = 0, next_poll_at = 0
				WHERE id = ? AND status = ?`,
				t.To, t.At.Unix(), t.EntityID, t.From)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("payment %s: status is no longer %s", t.EntityID, t.From)
		}
		return journalInTx(tx, t.DedupKey, "applied", t.At)
	})
}

// MarkRedirectReceived stamps the advisory browser-return time on a payment.
func (s *Store) MarkRedirectReceived(ctx context.Context, paymentRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET redirect_received_at = ? WHERE external_ref = ?`,
		at.Unix(), paymentRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// StalePayments returns non-terminal payments due for a verification poll.
func (s *Store) StalePayments(ctx context.Context, olderThan time.Time, limit int) ([]model.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentCols+` FROM payments
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

	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
