package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const paymentColumns = `id, order_ref, provider_id, service_amount, protection_fee, total_amount,
	currency, status, intent_id, charge_id, transfer_id, refund_id,
	paid_at, escrow_released_at, refunded_at, cancelled_at,
	transferred_amount, refunded_amount, fee_collected, task_id, metadata,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		p.ID, p.OrderRef, p.ProviderID, p.ServiceAmount, p.ProtectionFee, p.TotalAmount,
		p.Currency, p.Status, nullString(p.IntentID), nullString(p.ChargeID),
		nullString(p.TransferID), nullString(p.RefundID),
		p.PaidAt, p.EscrowReleasedAt, p.RefundedAt, p.CancelledAt,
		p.TransferredAmount, p.RefundedAmount, p.FeeCollected, nullString(p.TaskID), meta,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PostgresStore) GetByIntentID(ctx context.Context, intentID string) (*Payment, error) {
	return s.getBy(ctx, "intent_id", intentID)
}

func (s *PostgresStore) GetByChargeID(ctx context.Context, chargeID string) (*Payment, error) {
	return s.getBy(ctx, "charge_id", chargeID)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`, value)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment) error {
	return s.update(ctx, p, "")
}

func (s *PostgresStore) UpdateFrom(ctx context.Context, p *Payment, from Status) error {
	return s.update(ctx, p, from)
}

// update writes the row, optionally guarded on the persisted status. The
// guard is what makes concurrent state transitions safe across processes:
// the UPDATE only lands if nobody moved the payment since we read it.
func (s *PostgresStore) update(ctx context.Context, p *Payment, from Status) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		UPDATE payments SET
			status=$2, intent_id=$3, charge_id=$4, transfer_id=$5, refund_id=$6,
			paid_at=$7, escrow_released_at=$8, refunded_at=$9, cancelled_at=$10,
			transferred_amount=$11, refunded_amount=$12, fee_collected=$13,
			task_id=$14, metadata=$15, updated_at=$16
		WHERE id = $1`
	args := []interface{}{
		p.ID, p.Status, nullString(p.IntentID), nullString(p.ChargeID),
		nullString(p.TransferID), nullString(p.RefundID),
		p.PaidAt, p.EscrowReleasedAt, p.RefundedAt, p.CancelledAt,
		p.TransferredAmount, p.RefundedAmount, p.FeeCollected,
		nullString(p.TaskID), meta, p.UpdatedAt,
	}
	switch {
	case from == StatusEscrowed:
		// Rows written before the escrowed rename still persist the old
		// literal. Reads normalize it, so the guard must accept both or
		// legacy rows can never leave escrow.
		query += ` AND status IN ($17, 'completed')`
		args = append(args, from)
	case from != "":
		query += ` AND status = $17`
		args = append(args, from)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if from == "" {
			return ErrPaymentNotFound
		}
		// Row exists but the status moved under us, or the id is unknown.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPaymentNotFound
		}
		return ErrCannotUpdate
	}
	return nil
}

func (s *PostgresStore) ListByOrderRef(ctx context.Context, orderRef string) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_ref = $1 ORDER BY created_at ASC`,
		orderRef,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (s *PostgresStore) ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (s *PostgresStore) QueryForReport(ctx context.Context, filter ReportFilter, limit int) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	args := []interface{}{}
	n := 1

	if filter.OrderRef != "" {
		query += " AND order_ref = $" + strconv.Itoa(n)
		args = append(args, filter.OrderRef)
		n++
	}
	if filter.ProviderID != "" {
		query += " AND provider_id = $" + strconv.Itoa(n)
		args = append(args, filter.ProviderID)
		n++
	}
	if filter.Status != "" {
		query += " AND status = $" + strconv.Itoa(n)
		args = append(args, filter.Status)
		n++
	}
	if !filter.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(n)
		args = append(args, filter.From)
		n++
	}
	if !filter.To.IsZero() {
		query += " AND created_at < $" + strconv.Itoa(n)
		args = append(args, filter.To)
		n++
	}

	query += " ORDER BY created_at ASC LIMIT $" + strconv.Itoa(n)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (*Payment, error) {
	p := &Payment{}
	var (
		status                                 string
		intentID, chargeID, transferID         sql.NullString
		refundID, taskID                       sql.NullString
		paidAt, releasedAt, refundedAt, cancAt sql.NullTime
		meta                                   []byte
	)
	err := row.Scan(
		&p.ID, &p.OrderRef, &p.ProviderID, &p.ServiceAmount, &p.ProtectionFee, &p.TotalAmount,
		&p.Currency, &status, &intentID, &chargeID, &transferID, &refundID,
		&paidAt, &releasedAt, &refundedAt, &cancAt,
		&p.TransferredAmount, &p.RefundedAmount, &p.FeeCollected, &taskID, &meta,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Rows written before the status rename may still say "completed";
	// normalize on read, never rewrite the stored row.
	st, ok := ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("payment %s has unknown status %q", p.ID, status)
	}
	p.Status = st

	p.IntentID = intentID.String
	p.ChargeID = chargeID.String
	p.TransferID = transferID.String
	p.RefundID = refundID.String
	p.TaskID = taskID.String
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	if releasedAt.Valid {
		p.EscrowReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		p.RefundedAt = &refundedAt.Time
	}
	if cancAt.Valid {
		p.CancelledAt = &cancAt.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
