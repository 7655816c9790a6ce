package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type paymentRepository struct {
	store *Store
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{store: store}
}

func (r *paymentRepository) Get(ctx context.Context, id int64) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		payment     domain.Payment
		providerRaw string
		statusRaw   string
		txnID       sql.NullString
	)
	err := r.store.conn(ctx).QueryRowContext(ctx, `
		SELECT id, order_id, user_id, amount, currency, provider, status,
		       is_fulfilled, provider_transaction_id, created_at, updated_at
		FROM payments
		WHERE id = $1`+r.store.forUpdate(ctx), id,
	).Scan(
		&payment.ID, &payment.OrderID, &payment.UserID, &payment.Amount, &payment.Currency,
		&providerRaw, &statusRaw, &payment.IsFulfilled, &txnID,
		&payment.CreatedAt, &payment.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}

	payment.Provider = domain.PaymentType(providerRaw)
	payment.Status = domain.PaymentStatus(statusRaw)
	if !payment.Status.Valid() {
		return domain.Payment{}, fmt.Errorf("invalid payment status %q for payment %d", statusRaw, id)
	}
	payment.ProviderTransactionID = txnID.String

	return payment, nil
}

func (r *paymentRepository) Add(ctx context.Context, payment *domain.Payment) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id int64
	err := r.store.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO payments (
			order_id, user_id, amount, currency, provider, status,
			is_fulfilled, provider_transaction_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8, ''),$9,$10)
		RETURNING id
	`,
		payment.OrderID, payment.UserID, payment.Amount, payment.Currency,
		string(payment.Provider), string(payment.Status), payment.IsFulfilled,
		payment.ProviderTransactionID, payment.CreatedAt, payment.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert payment: %w", err)
	}

	payment.ID = id
	return 1, nil
}

func (r *paymentRepository) Update(ctx context.Context, payment domain.Payment) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.store.conn(ctx).ExecContext(ctx, `
		UPDATE payments
		SET status = $2,
		    is_fulfilled = $3,
		    provider_transaction_id = NULLIF($4, ''),
		    updated_at = $5
		WHERE id = $1
	`, payment.ID, string(payment.Status), payment.IsFulfilled, payment.ProviderTransactionID, payment.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("update payment: %w", err)
	}
	return rowsAffected(res, "update payment")
}

// IsFulfilled читает флаг без блокировки строки.
func (r *paymentRepository) IsFulfilled(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var fulfilled bool
	err := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT is_fulfilled FROM payments WHERE id = $1`, id,
	).Scan(&fulfilled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrPaymentNotFound
		}
		return false, fmt.Errorf("select payment fulfilled: %w", err)
	}
	return fulfilled, nil
}

func (r *paymentRepository) OrderIDByPaymentID(ctx context.Context, id int64) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var orderID int64
	err := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT order_id FROM payments WHERE id = $1`, id,
	).Scan(&orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("select payment order id: %w", err)
	}
	return orderID, true, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
