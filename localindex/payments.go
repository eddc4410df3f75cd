package localindex

import (
	"database/sql"
	"errors"
	"fmt"

	"chainchat/models"
)

// PutPayment records a payment in pending status. Re-inserting an existing
// transaction ref is a no-op.
func (x *Index) PutPayment(payment models.Payment) error {
	if payment.TransactionRef == "" {
		return errors.New("transaction ref is required")
	}
	if !models.ValidAssetKind(payment.AssetKind) {
		return fmt.Errorf("invalid asset kind %q", payment.AssetKind)
	}
	if payment.Status == "" {
		payment.Status = models.PaymentPending
	}
	if !models.ValidPaymentStatus(payment.Status) {
		return fmt.Errorf("invalid payment status %q", payment.Status)
	}

	_, err := x.db.Exec(
		`INSERT INTO payments (transaction_ref, sender, recipient, amount, asset_kind, status, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_ref) DO NOTHING`,
		payment.TransactionRef,
		payment.Sender,
		payment.Recipient,
		payment.Amount,
		string(payment.AssetKind),
		string(payment.Status),
		payment.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert payment %q: %w", payment.TransactionRef, err)
	}

	return nil
}

// SetPaymentStatus transitions a payment out of pending exactly once. The
// guarded update only matches pending rows; re-applying the status the
// payment already holds is an idempotent no-op, while any other move out of
// a final status is ErrInvalidTransition.
func (x *Index) SetPaymentStatus(transactionRef string, status models.PaymentStatus, reason string) error {
	if transactionRef == "" {
		return errors.New("transaction ref is required")
	}
	if status != models.PaymentConfirmed && status != models.PaymentFailed {
		return fmt.Errorf("%w: target status must be confirmed or failed, got %q", ErrInvalidTransition, status)
	}

	res, err := x.db.Exec(
		`UPDATE payments SET status = ?, failure_reason = ?
		WHERE transaction_ref = ? AND status = 'pending'`,
		string(status),
		reason,
		transactionRef,
	)
	if err != nil {
		return fmt.Errorf("update payment %q: %w", transactionRef, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for payment %q: %w", transactionRef, err)
	}
	if rowsAffected > 0 {
		return nil
	}

	current, err := x.GetPayment(transactionRef)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	return fmt.Errorf("%w: payment %q is %q", ErrInvalidTransition, transactionRef, current.Status)
}

// GetPayment fetches one payment by transaction ref.
func (x *Index) GetPayment(transactionRef string) (*models.Payment, error) {
	if transactionRef == "" {
		return nil, errors.New("transaction ref is required")
	}

	var (
		payment models.Payment
		asset   string
		status  string
	)
	err := x.db.QueryRow(
		`SELECT transaction_ref, sender, recipient, amount, asset_kind, status, failure_reason
		FROM payments WHERE transaction_ref = ?`,
		transactionRef,
	).Scan(&payment.TransactionRef, &payment.Sender, &payment.Recipient, &payment.Amount, &asset, &status, &payment.FailureReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment %q: %w", transactionRef, err)
	}

	payment.AssetKind = models.AssetKind(asset)
	payment.Status = models.PaymentStatus(status)
	return &payment, nil
}
