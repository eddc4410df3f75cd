package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chainchat/models"
)

const (
	// DefaultConfirmTimeout bounds confirmation polling after a submission.
	DefaultConfirmTimeout = 30 * time.Second
	// DefaultConfirmPollInterval is the delay between confirmation polls.
	DefaultConfirmPollInterval = 250 * time.Millisecond
	// DefaultMaxAttempts caps retries of transient read failures.
	DefaultMaxAttempts = 3
	// DefaultPollLimit is the page size for reference polling.
	DefaultPollLimit = 100
)

// Adapter wraps a ledger Client with confirmation polling and a bounded
// retry budget for transient read failures. Submissions are never retried:
// a rejected transaction stays rejected and a duplicate submit would be a
// distinct transaction.
type Adapter struct {
	client              Client
	confirmTimeout      time.Duration
	confirmPollInterval time.Duration
	maxAttempts         uint64
	pollLimit           int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithConfirmTimeout overrides the confirmation polling budget.
func WithConfirmTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.confirmTimeout = d
		}
	}
}

// WithConfirmPollInterval overrides the confirmation poll delay.
func WithConfirmPollInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.confirmPollInterval = d
		}
	}
}

// WithMaxAttempts overrides the transient-failure retry cap.
func WithMaxAttempts(attempts int) Option {
	return func(a *Adapter) {
		if attempts > 0 {
			a.maxAttempts = uint64(attempts)
		}
	}
}

// WithPollLimit overrides the reference polling page size.
func WithPollLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 {
			a.pollLimit = limit
		}
	}
}

// NewAdapter builds an Adapter around a ledger client.
func NewAdapter(client Client, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}

	adapter := &Adapter{
		client:              client,
		confirmTimeout:      DefaultConfirmTimeout,
		confirmPollInterval: DefaultConfirmPollInterval,
		maxAttempts:         DefaultMaxAttempts,
		pollLimit:           DefaultPollLimit,
	}
	for _, opt := range opts {
		opt(adapter)
	}

	return adapter, nil
}

// PublishReference submits a reference transaction and waits for ledger
// confirmation within the configured budget. A validation failure is
// ErrRejected and is never resubmitted; a confirmation timeout is
// ErrUnconfirmed.
func (a *Adapter) PublishReference(ctx context.Context, ref models.Reference) (string, error) {
	if ref.Recipient == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrRejected)
	}
	if ref.ContentRef == "" {
		return "", fmt.Errorf("%w: content ref is required", ErrRejected)
	}

	txID, err := a.client.SubmitReference(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return "", err
		}
		return "", fmt.Errorf("submit reference: %w", err)
	}

	if err := a.waitConfirmed(ctx, txID); err != nil {
		return txID, err
	}

	return txID, nil
}

// SubmitPayment submits a value transfer without waiting for confirmation.
// The reconciler confirms payments independently via GetTransactionStatus.
func (a *Adapter) SubmitPayment(ctx context.Context, transfer Transfer) (string, error) {
	if transfer.From == "" || transfer.To == "" {
		return "", fmt.Errorf("%w: transfer endpoints are required", ErrRejected)
	}
	if transfer.Amount <= 0 {
		return "", fmt.Errorf("%w: transfer amount must be positive", ErrRejected)
	}
	if !models.ValidAssetKind(transfer.AssetKind) {
		return "", fmt.Errorf("%w: unknown asset kind %q", ErrRejected, transfer.AssetKind)
	}

	txID, err := a.client.SubmitTransfer(ctx, transfer)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return "", err
		}
		return "", fmt.Errorf("submit transfer: %w", err)
	}

	return txID, nil
}

// PollReferences returns the next page of confirmed references addressed to
// owner after cursor, in ledger sequence order, plus the cursor to resume
// from. Transient failures are retried up to the attempt cap.
func (a *Adapter) PollReferences(ctx context.Context, owner string, cursor Cursor) ([]RawReference, Cursor, error) {
	if owner == "" {
		return nil, cursor, errors.New("owner is required")
	}

	var (
		refs []RawReference
		next Cursor
	)
	operation := func() error {
		var pollErr error
		refs, next, pollErr = a.client.ReferencesSince(ctx, owner, cursor, a.pollLimit)
		return pollErr
	}
	if err := backoff.Retry(operation, a.newBackOff(ctx)); err != nil {
		return nil, cursor, fmt.Errorf("poll references for %q: %w", owner, err)
	}

	return refs, next, nil
}

// GetTransactionStatus reports the current ledger state of a transaction,
// retrying transient failures. Idempotent.
func (a *Adapter) GetTransactionStatus(ctx context.Context, txID string) (TxStatus, error) {
	if txID == "" {
		return TxStatus{}, errors.New("transaction ID is required")
	}

	var status TxStatus
	operation := func() error {
		var statusErr error
		status, statusErr = a.client.TransactionStatus(ctx, txID)
		if errors.Is(statusErr, ErrUnknownTransaction) {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}
	if err := backoff.Retry(operation, a.newBackOff(ctx)); err != nil {
		if errors.Is(err, ErrUnknownTransaction) {
			return TxStatus{}, err
		}
		return TxStatus{}, fmt.Errorf("transaction status %q: %w", txID, err)
	}

	return status, nil
}

func (a *Adapter) waitConfirmed(ctx context.Context, txID string) error {
	deadline := time.NewTimer(a.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.confirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := a.GetTransactionStatus(ctx, txID)
		if err != nil {
			return err
		}

		switch status.State {
		case TxConfirmed:
			return nil
		case TxFailed:
			if status.Reason != "" {
				return fmt.Errorf("%w: %s", ErrRejected, status.Reason)
			}
			return ErrRejected
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnconfirmed, ctx.Err())
		case <-deadline.C:
			return ErrUnconfirmed
		case <-ticker.C:
		}
	}
}

func (a *Adapter) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, a.maxAttempts-1), ctx)
}
