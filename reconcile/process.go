package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainchat/contentstore"
	"chainchat/crypto"
	"chainchat/ledger"
	"chainchat/localindex"
	"chainchat/models"
)

// Process runs one raw reference through the delivery state machine:
// Referenced, Fetching, Decrypting, then Verified or Rejected.
//
// Processing is idempotent on the reference identity (contentRef, sender,
// recipient): once a terminal record exists, redelivery is a no-op reported
// as ErrDuplicateReference. Cancellation mid-flight commits nothing; commit
// is all-or-nothing through the local index.
func (r *Reconciler) Process(ctx context.Context, raw ledger.RawReference) error {
	if raw.Recipient != r.identity.Address {
		return fmt.Errorf("reference addressed to %q, not %q", raw.Recipient, r.identity.Address)
	}

	seen, err := r.index.HasSeen(raw.ContentRef, raw.Sender, raw.Recipient)
	if err != nil {
		return err
	}
	if seen {
		return ErrDuplicateReference
	}

	message := models.Message{
		ID:            raw.MessageID,
		Sender:        raw.Sender,
		Recipient:     raw.Recipient,
		ContentRef:    raw.ContentRef,
		KeyEnvelope:   raw.KeyEnvelope,
		Signature:     raw.Signature,
		TimestampSent: raw.Timestamp,
		PaymentRef:    raw.PaymentRef,
	}

	// Fetching. Adapter retries transient failures within its budget; what
	// surfaces here is terminal for this attempt.
	ciphertext, err := r.store.Get(ctx, raw.ContentRef)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reason := "message undeliverable: content missing"
		if errors.Is(err, contentstore.ErrUnavailable) {
			reason = "message delayed: content store unavailable"
		}
		return r.reject(message, raw, fmt.Errorf("%s: %w", reason, err))
	}

	// Decrypting.
	plaintext, err := crypto.Open(crypto.Sealed{
		Ciphertext:         ciphertext,
		EphemeralPublicKey: raw.KeyEnvelope.EphemeralPublicKey,
		Nonce:              raw.KeyEnvelope.Nonce,
	}, r.identity.DecryptionKey)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.reject(message, raw, fmt.Errorf("message undeliverable: %w", err))
	}

	senderKey, err := r.keys.Ed25519PublicKey(raw.Sender)
	if err != nil {
		return r.reject(message, raw, fmt.Errorf("message undeliverable: %w", err))
	}
	if !crypto.VerifyReference(senderKey, raw.Reference) {
		return r.reject(message, raw, errors.New("message undeliverable: invalid sender signature"))
	}

	// Verified.
	record := models.DeliveryRecord{
		MessageID:      message.ID,
		Observer:       r.identity.Address,
		State:          models.DeliveryVerified,
		Delivered:      true,
		SequenceNumber: raw.SequenceNumber,
	}
	if err := r.index.Commit(message, record); err != nil {
		return fmt.Errorf("commit verified record: %w", err)
	}
	if r.cache != nil {
		r.cache.Add(message.ContentRef, plaintext)
	}

	r.logger.Info("message delivered",
		"message_id", message.ID, "sender", message.Sender, "sequence", raw.SequenceNumber)

	// Payment confirmation is independent of delivery: a failed payment
	// never retracts the committed record above.
	if raw.PaymentRef != "" {
		if err := r.resolvePayment(ctx, raw); err != nil && ctx.Err() == nil {
			r.logger.Warn("payment resolution incomplete",
				"transaction_ref", raw.PaymentRef, "error", err)
		}
	}

	return nil
}

// Retry re-submits a previously rejected reference as a fresh attempt. The
// rejection and its seen marker are cleared first, so the full state machine
// runs again; a recovered store outage lets the same reference verify.
func (r *Reconciler) Retry(ctx context.Context, raw ledger.RawReference) error {
	if err := r.index.ClearRejection(raw.MessageID, r.identity.Address); err != nil {
		if !errors.Is(err, localindex.ErrNotFound) {
			return err
		}
	}
	return r.Process(ctx, raw)
}

// Plaintext returns the decrypted body for a delivered message, serving from
// the cache when fresh and regenerating by re-fetch plus re-decrypt
// otherwise. Only messages with a delivered record are readable.
func (r *Reconciler) Plaintext(ctx context.Context, messageID string) ([]byte, error) {
	record, err := r.index.GetDeliveryRecord(messageID, r.identity.Address)
	if err != nil {
		return nil, err
	}
	if !record.Delivered {
		return nil, fmt.Errorf("message %q is not delivered", messageID)
	}

	message, err := r.index.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if plaintext, ok := r.cache.Get(message.ContentRef); ok {
			return plaintext, nil
		}
	}

	ciphertext, err := r.store.Get(ctx, message.ContentRef)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.Open(crypto.Sealed{
		Ciphertext:         ciphertext,
		EphemeralPublicKey: message.KeyEnvelope.EphemeralPublicKey,
		Nonce:              message.KeyEnvelope.Nonce,
	}, r.identity.DecryptionKey)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Add(message.ContentRef, plaintext)
	}
	return plaintext, nil
}

func (r *Reconciler) reject(message models.Message, raw ledger.RawReference, cause error) error {
	record := models.DeliveryRecord{
		MessageID:      message.ID,
		Observer:       r.identity.Address,
		State:          models.DeliveryRejected,
		FailureReason:  cause.Error(),
		SequenceNumber: raw.SequenceNumber,
	}
	if err := r.index.Commit(message, record); err != nil {
		return fmt.Errorf("commit rejected record: %w", err)
	}

	r.logger.Warn("message rejected",
		"message_id", message.ID, "sender", message.Sender, "reason", cause.Error())
	return nil
}

// resolvePayment records the referenced payment and confirms it against the
// ledger. Reference observation alone is never proof of payment: the status
// transition happens only after the ledger independently reports a terminal
// state.
func (r *Reconciler) resolvePayment(ctx context.Context, raw ledger.RawReference) error {
	status, err := r.waitPaymentTerminal(ctx, raw.PaymentRef)
	if err != nil {
		return err
	}

	payment := models.Payment{
		TransactionRef: raw.PaymentRef,
		Sender:         raw.Sender,
		Recipient:      raw.Recipient,
		Status:         models.PaymentPending,
	}
	if status.Transfer != nil {
		payment.Sender = status.Transfer.From
		payment.Recipient = status.Transfer.To
		payment.Amount = status.Transfer.Amount
		payment.AssetKind = status.Transfer.AssetKind
	} else {
		payment.AssetKind = models.AssetNative
	}
	if err := r.index.PutPayment(payment); err != nil {
		return err
	}

	switch status.State {
	case ledger.TxConfirmed:
		return r.index.SetPaymentStatus(raw.PaymentRef, models.PaymentConfirmed, "")
	case ledger.TxFailed:
		return r.index.SetPaymentStatus(raw.PaymentRef, models.PaymentFailed, status.Reason)
	default:
		// Still pending after the polling budget; a later resolve attempt
		// picks it up from the recorded pending row.
		return nil
	}
}

// ResolvePayment re-polls one recorded pending payment. Safe to call
// repeatedly; final payments are left untouched.
func (r *Reconciler) ResolvePayment(ctx context.Context, transactionRef string) error {
	payment, err := r.index.GetPayment(transactionRef)
	if err != nil {
		return err
	}
	if payment.Status != models.PaymentPending {
		return nil
	}

	status, err := r.waitPaymentTerminal(ctx, transactionRef)
	if err != nil {
		return err
	}

	switch status.State {
	case ledger.TxConfirmed:
		return r.index.SetPaymentStatus(transactionRef, models.PaymentConfirmed, "")
	case ledger.TxFailed:
		return r.index.SetPaymentStatus(transactionRef, models.PaymentFailed, status.Reason)
	default:
		return nil
	}
}

func (r *Reconciler) waitPaymentTerminal(ctx context.Context, transactionRef string) (ledger.TxStatus, error) {
	deadline := time.NewTimer(r.paymentTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.paymentPollInterval)
	defer ticker.Stop()

	for {
		status, err := r.ledgers.GetTransactionStatus(ctx, transactionRef)
		if err != nil {
			return ledger.TxStatus{}, err
		}
		if status.State != ledger.TxPending {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-deadline.C:
			return status, nil
		case <-ticker.C:
		}
	}
}
