package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chainchat/crypto"
	"chainchat/ledger"
	"chainchat/models"
)

// PaymentInstruction attaches an on-ledger transfer to an outbound message.
type PaymentInstruction struct {
	Amount    int64
	AssetKind models.AssetKind
}

// SendRequest describes one outbound message.
type SendRequest struct {
	// Recipient is the destination account address.
	Recipient string
	// RecipientX25519PublicKey is the recipient's encryption key.
	RecipientX25519PublicKey []byte
	// Plaintext is the message body.
	Plaintext []byte
	// Payment, when set, submits a transfer and binds it to the message.
	Payment *PaymentInstruction
}

// Send encrypts, stores, and publishes one message: seal to the recipient's
// key, put the ciphertext in the content store, optionally submit the
// attached payment, then sign and publish the ledger reference. The
// outbound message is committed to the local index and announced on the
// notifier as a best effort; recipients polling the ledger see it either way.
func (r *Reconciler) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	if req.Recipient == "" {
		return models.Message{}, errors.New("recipient is required")
	}
	if len(req.Plaintext) == 0 {
		return models.Message{}, errors.New("plaintext is required")
	}

	sealed, err := crypto.Seal(req.Plaintext, req.RecipientX25519PublicKey)
	if err != nil {
		return models.Message{}, err
	}

	contentRef, err := r.store.Put(ctx, sealed.Ciphertext)
	if err != nil {
		return models.Message{}, fmt.Errorf("store ciphertext: %w", err)
	}

	var paymentRef string
	if req.Payment != nil {
		paymentRef, err = r.ledgers.SubmitPayment(ctx, ledger.Transfer{
			From:      r.identity.Address,
			To:        req.Recipient,
			Amount:    req.Payment.Amount,
			AssetKind: req.Payment.AssetKind,
		})
		if err != nil {
			return models.Message{}, fmt.Errorf("submit payment: %w", err)
		}
		if err := r.index.PutPayment(models.Payment{
			TransactionRef: paymentRef,
			Sender:         r.identity.Address,
			Recipient:      req.Recipient,
			Amount:         req.Payment.Amount,
			AssetKind:      req.Payment.AssetKind,
			Status:         models.PaymentPending,
		}); err != nil {
			return models.Message{}, err
		}
	}

	ref := models.Reference{
		MessageID:  uuid.NewString(),
		Sender:     r.identity.Address,
		Recipient:  req.Recipient,
		ContentRef: contentRef,
		KeyEnvelope: models.KeyEnvelope{
			EphemeralPublicKey: sealed.EphemeralPublicKey,
			Nonce:              sealed.Nonce,
		},
		Timestamp:  time.Now().UnixMilli(),
		PaymentRef: paymentRef,
	}

	signature, err := crypto.SignReference(r.identity.SigningKey, ref)
	if err != nil {
		return models.Message{}, err
	}
	ref.Signature = signature

	txID, err := r.ledgers.PublishReference(ctx, ref)
	if err != nil {
		return models.Message{}, fmt.Errorf("publish reference: %w", err)
	}

	message := models.Message{
		ID:            ref.MessageID,
		Sender:        ref.Sender,
		Recipient:     ref.Recipient,
		ContentRef:    ref.ContentRef,
		KeyEnvelope:   ref.KeyEnvelope,
		Signature:     ref.Signature,
		TimestampSent: ref.Timestamp,
		PaymentRef:    ref.PaymentRef,
	}
	record := models.DeliveryRecord{
		MessageID: message.ID,
		Observer:  r.identity.Address,
		State:     models.DeliveryVerified,
		Delivered: true,
	}
	if err := r.index.Commit(message, record); err != nil {
		return models.Message{}, fmt.Errorf("commit outbound message: %w", err)
	}
	if r.cache != nil {
		r.cache.Add(message.ContentRef, req.Plaintext)
	}

	r.announce(ctx, txID, ref)

	return message, nil
}

// announce publishes the confirmed raw reference on the notifier. Failures
// are logged, not returned: polling delivers the reference regardless.
func (r *Reconciler) announce(ctx context.Context, txID string, ref models.Reference) {
	if r.events == nil {
		return
	}

	raw, err := r.findRawReference(ctx, ref.Recipient, txID)
	if err != nil {
		r.logger.Warn("confirmed reference not found for announcement",
			"tx_id", txID, "error", err)
		return
	}
	if err := r.events.Publish(ctx, raw); err != nil {
		r.logger.Warn("reference announcement failed", "tx_id", txID, "error", err)
	}
}

func (r *Reconciler) findRawReference(ctx context.Context, owner, txID string) (ledger.RawReference, error) {
	cursor := ledger.CursorStart
	for {
		refs, next, err := r.ledgers.PollReferences(ctx, owner, cursor)
		if err != nil {
			return ledger.RawReference{}, err
		}
		if len(refs) == 0 {
			return ledger.RawReference{}, fmt.Errorf("transaction %q not in %q's reference stream", txID, owner)
		}
		for _, raw := range refs {
			if raw.TxID == txID {
				return raw, nil
			}
		}
		cursor = next
	}
}
