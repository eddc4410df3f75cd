package ledger

import (
	"context"
	"errors"
	"strconv"

	"chainchat/models"
)

var (
	// ErrRejected indicates the ledger refused a submission outright
	// (malformed recipient, insufficient balance for the attached fee).
	// Resubmitting the same parameters cannot succeed.
	ErrRejected = errors.New("ledger: transaction rejected")
	// ErrUnconfirmed indicates a submission was accepted but confirmation
	// polling timed out. The transaction may still confirm; re-polling by
	// transaction ID resolves it.
	ErrUnconfirmed = errors.New("ledger: transaction unconfirmed")
	// ErrUnknownTransaction indicates the ledger has no record of the
	// transaction ID.
	ErrUnknownTransaction = errors.New("ledger: unknown transaction")
)

// TxState is the ledger-reported state of a transaction.
type TxState string

const (
	// TxPending means the transaction is submitted but not yet confirmed.
	TxPending TxState = "pending"
	// TxConfirmed means the ledger confirmed the transaction.
	TxConfirmed TxState = "confirmed"
	// TxFailed means the ledger reported the transaction failed.
	TxFailed TxState = "failed"
)

// TxStatus carries a transaction state plus the ledger-reported reason for
// failures, surfaced verbatim to callers. For value transfers the ledger
// also reports the transfer details, letting an observer reconstruct a
// payment it did not submit itself.
type TxStatus struct {
	State    TxState
	Reason   string
	Transfer *Transfer
}

// RawReference is a confirmed reference as observed on the ledger: the
// sender's reference plus the ledger-assigned position and transaction ID.
type RawReference struct {
	models.Reference
	SequenceNumber uint64 `json:"sequence_number"`
	TxID           string `json:"tx_id"`
}

// Cursor is an opaque ledger-native position in a recipient's reference
// stream. It is never a wall-clock timestamp: ledger sequence order is the
// only trusted ordering.
type Cursor string

// CursorStart is the position before the first reference.
const CursorStart Cursor = ""

// EncodeCursor builds a cursor from a ledger sequence number.
func EncodeCursor(sequenceNumber uint64) Cursor {
	return Cursor(strconv.FormatUint(sequenceNumber, 10))
}

// DecodeCursor extracts the last-seen sequence number from a cursor.
// CursorStart decodes to zero.
func DecodeCursor(cursor Cursor) (uint64, error) {
	if cursor == CursorStart {
		return 0, nil
	}
	seq, err := strconv.ParseUint(string(cursor), 10, 64)
	if err != nil {
		return 0, errors.New("ledger: malformed cursor")
	}
	return seq, nil
}

// Transfer describes an on-ledger value movement.
type Transfer struct {
	From      string
	To        string
	Amount    int64
	AssetKind models.AssetKind
}

// Client is the external ledger boundary.
type Client interface {
	// SubmitReference records a reference-carrying transaction and returns
	// its transaction ID. Validation failures surface ErrRejected.
	SubmitReference(ctx context.Context, ref models.Reference) (string, error)
	// ReferencesSince returns up to limit confirmed references addressed to
	// owner after cursor, in ledger sequence order, plus the next cursor.
	ReferencesSince(ctx context.Context, owner string, cursor Cursor, limit int) ([]RawReference, Cursor, error)
	// TransactionStatus reports the current state of a transaction. It is
	// idempotent and safe to call repeatedly.
	TransactionStatus(ctx context.Context, txID string) (TxStatus, error)
	// SubmitTransfer submits a value transfer and returns its transaction ID.
	SubmitTransfer(ctx context.Context, transfer Transfer) (string, error)
}
