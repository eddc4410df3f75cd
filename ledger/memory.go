package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"chainchat/models"
)

// ReferenceFee is the flat native-asset fee charged per reference transaction.
const ReferenceFee = 1

type memoryTx struct {
	status   TxStatus
	transfer *Transfer
}

// MemoryLedger is an in-process account-based ledger used for local
// operation and tests. It supports the native asset and one fungible token
// kind, charges a flat native fee per reference, and assigns monotonically
// increasing sequence numbers at confirmation time.
//
// By default transactions confirm immediately. In manual mode they stay
// pending until Confirm or Fail is called, which lets callers exercise
// confirmation timeouts and failed payments.
type MemoryLedger struct {
	manual bool

	mu       sync.Mutex
	balances map[string]map[models.AssetKind]int64
	txs      map[string]*memoryTx
	log      []RawReference
	pending  map[string]models.Reference
	nextSeq  uint64
}

// NewMemoryLedger creates an empty ledger that confirms immediately.
func NewMemoryLedger() *MemoryLedger {
	return newMemoryLedger(false)
}

// NewManualMemoryLedger creates a ledger whose transactions stay pending
// until explicitly confirmed or failed.
func NewManualMemoryLedger() *MemoryLedger {
	return newMemoryLedger(true)
}

func newMemoryLedger(manual bool) *MemoryLedger {
	return &MemoryLedger{
		manual:   manual,
		balances: make(map[string]map[models.AssetKind]int64),
		txs:      make(map[string]*memoryTx),
		pending:  make(map[string]models.Reference),
		nextSeq:  1,
	}
}

// CreditAccount adds funds to an account, creating it if needed.
func (l *MemoryLedger) CreditAccount(account string, asset models.AssetKind, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, asset, amount)
}

// Balance returns the current balance of an account for one asset.
func (l *MemoryLedger) Balance(account string, asset models.AssetKind) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account][asset]
}

// SubmitReference charges the flat reference fee and records the reference.
// In automatic mode the reference is confirmed and sequenced immediately.
func (l *MemoryLedger) SubmitReference(ctx context.Context, ref models.Reference) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ref.Recipient == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrRejected)
	}
	if ref.Sender == "" {
		return "", fmt.Errorf("%w: sender is required", ErrRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[ref.Sender][models.AssetNative] < ReferenceFee {
		return "", fmt.Errorf("%w: insufficient balance for reference fee", ErrRejected)
	}
	l.balances[ref.Sender][models.AssetNative] -= ReferenceFee

	txID := uuid.NewString()
	l.txs[txID] = &memoryTx{status: TxStatus{State: TxPending}}
	l.pending[txID] = ref

	if !l.manual {
		l.confirmLocked(txID)
	}

	return txID, nil
}

// SubmitTransfer validates and records a value transfer. Funds move at
// submission and are refunded if the transaction later fails.
func (l *MemoryLedger) SubmitTransfer(ctx context.Context, transfer Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if transfer.From == "" || transfer.To == "" {
		return "", fmt.Errorf("%w: transfer endpoints are required", ErrRejected)
	}
	if transfer.Amount <= 0 {
		return "", fmt.Errorf("%w: transfer amount must be positive", ErrRejected)
	}
	if !models.ValidAssetKind(transfer.AssetKind) {
		return "", fmt.Errorf("%w: unknown asset kind %q", ErrRejected, transfer.AssetKind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[transfer.From][transfer.AssetKind] < transfer.Amount {
		return "", fmt.Errorf("%w: insufficient %s balance", ErrRejected, transfer.AssetKind)
	}
	l.balances[transfer.From][transfer.AssetKind] -= transfer.Amount
	l.credit(transfer.To, transfer.AssetKind, transfer.Amount)

	txID := uuid.NewString()
	t := transfer
	l.txs[txID] = &memoryTx{status: TxStatus{State: TxPending}, transfer: &t}

	if !l.manual {
		l.confirmLocked(txID)
	}

	return txID, nil
}

// ReferencesSince returns confirmed references addressed to owner after the
// cursor position, in sequence order.
func (l *MemoryLedger) ReferencesSince(ctx context.Context, owner string, cursor Cursor, limit int) ([]RawReference, Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}

	since, err := DecodeCursor(cursor)
	if err != nil {
		return nil, cursor, err
	}
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	refs := make([]RawReference, 0)
	next := cursor
	for _, raw := range l.log {
		if raw.SequenceNumber <= since || raw.Recipient != owner {
			continue
		}
		refs = append(refs, raw)
		next = EncodeCursor(raw.SequenceNumber)
		if len(refs) >= limit {
			break
		}
	}

	return refs, next, nil
}

// TransactionStatus reports the recorded state of a transaction.
func (l *MemoryLedger) TransactionStatus(ctx context.Context, txID string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxStatus{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[txID]
	if !ok {
		return TxStatus{}, ErrUnknownTransaction
	}

	status := tx.status
	if tx.transfer != nil {
		t := *tx.transfer
		status.Transfer = &t
	}
	return status, nil
}

// Confirm moves a pending transaction to confirmed, sequencing any attached
// reference. No-op for transactions already final.
func (l *MemoryLedger) Confirm(txID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[txID]
	if !ok {
		return ErrUnknownTransaction
	}
	if tx.status.State != TxPending {
		return nil
	}

	l.confirmLocked(txID)
	return nil
}

// Fail moves a pending transaction to failed with a reason, refunding any
// transferred funds. No-op for transactions already final.
func (l *MemoryLedger) Fail(txID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[txID]
	if !ok {
		return ErrUnknownTransaction
	}
	if tx.status.State != TxPending {
		return nil
	}

	tx.status = TxStatus{State: TxFailed, Reason: reason}
	delete(l.pending, txID)

	if tx.transfer != nil {
		l.balances[tx.transfer.To][tx.transfer.AssetKind] -= tx.transfer.Amount
		l.credit(tx.transfer.From, tx.transfer.AssetKind, tx.transfer.Amount)
	}

	return nil
}

func (l *MemoryLedger) confirmLocked(txID string) {
	tx := l.txs[txID]
	tx.status = TxStatus{State: TxConfirmed}

	if ref, ok := l.pending[txID]; ok {
		delete(l.pending, txID)
		l.log = append(l.log, RawReference{
			Reference:      ref,
			SequenceNumber: l.nextSeq,
			TxID:           txID,
		})
		l.nextSeq++
	}
}

func (l *MemoryLedger) credit(account string, asset models.AssetKind, amount int64) {
	if l.balances[account] == nil {
		l.balances[account] = make(map[models.AssetKind]int64)
	}
	l.balances[account][asset] += amount
}
