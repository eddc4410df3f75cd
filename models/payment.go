package models

import (
	"fmt"
)

// PaymentStatus is the confirmation state of an on-ledger payment.
type PaymentStatus string

const (
	// PaymentPending means the transfer was submitted but not yet confirmed.
	PaymentPending PaymentStatus = "pending"
	// PaymentConfirmed means the ledger confirmed the transfer.
	PaymentConfirmed PaymentStatus = "confirmed"
	// PaymentFailed means the ledger reported the transfer failed.
	PaymentFailed PaymentStatus = "failed"
)

// AssetKind distinguishes the ledger's native asset from fungible tokens.
type AssetKind string

const (
	// AssetNative is the ledger's base asset.
	AssetNative AssetKind = "native"
	// AssetToken is a fungible token tracked by the ledger.
	AssetToken AssetKind = "token"
)

// Payment represents an on-ledger value transfer, optionally tied to a
// message. Status transitions are driven only by observed ledger
// confirmations, never by local intent.
type Payment struct {
	TransactionRef string        `json:"transaction_ref"`
	Sender         string        `json:"sender"`
	Recipient      string        `json:"recipient"`
	Amount         int64         `json:"amount"`
	AssetKind      AssetKind     `json:"asset_kind"`
	Status         PaymentStatus `json:"status"`
	FailureReason  string        `json:"failure_reason,omitempty"`
}

// ValidPaymentStatus reports whether s is a known payment status.
func ValidPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentPending, PaymentConfirmed, PaymentFailed:
		return true
	default:
		return false
	}
}

// ValidAssetKind reports whether k is a known asset kind.
func ValidAssetKind(k AssetKind) bool {
	switch k {
	case AssetNative, AssetToken:
		return true
	default:
		return false
	}
}

// Transition moves the payment to next. Only pending may transition, and only
// to confirmed or failed; any other move is an error and confirmed/failed are
// final.
func (p *Payment) Transition(next PaymentStatus) error {
	if !ValidPaymentStatus(next) {
		return fmt.Errorf("invalid payment status %q", next)
	}
	if p.Status != PaymentPending {
		return fmt.Errorf("payment %q is final in status %q", p.TransactionRef, p.Status)
	}
	if next == PaymentPending {
		return fmt.Errorf("payment %q cannot transition to pending", p.TransactionRef)
	}
	p.Status = next
	return nil
}
