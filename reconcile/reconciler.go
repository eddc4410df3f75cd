// Package reconcile binds ledger references, content-store fetches,
// decryption, and payment confirmation into committed local records.
//
// One worker goroutine serves each subscribed recipient, processing that
// recipient's references strictly in ascending ledger sequence order; a
// later reference is never committed before an earlier one within the same
// stream. Reconcilers for distinct accounts run in parallel without
// restriction.
package reconcile

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"time"

	"chainchat/contentstore"
	"chainchat/ledger"
	"chainchat/localindex"
	"chainchat/notifier"
)

const (
	// DefaultPollInterval is the delay between ledger reference polls.
	DefaultPollInterval = 5 * time.Second
	// DefaultPaymentTimeout bounds payment confirmation polling per attempt.
	DefaultPaymentTimeout = 30 * time.Second
	// DefaultPaymentPollInterval is the delay between payment status polls.
	DefaultPaymentPollInterval = 250 * time.Millisecond
)

// ErrDuplicateReference indicates a reference whose identity was already
// processed. Callers absorb it as a no-op; the transport is at-least-once
// and redelivery is expected.
var ErrDuplicateReference = errors.New("reconcile: duplicate reference")

// Identity is the local account the reconciler acts for.
type Identity struct {
	// Address is the ledger account address derived from the signing key.
	Address string
	// SigningKey signs outbound references.
	SigningKey ed25519.PrivateKey
	// VerifyKey is the public half of SigningKey.
	VerifyKey ed25519.PublicKey
	// DecryptionKey opens inbound sealed payloads.
	DecryptionKey *ecdh.PrivateKey
}

// Reconciler drives the per-reference state machine and owns the only write
// path into the local index.
type Reconciler struct {
	identity Identity
	store    *contentstore.Adapter
	ledgers  *ledger.Adapter
	index    *localindex.Index
	cache    *localindex.PlaintextCache
	events   notifier.Notifier
	keys     KeyDirectory
	logger   *slog.Logger

	pollInterval        time.Duration
	paymentTimeout      time.Duration
	paymentPollInterval time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPollInterval overrides the reference polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithPaymentTimeout overrides the payment confirmation budget.
func WithPaymentTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.paymentTimeout = d
		}
	}
}

// WithPaymentPollInterval overrides the payment status poll delay.
func WithPaymentPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.paymentPollInterval = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a Reconciler. All collaborators are explicit: their lifecycles
// (connect, disconnect) stay with the caller that constructs the system.
func New(
	identity Identity,
	store *contentstore.Adapter,
	ledgers *ledger.Adapter,
	index *localindex.Index,
	cache *localindex.PlaintextCache,
	events notifier.Notifier,
	keys KeyDirectory,
	opts ...Option,
) (*Reconciler, error) {
	switch {
	case identity.Address == "":
		return nil, errors.New("identity address is required")
	case len(identity.SigningKey) != ed25519.PrivateKeySize:
		return nil, errors.New("identity signing key is required")
	case identity.DecryptionKey == nil:
		return nil, errors.New("identity decryption key is required")
	case store == nil:
		return nil, errors.New("content store adapter is required")
	case ledgers == nil:
		return nil, errors.New("ledger adapter is required")
	case index == nil:
		return nil, errors.New("local index is required")
	case keys == nil:
		return nil, errors.New("key directory is required")
	}

	r := &Reconciler{
		identity:            identity,
		store:               store,
		ledgers:             ledgers,
		index:               index,
		cache:               cache,
		events:              events,
		keys:                keys,
		logger:              slog.Default(),
		pollInterval:        DefaultPollInterval,
		paymentTimeout:      DefaultPaymentTimeout,
		paymentPollInterval: DefaultPaymentPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Run processes the local account's inbound reference stream until the
// context ends. The cursor poll is the only source that admits references
// into the sequence-ordered buffer: poll pages arrive in ascending ledger
// order, so commits ascend in ledger order too. A pub/sub push never enters
// the buffer directly; it only wakes an immediate poll, because a pushed
// later reference could otherwise commit ahead of an earlier one the poll
// has not surfaced yet. Redeliveries below the advanced cursor are absorbed
// by de-duplication.
func (r *Reconciler) Run(ctx context.Context) error {
	var refs <-chan ledger.RawReference
	if r.events != nil {
		sub, err := r.events.Subscribe(ctx, r.identity.Address)
		if err != nil {
			// Polling remains the source of truth; push is an optimization.
			r.logger.Warn("reference subscription unavailable, falling back to polling",
				"account", r.identity.Address, "error", err)
		} else {
			defer sub.Close()
			refs = sub.Refs()
		}
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	buffer := newSequenceBuffer()
	cursor := ledger.CursorStart

	// Catch up before waiting on push events.
	cursor = r.pollInto(ctx, buffer, cursor)
	r.drain(ctx, buffer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-refs:
			if !ok {
				refs = nil
				continue
			}
			// Wake-up only: the pushed reference reaches the buffer
			// through the poll, in cursor order.
			cursor = r.pollInto(ctx, buffer, cursor)
		case <-ticker.C:
			cursor = r.pollInto(ctx, buffer, cursor)
		}

		r.drain(ctx, buffer)
	}
}

func (r *Reconciler) pollInto(ctx context.Context, buffer *sequenceBuffer, cursor ledger.Cursor) ledger.Cursor {
	for {
		refs, next, err := r.ledgers.PollReferences(ctx, r.identity.Address, cursor)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("reference poll failed", "account", r.identity.Address, "error", err)
			}
			return cursor
		}
		for _, raw := range refs {
			buffer.Push(raw)
		}
		if len(refs) == 0 {
			return next
		}
		cursor = next
	}
}

func (r *Reconciler) drain(ctx context.Context, buffer *sequenceBuffer) {
	for {
		raw, ok := buffer.Pop()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if err := r.Process(ctx, raw); err != nil {
			switch {
			case errors.Is(err, ErrDuplicateReference):
			case ctx.Err() != nil:
				return
			default:
				// One poisoned reference must not block the stream.
				r.logger.Error("reference processing failed",
					"sequence", raw.SequenceNumber, "sender", raw.Sender, "error", err)
			}
		}
	}
}
