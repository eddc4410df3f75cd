package contentstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxAttempts caps get retries before surfacing ErrUnavailable.
	DefaultMaxAttempts = 3
	// DefaultInitialBackoff is the first retry delay for transient failures.
	DefaultInitialBackoff = 200 * time.Millisecond
)

var (
	// ErrNotFound indicates the store holds no content for the ref.
	ErrNotFound = errors.New("contentstore: content not found")
	// ErrUnavailable indicates the retry budget was exhausted on transient
	// failures. The caller may back off further; the adapter does not retry
	// again on its own.
	ErrUnavailable = errors.New("contentstore: store unavailable")
	// ErrRefMismatch indicates fetched or stored bytes do not hash to the
	// expected content address.
	ErrRefMismatch = errors.New("contentstore: content ref mismatch")
)

// Client is the external content-addressed store boundary.
type Client interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes for a content address, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Adapter wraps a Client with content-address verification and a bounded
// retry budget for transient failures.
type Adapter struct {
	client         Client
	maxAttempts    uint64
	initialBackoff time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMaxAttempts overrides the per-call attempt cap.
func WithMaxAttempts(attempts int) Option {
	return func(a *Adapter) {
		if attempts > 0 {
			a.maxAttempts = uint64(attempts)
		}
	}
}

// WithInitialBackoff overrides the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.initialBackoff = d
		}
	}
}

// NewAdapter builds an Adapter around a store client.
func NewAdapter(client Client, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("store client is required")
	}

	adapter := &Adapter{
		client:         client,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
	}
	for _, opt := range opts {
		opt(adapter)
	}

	return adapter, nil
}

// Put stores data and verifies the returned ref matches the locally computed
// content address. Identical bytes always yield the identical ref, so a
// repeated Put is a no-op on the store side.
func (a *Adapter) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("content is required")
	}

	expectedRef, err := ComputeRef(data)
	if err != nil {
		return "", err
	}

	var ref string
	operation := func() error {
		var putErr error
		ref, putErr = a.client.Put(ctx, data)
		return putErr
	}
	if err := backoff.Retry(operation, a.newBackOff(ctx)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if ref != expectedRef {
		return "", fmt.Errorf("%w: store returned %q, computed %q", ErrRefMismatch, ref, expectedRef)
	}

	return ref, nil
}

// Get fetches the bytes for a content address, retrying transient failures
// with exponential backoff up to the attempt cap. Missing content is
// ErrNotFound and is never retried; exhaustion surfaces ErrUnavailable.
// Fetched bytes are verified against the requested ref before being returned.
func (a *Adapter) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}

	var data []byte
	operation := func() error {
		var getErr error
		data, getErr = a.client.Get(ctx, ref)
		if errors.Is(getErr, ErrNotFound) {
			return backoff.Permanent(getErr)
		}
		return getErr
	}
	if err := backoff.Retry(operation, a.newBackOff(ctx)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	actualRef, err := ComputeRef(data)
	if err != nil {
		return nil, err
	}
	if actualRef != ref {
		return nil, fmt.Errorf("%w: fetched bytes hash to %q, requested %q", ErrRefMismatch, actualRef, ref)
	}

	return data, nil
}

func (a *Adapter) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initialBackoff
	return backoff.WithContext(backoff.WithMaxRetries(b, a.maxAttempts-1), ctx)
}
