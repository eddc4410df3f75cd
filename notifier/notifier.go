// Package notifier pushes newly confirmed ledger references to subscribed
// recipients for near-real-time delivery. The transport is at-least-once:
// duplicates and replays are expected, and the reconciler de-duplicates.
package notifier

import (
	"context"
	"sync"

	"chainchat/ledger"
)

// Notifier is the pub/sub boundary for new-reference events.
type Notifier interface {
	// Publish announces a confirmed reference to its recipient's topic.
	Publish(ctx context.Context, ref ledger.RawReference) error
	// Subscribe opens a subscription for references addressed to recipient.
	Subscribe(ctx context.Context, recipient string) (*Subscription, error)
}

// Subscription is an explicit handle over a stream of reference events.
// Close stops the underlying subscription; the Refs channel closes shortly
// after, once the forwarding goroutine observes the shutdown. Receivers
// should range over Refs rather than assume it is closed when Close returns.
type Subscription struct {
	refs      chan ledger.RawReference
	closeOnce sync.Once
	stop      func()
}

func newSubscription(buffer int, stop func()) *Subscription {
	return &Subscription{
		refs: make(chan ledger.RawReference, buffer),
		stop: stop,
	}
}

// Refs returns the channel of incoming reference events. The channel closes
// when the subscription is closed or its context ends.
func (s *Subscription) Refs() <-chan ledger.RawReference {
	return s.refs
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.stop)
}
