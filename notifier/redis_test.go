package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chainchat/ledger"
	"chainchat/models"
)

func newTestNotifier(t *testing.T) *Redis {
	t.Helper()

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis client: %v", err)
		}
	})

	n, err := NewRedis(rdb, nil)
	if err != nil {
		t.Fatalf("new redis notifier: %v", err)
	}
	return n
}

func testRawReference(recipient, contentRef string, seq uint64) ledger.RawReference {
	return ledger.RawReference{
		Reference: models.Reference{
			MessageID:  "msg-" + contentRef,
			Sender:     "alice",
			Recipient:  recipient,
			ContentRef: contentRef,
			Timestamp:  1700000000000,
		},
		SequenceNumber: seq,
		TxID:           "tx-" + contentRef,
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	n := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := n.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	sent := testRawReference("bob", "ref-1", 7)
	if err := n.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Refs():
		if got.ContentRef != sent.ContentRef || got.SequenceNumber != sent.SequenceNumber || got.TxID != sent.TxID {
			t.Fatalf("received reference %+v does not match published %+v", got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for published reference")
	}
}

func TestSubscribersAreIsolatedByRecipient(t *testing.T) {
	n := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bobSub, err := n.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	defer bobSub.Close()

	carolSub, err := n.Subscribe(ctx, "carol")
	if err != nil {
		t.Fatalf("subscribe carol: %v", err)
	}
	defer carolSub.Close()

	if err := n.Publish(ctx, testRawReference("carol", "ref-1", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-carolSub.Refs():
		if got.Recipient != "carol" {
			t.Fatalf("carol received reference for %q", got.Recipient)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for carol's reference")
	}

	select {
	case got := <-bobSub.Refs():
		t.Fatalf("bob received reference addressed to %q", got.Recipient)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	n := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := n.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub.Close()
	sub.Close() // safe to call twice

	select {
	case _, open := <-sub.Refs():
		if open {
			t.Fatalf("expected closed channel, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestSubscriptionSurvivesUndecodableEvents(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	n, err := NewRedis(rdb, nil)
	if err != nil {
		t.Fatalf("new redis notifier: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := n.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := rdb.Publish(ctx, Topic("bob"), "not json").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	if err := n.Publish(ctx, testRawReference("bob", "ref-1", 1)); err != nil {
		t.Fatalf("publish valid reference: %v", err)
	}

	select {
	case got := <-sub.Refs():
		if got.ContentRef != "ref-1" {
			t.Fatalf("expected ref-1 after garbage event, got %q", got.ContentRef)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for valid reference after garbage event")
	}
}
