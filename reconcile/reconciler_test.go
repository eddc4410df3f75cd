package reconcile

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chainchat/contentstore"
	"chainchat/ledger"
	"chainchat/localindex"
	"chainchat/models"
)

func TestSendDeliversMessage(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewMemoryLedger()
	store := contentstore.NewMemoryClient()
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	msg, err := alice.rec.Send(ctx, SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("hello"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The sender's own copy is committed as delivered.
	outbound, err := alice.index.GetDeliveryRecord(msg.ID, alice.identity.Address)
	if err != nil {
		t.Fatalf("get outbound record: %v", err)
	}
	if !outbound.Delivered || outbound.State != models.DeliveryVerified {
		t.Fatalf("outbound record = %+v, want delivered verified", outbound)
	}

	raw := pollOne(t, bob)
	if raw.Sender != alice.identity.Address {
		t.Fatalf("reference sender = %q, want %q", raw.Sender, alice.identity.Address)
	}
	if err := bob.rec.Process(ctx, raw); err != nil {
		t.Fatalf("process: %v", err)
	}

	record, err := bob.index.GetDeliveryRecord(msg.ID, bob.identity.Address)
	if err != nil {
		t.Fatalf("get delivery record: %v", err)
	}
	if record.State != models.DeliveryVerified || !record.Delivered {
		t.Fatalf("record = %+v, want delivered verified", record)
	}
	if record.SequenceNumber != raw.SequenceNumber {
		t.Fatalf("recorded sequence = %d, want %d", record.SequenceNumber, raw.SequenceNumber)
	}

	plaintext, err := bob.rec.Plaintext(ctx, msg.ID)
	if err != nil {
		t.Fatalf("plaintext: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Fatalf("plaintext = %q, want %q", plaintext, "hello")
	}
}

func TestProcessDuplicateReferenceCommitsOnce(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewMemoryLedger()
	store := contentstore.NewMemoryClient()
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	if _, err := alice.rec.Send(ctx, SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("once"),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	raw := pollOne(t, bob)
	if err := bob.rec.Process(ctx, raw); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := bob.rec.Process(ctx, raw); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("second process error = %v, want ErrDuplicateReference", err)
	}

	messages, err := bob.index.Query(localindex.Filter{Recipient: bob.identity.Address})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("stored %d messages, want 1", len(messages))
	}
}

func TestSendWithPaymentConfirms(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewMemoryLedger()
	store := contentstore.NewMemoryClient()
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	msg, err := alice.rec.Send(ctx, SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("paid"),
		Payment:                  &PaymentInstruction{Amount: 10, AssetKind: models.AssetNative},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.PaymentRef == "" {
		t.Fatal("message has no payment ref")
	}

	// Sender records the payment pending and resolves it against the ledger.
	payment, err := alice.index.GetPayment(msg.PaymentRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != models.PaymentPending {
		t.Fatalf("payment status = %q, want pending", payment.Status)
	}
	if err := alice.rec.ResolvePayment(ctx, msg.PaymentRef); err != nil {
		t.Fatalf("resolve payment: %v", err)
	}
	payment, err = alice.index.GetPayment(msg.PaymentRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != models.PaymentConfirmed {
		t.Fatalf("payment status = %q, want confirmed", payment.Status)
	}

	// Recipient confirms independently while processing the reference.
	if err := bob.rec.Process(ctx, pollOne(t, bob)); err != nil {
		t.Fatalf("process: %v", err)
	}
	payment, err = bob.index.GetPayment(msg.PaymentRef)
	if err != nil {
		t.Fatalf("get recipient payment: %v", err)
	}
	if payment.Status != models.PaymentConfirmed {
		t.Fatalf("recipient payment status = %q, want confirmed", payment.Status)
	}
	if payment.Amount != 10 || payment.Sender != alice.identity.Address {
		t.Fatalf("payment = %+v, want amount 10 from %s", payment, alice.identity.Address)
	}
	if got := ml.Balance(bob.identity.Address, models.AssetNative); got != 110 {
		t.Fatalf("recipient balance = %d, want 110", got)
	}
}

func TestFailedPaymentStillDelivers(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewManualMemoryLedger()
	store := contentstore.NewMemoryClient()
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	paymentRef, err := alice.ledgers.SubmitPayment(ctx, ledger.Transfer{
		From:      alice.identity.Address,
		To:        bob.identity.Address,
		Amount:    5,
		AssetKind: models.AssetNative,
	})
	if err != nil {
		t.Fatalf("submit payment: %v", err)
	}
	if err := ml.Fail(paymentRef, "transfer reverted"); err != nil {
		t.Fatalf("fail payment: %v", err)
	}

	sealAndPublish(t, ml, alice, bob, []byte("still here"), paymentRef)

	raw := pollOne(t, bob)
	if err := bob.rec.Process(ctx, raw); err != nil {
		t.Fatalf("process: %v", err)
	}

	record, err := bob.index.GetDeliveryRecord(raw.MessageID, bob.identity.Address)
	if err != nil {
		t.Fatalf("get delivery record: %v", err)
	}
	if record.State != models.DeliveryVerified || !record.Delivered {
		t.Fatalf("record = %+v, want delivered despite failed payment", record)
	}

	payment, err := bob.index.GetPayment(paymentRef)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.Status != models.PaymentFailed {
		t.Fatalf("payment status = %q, want failed", payment.Status)
	}
	if payment.FailureReason != "transfer reverted" {
		t.Fatalf("failure reason = %q, want ledger reason verbatim", payment.FailureReason)
	}
}

func TestStoreOutageRejectsThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewMemoryLedger()
	store := &outageClient{inner: contentstore.NewMemoryClient()}
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	msg, err := alice.rec.Send(ctx, SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("delayed"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	store.setDown(true)
	raw := pollOne(t, bob)
	if err := bob.rec.Process(ctx, raw); err != nil {
		t.Fatalf("process during outage: %v", err)
	}

	record, err := bob.index.GetDeliveryRecord(msg.ID, bob.identity.Address)
	if err != nil {
		t.Fatalf("get rejected record: %v", err)
	}
	if record.State != models.DeliveryRejected {
		t.Fatalf("record state = %q, want rejected", record.State)
	}
	if !strings.Contains(record.FailureReason, "content store unavailable") {
		t.Fatalf("failure reason = %q, want store outage", record.FailureReason)
	}

	store.setDown(false)
	if err := bob.rec.Retry(ctx, raw); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	record, err = bob.index.GetDeliveryRecord(msg.ID, bob.identity.Address)
	if err != nil {
		t.Fatalf("get record after retry: %v", err)
	}
	if record.State != models.DeliveryVerified || !record.Delivered {
		t.Fatalf("record = %+v, want delivered after retry", record)
	}
}

func TestProcessRejectsTamperedSignature(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewMemoryLedger()
	store := contentstore.NewMemoryClient()
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	msg, err := alice.rec.Send(ctx, SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("tampered"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	raw := pollOne(t, bob)
	raw.Signature = bytes.Clone(raw.Signature)
	raw.Signature[0] ^= 0xff
	if err := bob.rec.Process(ctx, raw); err != nil {
		t.Fatalf("process: %v", err)
	}

	record, err := bob.index.GetDeliveryRecord(msg.ID, bob.identity.Address)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.State != models.DeliveryRejected {
		t.Fatalf("record state = %q, want rejected", record.State)
	}
	if !strings.Contains(record.FailureReason, "invalid sender signature") {
		t.Fatalf("failure reason = %q, want signature failure", record.FailureReason)
	}
}

func TestProcessRejectsUnknownSender(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewMemoryLedger()
	store := contentstore.NewMemoryClient()

	// Distinct directories: bob never learns alice's verification key.
	alice := newTestAccount(t, ml, store, NewDirectory())
	bob := newTestAccount(t, ml, store, NewDirectory())

	msg, err := alice.rec.Send(ctx, SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("stranger"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := bob.rec.Process(ctx, pollOne(t, bob)); err != nil {
		t.Fatalf("process: %v", err)
	}
	record, err := bob.index.GetDeliveryRecord(msg.ID, bob.identity.Address)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.State != models.DeliveryRejected {
		t.Fatalf("record state = %q, want rejected", record.State)
	}
	if !strings.Contains(record.FailureReason, "unknown sender") {
		t.Fatalf("failure reason = %q, want unknown sender", record.FailureReason)
	}
}

func TestPlaintextRegeneratesAfterCacheEviction(t *testing.T) {
	ctx := context.Background()
	ml := ledger.NewMemoryLedger()
	store := contentstore.NewMemoryClient()
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	msg, err := alice.rec.Send(ctx, SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("regenerate me"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := bob.rec.Process(ctx, pollOne(t, bob)); err != nil {
		t.Fatalf("process: %v", err)
	}

	bob.cache.Purge()

	plaintext, err := bob.rec.Plaintext(ctx, msg.ID)
	if err != nil {
		t.Fatalf("plaintext after eviction: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("regenerate me")) {
		t.Fatalf("plaintext = %q, want %q", plaintext, "regenerate me")
	}
	if _, ok := bob.cache.Get(msg.ContentRef); !ok {
		t.Fatal("regenerated plaintext not re-cached")
	}
}

func TestRunProcessesPolledReferences(t *testing.T) {
	ml := ledger.NewMemoryLedger()
	store := contentstore.NewMemoryClient()
	dir := NewDirectory()
	alice := newTestAccount(t, ml, store, dir)
	bob := newTestAccount(t, ml, store, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bob.rec.Run(ctx) }()

	msg, err := alice.rec.Send(context.Background(), SendRequest{
		Recipient:                bob.identity.Address,
		RecipientX25519PublicKey: bob.encryptionPub,
		Plaintext:                []byte("background"),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		record, err := bob.index.GetDeliveryRecord(msg.ID, bob.identity.Address)
		return err == nil && record.Delivered
	}, "background delivery")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

// outageClient wraps a working client and fails every call while down.
type outageClient struct {
	inner contentstore.Client

	mu   sync.Mutex
	down bool
}

func (c *outageClient) setDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

func (c *outageClient) isDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

func (c *outageClient) Put(ctx context.Context, data []byte) (string, error) {
	if c.isDown() {
		return "", errors.New("connection refused")
	}
	return c.inner.Put(ctx, data)
}

func (c *outageClient) Get(ctx context.Context, ref string) ([]byte, error) {
	if c.isDown() {
		return nil, errors.New("connection refused")
	}
	return c.inner.Get(ctx, ref)
}
