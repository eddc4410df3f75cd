package reconcile

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"chainchat/contentstore"
	"chainchat/crypto"
	"chainchat/ledger"
	"chainchat/localindex"
	"chainchat/models"
	"chainchat/notifier"
)

// testAccount bundles one account's reconciler with the collaborators the
// tests inspect directly.
type testAccount struct {
	identity      Identity
	encryptionPub []byte
	rec           *Reconciler
	index         *localindex.Index
	cache         *localindex.PlaintextCache
	ledgers       *ledger.Adapter
	store         *contentstore.Adapter
}

// newTestAccount builds a funded account whose reconciler shares the given
// ledger, content store, and key directory. The account registers its own
// verification key in the directory.
func newTestAccount(t *testing.T, ml *ledger.MemoryLedger, storeClient contentstore.Client, dir *Directory) *testAccount {
	t.Helper()
	return newTestAccountWithEvents(t, ml, storeClient, dir, nil)
}

func newTestAccountWithEvents(t *testing.T, ml *ledger.MemoryLedger, storeClient contentstore.Client, dir *Directory, events notifier.Notifier) *testAccount {
	t.Helper()

	verifyKey, signingKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	address, err := crypto.AccountAddress(verifyKey)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	decryptionKey, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate decryption key: %v", err)
	}
	if err := dir.Register(address, verifyKey); err != nil {
		t.Fatalf("register key: %v", err)
	}

	store, err := contentstore.NewAdapter(storeClient,
		contentstore.WithMaxAttempts(2),
		contentstore.WithInitialBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("new content store adapter: %v", err)
	}
	ledgers, err := ledger.NewAdapter(ml,
		ledger.WithConfirmTimeout(200*time.Millisecond),
		ledger.WithConfirmPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new ledger adapter: %v", err)
	}
	index, err := localindex.OpenPath(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	cache, err := localindex.NewPlaintextCache(32, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	identity := Identity{
		Address:       address,
		SigningKey:    signingKey,
		VerifyKey:     verifyKey,
		DecryptionKey: decryptionKey,
	}
	rec, err := New(identity, store, ledgers, index, cache, events, dir,
		WithPollInterval(20*time.Millisecond),
		WithPaymentTimeout(300*time.Millisecond),
		WithPaymentPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	ml.CreditAccount(address, models.AssetNative, 100)

	return &testAccount{
		identity:      identity,
		encryptionPub: decryptionKey.PublicKey().Bytes(),
		rec:           rec,
		index:         index,
		cache:         cache,
		ledgers:       ledgers,
		store:         store,
	}
}

// pollOne returns the single raw reference currently in the account's
// stream, failing the test on any other count.
func pollOne(t *testing.T, account *testAccount) ledger.RawReference {
	t.Helper()

	refs, _, err := account.ledgers.PollReferences(context.Background(), account.identity.Address, ledger.CursorStart)
	if err != nil {
		t.Fatalf("poll references: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(refs))
	}
	return refs[0]
}

// sealAndPublish stores a sealed payload and publishes a signed reference
// directly against the ledger client, confirming it when the ledger is
// manual. It bypasses Send so tests can attach already-failed payments.
func sealAndPublish(t *testing.T, ml *ledger.MemoryLedger, from, to *testAccount, plaintext []byte, paymentRef string) {
	t.Helper()
	ctx := context.Background()

	sealed, err := crypto.Seal(plaintext, to.encryptionPub)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	contentRef, err := from.store.Put(ctx, sealed.Ciphertext)
	if err != nil {
		t.Fatalf("put ciphertext: %v", err)
	}

	ref := models.Reference{
		MessageID:  "msg-" + contentRef[:8],
		Sender:     from.identity.Address,
		Recipient:  to.identity.Address,
		ContentRef: contentRef,
		KeyEnvelope: models.KeyEnvelope{
			EphemeralPublicKey: sealed.EphemeralPublicKey,
			Nonce:              sealed.Nonce,
		},
		Timestamp:  time.Now().UnixMilli(),
		PaymentRef: paymentRef,
	}
	ref.Signature, err = crypto.SignReference(from.identity.SigningKey, ref)
	if err != nil {
		t.Fatalf("sign reference: %v", err)
	}

	txID, err := ml.SubmitReference(ctx, ref)
	if err != nil {
		t.Fatalf("submit reference: %v", err)
	}
	if err := ml.Confirm(txID); err != nil {
		t.Fatalf("confirm reference: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
