package localindex

import (
	"testing"

	"chainchat/models"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()

	dataDir := t.TempDir()
	index, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test index: %v", err)
	}
	t.Cleanup(func() {
		if err := index.Close(); err != nil {
			t.Fatalf("close test index: %v", err)
		}
	})

	return index
}

func testMessage(id, sender, recipient string, timestamp int64) models.Message {
	return models.Message{
		ID:            id,
		Sender:        sender,
		Recipient:     recipient,
		ContentRef:    "ref-" + id,
		KeyEnvelope:   models.KeyEnvelope{EphemeralPublicKey: []byte("ephemeral-" + id), Nonce: []byte("nonce")},
		Signature:     []byte("signature-" + id),
		TimestampSent: timestamp,
	}
}

func verifiedRecord(messageID, observer string, seq uint64) models.DeliveryRecord {
	return models.DeliveryRecord{
		MessageID:      messageID,
		Observer:       observer,
		State:          models.DeliveryVerified,
		Delivered:      true,
		SequenceNumber: seq,
	}
}

func rejectedRecord(messageID, observer, reason string, seq uint64) models.DeliveryRecord {
	return models.DeliveryRecord{
		MessageID:      messageID,
		Observer:       observer,
		State:          models.DeliveryRejected,
		FailureReason:  reason,
		SequenceNumber: seq,
	}
}
