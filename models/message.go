package models

import (
	"encoding/binary"
)

// Message represents one immutable sent or received message.
//
// The plaintext body never appears here: ContentRef holds the content address
// of the encrypted payload in the external store, and KeyEnvelope carries the
// key material the recipient needs to decrypt it.
type Message struct {
	ID            string      `json:"id"`
	Sender        string      `json:"sender"`
	Recipient     string      `json:"recipient"`
	ContentRef    string      `json:"content_ref"`
	KeyEnvelope   KeyEnvelope `json:"key_envelope"`
	Signature     []byte      `json:"signature"`
	TimestampSent int64       `json:"timestamp_sent"`
	PaymentRef    string      `json:"payment_ref,omitempty"`
}

// KeyEnvelope carries the per-message key material encrypted to the
// recipient: the sender's ephemeral X25519 public key and the AEAD nonce.
type KeyEnvelope struct {
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	Nonce              []byte `json:"nonce"`
}

// Reference is the compact pointer recorded on the ledger in place of the
// full message body.
type Reference struct {
	MessageID   string      `json:"message_id"`
	Sender      string      `json:"sender"`
	Recipient   string      `json:"recipient"`
	ContentRef  string      `json:"content_ref"`
	KeyEnvelope KeyEnvelope `json:"key_envelope"`
	Timestamp   int64       `json:"timestamp"`
	PaymentRef  string      `json:"payment_ref,omitempty"`
	Signature   []byte      `json:"signature"`
}

// SigningBytes returns the canonical byte encoding signed by the sender:
// length-prefixed content ref and recipient followed by the big-endian
// timestamp. The signature covers exactly these fields, nothing else.
func (r Reference) SigningBytes() []byte {
	return signingBytes(r.ContentRef, r.Recipient, r.Timestamp)
}

// SigningBytes returns the canonical signed encoding for a message,
// identical to the encoding of its ledger reference.
func (m Message) SigningBytes() []byte {
	return signingBytes(m.ContentRef, m.Recipient, m.TimestampSent)
}

func signingBytes(contentRef, recipient string, timestamp int64) []byte {
	buf := make([]byte, 0, 4+len(contentRef)+4+len(recipient)+8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(contentRef)))
	buf = append(buf, contentRef...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(recipient)))
	buf = append(buf, recipient...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	return buf
}
