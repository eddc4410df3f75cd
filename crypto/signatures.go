package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"chainchat/models"
)

// Sign produces a detached Ed25519 signature over data.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies a detached Ed25519 signature. A false result is a hard
// rejection of the signed payload.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, data, signature)
}

// SignReference signs a ledger reference over its canonical signing bytes,
// binding contentRef, recipient, and timestamp to the sender's key.
func SignReference(privateKey ed25519.PrivateKey, ref models.Reference) ([]byte, error) {
	return Sign(privateKey, ref.SigningBytes())
}

// VerifyReference checks a reference's detached signature against its
// canonical signing bytes. A false result is a hard rejection of the
// reference, never a warning.
func VerifyReference(publicKey ed25519.PublicKey, ref models.Reference) bool {
	return Verify(publicKey, ref.SigningBytes(), ref.Signature)
}
