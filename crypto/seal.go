package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var (
	// ErrInvalidKey indicates malformed or wrong-sized key material.
	ErrInvalidKey = errors.New("crypto: invalid key")
	// ErrAuthenticationFailed indicates AEAD tag verification failed. This is
	// terminal for the ciphertext: retrying the same inputs cannot succeed.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// Sealed is an encrypted payload together with the key material the
// recipient needs to open it.
type Sealed struct {
	Ciphertext         []byte
	EphemeralPublicKey []byte
	Nonce              []byte
}

// Seal encrypts plaintext to the recipient's X25519 public key.
//
// A fresh ephemeral keypair is generated per call and discarded after the
// shared secret is derived, so compromise of one message's key material never
// exposes another's. The AEAD key is HKDF-SHA256 over the shared secret,
// bound to both public keys.
func Seal(plaintext []byte, recipientPublicKey []byte) (Sealed, error) {
	recipientKey, err := ParseX25519PublicKey(recipientPublicKey)
	if err != nil {
		return Sealed{}, err
	}

	ephemeralPrivate, ephemeralPublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		return Sealed{}, err
	}

	sharedSecret, err := ComputeX25519SharedSecret(ephemeralPrivate, recipientKey)
	if err != nil {
		return Sealed{}, err
	}

	sessionKey, err := deriveSessionKey(sharedSecret, ephemeralPublic.Bytes(), recipientPublicKey)
	if err != nil {
		return Sealed{}, err
	}

	aead, err := newAEAD(sessionKey)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	return Sealed{
		Ciphertext:         aead.Seal(nil, nonce, plaintext, nil),
		EphemeralPublicKey: ephemeralPublic.Bytes(),
		Nonce:              nonce,
	}, nil
}

// Open decrypts a sealed payload with the recipient's X25519 private key.
// A failed authentication tag surfaces ErrAuthenticationFailed; tampered
// ciphertext is never partially returned.
func Open(sealed Sealed, recipientPrivateKey *ecdh.PrivateKey) ([]byte, error) {
	if recipientPrivateKey == nil {
		return nil, ErrInvalidKey
	}
	if len(sealed.Ciphertext) == 0 {
		return nil, errors.New("ciphertext is required")
	}

	ephemeralKey, err := ParseX25519PublicKey(sealed.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := ComputeX25519SharedSecret(recipientPrivateKey, ephemeralKey)
	if err != nil {
		return nil, err
	}

	sessionKey, err := deriveSessionKey(sharedSecret, sealed.EphemeralPublicKey, recipientPrivateKey.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(sealed.Nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

func newAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != sessionKeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func deriveSessionKey(sharedSecret, ephemeralPublicKey, recipientPublicKey []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, ErrInvalidKey
	}

	info := make([]byte, 0, len(ephemeralPublicKey)+len(recipientPublicKey))
	info = append(info, ephemeralPublicKey...)
	info = append(info, recipientPublicKey...)

	kdf := hkdf.New(sha256.New, sharedSecret, nil, info)
	sessionKey := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(kdf, sessionKey); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return sessionKey, nil
}
