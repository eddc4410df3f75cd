package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const x25519PrivatePEMType = "X25519 PRIVATE KEY"

const x25519KeySize = 32

var x25519Curve = ecdh.X25519()

// EnsureX25519PrivateKey loads an X25519 private key from disk, generating it if absent.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadX25519PrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveX25519PrivateKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// GenerateEphemeralX25519KeyPair creates a single-use X25519 keypair. The
// private half is never persisted; dropping it after use is what provides
// forward secrecy.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates and parses raw X25519 public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != x25519KeySize {
		return nil, ErrInvalidKey
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret performs the X25519 key agreement.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, publicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || publicKey == nil {
		return nil, ErrInvalidKey
	}
	secret, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// LoadX25519PrivateKey reads an X25519 private key from PEM.
func LoadX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != x25519KeySize {
		return nil, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block.Bytes))
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}

	return privateKey, nil
}

// SaveX25519PrivateKey writes an X25519 private key PEM file with 0600 permissions.
func SaveX25519PrivateKey(path string, key *ecdh.PrivateKey) error {
	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Bytes(),
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}

	return nil
}
