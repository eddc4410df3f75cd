package reconcile

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownSender indicates no verification key is registered for an
// account address.
var ErrUnknownSender = errors.New("reconcile: unknown sender")

// KeyDirectory resolves an account address to its Ed25519 verification key.
type KeyDirectory interface {
	Ed25519PublicKey(address string) (ed25519.PublicKey, error)
}

// Directory is an in-memory KeyDirectory populated by explicit registration,
// the local equivalent of a trusted contact list.
type Directory struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewDirectory creates an empty key directory.
func NewDirectory() *Directory {
	return &Directory{keys: make(map[string]ed25519.PublicKey)}
}

// Register associates an account address with its verification key.
func (d *Directory) Register(address string, publicKey ed25519.PublicKey) error {
	if address == "" {
		return errors.New("address is required")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid Ed25519 public key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[address] = publicKey
	return nil
}

// Ed25519PublicKey returns the registered key for an address.
func (d *Directory) Ed25519PublicKey(address string) (ed25519.PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	key, ok := d.keys[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSender, address)
	}
	return key, nil
}
