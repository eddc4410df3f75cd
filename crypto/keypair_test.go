package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureEd25519KeyPairPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "ed25519_private.pem")
	publicPath := filepath.Join(dir, "ed25519_public.pem")

	_, firstPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	_, secondPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	if !bytes.Equal(firstPublic, secondPublic) {
		t.Fatalf("expected the same keypair on reload")
	}
}

func TestEnsureX25519PrivateKeyPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x25519_private.pem")

	first, err := EnsureX25519PrivateKey(path)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := EnsureX25519PrivateKey(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatalf("expected the same private key on reload")
	}
}

func TestAccountAddressIsStableAndKeyBound(t *testing.T) {
	dir := t.TempDir()
	_, publicKey, err := EnsureEd25519KeyPair(
		filepath.Join(dir, "priv.pem"),
		filepath.Join(dir, "pub.pem"),
	)
	if err != nil {
		t.Fatalf("ensure keypair: %v", err)
	}

	first, err := AccountAddress(publicKey)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	second, err := AccountAddress(publicKey)
	if err != nil {
		t.Fatalf("derive address again: %v", err)
	}

	if first != second {
		t.Fatalf("address not stable: %q vs %q", first, second)
	}
	if len(first) != 40 {
		t.Fatalf("expected 40 hex chars, got %d", len(first))
	}

	if _, err := AccountAddress(publicKey[:16]); err == nil {
		t.Fatalf("expected error for short public key")
	}
}

func TestFormatFingerprintGroupsInFours(t *testing.T) {
	got := FormatFingerprint("abcd1234ef")
	want := "ABCD 1234 EF"
	if got != want {
		t.Fatalf("FormatFingerprint = %q, want %q", got, want)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty output for empty input")
	}
}
