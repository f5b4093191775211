package onion

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	c, err := NewAEADCipher(key)
	if err != nil {
		t.Fatalf("NewAEADCipher: %v", err)
	}

	plaintext := []byte("the quick brown fox")
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
	}
}

func TestHandshakeSharedSecretAgreement(t *testing.T) {
	server, err := NewServerCrypto()
	if err != nil {
		t.Fatalf("NewServerCrypto: %v", err)
	}
	secret, err := server.GenSecret()
	if err != nil {
		t.Fatalf("GenSecret: %v", err)
	}

	client, err := NewClientSecret()
	if err != nil {
		t.Fatalf("NewClientSecret: %v", err)
	}

	signingKey := server.SigningPublic()
	clientCipher, err := client.SymmetricCipher(secret.PublicKey(), signingKey)
	if err != nil {
		t.Fatalf("client SymmetricCipher: %v", err)
	}
	serverCipher, err := secret.SymmetricCipher(client.PublicKey())
	if err != nil {
		t.Fatalf("server SymmetricCipher: %v", err)
	}

	msg := []byte("circuit payload")
	sealed, err := clientCipher.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	opened, err := serverCipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatalf("shared secret disagreement: got %q want %q", opened, msg)
	}
}

func TestSignatureMismatchNeverYieldsKey(t *testing.T) {
	server, err := NewServerCrypto()
	if err != nil {
		t.Fatalf("NewServerCrypto: %v", err)
	}
	secret, err := server.GenSecret()
	if err != nil {
		t.Fatalf("GenSecret: %v", err)
	}
	client, err := NewClientSecret()
	if err != nil {
		t.Fatalf("NewClientSecret: %v", err)
	}

	var wrongSigningKey [32]byte
	rand.Read(wrongSigningKey[:])

	if _, err := client.SymmetricCipher(secret.PublicKey(), wrongSigningKey); err != ErrCryptoFailure {
		t.Fatalf("expected ErrCryptoFailure for signature mismatch, got %v", err)
	}
}
