package consumer

import (
	"net"
	"testing"

	"github.com/tomrsae/ronion/pkg/onion"
)

func mustCipher(t *testing.T) *onion.AEADCipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := onion.NewAEADCipher(key)
	if err != nil {
		t.Fatalf("NewAEADCipher: %v", err)
	}
	return c
}

func TestGrowPeelRoundTrip(t *testing.T) {
	exitCipher := mustCipher(t)
	midCipher := mustCipher(t)

	targets := []onion.Target{
		onion.NewIPTarget(net.ParseIP("93.184.216.34"), 443),
		onion.NewRelayTarget(7),
	}
	ciphers := []*onion.AEADCipher{exitCipher, midCipher}

	payload := []byte("GET / HTTP/1.1")
	ct, err := GrowOnion(targets, ciphers, payload)
	if err != nil {
		t.Fatalf("GrowOnion: %v", err)
	}

	got, err := PeelOnion(ct, []*onion.AEADCipher{midCipher, exitCipher})
	if err != nil {
		t.Fatalf("PeelOnion: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q", got)
	}
}

func TestPeelOnionWrongCipherFails(t *testing.T) {
	exitCipher := mustCipher(t)
	wrongCipher, err := onion.NewAEADCipher(append(make([]byte, 31), 1))
	if err != nil {
		t.Fatalf("NewAEADCipher: %v", err)
	}

	targets := []onion.Target{onion.NewIPTarget(net.ParseIP("10.0.0.1"), 80)}
	ct, err := GrowOnion(targets, []*onion.AEADCipher{exitCipher}, []byte("data"))
	if err != nil {
		t.Fatalf("GrowOnion: %v", err)
	}

	if _, err := PeelOnion(ct, []*onion.AEADCipher{wrongCipher}); err != onion.ErrCryptoFailure {
		t.Fatalf("expected ErrCryptoFailure, got %v", err)
	}
}
