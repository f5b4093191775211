package tunnel

import (
	"net"
	"testing"

	"github.com/tomrsae/ronion/pkg/onion"
)

func TestHandshakeAndDataPlane(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	identity, err := onion.NewServerCrypto()
	if err != nil {
		t.Fatalf("NewServerCrypto: %v", err)
	}
	signingKey := identity.SigningPublic()

	secret, err := onion.NewClientSecret()
	if err != nil {
		t.Fatalf("NewClientSecret: %v", err)
	}

	type acceptResult struct {
		tun *Tunnel
		req onion.HelloRequest
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	var wantCircuitID uint32 = 7
	go func() {
		tun, req, err := Accept(serverConn, identity, &wantCircuitID)
		acceptCh <- acceptResult{tun, req, err}
	}()

	clientTun, circuitID, err := Connect(clientConn, onion.ClientConsumer, secret, signingKey)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if circuitID == nil || *circuitID != wantCircuitID {
		t.Fatalf("expected circuit id %d, got %v", wantCircuitID, circuitID)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	if res.req.ClientType != onion.ClientConsumer {
		t.Fatalf("client type lost: got %v", res.req.ClientType)
	}

	payload := &onion.Onion{
		Target:  onion.CurrentTarget(),
		Message: onion.Payload{Bytes: []byte("hello")},
	}

	sendCh := make(chan error, 1)
	go func() { sendCh <- clientTun.Send(payload) }()

	got, err := res.tun.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-sendCh; err != nil {
		t.Fatalf("Send: %v", err)
	}

	p, ok := got.Message.(onion.Payload)
	if !ok || string(p.Bytes) != "hello" {
		t.Fatalf("payload mismatch: %+v", got.Message)
	}
}

func TestSignatureMismatchAbortsHandshake(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	identity, err := onion.NewServerCrypto()
	if err != nil {
		t.Fatalf("NewServerCrypto: %v", err)
	}

	var wrongKey [32]byte
	secret, err := onion.NewClientSecret()
	if err != nil {
		t.Fatalf("NewClientSecret: %v", err)
	}

	go Accept(serverConn, identity, nil)

	if _, _, err := Connect(clientConn, onion.ClientConsumer, secret, wrongKey); err != onion.ErrCryptoFailure {
		t.Fatalf("expected ErrCryptoFailure, got %v", err)
	}
}
