package index

import (
	"net"
	"testing"

	"github.com/tomrsae/ronion/pkg/onion"
	"github.com/tomrsae/ronion/pkg/tunnel"
)

func startTestNode(t *testing.T) (net.Listener, *onion.ServerCrypto) {
	t.Helper()
	identity, err := onion.NewServerCrypto()
	if err != nil {
		t.Fatalf("NewServerCrypto: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	node := NewNode(identity, testLogger(), nil, nil)
	go node.Serve(ln)
	return ln, identity
}

func TestPingThenGetRelays(t *testing.T) {
	ln, identity := startTestNode(t)
	defer ln.Close()

	signingKey := identity.SigningPublic()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	secret, _ := onion.NewClientSecret()
	tun, _, err := tunnel.Connect(conn, onion.ClientRelay, secret, signingKey)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var relaySigningKey [32]byte
	copy(relaySigningKey[:], []byte("relay-signing-key-00000000000000"))

	ping := &onion.Onion{
		Target:  onion.CurrentTarget(),
		Message: onion.RelayPingRequest{ListenPort: 4242, SigningPublic: relaySigningKey},
	}
	if err := tun.Send(ping); err != nil {
		t.Fatalf("Send ping: %v", err)
	}
	resp, err := tun.Recv()
	if err != nil {
		t.Fatalf("Recv ping response: %v", err)
	}
	if _, ok := resp.Message.(onion.RelayPingResponse); !ok {
		t.Fatalf("expected RelayPingResponse, got %T", resp.Message)
	}

	conn2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn2.Close()
	secret2, _ := onion.NewClientSecret()
	tun2, _, err := tunnel.Connect(conn2, onion.ClientRelay, secret2, signingKey)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req := &onion.Onion{Target: onion.CurrentTarget(), Message: onion.GetRelaysRequest{}}
	if err := tun2.Send(req); err != nil {
		t.Fatalf("Send GetRelaysRequest: %v", err)
	}
	listResp, err := tun2.Recv()
	if err != nil {
		t.Fatalf("Recv GetRelaysResponse: %v", err)
	}
	grr, ok := listResp.Message.(onion.GetRelaysResponse)
	if !ok {
		t.Fatalf("expected GetRelaysResponse, got %T", listResp.Message)
	}
	if len(grr.Relays) != 1 {
		t.Fatalf("expected exactly one relay, got %d", len(grr.Relays))
	}
	if grr.Relays[0].Addr.Port != 4242 {
		t.Fatalf("expected port 4242, got %d", grr.Relays[0].Addr.Port)
	}
	if grr.Relays[0].PubKey != relaySigningKey {
		t.Fatalf("signing key mismatch")
	}
}

func TestInvalidRequestGetsClose(t *testing.T) {
	ln, identity := startTestNode(t)
	defer ln.Close()

	signingKey := identity.SigningPublic()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	secret, _ := onion.NewClientSecret()
	tun, _, err := tunnel.Connect(conn, onion.ClientConsumer, secret, signingKey)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	badReq := &onion.Onion{Target: onion.CurrentTarget(), Message: onion.RelayPingResponse{}}
	if err := tun.Send(badReq); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := tun.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	c, ok := resp.Message.(onion.Close)
	if !ok || !c.HasReason {
		t.Fatalf("expected Close with reason, got %+v", resp.Message)
	}
}
