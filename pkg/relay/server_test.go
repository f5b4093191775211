package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/tomrsae/ronion/internal/logging"
	"github.com/tomrsae/ronion/pkg/consumer"
	"github.com/tomrsae/ronion/pkg/index"
	"github.com/tomrsae/ronion/pkg/onion"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LogConfig{Level: "error", Output: io.Discard}, "relay-test")
}

func startIndex(t *testing.T) (addr string, signingKey [32]byte) {
	t.Helper()
	identity, err := onion.NewServerCrypto()
	if err != nil {
		t.Fatalf("NewServerCrypto: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	node := index.NewNode(identity, testLogger(), nil, nil)
	go node.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), identity.SigningPublic()
}

func startRelay(t *testing.T, indexAddr string, indexKey [32]byte) *Node {
	t.Helper()
	identity, err := onion.NewServerCrypto()
	if err != nil {
		t.Fatalf("NewServerCrypto: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatalf("LookupPort: %v", err)
	}

	node := NewNode(identity, uint16(port), indexAddr, indexKey, testLogger(), nil, nil)
	go node.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	if err := node.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return node
}

// startEcho runs a raw TCP listener that echoes back whatever it reads,
// standing in for the exit hop's destination.
func startEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// TestThreeHopCircuitRoundTrip builds a three-relay circuit through a live
// index, sends application bytes to a raw TCP echo destination through it,
// and checks the echoed reply comes back peeled to plaintext.
func TestThreeHopCircuitRoundTrip(t *testing.T) {
	indexAddr, indexKey := startIndex(t)

	relays := make([]*Node, 3)
	for i := 0; i < 3; i++ {
		relays[i] = startRelay(t, indexAddr, indexKey)
	}
	// Each relay's own cached view of the index's registry was snapshotted
	// at its own Register() call, before its peers had necessarily joined;
	// re-register now that all three are present so every relay can
	// extend a circuit to any other.
	for _, r := range relays {
		if err := r.Register(); err != nil {
			t.Fatalf("re-Register: %v", err)
		}
	}

	echoLn := startEcho(t)
	echoHost, echoPortStr, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	echoPort, err := net.LookupPort("tcp", echoPortStr)
	if err != nil {
		t.Fatalf("LookupPort: %v", err)
	}
	destIP := net.ParseIP(echoHost).To4()
	if destIP == nil {
		t.Fatalf("echo listener address %q did not resolve to an IPv4 address", echoHost)
	}

	engine := consumer.NewEngine(indexAddr, indexKey)
	if err := engine.Connect(3); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer engine.Close()

	msg := []byte("hello through the onion")
	if err := engine.SendMessage(msg, destIP, uint16(echoPort)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	done := make(chan struct{})
	var reply []byte
	var recvErr error
	go func() {
		reply, recvErr = engine.RecvMessage()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed reply")
	}
	if recvErr != nil {
		t.Fatalf("RecvMessage: %v", recvErr)
	}
	if string(reply) != string(msg) {
		t.Fatalf("expected echoed %q, got %q", msg, reply)
	}
}
