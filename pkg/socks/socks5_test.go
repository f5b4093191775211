package socks

import (
	"io"
	"net"
	"testing"
)

func TestDoHandshakeValid(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- doHandshake(server) }()

	client.Write([]byte{0x05, 0x01, 0x00})

	buf := make([]byte, 2)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if buf[0] != 0x05 || buf[1] != 0x00 {
		t.Fatalf("unexpected response: %x", buf)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
}

func TestDoHandshakeNoAuthNotOffered(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- doHandshake(server) }()

	client.Write([]byte{0x05, 0x01, 0x02})

	buf := make([]byte, 2)
	io.ReadFull(client, buf)
	if buf[1] != 0xFF {
		t.Fatalf("expected 0xFF rejection, got %x", buf[1])
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error for missing no-auth method")
	}
}

func TestDoHandshakeWrongVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- doHandshake(server) }()

	// net.Pipe is unbuffered and doHandshake stops reading after the
	// version byte pair, so the write must not block the test goroutine.
	go client.Write([]byte{0x04, 0x01, 0x00})

	if err := <-errCh; err == nil {
		t.Fatal("expected error for wrong SOCKS version")
	}
}

func TestReadConnectIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		ip   net.IP
		port uint16
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		ip, port, err := readConnect(server)
		resCh <- result{ip, port, err}
	}()

	// VER CMD RSV ATYP ADDR(4) PORT(2)
	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	client.Write(req)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("readConnect: %v", res.err)
	}
	if !res.ip.Equal(net.IPv4(93, 184, 216, 34)) {
		t.Fatalf("unexpected ip: %v", res.ip)
	}
	if res.port != 443 {
		t.Fatalf("unexpected port: %d", res.port)
	}
}

func TestReadConnectRejectsNonConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := readConnect(server)
		errCh <- err
	}()

	// CMD=0x02 (BIND), unsupported. readConnect stops after the 4-byte
	// header and writes a failure reply, so over the unbuffered pipe the
	// request is written and the reply drained off the test goroutine.
	go client.Write([]byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	go io.Copy(io.Discard, client)

	if err := <-errCh; err == nil {
		t.Fatal("expected error for non-CONNECT command")
	}
}
